// Package storage contains the SQLite store and the narrow read interface
// consumed by the DNS path.  The management API owns all writes except the
// query log, which is written by the batched writer.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/uuid"

	// Register the CGo-free SQLite driver.
	_ "modernc.org/sqlite"
)

// schema is executed on every open.  Statements are idempotent so that an
// existing database is left intact.
const schema = `
CREATE TABLE IF NOT EXISTS custom_rules (
	id TEXT PRIMARY KEY,
	rule TEXT NOT NULL,
	is_enabled INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS filter_lists (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	url TEXT,
	is_enabled INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS dns_rewrites (
	domain TEXT PRIMARY KEY,
	answer TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS clients (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	identifiers TEXT NOT NULL,
	filter_enabled INTEGER NOT NULL DEFAULT 1,
	upstreams TEXT
);
CREATE TABLE IF NOT EXISTS client_groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 100
);
CREATE TABLE IF NOT EXISTS client_group_memberships (
	client_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	PRIMARY KEY (client_id, group_id)
);
CREATE TABLE IF NOT EXISTS client_group_rules (
	group_id TEXT NOT NULL,
	rule_id TEXT NOT NULL,
	rule_type TEXT NOT NULL,
	is_enabled INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (group_id, rule_id, rule_type)
);
CREATE TABLE IF NOT EXISTS query_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	time TEXT NOT NULL,
	client_ip TEXT NOT NULL,
	question TEXT NOT NULL,
	qtype TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT,
	elapsed_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_log_time ON query_log(time);
CREATE INDEX IF NOT EXISTS idx_query_log_client ON query_log(client_ip);
`

// Client is a row of the clients table with its JSON columns decoded.
type Client struct {
	ID            string
	Name          string
	Identifiers   []string
	Upstreams     []string
	FilterEnabled bool
}

// QueryLogRecord is one row of the query_log table.
type QueryLogRecord struct {
	Time      time.Time
	ClientIP  string
	Question  string
	QType     string
	Status    string
	Reason    string
	ElapsedMS int64
}

// Store provides access to the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path and ensures the schema.
func Open(path string, logger *slog.Logger) (s *Store, err error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// The hot path shares this pool with the batched writer.
	db.SetMaxOpenConns(20)

	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With(slogutil.KeyPrefix, "storage"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() (err error) {
	return s.db.Close()
}

// EnabledRuleTexts returns the texts of all enabled custom rules, including
// the rules materialized from enabled filter lists by the subscription
// collaborator.
func (s *Store) EnabledRuleTexts(ctx context.Context) (texts []string, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rule FROM custom_rules WHERE is_enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("querying custom rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var text string
		if err = rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scanning custom rule: %w", err)
		}

		texts = append(texts, text)
	}

	return texts, rows.Err()
}

// RewriteMap returns the dns_rewrites table as a domain-to-answer map.
func (s *Store) RewriteMap(ctx context.Context) (rewrites map[string]string, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain, answer FROM dns_rewrites`)
	if err != nil {
		return nil, fmt.Errorf("querying rewrites: %w", err)
	}
	defer func() { _ = rows.Close() }()

	rewrites = map[string]string{}
	for rows.Next() {
		var domain, answer string
		if err = rows.Scan(&domain, &answer); err != nil {
			return nil, fmt.Errorf("scanning rewrite: %w", err)
		}

		rewrites[domain] = answer
	}

	return rewrites, rows.Err()
}

// Clients returns all client rows in table-scan order.  Rows with malformed
// identifier JSON are skipped with a warning.
func (s *Store) Clients(ctx context.Context) (clients []*Client, err error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, name, identifiers, filter_enabled, upstreams FROM clients ORDER BY rowid`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			c         Client
			idsJSON   string
			upsJSON   sql.NullString
			filterInt int64
		)
		if err = rows.Scan(&c.ID, &c.Name, &idsJSON, &filterInt, &upsJSON); err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}

		c.FilterEnabled = filterInt != 0
		if err = json.Unmarshal([]byte(idsJSON), &c.Identifiers); err != nil {
			s.logger.WarnContext(
				ctx,
				"skipping client with bad identifiers",
				"client_id", c.ID,
				slogutil.KeyError, err,
			)

			continue
		}

		if upsJSON.Valid && upsJSON.String != "" {
			if err = json.Unmarshal([]byte(upsJSON.String), &c.Upstreams); err != nil {
				s.logger.WarnContext(
					ctx,
					"ignoring bad upstreams of client",
					"client_id", c.ID,
					slogutil.KeyError, err,
				)
				c.Upstreams = nil
			}
		}

		clients = append(clients, &c)
	}

	return clients, rows.Err()
}

// GroupRuleTexts returns the texts of the enabled custom rules bound to the
// groups the client belongs to, ordered by group priority ascending.  Only
// bindings of type custom_rule feed the DNS path; filter and rewrite
// bindings are administrative metadata.
func (s *Store) GroupRuleTexts(ctx context.Context, clientID string) (texts []string, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cr.rule
		FROM client_group_memberships m
		JOIN client_groups g ON g.id = m.group_id
		JOIN client_group_rules gr ON gr.group_id = g.id
		JOIN custom_rules cr ON cr.id = gr.rule_id
		WHERE m.client_id = ?
			AND gr.rule_type = 'custom_rule'
			AND gr.is_enabled = 1
			AND cr.is_enabled = 1
		ORDER BY g.priority ASC`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying group rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var text string
		if err = rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scanning group rule: %w", err)
		}

		texts = append(texts, text)
	}

	return texts, rows.Err()
}

// InsertQueryLogBatch writes all records in a single transaction.
func (s *Store) InsertQueryLogBatch(ctx context.Context, batch []QueryLogRecord) (err error) {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning query log transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO query_log (time, client_ip, question, qtype, status, reason, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("preparing query log insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range batch {
		var reason any
		if rec.Reason != "" {
			reason = rec.Reason
		}

		_, err = stmt.ExecContext(
			ctx,
			rec.Time.Format(time.RFC3339),
			rec.ClientIP,
			rec.Question,
			rec.QType,
			rec.Status,
			reason,
			rec.ElapsedMS,
		)
		if err != nil {
			return fmt.Errorf("inserting query log row: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteQueryLogBefore removes query log rows older than t and returns the
// number of deleted rows.
func (s *Store) DeleteQueryLogBefore(ctx context.Context, t time.Time) (n int64, err error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM query_log WHERE time < ?`,
		t.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting old query log rows: %w", err)
	}

	return res.RowsAffected()
}

// AddRule inserts a custom rule row and returns its generated ID.  It is used
// by administrative paths and test fixtures.
func (s *Store) AddRule(ctx context.Context, text string, enabled bool) (id string, err error) {
	id = uuid.NewString()
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO custom_rules (id, rule, is_enabled) VALUES (?, ?, ?)`,
		id,
		text,
		boolInt(enabled),
	)
	if err != nil {
		return "", fmt.Errorf("inserting custom rule: %w", err)
	}

	return id, nil
}

// AddRewrite inserts or replaces a rewrite row.
func (s *Store) AddRewrite(ctx context.Context, domain, answer string) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO dns_rewrites (domain, answer) VALUES (?, ?)`,
		domain,
		answer,
	)
	if err != nil {
		return fmt.Errorf("inserting rewrite: %w", err)
	}

	return nil
}

// AddClient inserts a client row and returns its generated ID.
func (s *Store) AddClient(ctx context.Context, c *Client) (id string, err error) {
	id = c.ID
	if id == "" {
		id = uuid.NewString()
	}

	idsJSON, err := json.Marshal(c.Identifiers)
	if err != nil {
		return "", fmt.Errorf("encoding identifiers: %w", err)
	}

	var upsJSON any
	if len(c.Upstreams) > 0 {
		var data []byte
		data, err = json.Marshal(c.Upstreams)
		if err != nil {
			return "", fmt.Errorf("encoding upstreams: %w", err)
		}

		upsJSON = string(data)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO clients (id, name, identifiers, filter_enabled, upstreams)
		VALUES (?, ?, ?, ?, ?)`,
		id,
		c.Name,
		string(idsJSON),
		boolInt(c.FilterEnabled),
		upsJSON,
	)
	if err != nil {
		return "", fmt.Errorf("inserting client: %w", err)
	}

	return id, nil
}

// AddGroup inserts a client group row and returns its generated ID.
func (s *Store) AddGroup(ctx context.Context, name string, priority int) (id string, err error) {
	id = uuid.NewString()
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO client_groups (id, name, priority) VALUES (?, ?, ?)`,
		id,
		name,
		priority,
	)
	if err != nil {
		return "", fmt.Errorf("inserting client group: %w", err)
	}

	return id, nil
}

// AddGroupMembership binds a client to a group.
func (s *Store) AddGroupMembership(ctx context.Context, clientID, groupID string) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO client_group_memberships (client_id, group_id) VALUES (?, ?)`,
		clientID,
		groupID,
	)
	if err != nil {
		return fmt.Errorf("inserting group membership: %w", err)
	}

	return nil
}

// AddGroupRule binds a rule to a group.
func (s *Store) AddGroupRule(
	ctx context.Context,
	groupID string,
	ruleID string,
	ruleType string,
	enabled bool,
) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO client_group_rules (group_id, rule_id, rule_type, is_enabled)
		VALUES (?, ?, ?, ?)`,
		groupID,
		ruleID,
		ruleType,
		boolInt(enabled),
	)
	if err != nil {
		return fmt.Errorf("inserting group rule: %w", err)
	}

	return nil
}

func boolInt(b bool) (n int64) {
	if b {
		return 1
	}

	return 0
}
