package querylog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entdns/entdns/internal/querylog"
	"github.com/entdns/entdns/internal/storage"
)

// testTimeout is the timeout of writer tests.
const testTimeout = 3 * time.Second

// fakeStorage is a [querylog.Storage] capturing flushed batches.
type fakeStorage struct {
	mu      sync.Mutex
	batches [][]storage.QueryLogRecord
	flushed chan int
	err     error
}

// type check
var _ querylog.Storage = (*fakeStorage)(nil)

func newFakeStorage() (s *fakeStorage) {
	return &fakeStorage{
		flushed: make(chan int, 16),
	}
}

func (s *fakeStorage) InsertQueryLogBatch(
	_ context.Context,
	batch []storage.QueryLogRecord,
) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		s.flushed <- 0

		return s.err
	}

	cp := make([]storage.QueryLogRecord, len(batch))
	copy(cp, batch)
	s.batches = append(s.batches, cp)
	s.flushed <- len(batch)

	return nil
}

func (s *fakeStorage) total() (n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.batches {
		n += len(b)
	}

	return n
}

func newRecord(q string) (rec storage.QueryLogRecord) {
	return storage.QueryLogRecord{
		Time:     time.Now(),
		ClientIP: "10.0.0.1",
		Question: q,
		QType:    "A",
		Status:   "allowed",
	}
}

func TestWriter_batchSizeFlush(t *testing.T) {
	store := newFakeStorage()
	w := querylog.NewWriter(slogutil.NewDiscardLogger(), store)
	w.Start()
	testutil.CleanupAndRequireSuccess(t, w.Close)

	for range 100 {
		w.Enqueue(newRecord("example.org."))
	}

	// The batch flushes when it reaches 100 entries, well before the
	// interval tick.
	n, _ := testutil.RequireReceive(t, store.flushed, testTimeout)
	assert.Equal(t, 100, n)
}

func TestWriter_intervalFlush(t *testing.T) {
	store := newFakeStorage()
	w := querylog.NewWriter(slogutil.NewDiscardLogger(), store)
	w.Start()
	testutil.CleanupAndRequireSuccess(t, w.Close)

	w.Enqueue(newRecord("example.org."))

	n, _ := testutil.RequireReceive(t, store.flushed, testTimeout)
	assert.Equal(t, 1, n)
}

func TestWriter_closeFlushes(t *testing.T) {
	store := newFakeStorage()
	w := querylog.NewWriter(slogutil.NewDiscardLogger(), store)
	w.Start()

	for range 7 {
		w.Enqueue(newRecord("example.org."))
	}

	require.NoError(t, w.Close())

	assert.Equal(t, 7, store.total())

	// Enqueue after close is a no-op, and closing again is fine.
	w.Enqueue(newRecord("late.example."))
	require.NoError(t, w.Close())
	assert.Equal(t, 7, store.total())
}

func TestWriter_commitFailureDropsBatch(t *testing.T) {
	store := newFakeStorage()
	store.err = errors.Error("commit failed")

	w := querylog.NewWriter(slogutil.NewDiscardLogger(), store)
	w.Start()

	w.Enqueue(newRecord("example.org."))
	_, _ = testutil.RequireReceive(t, store.flushed, testTimeout)

	// The failed batch is dropped, not retried:  after the store heals,
	// only new entries arrive.
	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()

	w.Enqueue(newRecord("second.example."))
	_, _ = testutil.RequireReceive(t, store.flushed, testTimeout)

	require.NoError(t, w.Close())

	require.Equal(t, 1, store.total())
	assert.Equal(t, "second.example.", store.batches[0][0].Question)
}
