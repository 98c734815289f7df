// Package home wires the components together and runs the process.
package home

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/entdns/entdns/internal/client"
	"github.com/entdns/entdns/internal/dnsforward"
	"github.com/entdns/entdns/internal/events"
	"github.com/entdns/entdns/internal/filtering"
	"github.com/entdns/entdns/internal/metrics"
	"github.com/entdns/entdns/internal/querylog"
	"github.com/entdns/entdns/internal/storage"
	"github.com/entdns/entdns/internal/web"
)

// retentionSweepInterval is how often old query log rows are removed.
const retentionSweepInterval = time.Hour

// Main is the entry point called from the root package.
func Main() {
	confPath := flag.String("c", "", "path to the configuration file")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	conf, err := loadConfig(*confPath)
	if err != nil {
		l := slogutil.New(&slogutil.Config{Format: slogutil.FormatDefault})
		l.Error("loading configuration", slogutil.KeyError, err)
		os.Exit(1)
	}

	logger := newLogger(&conf.Logging, *verbose)
	if err = run(conf, logger); err != nil {
		logger.Error("fatal", slogutil.KeyError, err)
		os.Exit(1)
	}
}

// newLogger builds the process logger per the logging settings.
func newLogger(conf *loggingConfig, verbose bool) (l *slog.Logger) {
	lvl := slog.LevelInfo
	if verbose || conf.Verbose {
		lvl = slog.LevelDebug
	}

	if conf.File != "" {
		out := &lumberjack.Logger{
			Filename:   conf.File,
			MaxSize:    100,
			MaxBackups: 3,
			Compress:   true,
		}

		return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl}))
	}

	return slogutil.New(&slogutil.Config{
		Format:       slogutil.FormatDefault,
		Level:        lvl,
		AddTimestamp: true,
	})
}

// run starts every component and blocks until shutdown.
func run(conf *configuration, logger *slog.Logger) (err error) {
	ctx := context.Background()

	store, err := storage.Open(conf.Database.Path, logger)
	if err != nil {
		return err
	}

	filter := filtering.NewEngine(logger, store)
	// A missing or broken store is fatal on cold start.
	if err = filter.Reload(ctx); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	clients := client.NewResolver(logger, store)
	broadcaster := events.NewBroadcaster()

	logWriter := querylog.NewWriter(logger, store)
	logWriter.Start()

	dnsSrv, err := dnsforward.NewServer(&dnsforward.Config{
		Logger:            logger,
		Filter:            filter,
		Clients:           clients,
		QueryLog:          logWriter,
		Events:            broadcaster,
		Bind:              conf.DNS.Bind,
		Port:              conf.DNS.Port,
		Upstreams:         conf.DNS.Upstreams,
		AllowedClients:    conf.DNS.AllowedClients,
		DisallowedClients: conf.DNS.DisallowedClients,
		SyntheticTTL:      conf.DNS.BlockedResponseTTL,
	})
	if err != nil {
		return err
	}

	webSrv := web.New(&web.Config{
		Logger:             logger,
		DNS:                dnsSrv,
		Registry:           registry,
		Bind:               conf.API.Bind,
		Port:               conf.API.Port,
		CORSAllowedOrigins: conf.API.CORSAllowedOrigins,
		DoHEnabled:         conf.DNS.DoHEnabled,
	})

	errCh := make(chan error, 4)
	dnsSrv.Start(errCh)
	webSrv.Start(errCh)

	sweepDone := make(chan struct{})
	go sweepQueryLog(ctx, logger, store, conf.Database.QueryLogRetentionDays, sweepDone)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err = <-errCh:
		logger.Error("component failed", slogutil.KeyError, err)
	}

	close(sweepDone)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return errors.Join(
		err,
		dnsSrv.Shutdown(shutdownCtx),
		webSrv.Shutdown(shutdownCtx),
		logWriter.Close(),
		store.Close(),
	)
}

// sweepQueryLog periodically deletes query log rows past the retention
// period.  A zero retention disables the sweep.
func sweepQueryLog(
	ctx context.Context,
	logger *slog.Logger,
	store *storage.Store,
	retentionDays uint,
	done <-chan struct{},
) {
	if retentionDays == 0 {
		return
	}

	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	retention := time.Duration(retentionDays) * 24 * time.Hour
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			n, err := store.DeleteQueryLogBefore(ctx, cutoff)
			if err != nil {
				logger.Warn("query log sweep", slogutil.KeyError, err)
			} else if n > 0 {
				logger.Debug("query log sweep", "deleted", n)
			}
		case <-done:
			return
		}
	}
}
