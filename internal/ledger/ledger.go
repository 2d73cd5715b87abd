// Package ledger persists GPU process aggregates, per-poll snapshots and GPU
// metric samples in an embedded badger database.
//
// Every mutation runs inside a badger transaction, so a fold and the snapshot
// recorded with it commit together and concurrent readers observe either the
// state before or after a write, never a partial one.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

const (
	maxConflictRetries = 5
	deleteChunkSize    = 1000
	gcDiscardRatio     = 0.5
)

// Config describes where and how the ledger database is opened.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM. Used by tests and dry runs.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives badger's internal messages. Nil silences them.
	Logger *slog.Logger
}

// Ledger is the durable process and metric store.
type Ledger struct {
	db       *badger.DB
	inMemory bool
	logger   *slog.Logger
}

// Open opens (creating if needed) the ledger described by cfg.
func Open(cfg Config) (*Ledger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("ledger path is required for persistent storage")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Ledger{db: db, inMemory: cfg.InMemory, logger: logger}, nil
}

// OpenInMemory opens a throwaway ledger.
func OpenInMemory() (*Ledger, error) {
	return Open(Config{InMemory: true})
}

// Close flushes and closes the underlying database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// update runs fn in a read-write transaction, re-running it from a fresh
// snapshot when the commit loses a write conflict.
func (l *Ledger) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = l.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		l.logger.Debug("ledger transaction conflict, retrying", "attempt", attempt+1)
	}
	return err
}

func (l *Ledger) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.View(fn)
}

// badgerLogger adapts slog to badger's Logger interface. Badger's info
// chatter is demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (b *badgerLogger) Errorf(format string, args ...any) {
	b.logger.Error(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Warningf(format string, args ...any) {
	b.logger.Warn(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Infof(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Debugf(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}
