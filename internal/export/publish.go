// Package export materializes the published JSON documents the dashboard
// reads from disk.
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrEmptyDocument rejects degenerate output before it can replace a file.
var ErrEmptyDocument = errors.New("export: empty document")

// Publisher atomically replaces files in a directory.
type Publisher struct {
	dir    string
	logger *slog.Logger

	// write fills the temp file. Tests replace it to simulate failures.
	write func(f *os.File, data []byte) error
}

// NewPublisher creates the target directory if needed.
func NewPublisher(dir string, logger *slog.Logger) (*Publisher, error) {
	if dir == "" {
		return nil, errors.New("export directory is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory %s: %w", dir, err)
	}
	return &Publisher{
		dir:    dir,
		logger: logger.With("component", "publisher"),
		write: func(f *os.File, data []byte) error {
			_, err := f.Write(data)
			return err
		},
	}, nil
}

// Dir returns the directory documents are published to.
func (p *Publisher) Dir() string {
	return p.dir
}

// PublishJSON encodes v and publishes it under name.
func (p *Publisher) PublishJSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return p.Publish(name, data)
}

// Publish writes data to a temp file next to the target, syncs it and
// renames it into place. On any failure the published file is untouched.
func (p *Publisher) Publish(name string, data []byte) (err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("publish %s: %w", name, ErrEmptyDocument)
	}

	target := filepath.Join(p.dir, name)
	tmp, err := os.CreateTemp(p.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("publish %s: create temp: %w", name, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				p.logger.Debug("failed to remove temp export", "path", tmpName, "err", rmErr)
			}
		}
	}()

	if err = p.write(tmp, data); err != nil {
		return fmt.Errorf("publish %s: write: %w", name, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("publish %s: sync: %w", name, err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("publish %s: chmod: %w", name, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("publish %s: close: %w", name, err)
	}
	if err = os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("publish %s: rename: %w", name, err)
	}
	return nil
}
