// Package store persists evaluation outcomes in a single JSON document
// keyed by revision ("<name>_v<i>.<ext>").
//
// Every upsert rewrites the whole document through a temp file, fsync and
// atomic rename, under an in-process mutex and a cross-process advisory
// lock. Readers therefore see either the previous or the next complete
// document. Several refine processes may share one store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/fsutil"
	"github.com/fyrsmithlabs/refine/internal/logging"
	"go.uber.org/zap"
)

var (
	// ErrCorrupted is returned when the document on disk is not valid JSON.
	ErrCorrupted = errors.New("result store is corrupted")

	errLockTimeout = errors.New("lock wait exceeded")
)

// Entry is the stored outcome of one revision.
type Entry struct {
	Metrics            evaluation.MetricsRecord `json:"metrics"`
	ReflectionPrompt   string                   `json:"reflectionPrompt"`
	ReflectionResponse string                   `json:"reflectionResponse"`
}

// Writer accepts keyed upserts.
type Writer interface {
	Upsert(ctx context.Context, key string, e Entry) error
}

// Options tunes locking.
type Options struct {
	LockWait time.Duration
	LockPoll time.Duration
	Logger   *logging.Logger
}

// OptionsFromConfig maps the store section of the configuration.
func OptionsFromConfig(cfg config.StoreConfig, logger *logging.Logger) Options {
	return Options{LockWait: cfg.LockWait, LockPoll: cfg.LockPoll, Logger: logger}
}

// Store is the shared result document.
type Store struct {
	path   string
	opts   Options
	logger *logging.Logger

	mu sync.Mutex
}

// Open prepares a store at path. The file is created on first upsert; an
// existing file must parse.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	s := &Store{path: path, opts: opts, logger: opts.Logger}
	if _, err := s.readRaw(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load returns every entry. A missing document loads as empty.
func (s *Store) Load() (map[string]Entry, error) {
	return Read(s.path)
}

// Get returns the entry stored under key.
func (s *Store) Get(key string) (Entry, bool, error) {
	raw, err := s.readRaw()
	if err != nil {
		return Entry{}, false, err
	}
	msg, ok := raw[key]
	if !ok {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal(msg, &e); err != nil {
		return Entry{}, false, fmt.Errorf("%w: entry %s: %v", ErrCorrupted, key, err)
	}
	return e, true, nil
}

// Upsert inserts or replaces the entry at key. Entries written by other
// processes are preserved byte for byte.
func (s *Store) Upsert(ctx context.Context, key string, e Entry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := acquireLock(ctx, s.path+".lock", s.opts.LockWait, s.opts.LockPoll)
	switch {
	case errors.Is(err, errLockTimeout):
		s.logger.Warn(ctx, "store lock wait exceeded, writing without lock",
			zap.String("path", s.path),
			zap.Duration("lock_wait", s.opts.LockWait))
	case err != nil:
		return fmt.Errorf("locking store: %w", err)
	}
	defer lock.release()

	doc, err := s.readRaw()
	if err != nil {
		return err
	}
	doc[key] = value

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing store: %w", err)
	}

	s.logger.Trace(ctx, "store upsert", zap.String("key", key))
	return nil
}

func (s *Store) readRaw() (map[string]json.RawMessage, error) {
	return readRaw(s.path)
}

// Read loads the document at path without opening a Store.
func Read(path string) (map[string]Entry, error) {
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(raw))
	for k, msg := range raw {
		var e Entry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("%w: entry %s: %v", ErrCorrupted, k, err)
		}
		out[k] = e
	}
	return out, nil
}

func readRaw(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading store: %w", err)
	}
	if len(data) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, path, err)
	}
	if doc == nil {
		// A literal "null" document.
		doc = map[string]json.RawMessage{}
	}
	return doc, nil
}
