package store

import (
	"context"
	"errors"
	"sync"
)

// ErrSealed is returned by Sealed.Do after Seal.
var ErrSealed = errors.New("writer is sealed")

// Sealed forwards upserts to a Writer until Seal is called. Later upserts
// are dropped silently, so a revision loop abandoned by its deadline cannot
// overwrite the entry recorded in its place.
type Sealed struct {
	w Writer

	mu      sync.Mutex
	sealed  bool
	dropped int
}

// NewSealed wraps w.
func NewSealed(w Writer) *Sealed {
	return &Sealed{w: w}
}

// Upsert implements Writer.
func (s *Sealed) Upsert(ctx context.Context, key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		s.dropped++
		return nil
	}
	return s.w.Upsert(ctx, key, e)
}

// Do runs fn under the seal, so side effects that belong with the upserts
// (revision and final files) stop at the same point. It returns ErrSealed
// without calling fn once sealed.
func (s *Sealed) Do(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return ErrSealed
	}
	return fn()
}

// Seal stops forwarding. It waits for an in-flight upsert to finish, so no
// write through s can land after Seal returns.
func (s *Sealed) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// Dropped returns how many upserts arrived after Seal.
func (s *Sealed) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
