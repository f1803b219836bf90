//go:build !unix

package store

import (
	"context"
	"time"
)

// fileLock is a no-op where flock(2) is unavailable; the in-process mutex
// still serialises writers within one process.
type fileLock struct{}

func acquireLock(context.Context, string, time.Duration, time.Duration) (*fileLock, error) {
	return &fileLock{}, nil
}

func (l *fileLock) release() {}
