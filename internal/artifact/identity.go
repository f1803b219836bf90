// Package artifact names program revisions and manages their files.
//
// A revision is identified by the source name and a dense, zero-based
// index. Revision files are written once and never modified; final outputs
// are overwritten atomically.
package artifact

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

var (
	// ErrRevisionExists is returned when writing a revision that is already on disk.
	ErrRevisionExists = errors.New("revision already exists")

	// ErrNotFound is returned when a revision or source cannot be found.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidKey is returned by ParseKey for malformed keys.
	ErrInvalidKey = errors.New("invalid artifact key")
)

// Identity names one revision of one artifact.
type Identity struct {
	Name     string
	Revision int
	Ext      string // without the leading dot
}

// Key renders "<name>_v<revision>.<ext>", the Result Store key and the
// revision file name.
func (id Identity) Key() string {
	if id.Ext == "" {
		return fmt.Sprintf("%s_v%d", id.Name, id.Revision)
	}
	return fmt.Sprintf("%s_v%d.%s", id.Name, id.Revision, id.Ext)
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return id.Key()
}

// Next returns the identity of the following revision.
func (id Identity) Next() Identity {
	id.Revision++
	return id
}

// At returns the identity of revision rev of the same artifact.
func (id Identity) At(rev int) Identity {
	id.Revision = rev
	return id
}

var keyPattern = regexp.MustCompile(`^(.+)_v(\d+)(?:\.([^.]+))?$`)

// ParseKey inverts Key.
func ParseKey(key string) (Identity, error) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	rev, err := strconv.Atoi(m[2])
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %q: %v", ErrInvalidKey, key, err)
	}
	return Identity{Name: m[1], Revision: rev, Ext: m[3]}, nil
}

// Artifact is one immutable revision of a program.
type Artifact struct {
	Identity
	Text string
}
