package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/refine/internal/fsutil"
)

// FinalKind selects which final output file an artifact ends with.
type FinalKind string

const (
	FinalPass       FinalKind = "final"
	FinalUnresolved FinalKind = "final_unresolved"
	FinalFallback   FinalKind = "final_fallback"
)

const (
	revisionsDir = "revisions"
	finalDir     = "final"
	filePerm     = 0o644
)

// Workspace lays out revision and final files under one output root:
//
//	<root>/revisions/<name>_v<i>.<ext>
//	<root>/final/<name>_<kind>.<ext>
type Workspace struct {
	root string
}

// NewWorkspace creates the workspace directories under root.
func NewWorkspace(root string) (*Workspace, error) {
	for _, dir := range []string{filepath.Join(root, revisionsDir), filepath.Join(root, finalDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace dir %s: %w", dir, err)
		}
	}
	return &Workspace{root: root}, nil
}

// Root returns the output root.
func (w *Workspace) Root() string {
	return w.root
}

// RevisionPath returns the file path of a revision.
func (w *Workspace) RevisionPath(id Identity) string {
	return filepath.Join(w.root, revisionsDir, id.Key())
}

// FinalPath returns the file path of a final output.
func (w *Workspace) FinalPath(name, ext string, kind FinalKind) string {
	file := name + "_" + string(kind)
	if ext != "" {
		file += "." + ext
	}
	return filepath.Join(w.root, finalDir, file)
}

// Read loads a revision.
func (w *Workspace) Read(id Identity) (Artifact, error) {
	data, err := os.ReadFile(w.RevisionPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, id.Key())
		}
		return Artifact{}, fmt.Errorf("reading %s: %w", id.Key(), err)
	}
	return Artifact{Identity: id, Text: string(data)}, nil
}

// Write stores a new revision. Revisions are immutable: writing an index
// that already exists fails with ErrRevisionExists.
func (w *Workspace) Write(a Artifact) error {
	err := fsutil.CreateExclusive(w.RevisionPath(a.Identity), []byte(a.Text), filePerm)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrRevisionExists, a.Key())
	}
	return err
}

// Latest returns the highest revision index present for the source, or
// found=false when none has been written. Indices are dense, so the scan
// walks upwards from zero.
func (w *Workspace) Latest(src Source) (int, bool, error) {
	latest := -1
	for rev := 0; ; rev++ {
		_, err := os.Stat(w.RevisionPath(src.Identity(rev)))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return 0, false, fmt.Errorf("checking revision %d of %s: %w", rev, src.Name, err)
		}
		latest = rev
	}
	return latest, latest >= 0, nil
}

// Seed copies the original source to revision 0 unless it already exists,
// and returns the latest revision on disk.
func (w *Workspace) Seed(src Source) (Artifact, error) {
	latest, found, err := w.Latest(src)
	if err != nil {
		return Artifact{}, err
	}
	if found {
		return w.Read(src.Identity(latest))
	}

	text, err := ReadSource(src)
	if err != nil {
		return Artifact{}, err
	}
	a := Artifact{Identity: src.Identity(0), Text: text}
	if err := w.Write(a); err != nil && !errors.Is(err, ErrRevisionExists) {
		return Artifact{}, err
	}
	return a, nil
}

// WriteFinal atomically writes (or replaces) a final output file.
func (w *Workspace) WriteFinal(name, ext string, kind FinalKind, text string) (string, error) {
	path := w.FinalPath(name, ext, kind)
	if err := fsutil.WriteFileAtomic(path, []byte(text), filePerm); err != nil {
		return "", fmt.Errorf("writing final %s: %w", filepath.Base(path), err)
	}
	return path, nil
}

// ClearFinals removes every final output of the artifact except keep, so a
// rerun that ends differently leaves exactly one final file behind.
func (w *Workspace) ClearFinals(name, ext string, keep FinalKind) error {
	for _, kind := range []FinalKind{FinalPass, FinalUnresolved, FinalFallback} {
		if kind == keep {
			continue
		}
		err := os.Remove(w.FinalPath(name, ext, kind))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing stale final: %w", err)
		}
	}
	return nil
}

// FinalExists reports whether a final output is present.
func (w *Workspace) FinalExists(name, ext string, kind FinalKind) bool {
	_, err := os.Stat(w.FinalPath(name, ext, kind))
	return err == nil
}

// ReadSource returns the original program text.
func ReadSource(src Source) (string, error) {
	data, err := os.ReadFile(src.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: source %s", ErrNotFound, src.Path)
		}
		return "", fmt.Errorf("reading source %s: %w", src.Path, err)
	}
	return string(data), nil
}

// ReadReference returns the reference program text, or "" when none is set.
func ReadReference(src Source) (string, error) {
	if src.Reference == "" {
		return "", nil
	}
	data, err := os.ReadFile(src.Reference)
	if err != nil {
		return "", fmt.Errorf("reading reference %s: %w", src.Reference, err)
	}
	return string(data), nil
}
