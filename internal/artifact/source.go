package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Source describes one input program to repair.
type Source struct {
	Name      string
	Path      string
	Ext       string // without the leading dot
	Reference string // optional reference program embedded in repair prompts
	Brief     string // optional requirements text handed to the judges
}

// Identity returns the identity of revision rev of this source.
func (s Source) Identity(rev int) Identity {
	return Identity{Name: s.Name, Revision: rev, Ext: s.Ext}
}

// SourceFromPath derives a Source from a file path.
func SourceFromPath(path string) Source {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return Source{
		Name: strings.TrimSuffix(base, ext),
		Path: path,
		Ext:  strings.TrimPrefix(ext, "."),
	}
}

// Discover lists the regular files in dir whose extension is in exts,
// sorted by name. An empty exts accepts every file.
func Discover(dir string, exts []string) ([]Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading source dir %s: %w", dir, err)
	}

	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed["."+strings.TrimPrefix(strings.ToLower(e), ".")] = true
	}

	var sources []Source
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		sources = append(sources, SourceFromPath(filepath.Join(dir, entry.Name())))
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
	if err := checkUnique(sources); err != nil {
		return nil, err
	}
	return sources, nil
}

// checkUnique rejects two sources mapping to the same artifact name.
func checkUnique(sources []Source) error {
	seen := make(map[string]string, len(sources))
	for _, s := range sources {
		if prev, ok := seen[s.Name]; ok {
			return fmt.Errorf("duplicate artifact name %q: %s and %s", s.Name, prev, s.Path)
		}
		seen[s.Name] = s.Path
	}
	return nil
}
