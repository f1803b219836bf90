package artifact

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// manifestFile is the on-disk TOML layout:
//
//	[[artifact]]
//	path = "programs/snake.py"
//	name = "snake"               # optional, defaults to the file stem
//	reference = "refs/snake.py"  # optional
//	brief = "Classic snake on a 20x20 grid."
type manifestFile struct {
	Artifacts []manifestEntry `toml:"artifact"`
}

type manifestEntry struct {
	Name      string `toml:"name"`
	Path      string `toml:"path"`
	Reference string `toml:"reference"`
	Brief     string `toml:"brief"`
}

// LoadManifest reads a TOML manifest. Relative paths resolve against the
// manifest's directory. Order is preserved.
func LoadManifest(path string) ([]Source, error) {
	var mf manifestFile
	md, err := toml.DecodeFile(path, &mf)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("manifest %s: unknown keys %v", path, undecoded)
	}

	base := filepath.Dir(path)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	sources := make([]Source, 0, len(mf.Artifacts))
	for i, e := range mf.Artifacts {
		if e.Path == "" {
			return nil, fmt.Errorf("manifest %s: artifact %d has no path", path, i)
		}
		src := SourceFromPath(resolve(e.Path))
		if e.Name != "" {
			if strings.ContainsAny(e.Name, `/\`) {
				return nil, fmt.Errorf("manifest %s: artifact name %q contains a path separator", path, e.Name)
			}
			src.Name = e.Name
		}
		src.Reference = resolve(e.Reference)
		src.Brief = e.Brief
		sources = append(sources, src)
	}

	if err := checkUnique(sources); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return sources, nil
}
