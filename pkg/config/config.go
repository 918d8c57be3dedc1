// Package config resolves the module search path (§6.4): where the task
// subsystem's module manager looks for a `<name>.<ext>` source file when it
// is asked to load a module that isn't already in its compile cache.
//
// This is deliberately the one seam in the repo that stays on os.Getenv
// plus strings.Split rather than reaching for a config-file library — see
// DESIGN.md for why a single colon-separated env var doesn't earn a
// dependency the rest of the ambient stack (logging, CLI, the module
// manager's manifest) already covers with gopkg.in/yaml.v3 and cobra.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultExt is the source file extension used when none is configured.
const DefaultExt = "nim"

// PathEnv is the environment variable §6.4 names (NIM_PATH), colon-separated.
const PathEnv = "NIM_PATH"

// ExtEnv optionally overrides the configured source extension.
const ExtEnv = "NIM_EXT"

// Path is the resolved module search configuration: an ordered list of
// directories to probe, and the extension appended to a bare module name.
type Path struct {
	Dirs []string
	Ext  string
}

// Load resolves Path from the environment (§6.4): NIM_PATH, colon-separated,
// defaulting to the current working directory when unset or empty; NIM_EXT
// overrides the default source extension.
func Load() (Path, error) {
	ext := DefaultExt
	if e := os.Getenv(ExtEnv); e != "" {
		ext = e
	}

	raw := os.Getenv(PathEnv)
	var dirs []string
	for _, d := range strings.Split(raw, ":") {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	if len(dirs) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			return Path{}, err
		}
		dirs = []string{cwd}
	}
	return Path{Dirs: dirs, Ext: ext}, nil
}

// Resolve finds the first `<dir>/<name>.<ext>` that exists across p.Dirs, in
// order, and returns its path. Returns an error listing every directory
// probed if none contains the module.
func (p Path) Resolve(name string) (string, error) {
	for _, dir := range p.Dirs {
		candidate := filepath.Join(dir, name+"."+p.Ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", &NotFoundError{Name: name, Dirs: p.Dirs, Ext: p.Ext}
}

// IsSourceExt reports whether filename's extension matches ext (the
// configured source extension, without its leading dot), i.e. whether
// filename looks like source text rather than an already-serialized code
// object (cmd/nim uses this to decide whether run/compile need a Frontend
// they don't have).
func IsSourceExt(filename, ext string) bool {
	got := filepath.Ext(filename)
	return got == "."+ext
}

// NotFoundError reports that name could not be found anywhere on the path.
type NotFoundError struct {
	Name string
	Dirs []string
	Ext  string
}

func (e *NotFoundError) Error() string {
	return "module " + e.Name + "." + e.Ext + " not found in " + strings.Join(e.Dirs, ":")
}
