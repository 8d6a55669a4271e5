package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
)

const (
	defaultCols = 120
	defaultRows = 30
)

// Profile is one launch configuration: which shell to run, where, and with
// what initial terminal geometry.
type Profile struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Cwd     string            `yaml:"cwd,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Cols    int               `yaml:"cols,omitempty"`
	Rows    int               `yaml:"rows,omitempty"`
}

// LaunchSpec is a Profile resolved into the concrete values a session needs:
// split argv, absolute working directory, merged environment, clamped size.
type LaunchSpec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
	Cols int
	Rows int
}

// DisplayName is the human-facing shell name, derived from the executable.
func (s LaunchSpec) DisplayName() string {
	return filepath.Base(s.Path)
}

// LaunchSpec resolves the profile. The command string is split with shell
// quoting rules, the cwd may use a leading ~, and the profile's env entries
// are appended to the host environment.
func (p *Profile) LaunchSpec() (LaunchSpec, error) {
	argv, err := shellquote.Split(p.Command)
	if err != nil {
		return LaunchSpec{}, fmt.Errorf("profile %q: parse command: %w", p.Name, err)
	}
	if len(argv) == 0 {
		return LaunchSpec{}, fmt.Errorf("profile %q: empty command", p.Name)
	}

	dir, err := expandHome(p.Cwd)
	if err != nil {
		return LaunchSpec{}, fmt.Errorf("profile %q: resolve cwd: %w", p.Name, err)
	}

	env := os.Environ()
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+p.Env[k])
	}

	spec := LaunchSpec{
		Path: argv[0],
		Args: argv[1:],
		Dir:  dir,
		Env:  env,
		Cols: p.Cols,
		Rows: p.Rows,
	}
	if spec.Cols <= 0 {
		spec.Cols = defaultCols
	}
	if spec.Rows <= 0 {
		spec.Rows = defaultRows
	}
	return spec, nil
}

func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
