package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ensureDefaults writes a "shell" profile pointing at the user's login shell
// when the directory contains no profiles yet. An existing yaml file, even an
// unrelated one, suppresses seeding so user edits are never clobbered.
func ensureDefaults(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read profiles dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			return nil
		}
	}

	data, err := yaml.Marshal(defaultShellProfile())
	if err != nil {
		return fmt.Errorf("marshal default profile: %w", err)
	}
	path := filepath.Join(dir, "shell.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default profile %q: %w", path, err)
	}
	return nil
}

func defaultShellProfile() *Profile {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Profile{
		Name:    "shell",
		Command: shell,
		Cwd:     "~",
		Cols:    defaultCols,
		Rows:    defaultRows,
	}
}
