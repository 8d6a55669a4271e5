// Package registry loads shell launch profiles from a directory of yaml
// files, one profile per file, and resolves them into launch specs.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var profileNamePattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

type Registry struct {
	dir      string
	profiles map[string]*Profile
	mu       sync.RWMutex
}

// NewRegistry opens the profile directory, seeding it with a default shell
// profile when it holds no yaml files yet.
func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("profiles dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profiles dir: %w", err)
	}
	if err := ensureDefaults(dir); err != nil {
		return nil, err
	}

	r := &Registry{
		dir:      dir,
		profiles: make(map[string]*Profile),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns a copy of the named profile, or nil if it does not exist.
func (r *Registry) Get(name string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[name]
	if !ok {
		return nil
	}
	return cloneProfile(p)
}

// List returns all profiles sorted by name.
func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		result = append(result, cloneProfile(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (r *Registry) Reload() error {
	loaded, err := loadDir(r.dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.profiles = loaded
	r.mu.Unlock()
	return nil
}

// Save validates and persists a profile, replacing any existing one with the
// same name.
func (r *Registry) Save(p *Profile) error {
	if p == nil {
		return errors.New("profile is required")
	}
	clean := cloneProfile(p)
	if err := validate(clean); err != nil {
		return err
	}

	data, err := yaml.Marshal(clean)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	path := filepath.Join(r.dir, clean.Name+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write profile %q: %w", path, err)
	}

	r.mu.Lock()
	r.profiles[clean.Name] = clean
	r.mu.Unlock()
	return nil
}

func loadDir(dir string) (map[string]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profiles dir: %w", err)
	}

	loaded := make(map[string]*Profile)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		p, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if _, exists := loaded[p.Name]; exists {
			return nil, fmt.Errorf("duplicate profile name %q", p.Name)
		}
		loaded[p.Name] = p
	}
	return loaded, nil
}

func loadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if err := validate(&p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

func validate(p *Profile) error {
	if p == nil {
		return errors.New("profile is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	if !profileNamePattern.MatchString(p.Name) {
		return errors.New("name must be lowercase alphanumeric with hyphens")
	}
	if strings.TrimSpace(p.Command) == "" {
		return errors.New("command is required")
	}
	if p.Cols < 0 || p.Rows < 0 {
		return errors.New("cols and rows must not be negative")
	}
	return nil
}

func cloneProfile(p *Profile) *Profile {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Env != nil {
		clone.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			clone.Env[k] = v
		}
	}
	return &clone
}
