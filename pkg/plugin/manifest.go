package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// ManifestFile is the optional metadata file of a directory unit.
	ManifestFile = "plugin.yaml"
	// DefaultEntry is the entry-point script of a directory unit.
	DefaultEntry = "index.js"
	// ScriptExt marks a single-file unit.
	ScriptExt = ".js"
)

// Manifest is the plugin.yaml of a directory unit. Non-empty fields override
// the values declared by the script.
type Manifest struct {
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
	Author      string `yaml:"author,omitempty"`
	Version     string `yaml:"version,omitempty"`
	Entry       string `yaml:"entry,omitempty"`
}

// LoadManifest reads dir/plugin.yaml. A missing file yields a nil manifest and
// no error.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Entry != "" && (filepath.IsAbs(m.Entry) || !filepath.IsLocal(m.Entry)) {
		return nil, fmt.Errorf("manifest entry %q must be a path inside the plugin directory", m.Entry)
	}
	return &m, nil
}

// SaveManifest writes m to dir/plugin.yaml.
func SaveManifest(dir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644)
}

func (m *Manifest) apply(u *Unit) {
	if m == nil {
		return
	}
	if m.Name != "" {
		u.Name = m.Name
	}
	if m.Description != "" {
		u.Description = m.Description
	}
	if m.Author != "" {
		u.Author = m.Author
	}
	if m.Version != "" {
		u.Version = m.Version
	}
}
