package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Entry describes one named template available for selection.
type Entry struct {
	Name        string `yaml:"name" json:"name"`
	File        string `yaml:"file" json:"file"`
	Description string `yaml:"description" json:"description"`
}

// Registry is the set of named Markdown templates the selection stage may
// choose from, loaded from a registry.yaml next to the template files.
type Registry struct {
	dir     string
	entries []Entry
}

// RegistryFileName is the index file listing available templates.
const RegistryFileName = "registry.yaml"

// LoadRegistry reads registry.yaml from dir. A missing registry is not an
// error; the directory is scanned for .md files instead, with the file stem
// as the template name.
func LoadRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir}
	data, err := os.ReadFile(filepath.Join(dir, RegistryFileName))
	if err != nil {
		if os.IsNotExist(err) {
			entries, scanErr := scanTemplates(dir)
			if scanErr != nil {
				return nil, scanErr
			}
			r.entries = entries
			return r, nil
		}
		return nil, fmt.Errorf("failed to read template registry: %w", err)
	}

	var index struct {
		Templates []Entry `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse template registry: %w", err)
	}
	r.entries = index.Templates
	return r, nil
}

// scanTemplates enumerates the .md files in dir, in name order. A missing
// directory yields an empty registry.
func scanTemplates(dir string) ([]Entry, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan template directory: %w", err)
	}
	sort.Strings(matches)
	var entries []Entry
	for _, path := range matches {
		file := filepath.Base(path)
		entries = append(entries, Entry{
			Name: strings.TrimSuffix(file, ".md"),
			File: file,
		})
	}
	return entries, nil
}

// List returns the registered template entries.
func (r *Registry) List() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Names returns the registered template names in registry order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, entry := range r.entries {
		names = append(names, entry.Name)
	}
	return names
}

// Content returns the Markdown body of the named template.
func (r *Registry) Content(name string) (string, error) {
	for _, entry := range r.entries {
		if entry.Name == name {
			data, err := os.ReadFile(filepath.Join(r.dir, entry.File))
			if err != nil {
				return "", fmt.Errorf("failed to read template %q: %w", name, err)
			}
			return string(data), nil
		}
	}
	return "", fmt.Errorf("template %q not registered", name)
}
