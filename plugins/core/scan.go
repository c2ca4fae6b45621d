// ABOUTME: Plugin manifest scanning and dependency ordering for host bootstrap.
// ABOUTME: Reads plugin.yaml metadata without loading code and sorts plugins topologically.

package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name looked up in each plugin directory.
const ManifestFile = "plugin.yaml"

// ScanPlugins reads the manifest of every direct subdirectory of dir.
// Directories without a manifest are skipped. Results are sorted by name.
func ScanPlugins(dir string) ([]Metadata, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan plugins: %w", err)
	}

	var out []Metadata
	seen := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ManifestFile)
		meta, err := ReadManifest(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[meta.Name]; dup {
			return nil, fmt.Errorf("scan plugins: %q declared in %s and %s: %w", meta.Name, prev, path, ErrAlreadyRegistered)
		}
		seen[meta.Name] = path
		out = append(out, meta)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReadManifest parses a single plugin manifest.
func ReadManifest(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}

	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if meta.Name == "" || meta.Version == "" {
		return Metadata{}, fmt.Errorf("%s: name and version are required: %w", path, ErrInvalidMetadata)
	}
	return meta, nil
}

// SortByDependencies orders plugins so every plugin follows its
// dependencies. Input order is kept among independent plugins.
func SortByDependencies(plugins []Plugin) ([]Plugin, error) {
	byName := make(map[string]Plugin, len(plugins))
	for _, p := range plugins {
		name := p.Metadata().Name
		if _, dup := byName[name]; dup {
			return nil, pluginErr(name, "sort", ErrAlreadyRegistered)
		}
		byName[name] = p
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(plugins))
	out := make([]Plugin, 0, len(plugins))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %v", ErrDependencyCycle, append(path, name))
		}
		state[name] = visiting
		p := byName[name]
		for _, dep := range p.Metadata().Dependencies {
			if _, ok := byName[dep]; !ok {
				return pluginErr(name, "sort", fmt.Errorf("%w: %s", ErrMissingDependency, dep))
			}
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		out = append(out, p)
		return nil
	}

	for _, p := range plugins {
		if err := visit(p.Metadata().Name, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}
