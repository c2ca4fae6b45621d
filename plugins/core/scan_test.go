// ABOUTME: Tests for manifest scanning and dependency ordering.
// ABOUTME: Uses temporary plugin directories with plugin.yaml files.

package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, dir, sub, body string) {
	t.Helper()
	path := filepath.Join(dir, sub)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, ManifestFile), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanPlugins(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "export", `
name: export-ui
version: 0.2.0
description: CSV export of provider usage
author: stromwissen
apiVersion: 1.0.0
dependencies:
  - metrics-exporter
`)
	writeManifest(t, dir, "metrics", `
name: metrics-exporter
version: 1.1.0
apiVersion: 1.0.0
`)
	if err := os.MkdirAll(filepath.Join(dir, "assets"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a plugin"), 0o644); err != nil {
		t.Fatal(err)
	}

	metas, err := ScanPlugins(dir)
	if err != nil {
		t.Fatalf("ScanPlugins() error = %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("ScanPlugins() returned %d manifests, want 2", len(metas))
	}
	if metas[0].Name != "export-ui" || metas[1].Name != "metrics-exporter" {
		t.Errorf("names = %s, %s; want sorted", metas[0].Name, metas[1].Name)
	}
	if !metas[0].DependsOn("metrics-exporter") {
		t.Errorf("export-ui dependencies = %v", metas[0].Dependencies)
	}
	if metas[0].Author != "stromwissen" {
		t.Errorf("Author = %q", metas[0].Author)
	}
}

func TestScanPluginsErrors(t *testing.T) {
	t.Run("missing version", func(t *testing.T) {
		dir := t.TempDir()
		writeManifest(t, dir, "x", "name: x\n")
		if _, err := ScanPlugins(dir); !errors.Is(err, ErrInvalidMetadata) {
			t.Errorf("ScanPlugins() error = %v, want ErrInvalidMetadata", err)
		}
	})

	t.Run("duplicate names", func(t *testing.T) {
		dir := t.TempDir()
		writeManifest(t, dir, "one", "name: twin\nversion: 1.0.0\n")
		writeManifest(t, dir, "two", "name: twin\nversion: 1.0.1\n")
		if _, err := ScanPlugins(dir); !errors.Is(err, ErrAlreadyRegistered) {
			t.Errorf("ScanPlugins() error = %v, want ErrAlreadyRegistered", err)
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		dir := t.TempDir()
		writeManifest(t, dir, "bad", "name: [unterminated\n")
		if _, err := ScanPlugins(dir); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		if _, err := ScanPlugins(filepath.Join(t.TempDir(), "nope")); err == nil {
			t.Error("expected error for missing directory")
		}
	})
}

func names(plugins []Plugin) []string {
	out := make([]string, len(plugins))
	for i, p := range plugins {
		out[i] = p.Metadata().Name
	}
	return out
}

func TestSortByDependencies(t *testing.T) {
	top := newMock("top", "middle")
	middle := newMock("middle", "base")
	base := newMock("base")
	loner := newMock("loner")

	sorted, err := SortByDependencies([]Plugin{top, loner, middle, base})
	if err != nil {
		t.Fatalf("SortByDependencies() error = %v", err)
	}

	got := names(sorted)
	want := []string{"base", "middle", "top", "loner"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSortByDependenciesErrors(t *testing.T) {
	_, err := SortByDependencies([]Plugin{newMock("a", "b"), newMock("b", "a")})
	if !errors.Is(err, ErrDependencyCycle) {
		t.Errorf("cycle error = %v, want ErrDependencyCycle", err)
	}

	_, err = SortByDependencies([]Plugin{newMock("a", "ghost")})
	if !errors.Is(err, ErrMissingDependency) {
		t.Errorf("missing error = %v, want ErrMissingDependency", err)
	}

	_, err = SortByDependencies([]Plugin{newMock("a"), newMock("a")})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestBuiltinsCatalog(t *testing.T) {
	RegisterBuiltin("catalog-z", func() Plugin { return &barePlugin{meta: Metadata{Name: "catalog-z", APIVersion: "1.0.0"}} })
	RegisterBuiltin("catalog-a", func() Plugin { return &barePlugin{meta: Metadata{Name: "catalog-a", APIVersion: "1.0.0"}} })

	var got []string
	for _, p := range Builtins() {
		if strings.HasPrefix(p.Metadata().Name, "catalog-") {
			got = append(got, p.Metadata().Name)
		}
	}
	if len(got) != 2 || got[0] != "catalog-a" || got[1] != "catalog-z" {
		t.Errorf("Builtins() = %v, want [catalog-a catalog-z]", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("duplicate RegisterBuiltin did not panic")
		}
	}()
	RegisterBuiltin("catalog-a", func() Plugin { return &barePlugin{} })
}
