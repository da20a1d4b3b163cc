package registry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forja/forja/pkg/registry"
)

func TestLoadPlan(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, content string) {
		t.Helper()
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("web/features.json", `[{"id": "w1", "name": "landing page"}]`)
	write("web/validation_spec.json", `{"authorized_paths": ["web/"], "consumes": [{"from_teammate": "api"}]}`)
	write("api/features.json", `{"features": [{"id": "a1", "status": "failed", "cycles": 2}]}`)
	write("api/validation_spec.yaml", "authorized_paths:\n  - api/\nartifacts:\n  - path: api/openapi.json\n    required: [paths]\n")
	write("notes/readme.md", "not a teammate")

	teammates, err := registry.LoadPlan(dir)
	if err != nil {
		t.Fatalf("LoadPlan failed: %v", err)
	}
	if len(teammates) != 2 {
		t.Fatalf("expected 2 teammates, got %d", len(teammates))
	}

	api, web := teammates[0], teammates[1]
	if api.Name != "api" || web.Name != "web" {
		t.Fatalf("teammates not sorted: %s, %s", api.Name, web.Name)
	}
	if api.Features[0].Status != "pending" || api.Features[0].Cycles != 2 {
		t.Errorf("legacy failed status not normalized: %+v", api.Features[0])
	}
	if len(api.Spec.Artifacts) != 1 || api.Spec.Artifacts[0].Required[0] != "paths" {
		t.Errorf("yaml spec not loaded: %+v", api.Spec)
	}
	if deps := web.Dependencies(); len(deps) != 1 || deps[0] != "api" {
		t.Errorf("unexpected web dependencies %v", deps)
	}
	if web.Features[0].Description != "landing page" || web.Features[0].CreatedAt.IsZero() {
		t.Errorf("unexpected web feature %+v", web.Features[0])
	}
}

func TestLoadPlanRejectsDuplicateFeatures(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "api"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "api", "features.json"), []byte(`[{"id":"a"},{"id":"a"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.LoadPlan(dir); err == nil {
		t.Error("expected duplicate feature ids to be rejected")
	}
}

func TestLoadPlanMissingDir(t *testing.T) {
	teammates, err := registry.LoadPlan(filepath.Join(t.TempDir(), "absent"))
	if err != nil || teammates != nil {
		t.Errorf("expected empty plan, got %v, %v", teammates, err)
	}
}
