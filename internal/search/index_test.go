package search

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewRegistryAppliesDefaults(t *testing.T) {
	registry, err := NewRegistry(map[string]IndexConfig{
		"perfdata": {
			UUID:   "uuid-1",
			Facets: []FacetDefinition{{FieldName: "subjects.subject"}},
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	cfg, ok := registry.Get("perfdata")
	if !ok {
		t.Fatal("expected index to be registered")
	}
	if cfg.Slug != "perfdata" {
		t.Fatalf("unexpected slug %q", cfg.Slug)
	}
	if cfg.ResultsPerPage != DefaultResultsPerPage || cfg.MaxPages != DefaultMaxPages {
		t.Fatalf("expected paging defaults, got %+v", cfg)
	}
	facet := cfg.Facets[0]
	if facet.Size != 10 || facet.Type != "terms" || facet.Name != "subjects.subject" {
		t.Fatalf("expected facet defaults, got %+v", facet)
	}
	if cfg.DisplayName() != "perfdata" {
		t.Fatalf("unexpected display name %q", cfg.DisplayName())
	}
}

func TestNewRegistryRejectsMissingUUID(t *testing.T) {
	if _, err := NewRegistry(map[string]IndexConfig{"bad": {}}); err == nil {
		t.Fatal("expected validation error for missing uuid")
	}
}

func TestRegistryGetNormalizesSlug(t *testing.T) {
	registry, err := NewRegistry(map[string]IndexConfig{"perfdata": {UUID: "uuid-1"}})
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	if _, ok := registry.Get("  PerfData "); !ok {
		t.Fatal("expected lookup to normalise the slug")
	}
	if _, ok := registry.Get("unknown"); ok {
		t.Fatal("expected unknown slug to miss")
	}
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "indexes.json")
	payload := `{
		"indexes": {
			"perfdata": {
				"uuid": "uuid-1",
				"name": "Performance Data",
				"fields": [{"field_name": "titles.title", "name": "Title"}],
				"filter_match": "match-any"
			},
			"reports": {"uuid": "uuid-2"}
		}
	}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	registry, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry returned error: %v", err)
	}
	all := registry.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 indexes, got %d", len(all))
	}
	if all[0].Slug != "perfdata" || all[1].Slug != "reports" {
		t.Fatalf("expected slug-ordered indexes, got %+v", all)
	}
	cfg, _ := registry.Get("perfdata")
	if cfg.DisplayName() != "Performance Data" {
		t.Fatalf("unexpected display name %q", cfg.DisplayName())
	}
	if cfg.DefaultFilterBehavior() != FilterMatchAny {
		t.Fatalf("unexpected filter behaviour %v", cfg.DefaultFilterBehavior())
	}
}

func TestLoadRegistryRejectsEmptyConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "indexes.json")
	if err := os.WriteFile(path, []byte(`{"indexes": {}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadRegistry(path); err == nil {
		t.Fatal("expected error for empty index config")
	}
	if _, err := LoadRegistry(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
