package search

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

const (
	// DefaultResultsPerPage matches the service default page size.
	DefaultResultsPerPage = 10
	// DefaultMaxPages bounds the pagination widget rendered by the search page.
	DefaultMaxPages = 10
	// MaxResultWindow is the deepest offset the search service will serve.
	MaxResultWindow = 10000
)

// FieldDefinition maps a raw metadata key to the display name templates use.
type FieldDefinition struct {
	FieldName string `json:"field_name"`
	Name      string `json:"name"`
}

// FacetDefinition describes a facet requested from the search service.
type FacetDefinition struct {
	Name      string `json:"name"`
	FieldName string `json:"field_name"`
	Size      int    `json:"size"`
	Type      string `json:"type"`
}

// IndexConfig holds everything the portal needs to serve a single search index.
type IndexConfig struct {
	Slug           string            `json:"-"`
	UUID           string            `json:"uuid"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Fields         []FieldDefinition `json:"fields"`
	Facets         []FacetDefinition `json:"facets"`
	FilterMatch    string            `json:"filter_match"`
	ResultsPerPage int               `json:"results_per_page"`
	MaxPages       int               `json:"max_pages"`
	TemplateDir    string            `json:"template_dir"`
}

// DisplayName returns the configured name, falling back to the slug.
func (c IndexConfig) DisplayName() string {
	if strings.TrimSpace(c.Name) != "" {
		return c.Name
	}
	return c.Slug
}

// DefaultFilterBehavior returns the configured filter behaviour for plain
// "filter.<field>" query parameters.
func (c IndexConfig) DefaultFilterBehavior() FilterBehavior {
	switch strings.ToLower(strings.TrimSpace(c.FilterMatch)) {
	case "match-any":
		return FilterMatchAny
	case "", "match-all":
		return FilterMatchAll
	default:
		return FilterMatchAll
	}
}

func (c IndexConfig) withDefaults(slug string) IndexConfig {
	c.Slug = slug
	if c.ResultsPerPage <= 0 {
		c.ResultsPerPage = DefaultResultsPerPage
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	for i := range c.Facets {
		if c.Facets[i].Size <= 0 {
			c.Facets[i].Size = 10
		}
		if c.Facets[i].Type == "" {
			c.Facets[i].Type = "terms"
		}
		if c.Facets[i].Name == "" {
			c.Facets[i].Name = c.Facets[i].FieldName
		}
	}
	return c
}

// Validate reports configuration errors that would break every request.
func (c IndexConfig) Validate() error {
	if strings.TrimSpace(c.UUID) == "" {
		return fmt.Errorf("index %q: uuid is required", c.Slug)
	}
	for _, facet := range c.Facets {
		if strings.TrimSpace(facet.FieldName) == "" {
			return fmt.Errorf("index %q: facet %q missing field_name", c.Slug, facet.Name)
		}
	}
	return nil
}

// Registry resolves index slugs from the portal URL space to their configs.
type Registry struct {
	indexes map[string]IndexConfig
	order   []string
}

// NewRegistry builds a registry from the provided configs keyed by slug.
func NewRegistry(indexes map[string]IndexConfig) (*Registry, error) {
	reg := &Registry{indexes: make(map[string]IndexConfig, len(indexes))}
	slugs := make([]string, 0, len(indexes))
	for slug := range indexes {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	for _, slug := range slugs {
		cfg := indexes[slug].withDefaults(slug)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		reg.indexes[slug] = cfg
		reg.order = append(reg.order, slug)
	}
	return reg, nil
}

// LoadRegistry reads an index configuration file. The file maps slugs to
// index configs:
//
//	{"indexes": {"perfdata": {"uuid": "...", "fields": [...], ...}}}
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index config: %w", err)
	}
	var file struct {
		Indexes map[string]IndexConfig `json:"indexes"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse index config: %w", err)
	}
	if len(file.Indexes) == 0 {
		return nil, fmt.Errorf("index config %s defines no indexes", path)
	}
	return NewRegistry(file.Indexes)
}

// Get returns the config for the provided slug.
func (r *Registry) Get(slug string) (IndexConfig, bool) {
	if r == nil {
		return IndexConfig{}, false
	}
	cfg, ok := r.indexes[strings.ToLower(strings.TrimSpace(slug))]
	return cfg, ok
}

// All lists the configured indexes in slug order.
func (r *Registry) All() []IndexConfig {
	if r == nil {
		return nil
	}
	out := make([]IndexConfig, 0, len(r.order))
	for _, slug := range r.order {
		out = append(out, r.indexes[slug])
	}
	return out
}
