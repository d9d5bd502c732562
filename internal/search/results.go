package search

import (
	"fmt"
	"net/url"
	"sort"
)

// Field is one displayable metadata field on a search result.
type Field struct {
	FieldName string
	Name      string
	Value     any
}

// Result is a processed search record ready for template rendering.
type Result struct {
	Subject string
	Fields  []Field
}

// Field looks a field up by its raw metadata key. Templates use this to
// address schema fields by name.
func (r Result) Field(name string) Field {
	for _, field := range r.Fields {
		if field.FieldName == name {
			return field
		}
	}
	return Field{}
}

// Bucket is a facet bucket annotated with portal state: whether the bucket
// is currently filtered on and the query string that toggles it.
type Bucket struct {
	Value       string
	Count       int
	Checked     bool
	FilterQuery string
	RemoveQuery string
}

// Facet groups the processed buckets for one facet definition.
type Facet struct {
	Name      string
	FieldName string
	Buckets   []Bucket
}

// Page is one entry of the pagination widget.
type Page struct {
	Number  int
	Current bool
}

// Pagination describes the paging controls for a result set.
type Pagination struct {
	CurrentPage int
	Pages       []Page
	HasNext     bool
	HasPrev     bool
}

// ProcessFields orders raw metadata into display fields following the index
// schema. Fields named by the schema come first with their display names;
// remaining metadata keys are appended as-is so templates can opt in to them.
func ProcessFields(content map[string]any, schema []FieldDefinition) []Field {
	fields := make([]Field, 0, len(content))
	seen := make(map[string]struct{}, len(schema))
	for _, def := range schema {
		value, ok := content[def.FieldName]
		if !ok {
			continue
		}
		name := def.Name
		if name == "" {
			name = def.FieldName
		}
		fields = append(fields, Field{FieldName: def.FieldName, Name: name, Value: value})
		seen[def.FieldName] = struct{}{}
	}
	rest := make([]string, 0, len(content))
	for key := range content {
		if _, ok := seen[key]; !ok {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		fields = append(fields, Field{FieldName: key, Name: key, Value: content[key]})
	}
	return fields
}

// ProcessResults converts the raw search entries into template results.
func ProcessResults(raw *RawResult, schema []FieldDefinition) []Result {
	if raw == nil {
		return nil
	}
	results := make([]Result, 0, len(raw.Gmeta))
	for _, entry := range raw.Gmeta {
		results = append(results, Result{
			Subject: entry.Subject,
			Fields:  ProcessFields(entry.Content(), schema),
		})
	}
	return results
}

// ProcessFacets joins the facet aggregations with the filters that were
// active for the request, marking checked buckets and precomputing the
// query string for toggling each bucket on or off.
func ProcessFacets(raw *RawResult, defs []FacetDefinition, filters []Filter, baseQuery url.Values) []Facet {
	if raw == nil {
		return nil
	}
	active := make(map[string]map[string]struct{}, len(filters))
	for _, filter := range filters {
		values, ok := active[filter.FieldName]
		if !ok {
			values = make(map[string]struct{})
			active[filter.FieldName] = values
		}
		for _, value := range filter.Values {
			values[valueString(value)] = struct{}{}
		}
	}

	defByName := make(map[string]FacetDefinition, len(defs))
	for _, def := range defs {
		defByName[def.Name] = def
	}

	facets := make([]Facet, 0, len(raw.FacetResults))
	for _, result := range raw.FacetResults {
		def, ok := defByName[result.Name]
		if !ok {
			continue
		}
		facet := Facet{Name: result.Name, FieldName: def.FieldName}
		for _, bucket := range result.Buckets {
			value := valueString(bucket.Value)
			_, checked := active[def.FieldName][value]
			facet.Buckets = append(facet.Buckets, Bucket{
				Value:       value,
				Count:       bucket.Count,
				Checked:     checked,
				FilterQuery: toggleFilterQuery(baseQuery, def.FieldName, value, true),
				RemoveQuery: toggleFilterQuery(baseQuery, def.FieldName, value, false),
			})
		}
		facets = append(facets, facet)
	}
	return facets
}

// toggleFilterQuery rebuilds the request query string with the bucket's
// filter added or removed, always resetting to the first page.
func toggleFilterQuery(base url.Values, field, value string, add bool) string {
	query := url.Values{}
	key := filterPrefixDefault + field
	for name, values := range base {
		if name == "page" {
			continue
		}
		for _, v := range values {
			if name == key && v == value {
				continue
			}
			query.Add(name, v)
		}
	}
	if add {
		query.Add(key, value)
	}
	return query.Encode()
}

// Paginate computes the paging context for a result set. Offsets past the
// service's maximum result window are clamped so deep links do not 400.
func Paginate(total, offset, perPage, maxPages int) Pagination {
	if perPage <= 0 {
		perPage = DefaultResultsPerPage
	}
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	current := offset/perPage + 1
	lastPage := (total + perPage - 1) / perPage
	if lastPage < 1 {
		lastPage = 1
	}
	if lastPage > maxPages {
		lastPage = maxPages
	}
	if window := MaxResultWindow / perPage; lastPage > window {
		lastPage = window
	}
	if current > lastPage {
		current = lastPage
	}
	pagination := Pagination{
		CurrentPage: current,
		HasPrev:     current > 1,
		HasNext:     current < lastPage,
	}
	for number := 1; number <= lastPage; number++ {
		pagination.Pages = append(pagination.Pages, Page{Number: number, Current: number == current})
	}
	return pagination
}

// Offset converts a 1-based page number into the service offset, clamped to
// the maximum result window.
func Offset(page, perPage, maxPages int) int {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = DefaultResultsPerPage
	}
	if maxPages > 0 && page > maxPages {
		page = maxPages
	}
	offset := (page - 1) * perPage
	if offset >= MaxResultWindow {
		offset = MaxResultWindow - perPage
		if offset < 0 {
			offset = 0
		}
	}
	return offset
}

func valueString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
