package search

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// FilterBehavior selects how multiple values for a single filtered field are
// combined by the search service.
type FilterBehavior string

const (
	FilterMatchAll FilterBehavior = "match_all"
	FilterMatchAny FilterBehavior = "match_any"
	FilterRange    FilterBehavior = "range"
)

// Filter is a single facet filter ready to be sent to the search service.
type Filter struct {
	Type      FilterBehavior `json:"type"`
	FieldName string         `json:"field_name"`
	Values    []any          `json:"values"`
}

// RangeValue is the value shape used by range filters.
type RangeValue struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// filter query parameter prefixes understood by ParseFilters. A bare
// "filter." prefix uses the index's configured default behaviour.
const (
	filterPrefixDefault  = "filter."
	filterPrefixMatchAll = "filter-match-all."
	filterPrefixMatchAny = "filter-match-any."
	filterPrefixRange    = "filter-range."
	filterPrefixYear     = "filter-year."
)

// ParseQuery extracts the user's search term from the request query,
// falling back to the query saved from their previous search on this index.
func ParseQuery(params url.Values, saved string) string {
	if q := strings.TrimSpace(params.Get("q")); q != "" {
		return q
	}
	return strings.TrimSpace(saved)
}

// ParsePage returns the 1-based page number requested, defaulting to 1.
func ParsePage(params url.Values) int {
	raw := strings.TrimSpace(params.Get("page"))
	if raw == "" {
		return 1
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 1
	}
	return page
}

// ParseFilters collects facet filters from the request query parameters.
// Supported syntaxes:
//
//	filter.<field>=<value>            behaviour from the index config
//	filter-match-all.<field>=<value>
//	filter-match-any.<field>=<value>
//	filter-range.<field>=<low>--<high>
//	filter-year.<field>=<year>
//
// Parameters may repeat to filter on several values at once. Keys are
// processed in sorted order so the resulting filter list is stable.
func ParseFilters(params url.Values, defaultBehavior FilterBehavior) []Filter {
	if defaultBehavior == "" {
		defaultBehavior = FilterMatchAll
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var filters []Filter
	for _, key := range keys {
		behavior, field, ok := splitFilterKey(key, defaultBehavior)
		if !ok || field == "" {
			continue
		}
		values := nonEmptyValues(params[key])
		if len(values) == 0 {
			continue
		}
		filter := Filter{Type: behavior, FieldName: field}
		switch behavior {
		case FilterRange:
			for _, value := range values {
				if rng, err := parseRangeValue(value); err == nil {
					filter.Values = append(filter.Values, rng)
				}
			}
		default:
			for _, value := range values {
				filter.Values = append(filter.Values, value)
			}
		}
		if len(filter.Values) > 0 {
			filters = append(filters, filter)
		}
	}
	return filters
}

func splitFilterKey(key string, defaultBehavior FilterBehavior) (FilterBehavior, string, bool) {
	switch {
	case strings.HasPrefix(key, filterPrefixMatchAll):
		return FilterMatchAll, key[len(filterPrefixMatchAll):], true
	case strings.HasPrefix(key, filterPrefixMatchAny):
		return FilterMatchAny, key[len(filterPrefixMatchAny):], true
	case strings.HasPrefix(key, filterPrefixRange):
		return FilterRange, key[len(filterPrefixRange):], true
	case strings.HasPrefix(key, filterPrefixYear):
		return FilterRange, key[len(filterPrefixYear):], true
	case strings.HasPrefix(key, filterPrefixDefault):
		return defaultBehavior, key[len(filterPrefixDefault):], true
	default:
		return "", "", false
	}
}

// parseRangeValue accepts "low--high" pairs and bare years. Numeric bounds
// are sent as numbers so the service compares them numerically.
func parseRangeValue(raw string) (RangeValue, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RangeValue{}, fmt.Errorf("empty range value")
	}
	if low, high, found := strings.Cut(raw, "--"); found {
		return RangeValue{From: rangeBound(low), To: rangeBound(high)}, nil
	}
	// A bare year expands to the full calendar year.
	if year, err := strconv.Atoi(raw); err == nil && year >= 1000 && year <= 9999 {
		return RangeValue{
			From: fmt.Sprintf("%04d-01-01", year),
			To:   fmt.Sprintf("%04d-12-31", year),
		}, nil
	}
	return RangeValue{}, fmt.Errorf("invalid range value %q", raw)
}

func rangeBound(raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return "*"
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func nonEmptyValues(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
