package portal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/byee4/django-globus-portal-framework/internal/search"
)

// searchBackend serves a canned search response and records the queries it
// receives.
func searchBackend(t *testing.T, h *Handler) *[]search.Request {
	t.Helper()
	var requests []search.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req search.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode search request: %v", err)
		}
		requests = append(requests, req)
		json.NewEncoder(w).Encode(map[string]any{
			"total":  2,
			"count":  2,
			"offset": req.Offset,
			"gmeta": []map[string]any{
				{
					"subject": "globus://files/run1",
					"entries": []map[string]any{
						{"content": map[string]any{"title": "Run one", "author": "Ada"}},
					},
				},
				{
					"subject": "globus://files/run2",
					"entries": []map[string]any{
						{"content": map[string]any{"title": "Run two"}},
					},
				},
			},
			"facet_results": []map[string]any{
				{
					"name": "Subjects",
					"buckets": []map[string]any{
						{"value": "chemistry", "count": 12},
					},
				},
			},
		})
	}))
	t.Cleanup(backend.Close)
	h.Search = search.NewClient(search.WithBaseURL(backend.URL))
	return &requests
}

func TestSearchPageRendersResults(t *testing.T) {
	h := newTestHandler(t)
	requests := searchBackend(t, h)

	w := httptest.NewRecorder()
	h.SearchPage(w, httptest.NewRequest(http.MethodGet, "/perfdata?q=coffee", nil), testIndex(t, h))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}
	if len(*requests) != 1 || (*requests)[0].Q != "coffee" {
		t.Fatalf("backend requests = %+v, want one with q=coffee", *requests)
	}

	body := w.Body.String()
	if !strings.Contains(body, "Run one") || !strings.Contains(body, "Run two") {
		t.Fatal("results missing from page")
	}
	if !strings.Contains(body, subjectPageURL("perfdata", "detail", "globus://files/run1")) {
		t.Fatal("detail link missing from page")
	}
	if !strings.Contains(body, "chemistry") {
		t.Fatal("facet bucket missing from page")
	}
}

func TestSearchPageDefaultsToMatchAll(t *testing.T) {
	h := newTestHandler(t)
	requests := searchBackend(t, h)

	w := httptest.NewRecorder()
	h.SearchPage(w, httptest.NewRequest(http.MethodGet, "/perfdata", nil), testIndex(t, h))

	if len(*requests) != 1 || (*requests)[0].Q != "*" {
		t.Fatalf("backend requests = %+v, want one with q=*", *requests)
	}
}

func TestSearchPageSavesExplicitSearch(t *testing.T) {
	h := newTestHandler(t)
	searchBackend(t, h)
	cookie := anonymousSession(t, h, DecodeState(nil))

	r := httptest.NewRequest(http.MethodGet, "/perfdata?q=coffee&filter.subjects=chemistry", nil)
	r.AddCookie(cookie)
	w := httptest.NewRecorder()
	h.SearchPage(w, r, testIndex(t, h))

	saved, ok := sessionState(t, h, cookie).Search("perfdata")
	if !ok {
		t.Fatal("explicit search was not saved to the session")
	}
	if saved.Query != "coffee" {
		t.Fatalf("saved query = %q, want coffee", saved.Query)
	}
	if got := saved.Filters.Get("filter.subjects"); got != "chemistry" {
		t.Fatalf("saved filters = %v", saved.Filters)
	}
}

func TestSearchPageDoesNotSaveBareVisit(t *testing.T) {
	h := newTestHandler(t)
	searchBackend(t, h)
	cookie := anonymousSession(t, h, DecodeState(nil))

	r := httptest.NewRequest(http.MethodGet, "/perfdata", nil)
	r.AddCookie(cookie)
	h.SearchPage(httptest.NewRecorder(), r, testIndex(t, h))

	if _, ok := sessionState(t, h, cookie).Search("perfdata"); ok {
		t.Fatal("a visit without search parameters must not overwrite the saved search")
	}
}

func TestSearchPageReplaysSavedSearch(t *testing.T) {
	h := newTestHandler(t)
	requests := searchBackend(t, h)

	state := DecodeState(nil)
	state.SaveSearch("perfdata", SavedSearch{
		Query:   "tea",
		Filters: url.Values{"q": {"tea"}, "filter.subjects": {"chemistry"}},
	})
	cookie := anonymousSession(t, h, state)

	r := httptest.NewRequest(http.MethodGet, "/perfdata", nil)
	r.AddCookie(cookie)
	w := httptest.NewRecorder()
	h.SearchPage(w, r, testIndex(t, h))

	if len(*requests) != 1 {
		t.Fatalf("backend saw %d requests, want 1", len(*requests))
	}
	replayed := (*requests)[0]
	if replayed.Q != "tea" {
		t.Fatalf("replayed q = %q, want tea", replayed.Q)
	}
	if len(replayed.Filters) != 1 || replayed.Filters[0].FieldName != "subjects" {
		t.Fatalf("replayed filters = %+v", replayed.Filters)
	}
}

func TestSearchPageErrorShowsFlash(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"BadRequest","message":"malformed query"}`, http.StatusBadRequest)
	}))
	defer backend.Close()

	h := newTestHandler(t)
	h.Search = search.NewClient(search.WithBaseURL(backend.URL))

	w := httptest.NewRecorder()
	h.SearchPage(w, httptest.NewRequest(http.MethodGet, "/perfdata?q=)broken", nil), testIndex(t, h))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with error flash", w.Code)
	}
	if !strings.Contains(w.Body.String(), searchErrorMessage) {
		t.Fatal("error flash missing from page")
	}
}

func TestSearchDebugShowsRequestAndResponse(t *testing.T) {
	h := newTestHandler(t)
	searchBackend(t, h)

	w := httptest.NewRecorder()
	h.SearchDebug(w, httptest.NewRequest(http.MethodGet, "/perfdata/search-debug?q=coffee", nil), testIndex(t, h))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "coffee") {
		t.Fatal("debug page missing the request body")
	}
	if !strings.Contains(body, "globus://files/run1") {
		t.Fatal("debug page missing the raw response")
	}
	if !strings.Contains(body, "Run one") {
		t.Fatal("debug page missing the processed results")
	}
	if !strings.Contains(body, subjectPageURL("perfdata", "search-debug-detail", "globus://files/run1")) {
		t.Fatal("debug page missing the record debug link")
	}
}

func TestHasSearchParams(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"", false},
		{"utm_source=mail", false},
		{"q=coffee", true},
		{"page=2", true},
		{"filter.subjects=chemistry", true},
		{"filter-match-any.subjects=chemistry", true},
	}
	for _, tc := range cases {
		params, err := url.ParseQuery(tc.query)
		if err != nil {
			t.Fatalf("ParseQuery(%q): %v", tc.query, err)
		}
		if got := hasSearchParams(params); got != tc.want {
			t.Fatalf("hasSearchParams(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

func TestPageQueryReplacesPage(t *testing.T) {
	params := url.Values{"q": {"coffee"}, "page": {"2"}}
	got := pageQuery(params, 3)
	parsed, err := url.ParseQuery(got)
	if err != nil {
		t.Fatalf("ParseQuery(%q): %v", got, err)
	}
	if parsed.Get("page") != "3" || parsed.Get("q") != "coffee" {
		t.Fatalf("pageQuery = %q", got)
	}
	if params.Get("page") != "2" {
		t.Fatal("pageQuery must not mutate the original params")
	}
}
