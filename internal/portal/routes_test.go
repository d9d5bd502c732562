package portal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/byee4/django-globus-portal-framework/internal/search"
)

func TestRouteUnknownIndex(t *testing.T) {
	h := newTestHandler(t)
	w := httptest.NewRecorder()
	h.Route(w, httptest.NewRequest(http.MethodGet, "/no-such-index", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), "does not exist") {
		t.Fatalf("404 page body missing message: %q", w.Body.String())
	}
}

func TestRouteMethodEnforcement(t *testing.T) {
	h := newTestHandler(t)
	cases := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/"},
		{http.MethodPut, "/perfdata"},
		{http.MethodPost, "/perfdata/search-debug"},
		{http.MethodPost, "/perfdata/detail/subject-1"},
		{http.MethodDelete, "/perfdata/detail-preview/subject-1"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		h.Route(w, httptest.NewRequest(tc.method, tc.path, nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: status = %d, want 405", tc.method, tc.path, w.Code)
		}
	}
}

func TestRouteDecodesSubject(t *testing.T) {
	const subject = "globus://files/run one.txt"

	var gotSubject string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = r.URL.Query().Get("subject")
		json.NewEncoder(w).Encode(map[string]any{
			"subject": subject,
			"entries": []map[string]any{
				{"content": map[string]any{"title": "Run one"}},
			},
		})
	}))
	defer backend.Close()

	h := newTestHandler(t)
	h.Search = search.NewClient(search.WithBaseURL(backend.URL))

	w := httptest.NewRecorder()
	h.Route(w, httptest.NewRequest(http.MethodGet, "/perfdata/detail/globus:%2F%2Ffiles%2Frun%20one.txt", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}
	if gotSubject != subject {
		t.Fatalf("backend saw subject %q, want %q", gotSubject, subject)
	}
	if !strings.Contains(w.Body.String(), "Run one") {
		t.Fatal("detail page missing record field value")
	}
}

func TestRouteUnknownSubjectPage(t *testing.T) {
	h := newTestHandler(t)
	for _, path := range []string{
		"/perfdata/detail",
		"/perfdata/detail/",
		"/perfdata/no-such-page/subject-1",
	} {
		w := httptest.NewRecorder()
		h.Route(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("GET %s: status = %d, want 404", path, w.Code)
		}
	}
}

func TestSubjectPageURLRoundTrip(t *testing.T) {
	url := subjectPageURL("perfdata", "detail", "globus://files/run one.txt")
	if !strings.HasPrefix(url, "/perfdata/detail/") {
		t.Fatalf("subjectPageURL = %q", url)
	}
	if strings.Contains(url, " ") {
		t.Fatalf("subjectPageURL left unescaped space: %q", url)
	}
}
