package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSearchPostsRequest(t *testing.T) {
	var captured Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.URL.Path != "/v1/index/uuid-1/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer search-token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(RawResult{
			Total: 1,
			Gmeta: []RawEntry{{Subject: "s1"}},
		})
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	result, err := client.Search(context.Background(), "uuid-1", Request{Q: "stars", Limit: 10}, "search-token")
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if captured.Q != "stars" || captured.Limit != 10 {
		t.Fatalf("unexpected request body %+v", captured)
	}
	if captured.ResultFormatVersion == "" {
		t.Fatal("expected result format version to default")
	}
	if result.Total != 1 || len(result.Gmeta) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSearchAnonymousOmitsAuthorization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("anonymous search must not send a token")
		}
		json.NewEncoder(w).Encode(RawResult{})
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	if _, err := client.Search(context.Background(), "uuid-1", Request{Q: "*"}, ""); err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
}

func TestSearchRequiresUUID(t *testing.T) {
	client := NewClient()
	if _, err := client.Search(context.Background(), "  ", Request{}, ""); err == nil {
		t.Fatal("expected error for missing uuid")
	}
}

func TestSubjectFetchesRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/index/uuid-1/subject" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("subject"); got != "files/run 42" {
			t.Errorf("unexpected subject %q", got)
		}
		json.NewEncoder(w).Encode(RawEntry{
			Subject: "files/run 42",
			Entries: []map[string]any{{"content": map[string]any{"titles.title": "Run"}}},
		})
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	entry, err := client.Subject(context.Background(), "uuid-1", "files/run 42", "")
	if err != nil {
		t.Fatalf("Subject returned error: %v", err)
	}
	if entry.Content()["titles.title"] != "Run" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestSubjectNotFoundReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"code":    "NotFound.Generic",
			"message": "no such subject",
		})
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	_, err := client.Subject(context.Background(), "uuid-1", "missing", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NotFound.Generic" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestAPIErrorFromUnstructuredBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	_, err := client.Search(context.Background(), "uuid-1", Request{}, "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "upstream exploded" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	client := NewClient(WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("any HTTP response counts as reachable, got %v", err)
	}
	server.Close()
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected error when service is down")
	}
}
