package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL points at the hosted Globus Search service.
const DefaultBaseURL = "https://search.api.globus.org"

const resultFormatVersion = "2017-09-01"

// APIError captures a structured error response from the search service.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("search api error %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("search api error (%d): %s", e.StatusCode, e.Message)
}

// Client issues requests against the search service REST API.
type Client struct {
	baseURL string
	client  *http.Client
}

// ClientOption customises a search Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for search requests.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithBaseURL points the client at an alternate service URL. Used by tests
// and self-hosted deployments.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) {
		if trimmed := strings.TrimRight(strings.TrimSpace(base), "/"); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// NewClient constructs a search client with a bounded request timeout.
func NewClient(opts ...ClientOption) *Client {
	client := &Client{
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// Request is the body posted to the search endpoint.
type Request struct {
	Q                   string            `json:"q"`
	Limit               int               `json:"limit"`
	Offset              int               `json:"offset"`
	Filters             []Filter          `json:"filters,omitempty"`
	Facets              []FacetDefinition `json:"facets,omitempty"`
	ResultFormatVersion string            `json:"result_format_version"`
}

// RawResult is the wire shape of a search response.
type RawResult struct {
	Total        int              `json:"total"`
	Count        int              `json:"count"`
	Offset       int              `json:"offset"`
	Gmeta        []RawEntry       `json:"gmeta"`
	FacetResults []RawFacetResult `json:"facet_results"`
}

// RawEntry is one subject with its metadata entries.
type RawEntry struct {
	Subject string           `json:"subject"`
	Entries []map[string]any `json:"entries"`
}

// Content flattens the entry content blocks into a single metadata map.
// Later entries do not overwrite keys set by earlier ones.
func (e RawEntry) Content() map[string]any {
	merged := make(map[string]any)
	for _, entry := range e.Entries {
		content, ok := entry["content"].(map[string]any)
		if !ok {
			continue
		}
		for key, value := range content {
			if _, exists := merged[key]; !exists {
				merged[key] = value
			}
		}
	}
	return merged
}

// RawFacetResult is the facet aggregation block of a search response.
type RawFacetResult struct {
	Name    string      `json:"name"`
	Buckets []RawBucket `json:"buckets"`
}

// RawBucket is one facet bucket with its document count.
type RawBucket struct {
	Value any `json:"value"`
	Count int `json:"count"`
}

// Search posts the query to the index identified by uuid. An empty token
// performs an anonymous search; otherwise the token is sent as a bearer
// credential so the index can include restricted records.
func (c *Client) Search(ctx context.Context, uuid string, req Request, token string) (*RawResult, error) {
	if strings.TrimSpace(uuid) == "" {
		return nil, fmt.Errorf("search index uuid is required")
	}
	if req.ResultFormatVersion == "" {
		req.ResultFormatVersion = resultFormatVersion
	}
	endpoint := fmt.Sprintf("%s/v1/index/%s/search", c.baseURL, url.PathEscape(uuid))
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	var result RawResult
	if err := c.do(request, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Subject fetches a single record by its subject identifier.
func (c *Client) Subject(ctx context.Context, uuid, subject, token string) (*RawEntry, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("subject is required")
	}
	endpoint := fmt.Sprintf("%s/v1/index/%s/subject?subject=%s&result_format_version=%s",
		c.baseURL, url.PathEscape(uuid), url.QueryEscape(subject), resultFormatVersion)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create subject request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	var entry RawEntry
	if err := c.do(request, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Ping reports whether the search service answers at all. Used by the
// health endpoint; any HTTP response counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("search service unreachable: %w", err)
	}
	response.Body.Close()
	return nil
}

func (c *Client) do(request *http.Request, dest any) error {
	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("search request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: response.StatusCode}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(response.Body); err == nil {
			if jsonErr := json.Unmarshal(buf.Bytes(), apiErr); jsonErr != nil || apiErr.Message == "" {
				snippet := strings.TrimSpace(buf.String())
				if len(snippet) > 512 {
					snippet = snippet[:512]
				}
				if apiErr.Message == "" {
					apiErr.Message = snippet
				}
			}
		}
		return apiErr
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode search response: %w", err)
	}
	return nil
}
