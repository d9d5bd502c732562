package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultBaseURL points at the hosted transfer service.
const DefaultBaseURL = "https://transfer.api.globus.org"

// Error codes returned by the transfer service that the portal branches on.
const (
	CodeNotFound             = "ClientError.NotFound"
	CodeAuthenticationFailed = "AuthenticationFailed"
	CodePermissionDenied     = "EndpointPermissionDenied"
)

// APIError is a structured error response from the transfer service.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transfer api error %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// TokenInactive reports whether the error means the user's transfer token
// has been revoked or expired and a fresh login is required.
func (e *APIError) TokenInactive() bool {
	return e.Code == CodeAuthenticationFailed && strings.Contains(e.Message, "Token is not active")
}

// ErrNotFound is returned by Exists when the remote path is absent.
var ErrNotFound = errors.New("remote path not found")

// Client calls the transfer service REST API with a user's transfer token.
type Client struct {
	baseURL string
	client  *http.Client
}

// ClientOption customises a transfer Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for transfer requests.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithBaseURL points the client at an alternate service URL.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) {
		if trimmed := strings.TrimRight(strings.TrimSpace(base), "/"); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// NewClient constructs a transfer client.
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

// FileEntry is one row of a directory listing.
type FileEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type listResponse struct {
	Data []FileEntry `json:"DATA"`
}

// List runs a directory listing on the collection. The filter argument uses
// the service's "name:<pattern>" syntax and may be empty.
func (c *Client) List(ctx context.Context, token, collection, dirPath, filter string) ([]FileEntry, error) {
	endpoint := fmt.Sprintf("%s/v0.10/operation/endpoint/%s/ls", c.baseURL, url.PathEscape(collection))
	query := url.Values{}
	if dirPath != "" {
		query.Set("path", dirPath)
	}
	if filter != "" {
		query.Set("filter", filter)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create ls request: %w", err)
	}
	var listing listResponse
	if err := c.do(request, token, &listing); err != nil {
		return nil, err
	}
	return listing.Data, nil
}

// Exists verifies that the file or directory at remotePath is visible on the
// collection. It lists the parent directory filtered on the base name, so a
// single round trip answers for both files and directories. ErrNotFound is
// returned for missing paths; permission and authentication failures come
// back as *APIError.
func (c *Client) Exists(ctx context.Context, token, collection, remotePath string) error {
	remotePath = strings.TrimRight(remotePath, "/")
	if remotePath == "" || remotePath == "." {
		return fmt.Errorf("remote path is required")
	}
	dir, base := path.Split(remotePath)
	if dir == "" {
		dir = "/"
	}
	entries, err := c.List(ctx, token, collection, dir, "name:"+base)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == CodeNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
		}
		return err
	}
	for _, entry := range entries {
		if entry.Name == base {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
}

// Item is one source/destination pair in a transfer submission.
type Item struct {
	DataType        string `json:"DATA_TYPE"`
	SourcePath      string `json:"source_path"`
	DestinationPath string `json:"destination_path"`
	Recursive       bool   `json:"recursive"`
}

// Task describes a submitted transfer task.
type Task struct {
	TaskID  string `json:"task_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type submission struct {
	DataType            string `json:"DATA_TYPE"`
	SubmissionID        string `json:"submission_id"`
	SourceEndpoint      string `json:"source_endpoint"`
	DestinationEndpoint string `json:"destination_endpoint"`
	Label               string `json:"label,omitempty"`
	NotifyOnSucceeded   bool   `json:"notify_on_succeeded"`
	Data                []Item `json:"DATA"`
}

// TransferParams describes a transfer of paths between two collections.
type TransferParams struct {
	SourceCollection      string
	DestinationCollection string
	Label                 string
	Items                 []Item
}

// Submit requests a submission id and posts the transfer task.
func (c *Client) Submit(ctx context.Context, token string, params TransferParams) (Task, error) {
	if len(params.Items) == 0 {
		return Task{}, fmt.Errorf("transfer requires at least one item")
	}
	submissionID, err := c.submissionID(ctx, token)
	if err != nil {
		return Task{}, err
	}
	body := submission{
		DataType:            "transfer",
		SubmissionID:        submissionID,
		SourceEndpoint:      params.SourceCollection,
		DestinationEndpoint: params.DestinationCollection,
		Label:               params.Label,
		Data:                make([]Item, 0, len(params.Items)),
	}
	for _, item := range params.Items {
		if item.DataType == "" {
			item.DataType = "transfer_item"
		}
		body.Data = append(body.Data, item)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Task{}, fmt.Errorf("encode transfer submission: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v0.10/transfer", bytes.NewReader(payload))
	if err != nil {
		return Task{}, fmt.Errorf("create transfer request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	var task Task
	if err := c.do(request, token, &task); err != nil {
		return Task{}, err
	}
	if task.TaskID == "" {
		return Task{}, fmt.Errorf("transfer submission returned no task id")
	}
	return task, nil
}

func (c *Client) submissionID(ctx context.Context, token string) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v0.10/submission_id", nil)
	if err != nil {
		return "", fmt.Errorf("create submission id request: %w", err)
	}
	var response struct {
		Value string `json:"value"`
	}
	if err := c.do(request, token, &response); err != nil {
		return "", err
	}
	if response.Value == "" {
		return "", fmt.Errorf("submission id response missing value")
	}
	return response.Value, nil
}

func (c *Client) do(request *http.Request, token string, dest any) error {
	request.Header.Set("Accept", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("transfer request: %w", err)
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
		return fmt.Errorf("decode transfer response: %w", err)
	}
	return nil
}
