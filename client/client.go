// Package client implements the Percy REST API client used to create builds,
// upload snapshots, and finalize builds.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/percy/internal/version"
)

const defaultBaseURL = "https://percy.io/api/v1"

// Config holds configuration for the API client.
type Config struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to the Percy API. Client and environment info strings
// accumulate across SDKs and are reported in the User-Agent.
type Client struct {
	config Config

	mu              sync.Mutex
	clientInfo      []string
	environmentInfo []string
}

// New creates an API client with the given config.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{config: cfg}
}

// AddClientInfo records an SDK identifier (e.g. "percy-go/1.0") for the
// User-Agent. Duplicates and empty strings are ignored.
func (c *Client) AddClientInfo(info string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientInfo = appendInfo(c.clientInfo, info)
}

// AddEnvironmentInfo records an environment identifier for the User-Agent.
func (c *Client) AddEnvironmentInfo(info string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.environmentInfo = appendInfo(c.environmentInfo, info)
}

func appendInfo(infos []string, info string) []string {
	if info == "" {
		return infos
	}
	for _, existing := range infos {
		if existing == info {
			return infos
		}
	}
	return append(infos, info)
}

// UserAgent returns the composed User-Agent header value.
func (c *Client) UserAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ua := "percy-go/" + version.Version
	if len(c.clientInfo) > 0 {
		ua += " " + strings.Join(c.clientInfo, " ")
	}
	if len(c.environmentInfo) > 0 {
		ua += " (" + strings.Join(c.environmentInfo, "; ") + ")"
	}
	return ua
}

// Build is the server-side record created for a run of snapshots.
type Build struct {
	ID     string
	Number int
	URL    string
}

// jsonapiDocument is the envelope the API speaks in both directions.
type jsonapiDocument struct {
	Data   *jsonapiResource `json:"data,omitempty"`
	Errors []ErrorDetail    `json:"errors,omitempty"`
}

type jsonapiResource struct {
	Type       string         `json:"type"`
	ID         string         `json:"id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// CreateBuild creates a new build and returns its identity.
func (c *Client) CreateBuild(ctx context.Context) (*Build, error) {
	doc, err := c.do(ctx, http.MethodPost, "/builds", jsonapiDocument{
		Data: &jsonapiResource{Type: "builds", Attributes: map[string]any{}},
	})
	if err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}
	if doc.Data == nil {
		return nil, fmt.Errorf("create build: response missing data")
	}
	build := &Build{ID: doc.Data.ID}
	if n, ok := doc.Data.Attributes["build-number"].(float64); ok {
		build.Number = int(n)
	}
	if u, ok := doc.Data.Attributes["web-url"].(string); ok {
		build.URL = u
	}
	return build, nil
}

// FinalizeBuild marks the build complete on the server.
func (c *Client) FinalizeBuild(ctx context.Context, buildID string) error {
	if _, err := c.do(ctx, http.MethodPost, "/builds/"+buildID+"/finalize", nil); err != nil {
		return fmt.Errorf("finalize build %s: %w", buildID, err)
	}
	return nil
}

// SendSnapshot uploads one snapshot payload to a build.
func (c *Client) SendSnapshot(ctx context.Context, buildID string, payload any) error {
	if _, err := c.do(ctx, http.MethodPost, "/builds/"+buildID+"/snapshots", payload); err != nil {
		return fmt.Errorf("send snapshot: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (*jsonapiDocument, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/vnd.api+json")
	req.Header.Set("User-Agent", c.UserAgent())
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Token token="+c.config.Token)
	}

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var doc jsonapiDocument
	if len(data) > 0 {
		_ = json.Unmarshal(data, &doc)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Errors: doc.Errors}
	}
	return &doc, nil
}
