package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/forja/forja/pkg/registry"
	"github.com/forja/forja/pkg/types"
)

// Environment variables a teammate process is launched with
const (
	EnvCallbackURL = "FORJA_CALLBACK_URL"
	EnvTeammate    = "FORJA_TEAMMATE"
)

// APIError is a non-2xx response from the callback server
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("callback failed (%d): %s", e.Status, e.Message)
}

// NotFound reports an unknown teammate or feature
func (e *APIError) NotFound() bool { return e.Status == http.StatusNotFound }

// Conflict reports a transition the feature's state does not allow
func (e *APIError) Conflict() bool { return e.Status == http.StatusConflict }

// Client calls the callback API on behalf of one teammate
type Client struct {
	BaseURL  string
	Teammate string
	HTTP     *http.Client
}

// NewClient creates a client for teammate against baseURL
func NewClient(baseURL, teammate string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Teammate: teammate,
		HTTP:     &http.Client{Timeout: 5 * time.Minute},
	}
}

// ClientFromEnv builds a client from the variables set by the supervisor
func ClientFromEnv() (*Client, error) {
	base := os.Getenv(EnvCallbackURL)
	if base == "" {
		return nil, fmt.Errorf("%s is not set; run this inside a forja teammate process", EnvCallbackURL)
	}
	return NewClient(base, os.Getenv(EnvTeammate)), nil
}

// Attempt marks a feature in_progress
func (c *Client) Attempt(ctx context.Context, id string) (types.Feature, error) {
	var resp FeatureResponse
	if err := c.do(ctx, http.MethodPost, c.featurePath(id, "attempt"), nil, &resp); err != nil {
		return types.Feature{}, err
	}
	return resp.Feature, nil
}

// Result reports an outcome. A pass may still be refused by the gate; check Accepted.
func (c *Client) Result(ctx context.Context, id string, outcome types.Outcome, evidence string) (ResultResponse, error) {
	var resp ResultResponse
	body := ResultRequest{Outcome: string(outcome), Evidence: evidence}
	err := c.do(ctx, http.MethodPost, c.featurePath(id, "result"), body, &resp)
	return resp, err
}

// TeammateState returns the client's teammate with its features
func (c *Client) TeammateState(ctx context.Context) (types.Teammate, error) {
	var tm types.Teammate
	err := c.do(ctx, http.MethodGet, "/api/v1/teammates/"+url.PathEscape(c.Teammate), nil, &tm)
	return tm, err
}

// Snapshot returns the full registry snapshot
func (c *Client) Snapshot(ctx context.Context) (registry.Snapshot, error) {
	var snap registry.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/snapshot", nil, &snap)
	return snap, err
}

// Health checks that the server is up
func (c *Client) Health(ctx context.Context) error {
	var resp HealthResponse
	return c.do(ctx, http.MethodGet, "/health", nil, &resp)
}

func (c *Client) featurePath(id, action string) string {
	return fmt.Sprintf("/api/v1/teammates/%s/features/%s/%s", url.PathEscape(c.Teammate), url.PathEscape(id), action)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.Teammate == "" && strings.Contains(path, "/teammates/") {
		return errors.New("no teammate set for callback client")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &msg) != nil || msg.Message == "" {
			msg.Message = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: msg.Message}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
