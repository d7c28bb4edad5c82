package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiEnvelope mirrors the server's response shape.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Meta    *apiMeta        `json:"meta,omitempty"`
}

type apiMeta struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// apiError is a request the server answered with a failure envelope.
// Transport-level problems stay plain errors.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

type client struct {
	baseURL string
	token   string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, token, apiKey string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// do sends one request and returns the decoded envelope. A failure
// envelope becomes an *apiError.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (*apiEnvelope, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, &apiError{Status: resp.StatusCode, Message: msg}
	}
	return &env, nil
}

func (c *client) get(ctx context.Context, path string, query url.Values) (*apiEnvelope, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

func (c *client) post(ctx context.Context, path string, query url.Values, body interface{}) (*apiEnvelope, error) {
	return c.do(ctx, http.MethodPost, path, query, body)
}

func (c *client) delete(ctx context.Context, path string) (*apiEnvelope, error) {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
