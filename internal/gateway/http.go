package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPGateway talks to the backend's REST API. Entity endpoints live under
// /api/v1/entities; the server deduplicates creates by the local_id echoed in
// the payload, so every call here is safe to replay.
type HTTPGateway struct {
	BaseURL string
	APIKey  string
	Creds   Credentials
	HTTP    *http.Client
}

// NewHTTP creates a gateway client with a default request timeout.
func NewHTTP(baseURL, apiKey string, creds Credentials) *HTTPGateway {
	return &HTTPGateway{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Creds:   creds,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// Create registers a new entity and returns its server state, including the
// newly assigned remote ID.
func (g *HTTPGateway) Create(ctx context.Context, payload RecordPayload) (*ServerState, error) {
	var out struct {
		Data ServerState `json:"data"`
	}
	if err := g.do(ctx, http.MethodPost, "/api/v1/entities", payload, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// Update overwrites an existing entity's state.
func (g *HTTPGateway) Update(ctx context.Context, remoteID string, payload RecordPayload) (*ServerState, error) {
	var out struct {
		Data ServerState `json:"data"`
	}
	path := "/api/v1/entities/" + url.PathEscape(remoteID)
	if err := g.do(ctx, http.MethodPut, path, payload, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// Delete removes an entity. A 404 counts as success: the entity is gone
// either way, and replays of an acked delete must not fail.
func (g *HTTPGateway) Delete(ctx context.Context, remoteID string) error {
	path := "/api/v1/entities/" + url.PathEscape(remoteID)
	err := g.do(ctx, http.MethodDelete, path, nil, nil)
	var ce *ConflictError
	if errors.As(err, &ce) {
		return nil
	}
	return err
}

// Fetch returns the server state for entities matching the filter.
func (g *HTTPGateway) Fetch(ctx context.Context, filter FetchFilter) ([]ServerState, error) {
	params := url.Values{}
	if filter.EntityType != "" {
		params.Set("entity_type", filter.EntityType)
	}
	if !filter.Since.IsZero() {
		params.Set("since", filter.Since.UTC().Format(time.RFC3339))
	}
	for _, id := range filter.RemoteIDs {
		params.Add("id", id)
	}

	path := "/api/v1/entities"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var out struct {
		Data struct {
			Entities []ServerState `json:"entities"`
		} `json:"data"`
	}
	if err := g.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data.Entities, nil
}

// do executes one request, refreshing the credential once on a 401 before
// giving up with an AuthError.
func (g *HTTPGateway) do(ctx context.Context, method, path string, body, result any) error {
	token, err := g.Creds.Token(ctx)
	if err != nil {
		return &AuthError{Err: fmt.Errorf("get token: %w", err)}
	}

	status, respBody, err := g.roundTrip(ctx, method, path, body, token)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		token, err = g.Creds.Refresh(ctx)
		if err != nil {
			return &AuthError{Err: fmt.Errorf("refresh token: %w", err)}
		}
		status, respBody, err = g.roundTrip(ctx, method, path, body, token)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return &AuthError{Err: fmt.Errorf("credential rejected after refresh")}
		}
	}

	if status >= 400 {
		return classifyStatus(status, respBody)
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (g *HTTPGateway) roundTrip(ctx context.Context, method, path string, body any, token string) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.APIKey != "" {
		req.Header.Set("X-API-Key", g.APIKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, &TransientError{Err: ctx.Err()}
		}
		return 0, nil, &TransientError{Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}
	return resp.StatusCode, respBody, nil
}

// classifyStatus maps an HTTP error status onto the engine's error taxonomy.
func classifyStatus(status int, body []byte) error {
	var apiErr apiError
	msg := http.StatusText(status)
	if json.Unmarshal(body, &apiErr) == nil && apiErr.text() != "" {
		msg = apiErr.text()
	}

	switch {
	case status == http.StatusConflict, status == http.StatusNotFound,
		status == http.StatusGone, status == http.StatusPreconditionFailed:
		return &ConflictError{Message: msg}
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return &ValidationError{Message: msg}
	case status == http.StatusForbidden:
		return &AuthError{Err: fmt.Errorf("%s", msg)}
	case status == http.StatusTooManyRequests, status >= 500:
		return &TransientError{Err: fmt.Errorf("HTTP %d: %s", status, msg)}
	default:
		return &ValidationError{Message: fmt.Sprintf("HTTP %d: %s", status, msg)}
	}
}
