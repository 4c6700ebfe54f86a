// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// RemoteAPI is the consumed surface of the authoritative server. Fetch
// returns (nil, nil) when the record does not exist; Delete treats an
// already-gone record as success.
type RemoteAPI interface {
	Fetch(ctx context.Context, entityType, recordID string) (*RemoteRecord, error)
	List(ctx context.Context, entityType string) ([]RemoteRecord, error)
	Create(ctx context.Context, entityType, idempotencyKey string, payload json.RawMessage) (*RemoteRecord, error)
	Update(ctx context.Context, entityType, recordID, idempotencyKey string, payload json.RawMessage) (*RemoteRecord, error)
	Delete(ctx context.Context, entityType, recordID, idempotencyKey string) error
}

// IdempotencyKeyHeader carries the PendingMutation id so retried pushes are
// safe on the server side.
const IdempotencyKeyHeader = "Idempotency-Key"

// HTTPRemote talks to the warehouse REST backend: GET/POST/PUT/DELETE per
// entity collection, bearer-token auth, responses classified into the
// engine's error taxonomy.
type HTTPRemote struct {
	BaseURL string
	Token   TokenSource
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPRemote creates a remote client with the given request timeout.
func NewHTTPRemote(baseURL string, token TokenSource, timeout time.Duration, logger *slog.Logger) *HTTPRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRemote{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Fetch returns the current server representation of one record, or
// (nil, nil) when the server does not have it.
func (r *HTTPRemote) Fetch(ctx context.Context, entityType, recordID string) (*RemoteRecord, error) {
	resp, err := r.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s/%s", r.BaseURL, entityType, recordID), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := classifyStatus("fetch "+entityType, resp); err != nil {
		return nil, err
	}
	return decodeRecord(resp.Body)
}

// List returns every server record of one entity type (used for hydration).
func (r *HTTPRemote) List(ctx context.Context, entityType string) ([]RemoteRecord, error) {
	resp, err := r.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s", r.BaseURL, entityType), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus("list "+entityType, resp); err != nil {
		return nil, err
	}
	var records []RemoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode list response: %w", err)
	}
	return records, nil
}

// Create posts a new record.
func (r *HTTPRemote) Create(ctx context.Context, entityType, idempotencyKey string, payload json.RawMessage) (*RemoteRecord, error) {
	resp, err := r.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s", r.BaseURL, entityType), idempotencyKey, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus("create "+entityType, resp); err != nil {
		return nil, err
	}
	return decodeRecord(resp.Body)
}

// Update puts the full new state of an existing record.
func (r *HTTPRemote) Update(ctx context.Context, entityType, recordID, idempotencyKey string, payload json.RawMessage) (*RemoteRecord, error) {
	resp, err := r.do(ctx, http.MethodPut, fmt.Sprintf("%s/%s/%s", r.BaseURL, entityType, recordID), idempotencyKey, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus("update "+entityType, resp); err != nil {
		return nil, err
	}
	return decodeRecord(resp.Body)
}

// Delete removes a record; a 404 means it is already gone and counts as
// success.
func (r *HTTPRemote) Delete(ctx context.Context, entityType, recordID, idempotencyKey string) error {
	resp, err := r.do(ctx, http.MethodDelete, fmt.Sprintf("%s/%s/%s", r.BaseURL, entityType, recordID), idempotencyKey, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return classifyStatus("delete "+entityType, resp)
}

func (r *HTTPRemote) do(ctx context.Context, method, url, idempotencyKey string, payload json.RawMessage) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := r.Token.Token(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		// Timeouts and refused connections are transient; the mutation goes to
		// backoff, not to the dead-letter set.
		return nil, &TransientNetworkError{Op: method + " " + url, Err: err}
	}
	return resp, nil
}

// classifyStatus maps non-2xx responses onto the error taxonomy.
func classifyStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode, Reason: readErrorBody(resp)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The payload itself was rejected; retrying the same bytes cannot help.
		return &ValidationError{Reason: fmt.Sprintf("%s rejected with status %d: %s", op, resp.StatusCode, readErrorBody(resp))}
	default:
		return &TransientNetworkError{Op: op, Err: fmt.Errorf("server returned status %d: %s", resp.StatusCode, readErrorBody(resp))}
	}
}

func readErrorBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return string(b)
}

func decodeRecord(body io.Reader) (*RemoteRecord, error) {
	var rec RemoteRecord
	if err := json.NewDecoder(body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode record response: %w", err)
	}
	return &rec, nil
}
