// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

// testServer is a minimal warehouse backend for exercising the HTTP client:
// an items collection plus endpoints that return programmed status codes.
type testServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []*http.Request
	records  map[string]map[string]any
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{records: map[string]map[string]any{}}

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ts.mu.Lock()
			ts.requests = append(ts.requests, req.Clone(req.Context()))
			ts.mu.Unlock()
			if req.Header.Get("Authorization") != "Bearer good-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.HandleFunc("/status/{code}", func(w http.ResponseWriter, req *http.Request) {
		code, err := strconv.Atoi(mux.Vars(req)["code"])
		require.NoError(t, err)
		w.WriteHeader(code)
	}).Methods(http.MethodGet, http.MethodPut, http.MethodPost)
	r.HandleFunc("/{entity}", func(w http.ResponseWriter, req *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
		id, _ := payload["id"].(string)
		ts.mu.Lock()
		ts.records[id] = payload
		ts.mu.Unlock()
		writeRecord(w, id, payload)
	}).Methods(http.MethodPost)
	r.HandleFunc("/{entity}/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		ts.mu.Lock()
		payload, ok := ts.records[id]
		ts.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeRecord(w, id, payload)
	}).Methods(http.MethodGet)
	r.HandleFunc("/{entity}/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		ts.mu.Lock()
		_, ok := ts.records[id]
		delete(ts.records, id)
		ts.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	ts.Server = httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func writeRecord(w http.ResponseWriter, id string, fields map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":          id,
		"modified_at": time.Now().UTC(),
		"fields":      fields,
	})
}

func (ts *testServer) lastRequest() *http.Request {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.requests[len(ts.requests)-1]
}

func newTestHTTPRemote(ts *testServer, token string) *HTTPRemote {
	return NewHTTPRemote(ts.URL, StaticToken(token), 2*time.Second, testLogger())
}

func TestHTTPRemoteCreateSendsAuthAndIdempotencyKey(t *testing.T) {
	ts := newTestServer(t)
	remote := newTestHTTPRemote(ts, "good-token")

	rec, err := remote.Create(context.Background(), "items", "mutation-123", json.RawMessage(`{"id":"abc","name":"drill"}`))
	require.NoError(t, err)
	require.Equal(t, "abc", rec.ID)
	require.False(t, rec.ModifiedAt.IsZero())

	req := ts.lastRequest()
	require.Equal(t, "Bearer good-token", req.Header.Get("Authorization"))
	require.Equal(t, "mutation-123", req.Header.Get(IdempotencyKeyHeader))
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestHTTPRemoteFetchAbsentRecord(t *testing.T) {
	ts := newTestServer(t)
	remote := newTestHTTPRemote(ts, "good-token")

	rec, err := remote.Fetch(context.Background(), "items", "missing")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestHTTPRemoteDeleteTreats404AsSuccess(t *testing.T) {
	ts := newTestServer(t)
	remote := newTestHTTPRemote(ts, "good-token")

	require.NoError(t, remote.Delete(context.Background(), "items", "already-gone", "m1"))
}

func TestHTTPRemoteClassifiesAuthFailure(t *testing.T) {
	ts := newTestServer(t)
	remote := newTestHTTPRemote(ts, "bad-token")

	_, err := remote.Fetch(context.Background(), "items", "abc")
	require.True(t, IsAuth(err), "expected AuthError, got %v", err)
}

func TestHTTPRemoteClassifies4xxAsValidation(t *testing.T) {
	ts := newTestServer(t)
	remote := newTestHTTPRemote(ts, "good-token")

	_, err := remote.Update(context.Background(), "status", "422", "m1", json.RawMessage(`{}`))
	require.True(t, IsValidation(err), "expected ValidationError, got %v", err)
	require.False(t, IsTransient(err))
}

func TestHTTPRemoteClassifies5xxAsTransient(t *testing.T) {
	ts := newTestServer(t)
	remote := newTestHTTPRemote(ts, "good-token")

	_, err := remote.Update(context.Background(), "status", "503", "m1", json.RawMessage(`{}`))
	require.True(t, IsTransient(err), "expected TransientNetworkError, got %v", err)
}

func TestHTTPRemoteTimeoutIsTransient(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(slow.Close)

	remote := NewHTTPRemote(slow.URL, StaticToken("good-token"), 20*time.Millisecond, testLogger())
	_, err := remote.Fetch(context.Background(), "items", "abc")
	require.True(t, IsTransient(err), "expected TransientNetworkError, got %v", err)
}

func mintToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": expiresAt.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestJWTTokenSourcePassesValidToken(t *testing.T) {
	signed := mintToken(t, time.Now().Add(time.Hour))
	src := NewJWTTokenSource(StaticToken(signed))

	got, err := src.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, signed, got)
}

func TestJWTTokenSourceRejectsExpiredToken(t *testing.T) {
	signed := mintToken(t, time.Now().Add(-time.Hour))
	src := NewJWTTokenSource(StaticToken(signed))

	_, err := src.Token(context.Background())
	require.True(t, IsAuth(err), "expected AuthError, got %v", err)
}

func TestJWTTokenSourceRejectsMalformedToken(t *testing.T) {
	src := NewJWTTokenSource(StaticToken("not-a-jwt"))
	_, err := src.Token(context.Background())
	require.True(t, IsAuth(err), "expected AuthError, got %v", err)
}
