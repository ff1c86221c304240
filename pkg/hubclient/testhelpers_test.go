// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package hubclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// hsCall records a request received by the fake homeserver.
type hsCall struct {
	Method string
	Path   string
	UserID string
	Body   string
}

// cannedResponse is a status code plus JSON body.
type cannedResponse struct {
	Status int
	Body   any
}

// fakeHS is an httptest.Server simulating the homeserver client API. Routes
// are matched by method and path substring; each route serves its queued
// responses in order and then keeps repeating the last one.
type fakeHS struct {
	Server *httptest.Server

	mu     sync.Mutex
	calls  []hsCall
	routes []*fakeRoute
}

type fakeRoute struct {
	method    string
	substring string
	responses []cannedResponse
}

func newFakeHS(t *testing.T) *fakeHS {
	t.Helper()
	f := &fakeHS{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

// On queues responses for requests whose path contains substring.
func (f *fakeHS) On(method, substring string, responses ...cannedResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, &fakeRoute{method: method, substring: substring, responses: responses})
}

func (f *fakeHS) Calls() []hsCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]hsCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the recorded calls whose path contains substring.
func (f *fakeHS) CallsTo(substring string) []hsCall {
	var out []hsCall
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, substring) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeHS) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, hsCall{
		Method: r.Method,
		Path:   r.URL.Path,
		UserID: r.URL.Query().Get("user_id"),
		Body:   string(body),
	})
	var resp *cannedResponse
	for _, route := range f.routes {
		if route.method == r.Method && strings.Contains(r.URL.Path, route.substring) && len(route.responses) > 0 {
			resp = &route.responses[0]
			if len(route.responses) > 1 {
				route.responses = route.responses[1:]
			}
			break
		}
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if resp == nil {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"errcode": "M_UNRECOGNIZED", "error": "no route"})
		return
	}
	w.WriteHeader(resp.Status)
	if resp.Body == nil {
		_, _ = w.Write([]byte("{}"))
		return
	}
	_ = json.NewEncoder(w).Encode(resp.Body)
}

func ok(body any) cannedResponse {
	return cannedResponse{Status: http.StatusOK, Body: body}
}

func matrixErr(status int, code, msg string) cannedResponse {
	return cannedResponse{Status: status, Body: map[string]any{"errcode": code, "error": msg}}
}

func rateLimited(retryAfterMS int) cannedResponse {
	return cannedResponse{Status: http.StatusTooManyRequests, Body: map[string]any{
		"errcode":        CodeLimitExceeded,
		"error":          "Too Many Requests",
		"retry_after_ms": retryAfterMS,
	}}
}

// sleepRecorder replaces the client's sleep so rate-limit tests run instantly.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestClient(t *testing.T, hs *fakeHS) (*Client, *sleepRecorder) {
	t.Helper()
	c, err := New(Config{
		HomeserverURL: hs.Server.URL,
		ServerName:    "home",
		ASToken:       "as-token",
		BotLocalpart:  "bridgebot",
		HTTPClient:    hs.Server.Client(),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	return c, rec
}

// newMediaServer serves data at /avatar and 404 everywhere else.
func newMediaServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/avatar" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}
