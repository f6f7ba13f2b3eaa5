package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"zengateway/internal/catalog"
	"zengateway/internal/core"
	"zengateway/internal/format"
	"zengateway/internal/gateway"
	"zengateway/internal/requestlog"
)

// fakeGateway records the last call and answers with resp or err.
type fakeGateway struct {
	call     gateway.Call
	ctx      context.Context
	err      error
	resp     string
	writeErr bool // write resp first, then fail
}

func (f *fakeGateway) Handle(ctx context.Context, in gateway.Call, w http.ResponseWriter) error {
	f.call = in
	f.ctx = ctx
	if f.err != nil && !f.writeErr {
		return f.err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, f.resp)
	return f.err
}

type fakeModels []*catalog.Model

func (m fakeModels) Models() []*catalog.Model { return m }

func serve(srv *Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestRequestContext(t *testing.T) {
	gw := &fakeGateway{resp: "{}"}
	srv := New(gw, nil, nil)

	t.Run("generates request ID when missing", func(t *testing.T) {
		rec := serve(srv, http.MethodGet, "/health", "", nil)
		got := rec.Header().Get("X-Request-ID")
		if len(got) != 36 {
			t.Errorf("expected UUID (36 chars), got %q", got)
		}
	})

	t.Run("preserves caller request ID and identity", func(t *testing.T) {
		rec := serve(srv, http.MethodPost, "/v1/messages", `{"model":"m"}`, map[string]string{
			"X-Request-ID":       "my-custom-id",
			"x-opencode-session": "sess-1",
			"x-opencode-request": "req-9",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if got := rec.Header().Get("X-Request-ID"); got != "my-custom-id" {
			t.Errorf("response X-Request-ID = %q", got)
		}
		if got := core.GetRequestID(gw.ctx); got != "my-custom-id" {
			t.Errorf("context request ID = %q", got)
		}
		id := core.GetIdentity(gw.ctx)
		if id.Session != "sess-1" || id.Request != "req-9" {
			t.Errorf("identity = %+v", id)
		}
	})
}

func TestProxyRoutes(t *testing.T) {
	tests := []struct {
		path string
		want format.Name
	}{
		{"/v1/messages", format.Anthropic},
		{"/v1/responses", format.OpenAI},
		{"/v1/chat/completions", format.OpenAICompatible},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			gw := &fakeGateway{resp: `{"ok":true}`}
			srv := New(gw, nil, nil)

			body := `{"model":"gpt-x","stream":false}`
			rec := serve(srv, http.MethodPost, tt.path, body, map[string]string{
				"x-real-ip":       "203.0.113.7",
				"X-Forwarded-For": "198.51.100.1",
				"Authorization":   "Bearer sk-test",
			})

			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if rec.Body.String() != `{"ok":true}` {
				t.Errorf("body = %q", rec.Body.String())
			}
			if gw.call.Format != tt.want {
				t.Errorf("format = %q, want %q", gw.call.Format, tt.want)
			}
			if string(gw.call.Body) != body {
				t.Errorf("gateway saw body %q", gw.call.Body)
			}
			if gw.call.ClientIP != "203.0.113.7" {
				t.Errorf("client IP = %q, want x-real-ip only", gw.call.ClientIP)
			}
			if gw.call.Header.Get("Authorization") != "Bearer sk-test" {
				t.Error("gateway should receive the caller headers")
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"auth", core.NewAuthError("Missing API key."), http.StatusUnauthorized, "AuthError"},
		{"credits", core.NewCreditsError("No payment method."), http.StatusUnauthorized, "CreditsError"},
		{"monthly", core.NewMonthlyLimitError("limit"), http.StatusUnauthorized, "MonthlyLimitError"},
		{"user limit", core.NewUserLimitError("limit"), http.StatusUnauthorized, "UserLimitError"},
		{"model", core.NewModelError("Model x not supported"), http.StatusUnauthorized, "ModelError"},
		{"wrapped", fmt.Errorf("ctx: %w", core.NewAuthError("Invalid API key.")), http.StatusUnauthorized, "AuthError"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(&fakeGateway{err: tt.err}, nil, nil)
			rec := serve(srv, http.MethodPost, "/v1/chat/completions", `{"model":"m"}`, nil)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body struct {
				Type  string `json:"type"`
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON body: %v", err)
			}
			if body.Type != "error" {
				t.Errorf("envelope type = %q", body.Type)
			}
			if body.Error.Type != tt.wantType {
				t.Errorf("error type = %q, want %q", body.Error.Type, tt.wantType)
			}
			if tt.wantStatus == http.StatusInternalServerError && strings.Contains(rec.Body.String(), "boom") {
				t.Error("internal error details must not reach the caller")
			}
		})
	}
}

func TestErrorAfterCommitKeepsResponse(t *testing.T) {
	gw := &fakeGateway{resp: "data: partial\n\n", err: errors.New("upstream reset"), writeErr: true}
	srv := New(gw, nil, nil)

	rec := serve(srv, http.MethodPost, "/v1/messages", `{"model":"m","stream":true}`, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want the already written 200", rec.Code)
	}
	if rec.Body.String() != "data: partial\n\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

type capturingLog struct{ entries []*requestlog.Entry }

func (l *capturingLog) Write(e *requestlog.Entry) { l.entries = append(l.entries, e) }
func (l *capturingLog) Config() requestlog.Config { return requestlog.Config{Enabled: true} }
func (l *capturingLog) Close() error              { return nil }

func TestRequestLogEntryCarriesError(t *testing.T) {
	log := &capturingLog{}
	srv := New(&fakeGateway{err: core.NewCreditsError("No payment method.")}, nil, &Config{RequestLog: log})

	serve(srv, http.MethodPost, "/v1/messages", `{"model":"m"}`, map[string]string{"X-Request-ID": "rid"})

	if len(log.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(log.entries))
	}
	e := log.entries[0]
	if e.RequestID != "rid" || e.StatusCode != http.StatusUnauthorized || e.ErrorType != "CreditsError" {
		t.Errorf("entry = %+v", e)
	}
}

func TestListModels(t *testing.T) {
	models := fakeModels{{ID: "claude-x"}, {ID: "gpt-x"}}
	srv := New(&fakeGateway{}, models, nil)

	rec := serve(srv, http.MethodGet, "/v1/models", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp modelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "list" || len(resp.Data) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Data[0].ID != "claude-x" || resp.Data[0].Object != "model" || resp.Data[0].OwnedBy != "zen" {
		t.Errorf("unexpected entry %+v", resp.Data[0])
	}

	empty := New(&fakeGateway{}, nil, nil)
	rec = serve(empty, http.MethodGet, "/v1/models", "", nil)
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("empty catalog should list no models, got %s", rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	rec := serve(New(&fakeGateway{}, nil, nil), http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		config         *Config
		requestPath    string
		expectedStatus int
	}{
		{"enabled default path", &Config{MetricsEnabled: true}, "/metrics", http.StatusOK},
		{"enabled custom path", &Config{MetricsEnabled: true, MetricsEndpoint: "/monitoring/metrics"}, "/monitoring/metrics", http.StatusOK},
		{"custom path is cleaned", &Config{MetricsEnabled: true, MetricsEndpoint: "/a/../metrics/"}, "/metrics", http.StatusOK},
		{"disabled", &Config{MetricsEnabled: false}, "/metrics", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(New(&fakeGateway{}, nil, tt.config), http.MethodGet, tt.requestPath, "", nil)
			if rec.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.expectedStatus)
			}
			if tt.expectedStatus == http.StatusOK && !strings.Contains(rec.Body.String(), "go_goroutines") {
				t.Error("expected Prometheus runtime metrics")
			}
		})
	}
}

func TestBodySizeLimit(t *testing.T) {
	gw := &fakeGateway{resp: "{}"}
	srv := New(gw, nil, &Config{BodySizeLimit: 16})

	rec := serve(srv, http.MethodPost, "/v1/messages", `{"model":"a-model-name-that-is-long"}`, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	if gw.call.Body != nil {
		t.Error("oversized body must not reach the gateway")
	}
}
