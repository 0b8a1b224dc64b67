package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quailyn/respbridge/internal/config"
)

// newTestServer wires a Server against a fake upstream backend serving both
// /models and /chat/completions, mirroring a minimal Chat-Completions-speaking
// service. chatBody is the raw SSE payload the fake backend writes verbatim
// for every chat/completions call.
func newTestServer(t *testing.T, chatBody string, chatStatus int) (*Server, *httptest.Server) {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/models":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"data":[{"id":"gpt-test","supported_features":["function_calling"]}]}`)
		case r.URL.Path == "/chat/completions":
			if chatStatus != http.StatusOK {
				w.WriteHeader(chatStatus)
				fmt.Fprint(w, `{"error":"boom"}`)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, chatBody)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(backend.Close)

	cfg := config.DefaultFromEnv()
	cfg.BackendURL = backend.URL
	cfg.ModelsRefresh = time.Hour
	cfg.RequestTimeout = 10 * time.Second
	cfg.BreakerEnabled = false

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := New(ctx, cfg)
	return srv, backend
}

func doResponsesRequest(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-test-123456")
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	return rec
}

func parseSSEEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("failed to decode SSE event %q: %v", payload, err)
		}
		out = append(out, ev)
	}
	return out
}

func eventTypes(events []map[string]any) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i], _ = ev["type"].(string)
	}
	return out
}

func TestHandleResponsesSimpleTextStream(t *testing.T) {
	chatBody := "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":1,\"total_tokens\":2}}\n\n" +
		"data: [DONE]\n\n"
	srv, _ := newTestServer(t, chatBody, http.StatusOK)

	rec := doResponsesRequest(t, srv, `{"model":"gpt-test","input":"hi","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := parseSSEEvents(t, rec.Body.String())
	types := eventTypes(events)
	if len(types) == 0 || types[0] != "response.created" {
		t.Fatalf("types = %v", types)
	}
	if types[len(types)-1] != "response.done" {
		t.Fatalf("last event = %q, want response.done", types[len(types)-1])
	}
	found := false
	for _, ev := range events {
		if ev["type"] == "response.completed" {
			found = true
			resp, _ := ev["response"].(map[string]any)
			if resp["status"] != "completed" {
				t.Errorf("status = %v", resp["status"])
			}
		}
	}
	if !found {
		t.Fatalf("no response.completed event in %v", types)
	}
}

func TestHandleResponsesMissingAuthorization(t *testing.T) {
	srv, _ := newTestServer(t, "data: [DONE]\n\n", http.StatusOK)
	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(`{"model":"gpt-test","input":"hi"}`))
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleResponsesUnknownModel(t *testing.T) {
	srv, _ := newTestServer(t, "data: [DONE]\n\n", http.StatusOK)
	rec := doResponsesRequest(t, srv, `{"model":"does-not-exist","input":"hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "model_not_found" {
		t.Errorf("code = %v", errObj["code"])
	}
}

func TestHandleResponsesInvalidJSONBody(t *testing.T) {
	srv, _ := newTestServer(t, "data: [DONE]\n\n", http.StatusOK)
	rec := doResponsesRequest(t, srv, `{not valid json`)
	if rec.Code < 400 || rec.Code >= 500 {
		t.Fatalf("status = %d, want 4xx", rec.Code)
	}
}

func TestHandleResponsesUpstreamErrorMapsToBadGateway(t *testing.T) {
	srv, _ := newTestServer(t, "", http.StatusInternalServerError)
	rec := doResponsesRequest(t, srv, `{"model":"gpt-test","input":"hi"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t, "data: [DONE]\n\n", http.StatusOK)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	cache, _ := body["model_cache"].(map[string]any)
	if cache["models_count"] != float64(1) {
		t.Errorf("models_count = %v", cache["models_count"])
	}
}

// A tool call whose upstream fragments arrive across two chat deltas must
// reassemble correctly end to end, exercising the full C4-C9 pipeline rather
// than translate.Translator in isolation.
func TestHandleResponsesToolCallEndToEnd(t *testing.T) {
	chatBody := "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_xyz\",\"type\":\"function\",\"function\":{\"name\":\"get_time\",\"arguments\":\"{\\\"tz\\\"\"}}]}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\":\\\"UTC\\\"}\"}}]}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n" +
		"data: [DONE]\n\n"
	srv, _ := newTestServer(t, chatBody, http.StatusOK)

	body := `{"model":"gpt-test","input":"what time is it","stream":true,"tools":[{"type":"function","function":{"name":"get_time","description":"get the time"}}]}`
	rec := doResponsesRequest(t, srv, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	events := parseSSEEvents(t, rec.Body.String())
	var gotArgs string
	var beginName string
	for _, ev := range events {
		switch ev["type"] {
		case "response.output_tool_call.begin":
			beginName, _ = ev["name"].(string)
		case "response.function_call_arguments.delta":
			d, _ := ev["delta"].(string)
			gotArgs += d
		}
	}
	if beginName != "get_time" {
		t.Errorf("begin name = %q", beginName)
	}
	if gotArgs != `{"tz":"UTC"}` {
		t.Errorf("reassembled arguments = %q", gotArgs)
	}
}
