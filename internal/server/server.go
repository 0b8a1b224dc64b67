// Package server wires C1-C9 into an HTTP server exposing POST /v1/responses
// and GET /health, grounded on the teacher's internal/proxy/server.go for its
// ServeMux route registration and signal-driven graceful shutdown, and on its
// middleware chain shape (cors -> auth -> verbose -> debug-dump) generalized
// here to (recover -> log), since auth is a stateless per-request forward
// rather than a managed session and there is no browser surface to CORS-guard.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quailyn/respbridge/internal/backend"
	"github.com/quailyn/respbridge/internal/breaker"
	"github.com/quailyn/respbridge/internal/catalog"
	"github.com/quailyn/respbridge/internal/chatproto"
	"github.com/quailyn/respbridge/internal/config"
	"github.com/quailyn/respbridge/internal/dump"
	"github.com/quailyn/respbridge/internal/flatten"
	"github.com/quailyn/respbridge/internal/respproto"
	"github.com/quailyn/respbridge/internal/ssereader"
	"github.com/quailyn/respbridge/internal/translate"
	"github.com/quailyn/respbridge/internal/validate"
)

// nativeToolCallFeature is the catalog feature name a model advertises when
// it speaks native function-calling rather than requiring the XML convention
// C6 falls back to (§4.5 step 5).
const nativeToolCallFeature = "function_calling"

// Server owns the long-lived C2/C3 state and dispatches every request
// through C4-C9.
type Server struct {
	cfg     *config.ServerConfig
	catalog *catalog.Catalog
	breaker *breaker.Breaker
	backend *backend.Client
	mux     *http.ServeMux
	httpSrv *http.Server

	startedAt time.Time
}

// New builds a Server and starts the background model-catalog refresher. ctx
// governs the refresher's lifetime, not the HTTP server's.
func New(ctx context.Context, cfg *config.ServerConfig) *Server {
	bc := backend.New(cfg.ChatCompletionsURL(), cfg.ModelsURL(), cfg.ConnectTimeout, cfg.BackendTimeout)
	cat := catalog.New(cfg.ModelsURL(), bc.HTTPClient())
	cat.Start(ctx, cfg.ModelsRefresh)

	s := &Server{
		cfg:       cfg,
		catalog:   cat,
		breaker:   breaker.New(cfg.BreakerEnabled, 5, 30*time.Second),
		backend:   bc,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/responses", s.withMiddleware(s.handleResponses))
	mux.HandleFunc("GET /health", s.handleHealth)
	s.mux = mux

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error { return s.httpSrv.ListenAndServe() }

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error { return s.httpSrv.Shutdown(ctx) }

// withMiddleware wraps handler with request logging and a panic recovery
// barrier, the minimal slice of the teacher's cors/auth/verbose/debug-dump
// chain that still applies once auth is a stateless per-request header
// forward rather than a managed OAuth session (§11). There is no CORS layer:
// this server has no browser-facing surface to protect.
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic handling request", "request_id", requestID, "panic", rec)
				writeJSONError(w, http.StatusInternalServerError, "internal_error", "An internal error occurred.")
			}
		}()
		ctx := withRequestID(r.Context(), requestID)
		next(w, r.WithContext(ctx))
		slog.Info("request handled", "request_id", requestID, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	}
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// handleHealth implements §6's health endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.breaker.Snapshot()
	healthy := s.catalog.Healthy()
	status := "ok"
	code := http.StatusOK
	if snap.IsOpen || !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status": status,
		"circuit_breaker": map[string]any{
			"enabled":              snap.Enabled,
			"is_open":              snap.IsOpen,
			"consecutive_failures": snap.ConsecutiveFailures,
		},
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"model_cache": map[string]any{
			"models_count": s.catalog.Count(),
			"healthy":      healthy,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

// handleResponses implements C9: the full POST /v1/responses pipeline.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())

	auth := extractAuthorization(r)
	if auth == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing_api_key", "An Authorization header (or x-api-key) is required.")
		return
	}
	slog.Debug("dispatching request", "request_id", requestID, "auth", maskAuth(auth))

	raw, err := io.ReadAll(io.LimitReader(r.Body, validate.MaxInputBytes+validate.MaxInstructionsBytes+64*1024))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "body_read_error", "Failed to read request body.")
		return
	}

	var dumpW *dump.Writer
	if s.cfg.DumpEnabled {
		dumpW = dump.Open(s.cfg.DumpDir, requestID)
		defer dumpW.Close()
		dumpW.Block("INBOUND REQUEST", dump.RedactAuthorization(raw))
	}

	result, verr := validate.Validate(raw)
	if verr != nil {
		writeJSONError(w, verr.Status, verr.Code, verr.Message)
		return
	}
	for _, warn := range result.Warnings {
		slog.Debug("advisory field", "request_id", requestID, "warning", warn)
	}
	req := result.Request

	if !s.catalog.Known(req.Model) && s.catalog.Count() > 0 {
		writeJSONError(w, http.StatusNotFound, "model_not_found", buildModelNotFoundMessage(req.Model, s.catalog.Candidates(20), s.catalog.Count()))
		return
	}
	model := s.catalog.Normalize(req.Model)
	supportsNative := s.catalog.Supports(model, nativeToolCallFeature)

	flat, ferr := flatten.Flatten(req, supportsNative)
	if ferr != nil {
		writeJSONError(w, http.StatusBadRequest, ferr.Code, ferr.Message)
		return
	}
	messages := flat.Messages
	if flat.NeedsPreamble {
		messages = append([]chatproto.Message{xmlToolPreamble(req.Tools)}, messages...)
	}

	if !s.breaker.Allow() {
		writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable", "The upstream backend is temporarily unavailable.")
		return
	}

	chatReq := &chatproto.CompletionRequest{
		Model:             model,
		Messages:          messages,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		MaxTokens:         req.EffectiveMaxOutputTokens(),
		Stop:              req.Stop,
		Seed:              req.Seed,
		FrequencyPenalty:  req.FrequencyPenalty,
		PresencePenalty:   req.PresencePenalty,
		LogitBias:         req.LogitBias,
		TopLogprobs:       req.TopLogprobs,
		Logprobs:          req.Logprobs,
		User:              req.User,
		ParallelToolCalls: req.ParallelToolCalls,
	}
	if supportsNative {
		chatReq.Tools = toBackendTools(req.Tools)
		if len(req.ToolChoice) > 0 {
			var choice any
			json.Unmarshal(req.ToolChoice, &choice) //nolint:errcheck
			chatReq.ToolChoice = choice
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	body, dispatchErr := s.backend.Dispatch(ctx, auth, chatReq)
	if dispatchErr != nil {
		s.recordDispatchFailure(dispatchErr)
		status, code, message := mapDispatchError(dispatchErr)
		writeJSONError(w, status, code, message)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	// §5's two-task pipeline: an upstream-reader task feeds C1->C7 and hands
	// finished events to this (the HTTP responder) task over a bounded
	// channel. The send blocks once the channel is full, which is the
	// back-pressure §5 asks for: a slow client stalls the responder's
	// receive, which stalls the reader's send, which in turn stalls its
	// upstream socket reads. The reader task's own ctx.Err() check (in
	// streamBackend) is what unblocks this on timeout or disconnect, by
	// tearing the pipeline down and closing the channel rather than sending
	// into it forever.
	events := make(chan respproto.Event, s.cfg.ChannelCapacity)
	emit := func(ev respproto.Event) { events <- ev }

	tr := translate.New(requestID, model, req, s.startedAt.Unix(), emit)
	go func() {
		defer close(events)
		tr.EmitCreated()
		s.streamBackend(ctx, body, tr)
	}()

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			slog.Error("failed to encode event", "request_id", requestID, "error", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		if canFlush {
			flusher.Flush()
		}
		if dumpW != nil {
			dumpW.Block("OUTBOUND EVENT "+ev.Type, payload)
		}
	}

	if !tr.Failed() {
		s.breaker.RecordSuccess()
	}
}

// streamBackend reads upstream SSE frames through C1 and feeds each decoded
// chatproto.Chunk into the C7 translator until the upstream stream ends or
// ctx is cancelled by the per-request timeout or client disconnect. It is
// the upstream-reader task's body (§5); it never touches the
// http.ResponseWriter directly.
func (s *Server) streamBackend(ctx context.Context, body io.Reader, tr *translate.Translator) {
	sseR := ssereader.New(body, s.cfg.SSEBufferCap)
	for {
		if err := ctx.Err(); err != nil {
			if !tr.Done() {
				switch {
				case errors.Is(err, context.DeadlineExceeded):
					tr.Fail("request_timeout", "The request exceeded its time budget.")
				default:
					// context.Canceled: the client disconnected (net/http
					// cancels r.Context() on a closed connection). §4.8's
					// "Client disconnect -> silent teardown" row: there is
					// no client left to report a failure event to, and this
					// is not an upstream fault the breaker should count.
				}
			}
			return
		}

		evt, err := sseR.Next()
		if err != nil && ctx.Err() != nil {
			// The read was aborted by the timeout or disconnect; the check at
			// the top of the loop reports it.
			continue
		}
		switch {
		case errors.Is(err, ssereader.Done):
			if !tr.Done() {
				tr.Fail("upstream_truncated", "The upstream connection closed before a finish reason was received.")
			}
			return
		case errors.Is(err, io.EOF):
			if !tr.Done() {
				tr.Fail("upstream_truncated", "The upstream connection closed before a finish reason was received.")
			}
			return
		case errors.Is(err, ssereader.ErrEventTooLarge):
			tr.Fail("upstream_event_too_large", "An upstream event exceeded the maximum size limit.")
			return
		case err != nil:
			tr.Fail("upstream_stream_error", err.Error())
			return
		}

		if evt.EventName != "" && evt.EventName != "message" {
			continue
		}

		var chunk chatproto.Chunk
		if decodeErr := json.Unmarshal([]byte(evt.Data), &chunk); decodeErr != nil {
			slog.Warn("failed to decode upstream chunk, skipping", "error", decodeErr)
			continue
		}
		tr.HandleChunk(chunk)
		if tr.Done() {
			return
		}
	}
}

func (s *Server) recordDispatchFailure(err error) {
	var be *backend.Error
	if errors.As(err, &be) {
		if be.IsTransport() || be.StatusCode >= 500 {
			s.breaker.RecordFailure()
		}
		return
	}
	s.breaker.RecordFailure()
}

// mapDispatchError implements §4.8's upstream-error-to-client-error table.
func mapDispatchError(err error) (status int, code string, message string) {
	var be *backend.Error
	if errors.As(err, &be) {
		if be.IsTransport() {
			var ne net.Error
			if errors.Is(be.Err, context.DeadlineExceeded) || (errors.As(be.Err, &ne) && ne.Timeout()) {
				return http.StatusGatewayTimeout, "backend_timeout", be.Error()
			}
			return http.StatusBadGateway, "backend_error", be.Error()
		}
		switch {
		case be.StatusCode == http.StatusTooManyRequests:
			return http.StatusTooManyRequests, "backend_error", "The upstream backend rate-limited this request."
		case be.StatusCode == http.StatusUnauthorized || be.StatusCode == http.StatusForbidden:
			return be.StatusCode, "backend_error", "The upstream backend rejected the provided credentials."
		case be.StatusCode >= 500:
			return http.StatusBadGateway, "backend_error", fmt.Sprintf("The upstream backend returned HTTP %d: %s", be.StatusCode, be.Body)
		default:
			return be.StatusCode, "backend_error", fmt.Sprintf("The upstream backend rejected the request: %s", be.Body)
		}
	}
	return http.StatusBadGateway, "backend_error", err.Error()
}

// extractAuthorization resolves the credential to forward upstream: the
// standard Authorization header first, falling back to x-api-key (§4.9).
func extractAuthorization(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		return v
	}
	if v := r.Header.Get("x-api-key"); v != "" {
		return "Bearer " + v
	}
	return ""
}

// maskAuth renders a credential safe to log: its first 6 and last 4
// characters only, per §4.9's logging rule.
func maskAuth(auth string) string {
	v := strings.TrimPrefix(auth, "Bearer ")
	if len(v) <= 10 {
		return "***"
	}
	return v[:6] + "..." + v[len(v)-4:]
}

// buildModelNotFoundMessage renders a 404 body listing known models, capped
// at max candidates with a "...and N more" suffix, adopted from
// original_source's build_model_list_content (§12).
func buildModelNotFoundMessage(requested string, candidates []string, total int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Model %q is not available.", requested)
	if len(candidates) == 0 {
		return sb.String()
	}
	sb.WriteString(" Available models: ")
	sb.WriteString(strings.Join(candidates, ", "))
	if remaining := total - len(candidates); remaining > 0 {
		fmt.Fprintf(&sb, ", ...and %d more", remaining)
	}
	return sb.String()
}

// xmlToolPreamble builds the system message describing the XML tool-call
// convention (§4.5 step 5) for models lacking native function-calling.
func xmlToolPreamble(tools []respproto.ToolDef) chatproto.Message {
	var sb strings.Builder
	sb.WriteString("You can call tools using this exact format: <function=NAME>JSON_ARGUMENTS</function>\n")
	sb.WriteString("Available tools:\n")
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", t.Function.Name, t.Function.Description)
	}
	return chatproto.Message{Role: "system", Content: sb.String()}
}

func toBackendTools(tools []respproto.ToolDef) []chatproto.Tool {
	out := make([]chatproto.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		out = append(out, chatproto.Tool{
			Type: "function",
			Function: chatproto.FunctionDef{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"error": map[string]string{"code": code, "message": message},
	})
}
