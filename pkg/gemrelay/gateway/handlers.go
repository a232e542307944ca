package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/jjoaquim/gemrelay/pkg/gemrelay/relay"
)

const version = "1.0.0"

// chatRequest is the body for /api/chat and /api/chat/batch.
type chatRequest struct {
	Model  string                  `json:"model,omitempty"`
	Turns  []relay.Turn            `json:"turns"`
	Params *relay.GenerationParams `json:"params,omitempty"`
}

// toGeneration converts the wire body to the relay request form.
func (c *chatRequest) toGeneration() *relay.GenerationRequest {
	req := &relay.GenerationRequest{Turns: c.Turns}
	if c.Params != nil {
		req.Params = *c.Params
	}
	return req
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// handleLiveness is the unauthenticated probe endpoint.
func (g *Gateway) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	g.writeJSON(w, 200, map[string]any{
		"status":  "ok",
		"version": version,
		"uptime":  time.Since(g.startedAt).Round(time.Second).String(),
	})
}

// handleChat streams a generation as SSE. Each relay event becomes one SSE
// frame; the connection closing cancels the upstream request.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.writeError(w, "invalid request body", 400)
		return
	}
	model := body.Model
	if model == "" {
		g.writeError(w, "model required", 400)
		return
	}

	handle, err := g.service.SendStreaming(r.Context(), body.toGeneration(), model)
	if err != nil {
		g.writeError(w, err.Error(), errorStatus(err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Stream-ID", handle.ID)
	w.WriteHeader(200)

	flusher, ok := w.(http.Flusher)
	if !ok {
		flusher = nil
	}

	// First frame announces the stream ID so clients can cancel.
	fmt.Fprintf(w, "event: start\ndata: {\"id\":%q}\n\n", handle.ID)
	if flusher != nil {
		flusher.Flush()
	}

	for ev := range handle.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			g.logger.Error("failed to encode stream event", "error", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleChatByID supports DELETE /api/chat/{id} for stream cancellation.
func (g *Gateway) handleChatByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/chat/")
	if id == "" || id == "batch" {
		g.writeError(w, "not found", 404)
		return
	}
	if r.Method != http.MethodDelete {
		g.writeError(w, "method not allowed", 405)
		return
	}
	if err := g.service.Cancel(id); err != nil {
		g.writeError(w, "stream not found", 404)
		return
	}
	g.writeJSON(w, 200, map[string]string{"status": "cancelled"})
}

// handleChatBatch performs a blocking generation and returns the complete
// result as JSON.
func (g *Gateway) handleChatBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.writeError(w, "invalid request body", 400)
		return
	}
	if body.Model == "" {
		g.writeError(w, "model required", 400)
		return
	}

	res, err := g.service.SendBatch(r.Context(), body.toGeneration(), body.Model)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(errorStatus(err))
		json.NewEncoder(w).Encode(map[string]any{
			"error":          err.Error(),
			"classification": relay.Classify(err),
		})
		return
	}
	g.writeJSON(w, 200, res)
}

// errorStatus maps a relay failure to the HTTP status the client should see.
// A pool with no usable credentials is a server-side outage, not a bad
// request.
func errorStatus(err error) int {
	if errors.Is(err, relay.ErrNoCredentials) {
		return http.StatusServiceUnavailable
	}
	switch relay.Classify(err).Category {
	case relay.CategoryContentValidation, relay.CategoryMalformed:
		return http.StatusBadRequest
	case relay.CategoryQuota:
		return http.StatusTooManyRequests
	case relay.CategoryAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

// handleHealth reports the credential pool state and service counters.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	resp := map[string]any{
		"uptime":         time.Since(g.startedAt).Round(time.Second).String(),
		"active_streams": g.service.ActiveStreams(),
		"credentials":    g.service.HealthSnapshot(),
	}
	if g.validator != nil {
		if last := g.validator.LastRun(); !last.IsZero() {
			resp["last_validation"] = last
		}
	}
	g.writeJSON(w, 200, resp)
}

// handleValidateKeys runs one probe sweep on demand.
func (g *Gateway) handleValidateKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	if g.validator == nil {
		g.writeError(w, "validator not configured", 503)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	results := g.validator.RunOnce(ctx)

	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		entry := map[string]any{
			"key":   res.Credential.Masked(),
			"valid": res.Err == nil,
		}
		if res.Err != nil {
			entry["error"] = res.Err.Error()
			entry["classification"] = res.Classification
		}
		out = append(out, entry)
	}
	g.writeJSON(w, 200, map[string]any{"results": out})
}

// proxyHandler forwards /v1beta/ requests to the upstream API, replacing
// whatever credential the client sent with the pool's active key. Clients
// can point any Gemini SDK at the gateway without holding a real key.
func (g *Gateway) proxyHandler() http.Handler {
	upstream, err := url.Parse(g.proxyBase)
	if err != nil || g.proxyBase == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.writeError(w, "upstream proxy not configured", 503)
		})
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = upstream.Host
		req.Header.Del("Authorization")
		cred, err := g.service.CurrentCredential()
		if err != nil {
			// No key available; strip the header and let upstream reject it.
			req.Header.Del("x-goog-api-key")
			return
		}
		req.Header.Set("x-goog-api-key", cred.Key)
		req.URL.RawQuery = stripKeyParam(req.URL.RawQuery)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		g.logger.Error("proxy error", "path", r.URL.Path, "error", err)
		g.writeError(w, "upstream unavailable", 502)
	}
	return proxy
}

// stripKeyParam removes any client-supplied key query parameter so it never
// reaches the upstream.
func stripKeyParam(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	values.Del("key")
	return values.Encode()
}
