package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/dbproxy/dbproxy/internal/buffer"
	"github.com/dbproxy/dbproxy/internal/identity"
	. "github.com/dbproxy/dbproxy/internal/logging"
	"github.com/dbproxy/dbproxy/internal/metrics"
	"github.com/dbproxy/dbproxy/internal/rewrite"
	"github.com/dbproxy/dbproxy/internal/sse"
	"github.com/dbproxy/dbproxy/internal/upstream"
	"github.com/dbproxy/dbproxy/internal/wireformat"
)

const maxRequestBodyBytes = 64 << 20

var authHeaderNames = []string{"X-Api-Key", "Authorization", "Anthropic-Version", "Anthropic-Beta"}

// handleMessages implements the 13-step request handler of spec section 4.9.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":{"type":"invalid_request","message":"method not allowed"}}`, http.StatusMethodNotAllowed)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeInvalidRequest(w, "failed to read request body")
		return
	}

	// step 1: parse
	body, err := wireformat.ParseBody(raw)
	if err != nil {
		writeInvalidRequest(w, "malformed JSON body")
		return
	}

	// step 2: extract
	model, _ := wireformat.GetString(body, "model")
	stream, _ := wireformat.GetBool(body, "stream")
	system := body["system"]
	toolsArr, _ := wireformat.GetArray(body, "tools")
	tools := wireformat.AsObjectSlice(toolsArr)
	messages := rewrite.ExtractMessages(body)

	// step 3: capture auth + query
	authHeaders := captureAuthHeaders(r.Header)
	query := upstream.QueryFromURL(r.URL)

	// step 4: fingerprint, get_or_create
	fp := identity.Fingerprint(body)
	key := identity.Key(fp, model)

	cfg := s.Config()
	mgr := s.reg.GetOrCreate(key, int(cfg.ContextWindow(model)), bufferConfigFromConfig(cfg))
	mgr.SetCheckpointClient(s.checkpoint)

	if lw, ok := w.(*loggingResponseWriter); ok {
		lw.convKey = key
	}

	// step 5: apply live configuration
	mgr.ApplyConfig(bufferConfigFromConfig(cfg))

	// step 6: suggestion mode bypass
	if rewrite.IsSuggestionMode(messages) {
		s.forwardVerbatim(w, r, raw, query, mgr, stream)
		return
	}

	// step 7: incoming-compaction reset
	mgr.ResetOnIncomingCompaction(messages)

	// step 8: snapshot
	mgr.SnapshotRequest(buffer.RequestSnapshot{
		AuthHeaders: authHeaders,
		Query:       query,
		System:      system,
		Tools:       tools,
		Messages:    messages,
		Model:       model,
	})

	// step 9: global passthrough
	if cfg.Passthrough {
		s.forwardVerbatim(w, r, raw, query, mgr, stream)
		return
	}

	// step 10: SWAP_READY short-circuit
	if result, ok := mgr.TrySwapIfReady(); ok {
		metrics.RecordSwap()
		s.respondSynthetic(w, result, stream, mgr)
		return
	}

	// step 11: WAL_ACTIVE direct swap shortcut
	if result, ok := mgr.TryDirectSwap(); ok {
		metrics.RecordSwap()
		s.respondSynthetic(w, result, stream, mgr)
		return
	}

	// step 12: client-initiated compact
	if rewrite.IsCompactRequest(messages) {
		if result, ok := mgr.HandleCompactRequest(r.Context()); ok {
			metrics.RecordSwap()
			s.respondSynthetic(w, result, stream, mgr)
			return
		}
	}

	// step 13: rewrite and forward
	rewritten := rewrite.RewriteForForward(body)
	out, err := json.Marshal(rewritten)
	if err != nil {
		writeInvalidRequest(w, "failed to re-encode request body")
		return
	}
	s.forwardAndTrack(w, r, out, query, mgr, stream)
}

func captureAuthHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(authHeaderNames))
	for _, name := range authHeaderNames {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

func setDiagnosticHeaders(w http.ResponseWriter, mgr *buffer.Manager) {
	w.Header().Set("x-double-buffer-phase", mgr.Phase().String())
	w.Header().Set("x-double-buffer-conv-id", mgr.ConvIDPrefix())
}

func writeInvalidRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"type": "invalid_request", "message": message},
	})
}

func writeProxyError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"type": "proxy_error", "message": message},
	})
}

// respondSynthetic renders a swap result as the wire response in lieu of
// forwarding, per spec section 4.4.
func (s *Server) respondSynthetic(w http.ResponseWriter, result buffer.SwapResult, stream bool, mgr *buffer.Manager) {
	setDiagnosticHeaders(w, mgr)

	if stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, ev := range buffer.BuildStreamingSwapEvents(result.Body, result.Model) {
			w.Write(ev.Bytes())
			if flusher != nil {
				flusher.Flush()
			}
		}
		return
	}

	resp := buffer.BuildNonStreamingSwapResponse(result.Body, result.Model)
	payload, err := json.Marshal(resp)
	if err != nil {
		writeInvalidRequest(w, "failed to encode synthetic response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// forwardVerbatim forwards raw without touching manager state, used for
// suggestion-mode requests and global passthrough mode (spec steps 6, 9).
func (s *Server) forwardVerbatim(w http.ResponseWriter, r *http.Request, raw []byte, query string, mgr *buffer.Manager, stream bool) {
	timeout := upstream.PassthroughTimeout
	if stream {
		timeout = upstream.ForwardTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp, err := s.forward.Forward(ctx, http.MethodPost, "/v1/messages", query, r.Header, bytes.NewReader(raw))
	if err != nil {
		metrics.RecordForwardError("/v1/messages")
		setDiagnosticHeaders(w, mgr)
		writeProxyError(w, err.Error())
		return
	}
	defer resp.Body.Close()

	setDiagnosticHeaders(w, mgr)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		relayVerbatim(w, resp)
		return
	}
	if stream {
		relayStream(ctx, w, resp, s.Config().MaxSSEBufferBytes)
		return
	}
	relayVerbatim(w, resp)
}

// forwardAndTrack forwards a rewritten request and updates the manager
// from the observed response, per spec section 4.9's forwarding rules.
func (s *Server) forwardAndTrack(w http.ResponseWriter, r *http.Request, body []byte, query string, mgr *buffer.Manager, stream bool) {
	timeout := upstream.PassthroughTimeout
	if stream {
		timeout = upstream.ForwardTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp, err := s.forward.Forward(ctx, http.MethodPost, "/v1/messages", query, r.Header, bytes.NewReader(body))
	if err != nil {
		metrics.RecordForwardError("/v1/messages")
		setDiagnosticHeaders(w, mgr)
		writeProxyError(w, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		setDiagnosticHeaders(w, mgr)
		relayVerbatim(w, resp)
		return
	}

	if stream {
		setDiagnosticHeaders(w, mgr)
		upstream.CopyResponseHeaders(w.Header(), resp.Header)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		f := sse.NewForwarder(s.Config().MaxSSEBufferBytes)
		result, err := f.Pipe(ctx, resp.Body, w)
		if err != nil {
			L_warn("server: sse forward error", "conv_id_prefix", mgr.ConvIDPrefix(), "error", err)
			return
		}
		s.applyUpstreamResult(r.Context(), mgr, buffer.TokenUsage{
			InputTokens:              result.Usage.InputTokens,
			OutputTokens:             result.Usage.OutputTokens,
			CacheCreationInputTokens: result.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     result.Usage.CacheReadInputTokens,
		}, result.HasCompaction)
		return
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		setDiagnosticHeaders(w, mgr)
		writeProxyError(w, "failed to read upstream response")
		return
	}

	usage, hasCompaction := parseNonStreamingOutcome(raw)
	s.applyUpstreamResult(r.Context(), mgr, usage, hasCompaction)

	setDiagnosticHeaders(w, mgr)
	upstream.CopyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(raw)
}

func (s *Server) applyUpstreamResult(ctx context.Context, mgr *buffer.Manager, usage buffer.TokenUsage, hasCompaction bool) {
	if hasCompaction {
		mgr.Reset("incoming compaction")
		return
	}
	mgr.UpdateTokensAndEvaluate(ctx, usage, "response")
}

func parseNonStreamingOutcome(raw []byte) (buffer.TokenUsage, bool) {
	var usage buffer.TokenUsage
	body, err := wireformat.ParseBody(raw)
	if err != nil {
		return usage, false
	}
	if u, ok := wireformat.GetObject(body, "usage"); ok {
		usage.InputTokens, _ = wireformat.AsInt(u, "input_tokens")
		usage.OutputTokens, _ = wireformat.AsInt(u, "output_tokens")
		usage.CacheCreationInputTokens, _ = wireformat.AsInt(u, "cache_creation_input_tokens")
		usage.CacheReadInputTokens, _ = wireformat.AsInt(u, "cache_read_input_tokens")
	}

	hasCompaction := false
	if content, ok := wireformat.GetArray(body, "content"); ok {
		for _, b := range wireformat.AsObjectSlice(content) {
			if wireformat.Kind(b) == "compaction" {
				hasCompaction = true
				break
			}
		}
	}
	return usage, hasCompaction
}

func relayVerbatim(w http.ResponseWriter, resp *http.Response) {
	upstream.CopyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func relayStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, maxBufferBytes int64) {
	upstream.CopyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(resp.StatusCode)
	f := sse.NewForwarder(maxBufferBytes)
	if _, err := f.Pipe(ctx, resp.Body, w); err != nil {
		L_warn("server: sse relay error", "error", err)
	}
}

// handleReset implements POST /v1/_reset.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":{"type":"invalid_request","message":"method not allowed"}}`, http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ConvID string `json:"conv_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeInvalidRequest(w, "malformed JSON body")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")

	if req.ConvID == "" {
		n := s.reg.RemoveAll()
		json.NewEncoder(w).Encode(map[string]any{"reset": n})
		return
	}

	n := s.reg.Remove(req.ConvID)
	if n == 0 {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"type": "not_found", "message": "no matching conversation"}})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"reset": n})
}

// handleHealth implements GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"conversations": s.reg.Count(),
		"passthrough":   cfg.Passthrough,
	})
}

// handleDashboardIndex reports the dashboard's data-feed entry points;
// no dashboard UI is served, per internal/dashboard's scope.
func (s *Server) handleDashboardIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"websocket": "/dashboard/ws",
		"clients":   s.dash.ConnectionCount(),
	})
}

// handleDashboardConversation implements GET /dashboard/api/conversation/{key}.
func (s *Server) handleDashboardConversation(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimPrefix(r.URL.Path, "/dashboard/api/conversation/")
	w.Header().Set("Content-Type", "application/json")

	detail, ok := s.dash.ConversationDetail(prefix)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"type": "not_found", "message": "no matching conversation"}})
		return
	}
	json.NewEncoder(w).Encode(detail)
}

// handlePassthrough implements the catch-all */v1/** and */api/** route:
// transparent forwarding with hop-by-hop response headers stripped.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.URL.Path, "/v1/") && !strings.Contains(r.URL.Path, "/api/") {
		http.NotFound(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), upstream.PassthroughTimeout)
	defer cancel()

	resp, err := s.forward.Forward(ctx, r.Method, r.URL.Path, r.URL.RawQuery, r.Header, r.Body)
	if err != nil {
		metrics.RecordForwardError(r.URL.Path)
		writeProxyError(w, err.Error())
		return
	}
	defer resp.Body.Close()

	relayVerbatim(w, resp)
}
