// Package streaminghttp serves the MCP endpoint over streaming HTTP: POST
// carries inbound JSON-RPC frames, GET holds the standing SSE stream, DELETE
// terminates a session. Requests are answered on a per-request SSE stream
// that also relays server-initiated frames issued while the call runs.
package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/systempromptio/systemprompt-mcp-server/internal/jsonrpc"
	"github.com/systempromptio/systemprompt-mcp-server/internal/logctx"
	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/middleware"
	"github.com/systempromptio/systemprompt-mcp-server/internal/registry"
	"github.com/systempromptio/systemprompt-mcp-server/internal/sessions"
	"github.com/systempromptio/systemprompt-mcp-server/internal/tokens"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	exposedHeaders = "Mcp-Session-Id, WWW-Authenticate"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRPCError emits a JSON-RPC error response body with an HTTP status.
func writeRPCError(w http.ResponseWriter, status int, res *jsonrpc.Response) {
	body, err := json.Marshal(res)
	if err != nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// lockedWriteFlusher serializes concurrent writes/flushes on one response and
// refuses to touch the connection after the request context ends.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent frames one payload as a Server-Sent Event and flushes it.
// An empty msgID omits the id field.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// Capabilities are the feature flags surfaced on /health.
type Capabilities struct {
	Tools     bool `json:"tools"`
	Prompts   bool `json:"prompts"`
	Resources bool `json:"resources"`
	Sampling  bool `json:"sampling"`
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger. Records get logctx enrichment.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithServerInfo sets the name and version surfaced on / and /health.
func WithServerInfo(name, version string) Option {
	return func(h *Handler) {
		h.serverName = name
		h.serverVersion = version
	}
}

// WithCapabilities sets the /health feature flags.
func WithCapabilities(caps Capabilities) Option {
	return func(h *Handler) { h.caps = caps }
}

// Handler is the streaming HTTP surface: /mcp behind the middleware chain,
// plus the unauthenticated /health and / documents.
type Handler struct {
	mux   *http.ServeMux
	log   *slog.Logger
	table *sessions.Table

	issuer        string
	serverName    string
	serverVersion string
	caps          Capabilities
}

// New wires the MCP routes onto a mux behind the supplied middleware. issuer
// is the externally visible base URL used for the service index.
func New(issuer string, table *sessions.Table, bearer *middleware.BearerCheck, limit *middleware.RateLimit, opts ...Option) (*Handler, error) {
	u, err := url.Parse(issuer)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("issuer must be an absolute URL, got %q", issuer)
	}
	if table == nil || bearer == nil || limit == nil {
		return nil, errors.New("table, bearer, and limit are all required")
	}

	h := &Handler{
		table:      table,
		issuer:     strings.TrimRight(issuer, "/"),
		log:        slog.Default(),
		serverName: "systemprompt-mcp-server",
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	// CORS exposure wraps outside the chain so browsers can read the session
	// id and challenge headers even on middleware denials.
	chain := func(next http.HandlerFunc) http.Handler {
		return corsExpose(middleware.Chain(next, bearer, limit))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /mcp", chain(h.handlePostMCP))
	mux.Handle("GET /mcp", chain(h.handleGetMCP))
	mux.Handle("DELETE /mcp", chain(h.handleDeleteMCP))
	mux.HandleFunc("OPTIONS /mcp", h.handleOptionsMCP)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /{$}", h.handleIndex)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func corsExpose(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Expose-Headers", exposedHeaders)
		next.ServeHTTP(w, r)
	})
}

// handlePostMCP accepts one JSON-RPC frame: an initialize request binds a new
// session; requests stream their response over SSE; notifications and client
// replies return 202.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	claims, ok := middleware.ClaimsFromContext(ctx)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		h.log.ErrorContext(ctx, "auth.claims.missing")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			h.log.WarnContext(ctx, "json.body.too_large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.NewKindError(nil, jsonrpc.ErrorCodeInvalidRequest,
			"batch requests are not supported on the streaming transport", jsonrpc.KindInvalidRequest))
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.NewKindError(nil, jsonrpc.ErrorCodeInvalidRequest,
			"invalid JSON-RPC message", jsonrpc.KindInvalidRequest))
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.handleInitializePost(ctx, w, r, claims, &msg, start)
		return
	}

	sess, err := h.table.Get(sessID, claims.Subject)
	if err != nil {
		writeRPCError(w, http.StatusNotFound, jsonrpc.NewKindError(msg.ID, jsonrpc.ErrorCodeSessionNotFound,
			"session not found", jsonrpc.KindSessionNotFound))
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
	})

	if req := msg.AsRequest(); req != nil && req.Method == string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}
	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && sess.ProtocolVersion() != "" && pv != sess.ProtocolVersion() {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	if req := msg.AsRequest(); req != nil {
		if req.ID.IsNil() {
			if err := sess.Instance().HandleNotification(ctx, req); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
				return
			}
			if spv := sess.ProtocolVersion(); spv != "" {
				w.Header().Set(mcpProtocolVersionHeader, spv)
			}
			w.WriteHeader(http.StatusAccepted)
			h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
			return
		}
		h.streamRequest(ctx, w, r, wf, sess, req, start)
		return
	}

	if res := msg.AsResponse(); res != nil {
		if err := sess.Instance().HandleResponse(ctx, res); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "response.forward.fail", slog.String("err", err.Error()))
			return
		}
		if spv := sess.ProtocolVersion(); spv != "" {
			w.Header().Set(mcpProtocolVersionHeader, spv)
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	h.log.WarnContext(ctx, "jsonrpc.message.unrecognized", slog.Duration("dur", time.Since(start)))
	writeJSONError(w, http.StatusBadRequest, "unrecognized JSON-RPC message")
}

// handleInitializePost binds a fresh session for an initialize request that
// arrived without a session header.
func (h *Handler) handleInitializePost(ctx context.Context, w http.ResponseWriter, r *http.Request, claims *tokens.Claims, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.Method != string(mcp.InitializeMethod) || req.ID.IsNil() {
		writeRPCError(w, http.StatusNotFound, jsonrpc.NewKindError(msg.ID, jsonrpc.ErrorCodeSessionNotFound,
			"session not found", jsonrpc.KindSessionNotFound))
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	sess, err := h.table.Create(credentialsFromClaims(claims))
	if err != nil {
		if errors.Is(err, sessions.ErrTableClosed) {
			writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
			h.log.WarnContext(ctx, "session.create.closed")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.SessionID(), UserID: sess.UserID()})

	res := sess.Instance().HandleRequest(ctx, req)
	if res == nil {
		_ = h.table.Evict(sess.SessionID(), sess.UserID())
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail")
		return
	}
	if res.Error != nil {
		// The handshake failed; the row must not outlive its one response.
		_ = h.table.Evict(sess.SessionID(), sess.UserID())
		writeRPCError(w, http.StatusBadRequest, res)
		h.log.InfoContext(ctx, "session.initialize.rejected")
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.SessionID())
	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// streamRequest answers one JSON-RPC request on a per-request SSE stream. A
// transport subscriber relays server-initiated frames (sampling requests,
// progress) published while the handler runs; the response itself is written
// directly to the stream.
func (h *Handler) streamRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, wf *lockedWriteFlusher, sess *sessions.Session, req *jsonrpc.Request, start time.Time) {
	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	sub, err := sess.Transport().Subscribe("")
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.transport.closed")
		return
	}

	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	relayCtx, cancelRelay := context.WithCancel(ctx)
	defer cancelRelay()
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = sub.Run(relayCtx, func(cbCtx context.Context, eventID string, data []byte) error {
			return writeSSEEvent(wf, eventID, data)
		})
	}()

	res := sess.Instance().HandleRequest(ctx, req)

	cancelRelay()
	<-relayDone

	if res == nil {
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	b, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	// The response rides the request's own stream with no replay id. If the
	// connection died first, fall back to the session transport so a standing
	// stream can still deliver it.
	if err := writeSSEEvent(wf, "", b); err != nil {
		if _, pubErr := sess.Transport().Publish(b); pubErr != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP opens the standing SSE stream for server-initiated frames,
// resuming after Last-Event-ID when given.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	claims, ok := middleware.ClaimsFromContext(ctx)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		h.log.ErrorContext(ctx, "auth.claims.missing")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, err := h.table.Get(sessID, claims.Subject)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
	})

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if spv := sess.ProtocolVersion(); spv != "" && pv != spv {
			w.WriteHeader(http.StatusPreconditionFailed)
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return
		}
	}

	sub, err := sess.Transport().Subscribe(r.Header.Get(lastEventIDHeader))
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrUnknownEventID):
			writeJSONError(w, http.StatusBadRequest, "unknown Last-Event-ID")
			h.log.WarnContext(ctx, "sse.resume.unknown_event_id")
		case errors.Is(err, sessions.ErrTransportClosed):
			w.WriteHeader(http.StatusNotFound)
			h.log.InfoContext(ctx, "session.transport.closed")
		default:
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "sse.subscribe.fail", slog.String("err", err.Error()))
		}
		return
	}

	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	if err := sub.Run(ctx, func(cbCtx context.Context, eventID string, data []byte) error {
		if err := writeSSEEvent(wf, eventID, data); err != nil {
			h.log.ErrorContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		return nil
	}); err != nil {
		if errors.Is(err, context.Canceled) {
			h.log.InfoContext(ctx, "sse.stream.client_gone")
		} else {
			h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		}
		return
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDeleteMCP terminates a session explicitly.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	claims, ok := middleware.ClaimsFromContext(ctx)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		h.log.ErrorContext(ctx, "auth.claims.missing")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}

	sess, err := h.table.Get(sessID, claims.Subject)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
	})

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && sess.ProtocolVersion() != "" && pv != sess.ProtocolVersion() {
		w.WriteHeader(http.StatusPreconditionFailed)
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	spv := sess.ProtocolVersion()
	if err := h.table.Evict(sessID, claims.Subject); err != nil {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	if spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleOptionsMCP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Mcp-Session-Id, Mcp-Protocol-Version, Last-Event-ID")
	w.Header().Set("Access-Control-Expose-Headers", exposedHeaders)
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":            "ok",
		"service":           h.serverName,
		"version":           h.serverVersion,
		"protocol_versions": mcp.SupportedProtocolVersions,
		"capabilities":      h.caps,
		"sessions":          h.table.Len(),
	})
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"service": h.serverName,
		"version": h.serverVersion,
		"endpoints": map[string]string{
			"mcp":                           h.issuer + "/mcp",
			"health":                        h.issuer + "/health",
			"authorization":                 h.issuer + "/oauth/authorize",
			"token":                         h.issuer + "/oauth/token",
			"registration":                  h.issuer + "/oauth/register",
			"authorization_server_metadata": h.issuer + "/.well-known/oauth-authorization-server",
			"protected_resource_metadata":   h.issuer + "/.well-known/oauth-protected-resource",
		},
	})
}

func credentialsFromClaims(claims *tokens.Claims) registry.Credentials {
	return registry.Credentials{
		UserID:               claims.Subject,
		UpstreamAccessToken:  claims.UpstreamAccessToken,
		UpstreamRefreshToken: claims.UpstreamRefreshToken,
	}
}
