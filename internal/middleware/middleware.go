// Package middleware carries the edge checks in front of the MCP endpoint:
// bearer authentication, per-IP rate limiting, protocol version pinning, and
// the request body cap. The chain order is fixed; authentication runs first
// so nothing downstream spends work on unauthenticated traffic.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/systempromptio/systemprompt-mcp-server/internal/jsonrpc"
	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/tokens"
)

// MaxBodyBytes caps inbound request bodies on the MCP endpoint.
const MaxBodyBytes = 10 << 20

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	protocolVersionHeader = "MCP-Protocol-Version"
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

type claimsCtxKey struct{}

// WithClaims returns a context carrying verified bearer claims.
func WithClaims(ctx context.Context, claims *tokens.Claims) context.Context {
	return context.WithValue(ctx, claimsCtxKey{}, claims)
}

// ClaimsFromContext returns the claims BearerCheck verified for this request.
func ClaimsFromContext(ctx context.Context) (*tokens.Claims, bool) {
	claims, ok := ctx.Value(claimsCtxKey{}).(*tokens.Claims)
	return claims, ok
}

// Chain applies the standard edge order: bearer check, rate limit, protocol
// version pin, body cap, then the handler.
func Chain(next http.Handler, bearer *BearerCheck, limit *RateLimit) http.Handler {
	return bearer.Wrap(limit.Wrap(ProtocolVersionCheck(RequestSizeCap(next))))
}

// BearerCheck authenticates requests with the server's own bearer tokens and
// stores the verified claims on the request context.
type BearerCheck struct {
	codec       *tokens.Codec
	metadataURL string
	realm       string
	now         func() time.Time
	log         *slog.Logger
}

// BearerOption configures a BearerCheck.
type BearerOption func(*BearerCheck)

// WithBearerClock injects the time source used for expiry evaluation.
func WithBearerClock(now func() time.Time) BearerOption {
	return func(b *BearerCheck) { b.now = now }
}

// WithBearerLogger sets the check's logger.
func WithBearerLogger(log *slog.Logger) BearerOption {
	return func(b *BearerCheck) { b.log = log }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges. Empty
// omits the attribute entirely.
func WithRealm(realm string) BearerOption {
	return func(b *BearerCheck) { b.realm = strings.TrimSpace(realm) }
}

// NewBearerCheck builds the check. metadataURL is the absolute URL of the
// protected-resource metadata document advertised in challenges.
func NewBearerCheck(codec *tokens.Codec, metadataURL string, opts ...BearerOption) *BearerCheck {
	b := &BearerCheck{
		codec:       codec,
		metadataURL: metadataURL,
		now:         time.Now,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Wrap returns a handler that rejects unauthenticated requests and otherwise
// forwards with claims on the context.
func (b *BearerCheck) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(authorizationHeader)
		if header == "" {
			// No credentials at all: a bare challenge, no error code.
			b.log.InfoContext(r.Context(), "auth.check.missing")
			b.deny(w, r, http.StatusUnauthorized, b.challenge(nil),
				jsonrpc.ErrorCodeAuthRequired, jsonrpc.KindAuthRequired, "authentication required")
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(header, bearerPrefix) || strings.TrimSpace(header[len(bearerPrefix):]) == "" {
			b.log.InfoContext(r.Context(), "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
			b.deny(w, r, http.StatusBadRequest, b.challenge(map[string]string{
				"error":             "invalid_request",
				"error_description": "malformed bearer authorization header",
			}), jsonrpc.ErrorCodeInvalidRequest, jsonrpc.KindInvalidRequest, "malformed bearer authorization header")
			return
		}

		token := strings.TrimSpace(header[len(bearerPrefix):])
		claims, err := b.codec.Verify(token, b.now())
		if err != nil {
			// Verification failures surface a generic description; the token
			// itself never reaches a log line or a response body.
			b.log.InfoContext(r.Context(), "auth.check.fail", slog.String("err", err.Error()))
			b.deny(w, r, http.StatusUnauthorized, b.challenge(map[string]string{
				"error":             "invalid_token",
				"error_description": "bearer token rejected",
			}), jsonrpc.ErrorCodeAuthRequired, jsonrpc.KindAuthRequired, "authentication required")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// challenge renders the WWW-Authenticate value: realm, resource_metadata,
// then error params in a stable order.
func (b *BearerCheck) challenge(params map[string]string) string {
	esc := func(v string) string {
		return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v)
	}
	pieces := make([]string, 0, 2+len(params))
	if b.realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(b.realm)))
	}
	if b.metadataURL != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(b.metadataURL)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// deny writes the error body in the framing the client asked for: clients
// that prefer text/event-stream get a one-shot SSE event carrying the same
// JSON-RPC error, so a streaming consumer reads a framed failure instead of
// a broken transport.
func (b *BearerCheck) deny(w http.ResponseWriter, r *http.Request, status int, challenge string, code jsonrpc.ErrorCode, kind, msg string) {
	if challenge != "" {
		w.Header().Set(wwwAuthenticateHeader, challenge)
	}
	body, err := json.Marshal(jsonrpc.NewErrorResponse(nil, code, msg, &jsonrpc.ErrorData{Kind: kind}))
	if err != nil {
		w.WriteHeader(status)
		return
	}
	if prefersEventStream(r) {
		w.Header().Set("Content-Type", eventStreamMediaType.String())
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(status)
		fmt.Fprintf(w, "data: %s\n\n", body)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func prefersEventStream(r *http.Request) bool {
	mt, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{jsonMediaType, eventStreamMediaType})
	if err != nil {
		return false
	}
	return mt.Matches(eventStreamMediaType)
}

// RateLimit is a fixed-window per-IP limiter. Windows are tracked in memory;
// the map is pruned opportunistically once it grows past its high-water mark.
type RateLimit struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

// RateOption configures a RateLimit.
type RateOption func(*RateLimit)

// WithRateClock injects the time source used for window accounting.
func WithRateClock(now func() time.Time) RateOption {
	return func(rl *RateLimit) { rl.now = now }
}

// NewRateLimit builds a limiter allowing max requests per window per client.
func NewRateLimit(max int, window time.Duration, opts ...RateOption) *RateLimit {
	rl := &RateLimit{
		max:     max,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*rateWindow),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

const rateLimitPruneAt = 4096

// Wrap returns a handler enforcing the limit before forwarding.
func (rl *RateLimit) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, remaining, reset := rl.take(clientKey(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.max))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if !ok {
			retryAfter := int(reset.Sub(rl.now()).Seconds()) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", jsonMediaType.String())
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": http.StatusTooManyRequests, "message": "rate limit exceeded"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimit) take(key string) (ok bool, remaining int, reset time.Time) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.buckets[key]
	if b == nil || now.Sub(b.start) >= rl.window {
		b = &rateWindow{start: now}
		rl.buckets[key] = b
		if len(rl.buckets) > rateLimitPruneAt {
			rl.prune(now)
		}
	}
	b.count++
	remaining = rl.max - b.count
	if remaining < 0 {
		remaining = 0
	}
	return b.count <= rl.max, remaining, b.start.Add(rl.window)
}

// prune drops expired windows. Caller holds mu.
func (rl *RateLimit) prune(now time.Time) {
	for key, b := range rl.buckets {
		if now.Sub(b.start) >= rl.window {
			delete(rl.buckets, key)
		}
	}
}

// clientKey buckets by remote IP, ignoring the ephemeral port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ProtocolVersionCheck rejects requests pinning an MCP protocol revision this
// server does not speak. Requests without the header pass through.
func ProtocolVersionCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		version := r.Header.Get(protocolVersionHeader)
		if version != "" && !supportedProtocolVersion(version) {
			body, err := json.Marshal(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest,
				fmt.Sprintf("unsupported protocol version %q", version),
				&jsonrpc.ErrorData{Kind: jsonrpc.KindInvalidRequest}))
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", jsonMediaType.String())
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write(body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func supportedProtocolVersion(version string) bool {
	for _, v := range mcp.SupportedProtocolVersions {
		if v == version {
			return true
		}
	}
	return false
}

// RequestSizeCap bounds the request body. Reads past the cap fail inside the
// handler with *http.MaxBytesError, which the endpoint maps to 413.
func RequestSizeCap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
