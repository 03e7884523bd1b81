// Package authserver implements the OAuth 2.1 surface this server fronts the
// upstream with: RFC 8414/9728 discovery, an RFC 7591 registration subset,
// the brokered authorize/callback leg, and the token endpoint. Handlers are
// stateless beyond the injected store, codec, and upstream client.
package authserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/systempromptio/systemprompt-mcp-server/internal/authstore"
	"github.com/systempromptio/systemprompt-mcp-server/internal/logctx"
	"github.com/systempromptio/systemprompt-mcp-server/internal/pkce"
	"github.com/systempromptio/systemprompt-mcp-server/internal/reddit"
	"github.com/systempromptio/systemprompt-mcp-server/internal/tokens"
	"github.com/systempromptio/systemprompt-mcp-server/internal/wellknown"
)

// PublicClientID is the only client identifier this server accepts. Dynamic
// registration hands it out and both OAuth legs validate against it; there
// are no client secrets anywhere.
const PublicClientID = "mcp-public-client"

// OAuth 2.0 error codes from RFC 6749, plus upstream_error for failures
// talking to Reddit on the caller's behalf.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeUpstreamError           = "upstream_error"
)

const (
	// upstreamRefreshWindow is how close to upstream expiry a refresh grant
	// reaches back to Reddit instead of re-wrapping the stored pair.
	upstreamRefreshWindow = 5 * time.Minute

	upstreamNonceLen  = 16
	registerBodyLimit = 64 << 10
)

// schemePattern is the RFC 3986 scheme grammar. Custom (native app) redirect
// schemes must match it in full.
var schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*$`)

// UpstreamAuthorizer is the slice of the upstream OAuth client the
// authorization server drives. *reddit.AuthClient implements it.
type UpstreamAuthorizer interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*reddit.TokenPair, error)
	RefreshToken(ctx context.Context, refreshToken string) (*reddit.TokenPair, error)
	IdentifyUser(ctx context.Context, accessToken string) (string, error)
}

// Server owns the OAuth routes. Construct with New and install on a mux with
// Register.
type Server struct {
	issuer   string
	store    *authstore.Store
	codec    *tokens.Codec
	upstream UpstreamAuthorizer
	log      *slog.Logger
	now      func() time.Time

	asDoc wellknown.AuthorizationServerMetadata
	prDoc wellknown.ProtectedResourceMetadata
}

// Option tunes a Server at construction time.
type Option func(*Server)

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithClock substitutes the time source used for token stamping and the
// upstream-expiry decision. Tests use this to cross boundaries without
// sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New builds the authorization server for the given issuer base URL.
func New(issuer string, store *authstore.Store, codec *tokens.Codec, upstream UpstreamAuthorizer, opts ...Option) (*Server, error) {
	u, err := url.Parse(issuer)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("issuer must be an absolute URL, got %q", issuer)
	}
	if store == nil || codec == nil || upstream == nil {
		return nil, errors.New("store, codec, and upstream are all required")
	}

	s := &Server{
		issuer:   strings.TrimRight(issuer, "/"),
		store:    store,
		codec:    codec,
		upstream: upstream,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.asDoc = wellknown.AuthorizationServerMetadata{
		Issuer:                            s.issuer,
		AuthorizationEndpoint:             s.issuer + "/oauth/authorize",
		TokenEndpoint:                     s.issuer + "/oauth/token",
		RegistrationEndpoint:              s.issuer + "/oauth/register",
		ScopesSupported:                   reddit.DefaultScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{pkce.MethodS256},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
	s.prDoc = wellknown.ProtectedResourceMetadata{
		Resource:               s.issuer + "/mcp",
		AuthorizationServers:   []string{s.issuer},
		ScopesSupported:        reddit.DefaultScopes,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "systemprompt-mcp-server",
	}
	return s, nil
}

// Register installs the OAuth routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.handleAuthorizationServerMetadata)
	mux.HandleFunc("OPTIONS /.well-known/oauth-authorization-server", s.handlePreflight)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", s.handleProtectedResourceMetadata)
	mux.HandleFunc("OPTIONS /.well-known/oauth-protected-resource", s.handlePreflight)
	mux.HandleFunc("POST /oauth/register", s.handleRegister)
	mux.HandleFunc("OPTIONS /oauth/register", s.handlePreflight)
	mux.HandleFunc("GET /oauth/authorize", s.handleAuthorize)
	mux.HandleFunc("GET /oauth/reddit/callback", s.handleCallback)
	mux.HandleFunc("POST /oauth/token", s.handleToken)
	mux.HandleFunc("OPTIONS /oauth/token", s.handlePreflight)
}

func (s *Server) handleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.asDoc); err != nil {
		s.log.ErrorContext(r.Context(), "authserver.metadata.encode.fail", slog.String("err", err.Error()))
	}
}

func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.prDoc); err != nil {
		s.log.ErrorContext(r.Context(), "authserver.metadata.encode.fail", slog.String("err", err.Error()))
	}
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleRegister implements the RFC 7591 subset this server needs: every
// registrant gets the fixed public client back. Supplied redirect URIs are
// policy-checked so a bad one fails loudly here instead of at authorize time.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithFlowData(r.Context(), &logctx.FlowData{Grant: "register", ClientID: PublicClientID})

	var req struct {
		ClientName              string   `json:"client_name"`
		RedirectURIs            []string `json:"redirect_uris"`
		TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	}
	body := http.MaxBytesReader(w, r.Body, registerBodyLimit)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "Request body is not valid JSON")
		return
	}
	for _, uri := range req.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			s.log.WarnContext(ctx, "authserver.register.invalid", slog.String("err", err.Error()))
			s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidRedirectURI, err.Error())
			return
		}
	}
	if m := req.TokenEndpointAuthMethod; m != "" && m != "none" {
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, fmt.Sprintf("Unsupported token_endpoint_auth_method: %s", m))
		return
	}

	s.log.InfoContext(ctx, "authserver.register.ok", slog.Int("redirect_uris", len(req.RedirectURIs)))

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(clientRegistration{
		ClientID:                PublicClientID,
		ClientIDIssuedAt:        s.now().Unix(),
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
	})
}

// handleAuthorize validates the caller's request, parks it as a pending
// authorization, and bounces the browser to the upstream consent page. The
// upstream state is "<pending key>:<nonce>" so the callback can find the row
// and prove it owns it.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	ctx := logctx.WithFlowData(r.Context(), &logctx.FlowData{Grant: "authorize", ClientID: clientID})

	// The redirect URI is vetted before anything else; nothing is ever
	// redirected to a URI that fails the policy.
	redirectURI := q.Get("redirect_uri")
	if err := ValidateRedirectURI(redirectURI); err != nil {
		s.log.WarnContext(ctx, "authserver.authorize.invalid", slog.String("err", err.Error()))
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, err.Error())
		return
	}
	if clientID == "" {
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "client_id is required")
		return
	}
	if !constantTimeEquals(clientID, PublicClientID) {
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidClient, "Unknown client")
		return
	}
	if rt := q.Get("response_type"); rt != "code" {
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeUnsupportedResponseType, fmt.Sprintf("Response type %q is not supported", rt))
		return
	}
	state := q.Get("state")
	if state == "" {
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "state is required")
		return
	}
	challenge := q.Get("code_challenge")
	if challenge == "" {
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "code_challenge is required")
		return
	}
	if method := q.Get("code_challenge_method"); method != pkce.MethodS256 {
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "code_challenge_method must be S256")
		return
	}
	scope := q.Get("scope")
	if scope == "" {
		scope = strings.Join(reddit.DefaultScopes, " ")
	}

	nonce, err := randomHex(upstreamNonceLen)
	if err != nil {
		s.writeOAuthError(w, http.StatusInternalServerError, ErrorCodeServerError, "Failed to start authorization")
		return
	}
	key, err := s.store.PutPendingAuthorization(authstore.PendingAuthorization{
		ClientRedirectURI:   redirectURI,
		ClientCodeChallenge: challenge,
		ClientState:         state,
		UpstreamNonce:       nonce,
		Scope:               scope,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "authserver.authorize.fail", slog.String("err", err.Error()))
		s.writeOAuthError(w, http.StatusInternalServerError, ErrorCodeServerError, "Failed to start authorization")
		return
	}

	s.log.InfoContext(ctx, "authserver.authorize.redirect")
	http.Redirect(w, r, s.upstream.AuthorizeURL(key+":"+nonce), http.StatusFound)
}

// handleCallback consumes the pending authorization named by the upstream
// state, exchanges the upstream code, resolves the user, and sends the
// browser back to the caller with a fresh single-use authorization code.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithFlowData(r.Context(), &logctx.FlowData{Grant: "callback", ClientID: PublicClientID})
	q := r.URL.Query()

	key, nonce, hasState := splitUpstreamState(q.Get("state"))

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		s.log.WarnContext(ctx, "authserver.callback.denied", slog.String("upstream_error", upstreamErr))
		if hasState {
			// The pending row is consumed either way; a denied flow cannot be
			// resumed.
			if p, ok := s.store.TakePendingAuthorization(key); ok && constantTimeEquals(nonce, p.UpstreamNonce) {
				s.redirectWithError(w, r, p.ClientRedirectURI, p.ClientState, ErrorCodeAccessDenied)
				return
			}
		}
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeAccessDenied, "Upstream authorization was denied")
		return
	}

	code := q.Get("code")
	if !hasState || code == "" {
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "state and code are required")
		return
	}
	p, ok := s.store.TakePendingAuthorization(key)
	if !ok || !constantTimeEquals(nonce, p.UpstreamNonce) {
		s.log.WarnContext(ctx, "authserver.callback.invalid", slog.String("reason", "unknown or mismatched state"))
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "Unknown or expired authorization state")
		return
	}

	pair, err := s.upstream.ExchangeCode(ctx, code)
	if err != nil {
		s.log.ErrorContext(ctx, "authserver.callback.upstream_fail", slog.String("stage", "exchange"), slog.String("err", err.Error()))
		s.writeOAuthError(w, http.StatusBadGateway, ErrorCodeUpstreamError, "Upstream code exchange failed")
		return
	}
	userID, err := s.upstream.IdentifyUser(ctx, pair.AccessToken)
	if err != nil {
		s.log.ErrorContext(ctx, "authserver.callback.upstream_fail", slog.String("stage", "identity"), slog.String("err", err.Error()))
		s.writeOAuthError(w, http.StatusBadGateway, ErrorCodeUpstreamError, "Upstream identity lookup failed")
		return
	}

	codeKey, err := s.store.PutAuthorizationCode(authstore.AuthorizationCode{
		ClientRedirectURI:    p.ClientRedirectURI,
		ClientCodeChallenge:  p.ClientCodeChallenge,
		UserID:               userID,
		UpstreamAccessToken:  pair.AccessToken,
		UpstreamRefreshToken: pair.RefreshToken,
		UpstreamExpiresAt:    pair.ExpiresAt,
		Scope:                p.Scope,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "authserver.callback.fail", slog.String("err", err.Error()))
		s.writeOAuthError(w, http.StatusInternalServerError, ErrorCodeServerError, "Failed to issue authorization code")
		return
	}

	u, err := url.Parse(p.ClientRedirectURI)
	if err != nil {
		s.writeOAuthError(w, http.StatusInternalServerError, ErrorCodeServerError, "Stored redirect URI is invalid")
		return
	}
	rq := u.Query()
	rq.Set("code", codeKey)
	rq.Set("state", p.ClientState)
	u.RawQuery = rq.Encode()

	s.log.InfoContext(ctx, "authserver.callback.ok",
		slog.String("user_id", userID),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "Malformed form body")
		return
	}
	grant := r.PostFormValue("grant_type")
	ctx := logctx.WithFlowData(r.Context(), &logctx.FlowData{Grant: grant, ClientID: r.PostFormValue("client_id")})

	switch grant {
	case "authorization_code":
		s.handleCodeGrant(ctx, w, r)
	case "refresh_token":
		s.handleRefreshGrant(ctx, w, r)
	default:
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %q is not supported", grant))
	}
}

func (s *Server) handleCodeGrant(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	verifier := r.PostFormValue("code_verifier")
	clientID := r.PostFormValue("client_id")

	if code == "" || redirectURI == "" || verifier == "" {
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "code, redirect_uri, and code_verifier are required")
		return
	}
	if !constantTimeEquals(clientID, PublicClientID) {
		s.writeOAuthError(w, http.StatusUnauthorized, ErrorCodeInvalidClient, "Unknown client")
		return
	}

	// The code is burned here regardless of what happens below; retrying
	// after a failed verifier is a replay and fails the same way.
	row, ok := s.store.TakeAuthorizationCode(code)
	if !ok {
		s.log.WarnContext(ctx, "authserver.token.invalid", slog.String("reason", "unknown or expired code"))
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidGrant, "Authorization code is invalid or expired")
		return
	}
	if row.ClientRedirectURI != redirectURI {
		s.log.WarnContext(ctx, "authserver.token.invalid", slog.String("reason", "redirect_uri mismatch"))
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidGrant, "redirect_uri does not match the authorization request")
		return
	}
	if !pkce.VerifyS256(verifier, row.ClientCodeChallenge) {
		s.log.WarnContext(ctx, "authserver.token.invalid", slog.String("reason", "pkce mismatch"))
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidGrant, "Invalid code verifier")
		return
	}

	now := s.now()
	bearer, err := s.codec.Mint(now, row.UserID, row.UpstreamAccessToken, row.UpstreamRefreshToken)
	if err != nil {
		s.log.ErrorContext(ctx, "authserver.token.fail", slog.String("err", err.Error()))
		s.writeOAuthError(w, http.StatusInternalServerError, ErrorCodeServerError, "Failed to issue token")
		return
	}
	refreshKey, err := s.store.PutRefreshToken(authstore.RefreshTokenRecord{
		UserID:               row.UserID,
		UpstreamAccessToken:  row.UpstreamAccessToken,
		UpstreamRefreshToken: row.UpstreamRefreshToken,
		UpstreamExpiresAt:    row.UpstreamExpiresAt,
		Scope:                row.Scope,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "authserver.token.fail", slog.String("err", err.Error()))
		s.writeOAuthError(w, http.StatusInternalServerError, ErrorCodeServerError, "Failed to issue token")
		return
	}

	s.log.InfoContext(ctx, "authserver.token.ok",
		slog.String("user_id", row.UserID),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	s.writeTokenResponse(w, tokenResponse{
		AccessToken:  bearer,
		TokenType:    "Bearer",
		ExpiresIn:    int64(tokens.Lifetime / time.Second),
		RefreshToken: refreshKey,
		Scope:        row.Scope,
	})
}

func (s *Server) handleRefreshGrant(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	refreshKey := r.PostFormValue("refresh_token")
	if refreshKey == "" {
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "refresh_token is required")
		return
	}
	if clientID := r.PostFormValue("client_id"); clientID != "" && !constantTimeEquals(clientID, PublicClientID) {
		s.writeOAuthError(w, http.StatusUnauthorized, ErrorCodeInvalidClient, "Unknown client")
		return
	}

	rec, ok := s.store.GetRefreshToken(refreshKey)
	if !ok {
		s.log.WarnContext(ctx, "authserver.token.invalid", slog.String("reason", "unknown or expired refresh token"))
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidGrant, "Refresh token is invalid or expired")
		return
	}

	now := s.now()
	if s.upstreamPairStale(now, rec) && rec.UpstreamRefreshToken != "" {
		pair, err := s.upstream.RefreshToken(ctx, rec.UpstreamRefreshToken)
		if err != nil {
			// The stored record is left intact; a later retry can succeed.
			s.log.ErrorContext(ctx, "authserver.token.upstream_fail", slog.String("err", err.Error()))
			s.writeOAuthError(w, http.StatusBadGateway, ErrorCodeUpstreamError, "Upstream token refresh failed")
			return
		}
		s.store.UpdateRefreshToken(refreshKey, pair.AccessToken, pair.RefreshToken, pair.ExpiresAt)
		rec.UpstreamAccessToken = pair.AccessToken
		if pair.RefreshToken != "" {
			rec.UpstreamRefreshToken = pair.RefreshToken
		}
		rec.UpstreamExpiresAt = pair.ExpiresAt
	}

	bearer, err := s.codec.Mint(now, rec.UserID, rec.UpstreamAccessToken, rec.UpstreamRefreshToken)
	if err != nil {
		s.log.ErrorContext(ctx, "authserver.token.fail", slog.String("err", err.Error()))
		s.writeOAuthError(w, http.StatusInternalServerError, ErrorCodeServerError, "Failed to issue token")
		return
	}

	s.log.InfoContext(ctx, "authserver.token.ok",
		slog.String("user_id", rec.UserID),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	s.writeTokenResponse(w, tokenResponse{
		AccessToken: bearer,
		TokenType:   "Bearer",
		ExpiresIn:   int64(tokens.Lifetime / time.Second),
		Scope:       rec.Scope,
	})
}

// upstreamPairStale reports whether the stored upstream access token expires
// within the refresh window. An unknown expiry counts as stale.
func (s *Server) upstreamPairStale(now time.Time, rec authstore.RefreshTokenRecord) bool {
	if rec.UpstreamExpiresAt.IsZero() {
		return true
	}
	return rec.UpstreamExpiresAt.Sub(now) < upstreamRefreshWindow
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type clientRegistration struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (s *Server) writeTokenResponse(w http.ResponseWriter, resp tokenResponse) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("authserver.token.encode.fail", slog.String("err", err.Error()))
	}
}

func (s *Server) writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oauthError{Code: code, Description: description})
}

// redirectWithError bounces the browser back to a policy-validated redirect
// URI with an OAuth error code and the caller's original state.
func (s *Server) redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, code string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		s.writeOAuthError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "Stored redirect URI is invalid")
		return
	}
	q := u.Query()
	q.Set("error", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// ValidateRedirectURI enforces the callback policy shared by registration and
// authorization: HTTPS anywhere, plain HTTP only on loopback hosts, and
// custom schemes for native apps.
func ValidateRedirectURI(raw string) error {
	if raw == "" {
		return errors.New("redirect_uri is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return errors.New("redirect_uri must be an absolute URL")
	}
	switch u.Scheme {
	case "https":
		if u.Host == "" {
			return errors.New("redirect_uri must include a host")
		}
		return nil
	case "http":
		if h := u.Hostname(); h == "localhost" || h == "127.0.0.1" {
			return nil
		}
		return errors.New("http redirect URIs are only allowed for localhost")
	default:
		scheme, _, _ := strings.Cut(raw, ":")
		if schemePattern.MatchString(scheme) {
			return nil
		}
		return errors.New("redirect_uri scheme is not allowed")
	}
}

// splitUpstreamState splits the round-tripped upstream state into the pending
// row key and the nonce proving ownership of that row.
func splitUpstreamState(state string) (key, nonce string, ok bool) {
	key, nonce, found := strings.Cut(state, ":")
	if !found || key == "" || nonce == "" {
		return "", "", false
	}
	return key, nonce, true
}

func constantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
