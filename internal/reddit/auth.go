// Package reddit brokers every upstream call this server makes: the OAuth
// code/refresh exchanges against www.reddit.com and the authenticated data
// plane against oauth.reddit.com. Reddit rejects anonymous user agents and
// throttles hard, so both clients pin the configured User-Agent and the data
// plane paces itself.
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultAuthURL     = "https://www.reddit.com/api/v1/authorize"
	defaultTokenURL    = "https://www.reddit.com/api/v1/access_token"
	defaultIdentityURL = "https://oauth.reddit.com/api/v1/me"

	httpTimeout = 30 * time.Second
)

// DefaultScopes is what the server requests from Reddit on behalf of every
// caller: enough to identify the user and read public content.
var DefaultScopes = []string{"identity", "read", "history"}

// ErrUpstream indicates Reddit rejected or failed a brokered call. The
// upstream response body is never attached; only the status survives.
var ErrUpstream = errors.New("reddit: upstream request failed")

// ErrUpstreamUnauthorized is an ErrUpstream where the upstream credentials
// themselves were refused.
var ErrUpstreamUnauthorized = fmt.Errorf("%w: unauthorized", ErrUpstream)

// TokenPair is the outcome of a code exchange or refresh. RefreshToken may
// be empty; Reddit only issues one for duration=permanent consents.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// uaTransport pins the User-Agent on every outbound request.
type uaTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.ua)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

func newUAClient(ua string) *http.Client {
	return &http.Client{
		Timeout:   httpTimeout,
		Transport: &uaTransport{ua: ua},
	}
}

// AuthClient drives the upstream half of the brokered OAuth flow.
type AuthClient struct {
	conf        *oauth2.Config
	http        *http.Client
	identityURL string
}

// AuthOption tunes an AuthClient at construction time.
type AuthOption func(*AuthClient)

// WithAuthEndpoints overrides the upstream endpoints. Tests point these at
// an httptest server.
func WithAuthEndpoints(authURL, tokenURL, identityURL string) AuthOption {
	return func(c *AuthClient) {
		c.conf.Endpoint.AuthURL = authURL
		c.conf.Endpoint.TokenURL = tokenURL
		c.identityURL = identityURL
	}
}

// NewAuthClient builds the upstream auth client. Client credentials are sent
// via HTTP Basic on the token endpoint, the auth style Reddit requires.
func NewAuthClient(clientID, clientSecret, callbackURL, userAgent string) *AuthClient {
	c := &AuthClient{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       DefaultScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   defaultAuthURL,
				TokenURL:  defaultTokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		http:        newUAClient(userAgent),
		identityURL: defaultIdentityURL,
	}
	return c
}

// NewAuthClientWith applies options after the defaults.
func NewAuthClientWith(clientID, clientSecret, callbackURL, userAgent string, opts ...AuthOption) *AuthClient {
	c := NewAuthClient(clientID, clientSecret, callbackURL, userAgent)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthorizeURL is the upstream consent URL for the given state.
// duration=permanent asks Reddit for a refresh token alongside the access
// token.
func (c *AuthClient) AuthorizeURL(state string) string {
	return c.conf.AuthCodeURL(state, oauth2.SetAuthURLParam("duration", "permanent"))
}

// ExchangeCode redeems an upstream authorization code for a token pair.
func (c *AuthClient) ExchangeCode(ctx context.Context, code string) (*TokenPair, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := c.conf.Exchange(ctx, code)
	if err != nil {
		return nil, classifyOAuthErr("code exchange", err)
	}
	return pairFromToken(tok), nil
}

// RefreshToken trades a stored upstream refresh token for a fresh pair.
func (c *AuthClient) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token on record", ErrUpstream)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	ts := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, classifyOAuthErr("token refresh", err)
	}
	pair := pairFromToken(tok)
	// Reddit does not rotate refresh tokens; keep the one we were given.
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

// IdentifyUser resolves the canonical username behind an upstream access
// token. A failure here is fatal to the flow that triggered it.
func (c *AuthClient) IdentifyUser(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.identityURL, nil)
	if err != nil {
		return "", fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: identity fetch: %v", ErrUpstream, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return "", ErrUpstreamUnauthorized
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", fmt.Errorf("%w: identity endpoint returned %d", ErrUpstream, res.StatusCode)
	}

	var ident Identity
	if err := json.NewDecoder(res.Body).Decode(&ident); err != nil {
		return "", fmt.Errorf("%w: decode identity: %v", ErrUpstream, err)
	}
	if ident.Name == "" {
		return "", fmt.Errorf("%w: identity has no name", ErrUpstream)
	}
	return ident.Name, nil
}

func pairFromToken(tok *oauth2.Token) *TokenPair {
	return &TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
}

// classifyOAuthErr maps x/oauth2 failures onto the upstream sentinels. The
// upstream body stays out of the returned error so it can never leak into a
// client-facing response.
func classifyOAuthErr(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		if re.Response.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w (%s)", ErrUpstreamUnauthorized, op)
		}
		return fmt.Errorf("%w: %s returned %d", ErrUpstream, op, re.Response.StatusCode)
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstream, op, err)
}
