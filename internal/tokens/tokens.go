// Package tokens mints and verifies the HS256 bearer tokens this server
// issues to MCP clients. Each token carries the upstream Reddit credentials
// as private claims so the server itself holds no per-user state.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Lifetime is how long a minted bearer stays valid.
const Lifetime = 24 * time.Hour

const minSecretLen = 32

// ErrInvalidToken indicates the bearer failed validation (signature, issuer,
// audience, shape) and the request should be treated as unauthenticated.
var ErrInvalidToken = errors.New("tokens: invalid token")

// ErrTokenExpired is an ErrInvalidToken that is specifically past its exp.
var ErrTokenExpired = fmt.Errorf("%w: expired", ErrInvalidToken)

// Claims is the payload of an issued bearer. The upstream credentials ride
// along as private claims; they must never appear in logs or responses.
type Claims struct {
	UpstreamAccessToken  string `json:"upstream_access_token"`
	UpstreamRefreshToken string `json:"upstream_refresh_token,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies bearers with a single symmetric key. The server
// is both the issuer and the audience of every token it mints.
type Codec struct {
	secret []byte
	issuer string
}

// NewCodec builds a codec for the given signing secret and issuer URL. The
// secret must be at least 32 bytes; a shorter one is refused outright rather
// than silently weakening every token.
func NewCodec(secret []byte, issuer string) (*Codec, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("signing secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	return &Codec{secret: append([]byte(nil), secret...), issuer: issuer}, nil
}

// Mint issues a bearer for userID valid for Lifetime from now, embedding the
// upstream access token and (optionally empty) refresh token.
func (c *Codec) Mint(now time.Time, userID, upstreamAccess, upstreamRefresh string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if upstreamAccess == "" {
		return "", errors.New("upstream access token is required")
	}
	claims := &Claims{
		UpstreamAccessToken:  upstreamAccess,
		UpstreamRefreshToken: upstreamRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.issuer},
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(Lifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Verify parses and validates a bearer as of the supplied instant. Expiry is
// evaluated with zero leeway. Returns ErrTokenExpired for a token past its
// exp, ErrInvalidToken for every other failure.
func (c *Codec) Verify(token string, now time.Time) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.issuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: parse/verify failed", ErrInvalidToken)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims shape", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	if claims.UpstreamAccessToken == "" {
		return nil, fmt.Errorf("%w: missing upstream credentials", ErrInvalidToken)
	}
	return claims, nil
}
