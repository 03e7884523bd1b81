// Package config loads and validates process configuration from the
// environment. The configuration is immutable after Load returns.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Version is stamped into server info and the default user agent.
const Version = "2.0.0"

const minSigningSecretLen = 32

// Config carries every tunable the server reads. Required fields fail Load
// when absent; optional fields carry defaults.
type Config struct {
	Port int `env:"PORT,default=3000"`

	// Issuer is the absolute base URL this server is reachable at. It is the
	// OAuth issuer identifier and the base for every advertised endpoint.
	Issuer string `env:"OAUTH_ISSUER"`

	RedditClientID     string `env:"REDDIT_CLIENT_ID,required"`
	RedditClientSecret string `env:"REDDIT_CLIENT_SECRET,required"`

	// SigningSecret signs bearer tokens. Must be at least 32 bytes.
	SigningSecret string `env:"JWT_SECRET,required"`

	// CallbackURL is where the upstream redirects after consent. Defaults to
	// <issuer>/oauth/reddit/callback.
	CallbackURL string `env:"REDDIT_CALLBACK_URL"`

	UserAgent string `env:"REDDIT_USER_AGENT"`

	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW,default=60s"`
	RateLimitMax    int           `env:"RATE_LIMIT_MAX,default=100"`

	// ResourceDir optionally serves the files under this directory as MCP
	// resources, with change notifications.
	ResourceDir string `env:"RESOURCE_DIR"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// Load decodes the environment, applies derived defaults, and validates.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Issuer == "" {
		c.Issuer = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	c.Issuer = strings.TrimRight(c.Issuer, "/")
	if c.CallbackURL == "" {
		c.CallbackURL = c.Issuer + "/oauth/reddit/callback"
	}
	if c.UserAgent == "" {
		c.UserAgent = fmt.Sprintf("systemprompt-mcp-server/%s (by /u/systemprompt)", Version)
	}
}

// Validate enforces the startup invariants. It is exported so tests can build
// configs by hand.
func (c *Config) Validate() error {
	if len(c.SigningSecret) < minSigningSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes, got %d", minSigningSecretLen, len(c.SigningSecret))
	}
	if c.RedditClientID == "" {
		return errors.New("REDDIT_CLIENT_ID is required")
	}
	if c.RedditClientSecret == "" {
		return errors.New("REDDIT_CLIENT_SECRET is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("OAUTH_ISSUER must be an absolute URL, got %q", c.Issuer)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}
	return nil
}

// MetadataURL returns the absolute URL of the protected-resource metadata
// document, used in WWW-Authenticate challenges.
func (c *Config) MetadataURL() string {
	return c.Issuer + "/.well-known/oauth-protected-resource"
}

// McpEndpoint returns the absolute URL of the MCP stream endpoint.
func (c *Config) McpEndpoint() string {
	return c.Issuer + "/mcp"
}
