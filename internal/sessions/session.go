package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/systempromptio/systemprompt-mcp-server/internal/jsonrpc"
	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/registry"
)

// Session is one live MCP session: its identity, the upstream credential
// snapshot taken when the bearer bound it, the negotiated handshake state,
// and the outbound transport.
type Session struct {
	id        string
	userID    string
	createdAt time.Time

	creds    registry.Credentials
	hasCreds bool

	transport *Transport
	instance  Instance

	mu               sync.Mutex
	protocolVersion  string
	samplingDeclared bool
	initialized      bool
	lastTouched      time.Time
}

var _ registry.Session = (*Session)(nil)

// SessionID returns the session's minted id.
func (s *Session) SessionID() string {
	return s.id
}

// UserID returns the subject the session is bound to.
func (s *Session) UserID() string {
	return s.userID
}

// CreatedAt returns the bind time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// ProtocolVersion returns the revision negotiated at initialize, or "" before
// the handshake completes.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// Credentials returns the upstream snapshot; ok is false when the bearer
// carried no usable upstream pair.
func (s *Session) Credentials() (registry.Credentials, bool) {
	return s.creds, s.hasCreds
}

// Sampling returns the session's sampler once the client declared the
// capability during initialize.
func (s *Session) Sampling() (registry.Sampler, bool) {
	s.mu.Lock()
	declared := s.samplingDeclared
	s.mu.Unlock()
	if !declared || s.instance == nil {
		return nil, false
	}
	return s.instance, true
}

// Notify publishes a one-way notification frame to the session's transport.
// A closed transport drops it.
func (s *Session) Notify(ctx context.Context, method mcp.Method, params any) error {
	note, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return err
	}
	b, err := json.Marshal(note)
	if err != nil {
		return err
	}
	if _, err := s.transport.Publish(b); err != nil {
		if errors.Is(err, ErrTransportClosed) {
			return nil
		}
		return err
	}
	return nil
}

// Transport returns the session's outbound hub.
func (s *Session) Transport() *Transport {
	return s.transport
}

// Instance returns the session's protocol dispatcher.
func (s *Session) Instance() Instance {
	return s.instance
}

// CompleteHandshake records the negotiated protocol version and whether the
// client declared the sampling capability.
func (s *Session) CompleteHandshake(protocolVersion string, samplingDeclared bool) {
	s.mu.Lock()
	s.protocolVersion = protocolVersion
	s.samplingDeclared = samplingDeclared
	s.mu.Unlock()
}

// MarkInitialized records receipt of notifications/initialized.
func (s *Session) MarkInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// Initialized reports whether the client confirmed the handshake.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastTouched = now
	s.mu.Unlock()
}

func (s *Session) lastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTouched
}
