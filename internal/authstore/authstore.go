// Package authstore holds the transient OAuth state this server accumulates
// while brokering flows against the upstream: pending authorizations,
// one-shot authorization codes, and refresh token records. Everything is
// process-local and expires; a background sweeper reclaims abandoned rows.
package authstore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

const (
	// PendingAuthorizationTTL bounds how long a consent round-trip may take.
	PendingAuthorizationTTL = 10 * time.Minute
	// AuthorizationCodeTTL bounds the window between callback and redemption.
	AuthorizationCodeTTL = 10 * time.Minute
	// RefreshTokenTTL is how long an issued refresh token stays redeemable.
	RefreshTokenTTL = 30 * 24 * time.Hour

	// DefaultCapacity bounds each table independently.
	DefaultCapacity = 10000

	sweepInterval = time.Minute
	keyLen        = 32
)

// ErrStoreFull indicates a table was at capacity and nothing could be
// evicted. Callers surface this as an internal error, never with detail.
var ErrStoreFull = errors.New("authstore: table full")

// PendingAuthorization is created at the authorize endpoint and consumed by
// the upstream callback. UpstreamNonce is the half of the upstream state
// parameter that proves the callback belongs to this row.
type PendingAuthorization struct {
	ClientRedirectURI   string
	ClientCodeChallenge string
	ClientState         string
	UpstreamNonce       string
	Scope               string
	ExpiresAt           time.Time
}

// AuthorizationCode is created at the upstream callback and redeemed exactly
// once at the token endpoint. UpstreamExpiresAt is when the upstream access
// token inside goes stale; zero when the upstream did not say.
type AuthorizationCode struct {
	ClientRedirectURI    string
	ClientCodeChallenge  string
	UserID               string
	UpstreamAccessToken  string
	UpstreamRefreshToken string
	UpstreamExpiresAt    time.Time
	Scope                string
	ExpiresAt            time.Time
}

// RefreshTokenRecord backs the refresh_token grant. The upstream pair inside
// may be replaced with a fresher one but is never cleared.
type RefreshTokenRecord struct {
	UserID               string
	UpstreamAccessToken  string
	UpstreamRefreshToken string
	UpstreamExpiresAt    time.Time
	Scope                string
	ExpiresAt            time.Time
}

type row[T any] struct {
	val       T
	expiresAt time.Time
}

type table[T any] struct {
	rows map[string]row[T]
}

func newTable[T any]() *table[T] {
	return &table[T]{rows: make(map[string]row[T])}
}

func (t *table[T]) sweep(now time.Time) int {
	removed := 0
	for k, r := range t.rows {
		if !now.Before(r.expiresAt) {
			delete(t.rows, k)
			removed++
		}
	}
	return removed
}

// put inserts under the capacity bound: expired rows go first, then the row
// closest to expiry. The displaced flow fails on its next touch.
func (t *table[T]) put(now time.Time, capacity int, key string, v T, expiresAt time.Time) error {
	if len(t.rows) >= capacity {
		t.sweep(now)
	}
	if len(t.rows) >= capacity {
		var victim string
		var earliest time.Time
		for k, r := range t.rows {
			if victim == "" || r.expiresAt.Before(earliest) {
				victim = k
				earliest = r.expiresAt
			}
		}
		if victim != "" {
			delete(t.rows, victim)
		}
	}
	if len(t.rows) >= capacity {
		return ErrStoreFull
	}
	t.rows[key] = row[T]{val: v, expiresAt: expiresAt}
	return nil
}

func (t *table[T]) take(now time.Time, key string) (T, bool) {
	var zero T
	r, ok := t.rows[key]
	if !ok {
		return zero, false
	}
	delete(t.rows, key)
	if !now.Before(r.expiresAt) {
		return zero, false
	}
	return r.val, true
}

func (t *table[T]) get(now time.Time, key string) (T, bool) {
	var zero T
	r, ok := t.rows[key]
	if !ok {
		return zero, false
	}
	if !now.Before(r.expiresAt) {
		delete(t.rows, key)
		return zero, false
	}
	return r.val, true
}

// Store is the process-wide OAuth state store. All methods are safe for
// concurrent use; take operations are atomic so exactly one caller wins a
// single-use row.
type Store struct {
	mu      sync.Mutex
	pending *table[PendingAuthorization]
	codes   *table[AuthorizationCode]
	refresh *table[RefreshTokenRecord]

	capacity int
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option tunes a Store at construction time.
type Option func(*Store)

// WithCapacity overrides the per-table capacity bound.
func WithCapacity(n int) Option {
	return func(s *Store) { s.capacity = n }
}

// WithClock substitutes the time source. Tests use this to cross expiry
// boundaries without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds a Store and starts its sweeper. Call Close to stop it.
func New(opts ...Option) *Store {
	s := &Store{
		pending:  newTable[PendingAuthorization](),
		codes:    newTable[AuthorizationCode](),
		refresh:  newTable[RefreshTokenRecord](),
		capacity: DefaultCapacity,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s
}

// Close stops the sweeper. Rows are abandoned with the process.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes every expired row across all tables and reports how many
// were dropped. The sweeper calls this once a minute.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.sweep(now) + s.codes.sweep(now) + s.refresh.sweep(now)
}

func newKey() (string, error) {
	buf := make([]byte, keyLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// PutPendingAuthorization stores a row under a fresh key and returns the key.
// The row's expiry is stamped by the store.
func (s *Store) PutPendingAuthorization(p PendingAuthorization) (string, error) {
	key, err := newKey()
	if err != nil {
		return "", err
	}
	now := s.now()
	p.ExpiresAt = now.Add(PendingAuthorizationTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pending.put(now, s.capacity, key, p, p.ExpiresAt); err != nil {
		return "", err
	}
	return key, nil
}

// TakePendingAuthorization removes and returns the row in one step. A second
// take of the same key, or a take past expiry, reports false.
func (s *Store) TakePendingAuthorization(key string) (PendingAuthorization, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.take(now, key)
}

// PutAuthorizationCode stores a one-shot code row and returns its key.
func (s *Store) PutAuthorizationCode(c AuthorizationCode) (string, error) {
	key, err := newKey()
	if err != nil {
		return "", err
	}
	now := s.now()
	c.ExpiresAt = now.Add(AuthorizationCodeTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.codes.put(now, s.capacity, key, c, c.ExpiresAt); err != nil {
		return "", err
	}
	return key, nil
}

// TakeAuthorizationCode redeems a code. Single-use: concurrent redeemers
// race and exactly one wins.
func (s *Store) TakeAuthorizationCode(key string) (AuthorizationCode, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes.take(now, key)
}

// PutRefreshToken stores a refresh record valid for RefreshTokenTTL and
// returns its key, which doubles as the refresh_token value handed to the
// client.
func (s *Store) PutRefreshToken(r RefreshTokenRecord) (string, error) {
	key, err := newKey()
	if err != nil {
		return "", err
	}
	now := s.now()
	r.ExpiresAt = now.Add(RefreshTokenTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh.put(now, s.capacity, key, r, r.ExpiresAt); err != nil {
		return "", err
	}
	return key, nil
}

// GetRefreshToken returns the record without consuming it. Refresh tokens
// are reusable until they expire.
func (s *Store) GetRefreshToken(key string) (RefreshTokenRecord, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh.get(now, key)
}

// UpdateRefreshToken replaces the stored upstream pair with a fresher one,
// keeping the key and record expiry. An empty refresh token leaves the
// stored one in place so credentials never weaken.
func (s *Store) UpdateRefreshToken(key, upstreamAccess, upstreamRefresh string, upstreamExpiresAt time.Time) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refresh.rows[key]
	if !ok || !now.Before(r.expiresAt) {
		return false
	}
	rec := r.val
	rec.UpstreamAccessToken = upstreamAccess
	rec.UpstreamExpiresAt = upstreamExpiresAt
	if upstreamRefresh != "" {
		rec.UpstreamRefreshToken = upstreamRefresh
	}
	r.val = rec
	s.refresh.rows[key] = r
	return true
}

// Counts reports the live row count per table, expired rows included until
// the next sweep. Intended for tests and diagnostics.
func (s *Store) Counts() (pending, codes, refresh int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending.rows), len(s.codes.rows), len(s.refresh.rows)
}
