package authstore_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/systempromptio/systemprompt-mcp-server/internal/authstore"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T, opts ...authstore.Option) *authstore.Store {
	t.Helper()
	s := authstore.New(opts...)
	t.Cleanup(s.Close)
	return s
}

func TestPendingAuthorizationLifecycle(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, authstore.WithClock(clock.Now))

	key, err := s.PutPendingAuthorization(authstore.PendingAuthorization{
		ClientRedirectURI:   "http://localhost:8080/callback",
		ClientCodeChallenge: "challenge",
		ClientState:         "client-state",
		UpstreamNonce:       "nonce",
	})
	if err != nil {
		t.Fatalf("PutPendingAuthorization() = %v", err)
	}
	if want, got := 64, len(key); want != got {
		t.Fatalf("key length: want %d hex chars, got %d", want, got)
	}

	row, ok := s.TakePendingAuthorization(key)
	if !ok {
		t.Fatal("expected the row to be present")
	}
	if want, got := "nonce", row.UpstreamNonce; want != got {
		t.Fatalf("nonce: want %q, got %q", want, got)
	}
	if want, got := clock.Now().Add(authstore.PendingAuthorizationTTL), row.ExpiresAt; !got.Equal(want) {
		t.Fatalf("expiry: want %s, got %s", want, got)
	}

	if _, ok := s.TakePendingAuthorization(key); ok {
		t.Fatal("a second take must miss")
	}
}

func TestTakeExpiredPendingAuthorization(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, authstore.WithClock(clock.Now))

	key, err := s.PutPendingAuthorization(authstore.PendingAuthorization{UpstreamNonce: "n"})
	if err != nil {
		t.Fatalf("PutPendingAuthorization() = %v", err)
	}

	clock.Advance(authstore.PendingAuthorizationTTL + time.Second)
	if _, ok := s.TakePendingAuthorization(key); ok {
		t.Fatal("an expired row must not be returned")
	}
}

func TestAuthorizationCodeSingleUseUnderConcurrency(t *testing.T) {
	s := newStore(t)

	key, err := s.PutAuthorizationCode(authstore.AuthorizationCode{
		UserID:              "reddit-user",
		UpstreamAccessToken: "upstream-access",
	})
	if err != nil {
		t.Fatalf("PutAuthorizationCode() = %v", err)
	}

	const redeemers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < redeemers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := s.TakeAuthorizationCode(key); ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if want, got := int32(1), wins.Load(); want != got {
		t.Fatalf("wins: want exactly %d, got %d", want, got)
	}
}

func TestRefreshTokenGetDoesNotConsume(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, authstore.WithClock(clock.Now))

	key, err := s.PutRefreshToken(authstore.RefreshTokenRecord{
		UserID:               "reddit-user",
		UpstreamAccessToken:  "upstream-access",
		UpstreamRefreshToken: "upstream-refresh",
	})
	if err != nil {
		t.Fatalf("PutRefreshToken() = %v", err)
	}

	for i := 0; i < 3; i++ {
		rec, ok := s.GetRefreshToken(key)
		if !ok {
			t.Fatalf("get %d: expected the record to stay", i)
		}
		if want, got := "reddit-user", rec.UserID; want != got {
			t.Fatalf("user: want %q, got %q", want, got)
		}
	}

	clock.Advance(authstore.RefreshTokenTTL + time.Second)
	if _, ok := s.GetRefreshToken(key); ok {
		t.Fatal("an expired record must not be returned")
	}
}

func TestUpdateRefreshTokenNeverWeakens(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, authstore.WithClock(clock.Now))

	key, err := s.PutRefreshToken(authstore.RefreshTokenRecord{
		UserID:               "reddit-user",
		UpstreamAccessToken:  "old-access",
		UpstreamRefreshToken: "old-refresh",
	})
	if err != nil {
		t.Fatalf("PutRefreshToken() = %v", err)
	}

	later := clock.Now().Add(time.Hour)
	if !s.UpdateRefreshToken(key, "new-access", "", later) {
		t.Fatal("expected the update to land")
	}
	rec, ok := s.GetRefreshToken(key)
	if !ok {
		t.Fatal("record disappeared")
	}
	if want, got := "new-access", rec.UpstreamAccessToken; want != got {
		t.Fatalf("access: want %q, got %q", want, got)
	}
	if want, got := "old-refresh", rec.UpstreamRefreshToken; want != got {
		t.Fatalf("refresh must be kept when the update omits it: want %q, got %q", want, got)
	}
	if !rec.UpstreamExpiresAt.Equal(later) {
		t.Fatalf("upstream expiry: want %s, got %s", later, rec.UpstreamExpiresAt)
	}

	if !s.UpdateRefreshToken(key, "newer-access", "newer-refresh", later) {
		t.Fatal("expected the second update to land")
	}
	rec, _ = s.GetRefreshToken(key)
	if want, got := "newer-refresh", rec.UpstreamRefreshToken; want != got {
		t.Fatalf("refresh: want %q, got %q", want, got)
	}

	if s.UpdateRefreshToken("missing", "a", "b", later) {
		t.Fatal("updating a missing record must report false")
	}
}

func TestCapacityEviction(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, authstore.WithClock(clock.Now), authstore.WithCapacity(2))

	k1, err := s.PutAuthorizationCode(authstore.AuthorizationCode{UserID: "u1"})
	if err != nil {
		t.Fatalf("put 1: %v", err)
	}

	// k1 expires before k2 is created.
	clock.Advance(authstore.AuthorizationCodeTTL + time.Second)

	k2, err := s.PutAuthorizationCode(authstore.AuthorizationCode{UserID: "u2"})
	if err != nil {
		t.Fatalf("put 2: %v", err)
	}
	clock.Advance(time.Second)
	k3, err := s.PutAuthorizationCode(authstore.AuthorizationCode{UserID: "u3"})
	if err != nil {
		t.Fatalf("put 3: %v", err)
	}

	// The table held {expired k1, live k2} at the third put; the expired row
	// goes first and both live rows survive.
	if _, ok := s.TakeAuthorizationCode(k1); ok {
		t.Fatal("expired row must have been evicted")
	}
	if _, ok := s.TakeAuthorizationCode(k2); !ok {
		t.Fatal("live row k2 must have survived")
	}
	if _, ok := s.TakeAuthorizationCode(k3); !ok {
		t.Fatal("live row k3 must have survived")
	}
}

func TestCapacityEvictsEarliestExpiry(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, authstore.WithClock(clock.Now), authstore.WithCapacity(2))

	k1, err := s.PutAuthorizationCode(authstore.AuthorizationCode{UserID: "u1"})
	if err != nil {
		t.Fatalf("put 1: %v", err)
	}
	clock.Advance(time.Minute)
	k2, err := s.PutAuthorizationCode(authstore.AuthorizationCode{UserID: "u2"})
	if err != nil {
		t.Fatalf("put 2: %v", err)
	}
	clock.Advance(time.Minute)
	k3, err := s.PutAuthorizationCode(authstore.AuthorizationCode{UserID: "u3"})
	if err != nil {
		t.Fatalf("put 3: %v", err)
	}

	// Nothing had expired, so the row closest to expiry (k1) was displaced.
	if _, ok := s.TakeAuthorizationCode(k1); ok {
		t.Fatal("earliest-expiry row must have been evicted")
	}
	if _, ok := s.TakeAuthorizationCode(k2); !ok {
		t.Fatal("k2 must have survived")
	}
	if _, ok := s.TakeAuthorizationCode(k3); !ok {
		t.Fatal("k3 must have survived")
	}
}

func TestZeroCapacityFails(t *testing.T) {
	s := newStore(t, authstore.WithCapacity(0))

	_, err := s.PutAuthorizationCode(authstore.AuthorizationCode{UserID: "u1"})
	if !errors.Is(err, authstore.ErrStoreFull) {
		t.Fatalf("want ErrStoreFull, got %v", err)
	}
}

func TestSweepRemovesExpiredRows(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, authstore.WithClock(clock.Now))

	if _, err := s.PutPendingAuthorization(authstore.PendingAuthorization{}); err != nil {
		t.Fatalf("put pending: %v", err)
	}
	if _, err := s.PutAuthorizationCode(authstore.AuthorizationCode{}); err != nil {
		t.Fatalf("put code: %v", err)
	}
	if _, err := s.PutRefreshToken(authstore.RefreshTokenRecord{}); err != nil {
		t.Fatalf("put refresh: %v", err)
	}

	if removed := s.Sweep(); removed != 0 {
		t.Fatalf("nothing should be swept yet, removed %d", removed)
	}

	clock.Advance(authstore.AuthorizationCodeTTL + time.Second)
	if removed := s.Sweep(); removed != 2 {
		t.Fatalf("want the pending and code rows swept, removed %d", removed)
	}

	clock.Advance(authstore.RefreshTokenTTL)
	if removed := s.Sweep(); removed != 1 {
		t.Fatalf("want the refresh row swept, removed %d", removed)
	}

	p, c, r := s.Counts()
	if p+c+r != 0 {
		t.Fatalf("tables should be empty, got %d/%d/%d", p, c, r)
	}
}
