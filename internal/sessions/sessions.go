// Package sessions owns the live MCP session table: binding sessions to
// bearer identities, routing by the Mcp-Session-Id header, and evicting idle
// rows. Each session carries its own outbound transport and a protocol
// dispatcher built by the injected factory.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/systempromptio/systemprompt-mcp-server/internal/jsonrpc"
	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/registry"
)

// ErrSessionNotFound reports an unknown session id or one bound to another
// user. The two cases are indistinguishable on purpose.
var ErrSessionNotFound = errors.New("sessions: session not found")

// ErrTableClosed reports a create against a closed table.
var ErrTableClosed = errors.New("sessions: table closed")

const (
	// DefaultIdleTTL is how long a session may go untouched before the
	// janitor evicts it.
	DefaultIdleTTL = 60 * time.Minute
	// DefaultSweepInterval is the janitor's cadence.
	DefaultSweepInterval = 5 * time.Minute
)

// Instance is a session's protocol dispatcher, constructed at bind and torn
// down at eviction. Close resolves every pending server-initiated call as
// failed.
type Instance interface {
	registry.Sampler
	HandleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response
	HandleNotification(ctx context.Context, req *jsonrpc.Request) error
	HandleResponse(ctx context.Context, res *jsonrpc.Response) error
	Close()
}

// InstanceFactory builds the dispatcher for a freshly bound session.
type InstanceFactory func(sess *Session) Instance

// Table is the concurrent session map plus its janitor.
type Table struct {
	factory    InstanceFactory
	log        *slog.Logger
	now        func() time.Time
	idleTTL    time.Duration
	sweepEvery time.Duration

	mu     sync.RWMutex
	rows   map[string]*Session
	closed bool

	ticker    *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithLogger sets the table's logger.
func WithLogger(log *slog.Logger) TableOption {
	return func(t *Table) { t.log = log }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) TableOption {
	return func(t *Table) { t.now = now }
}

// WithIdleTTL overrides the idle eviction threshold.
func WithIdleTTL(ttl time.Duration) TableOption {
	return func(t *Table) { t.idleTTL = ttl }
}

// WithSweepInterval overrides the janitor cadence.
func WithSweepInterval(d time.Duration) TableOption {
	return func(t *Table) { t.sweepEvery = d }
}

// NewTable builds a session table and starts its janitor.
func NewTable(factory InstanceFactory, opts ...TableOption) *Table {
	t := &Table{
		factory:    factory,
		log:        slog.Default(),
		now:        time.Now,
		idleTTL:    DefaultIdleTTL,
		sweepEvery: DefaultSweepInterval,
		rows:       make(map[string]*Session),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ticker = time.NewTicker(t.sweepEvery)
	go t.sweepLoop()
	return t
}

// Create mints a new session bound to the given credential snapshot and
// constructs its transport and dispatcher.
func (t *Table) Create(creds registry.Credentials) (*Session, error) {
	now := t.now()
	sess := &Session{
		id:          uuid.New().String(),
		userID:      creds.UserID,
		createdAt:   now,
		lastTouched: now,
		creds:       creds,
		hasCreds:    creds.Valid(),
		transport:   newTransport(),
	}
	sess.instance = t.factory(sess)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		teardown(sess)
		return nil, ErrTableClosed
	}
	t.rows[sess.id] = sess
	t.mu.Unlock()

	t.log.Info("session.create.ok",
		slog.String("session_id", sess.id),
		slog.String("user_id", creds.UserID))
	return sess, nil
}

// Get resolves a session by id for the given user and touches it. Unknown
// ids and foreign sessions both fail ErrSessionNotFound.
func (t *Table) Get(sessionID, userID string) (*Session, error) {
	t.mu.RLock()
	sess, ok := t.rows[sessionID]
	t.mu.RUnlock()
	if !ok || sess.userID != userID {
		return nil, ErrSessionNotFound
	}
	sess.touch(t.now())
	return sess, nil
}

// Evict removes a session explicitly (the DELETE path) and tears it down.
func (t *Table) Evict(sessionID, userID string) error {
	t.mu.Lock()
	sess, ok := t.rows[sessionID]
	if ok && sess.userID == userID {
		delete(t.rows, sessionID)
	}
	t.mu.Unlock()
	if !ok || sess.userID != userID {
		return ErrSessionNotFound
	}
	teardown(sess)
	t.log.Info("session.evict.explicit", slog.String("session_id", sessionID))
	return nil
}

// Sweep evicts every session idle longer than the TTL and reports how many
// went. The janitor calls this on its ticker; tests call it directly.
func (t *Table) Sweep() int {
	now := t.now()
	var victims []*Session
	t.mu.Lock()
	for id, sess := range t.rows {
		if now.Sub(sess.lastAccess()) > t.idleTTL {
			delete(t.rows, id)
			victims = append(victims, sess)
		}
	}
	t.mu.Unlock()

	for _, sess := range victims {
		teardown(sess)
		t.log.Info("session.evict.idle",
			slog.String("session_id", sess.id),
			slog.String("user_id", sess.userID))
	}
	return len(victims)
}

// Len reports the number of live sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Broadcast sends a notification to every live session. Sessions whose
// transport already closed drop theirs.
func (t *Table) Broadcast(ctx context.Context, method mcp.Method, params any) {
	t.mu.RLock()
	rows := make([]*Session, 0, len(t.rows))
	for _, sess := range t.rows {
		rows = append(rows, sess)
	}
	t.mu.RUnlock()

	for _, sess := range rows {
		if err := sess.Notify(ctx, method, params); err != nil {
			t.log.Warn("session.broadcast.fail",
				slog.String("session_id", sess.id),
				slog.String("err", err.Error()))
		}
	}
}

// Close evicts every session and stops the janitor. Close is idempotent.
func (t *Table) Close() {
	t.closeOnce.Do(func() {
		t.ticker.Stop()
		close(t.done)

		t.mu.Lock()
		t.closed = true
		rows := t.rows
		t.rows = make(map[string]*Session)
		t.mu.Unlock()

		for _, sess := range rows {
			teardown(sess)
		}
	})
}

func (t *Table) sweepLoop() {
	for {
		select {
		case <-t.ticker.C:
			t.Sweep()
		case <-t.done:
			return
		}
	}
}

// teardown closes the dispatcher first so pending server-initiated calls
// resolve as transport failures, then ends the transport itself.
func teardown(sess *Session) {
	if sess.instance != nil {
		sess.instance.Close()
	}
	sess.transport.Close()
}
