package sessions_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/systempromptio/systemprompt-mcp-server/internal/jsonrpc"
	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/registry"
	"github.com/systempromptio/systemprompt-mcp-server/internal/sessions"
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

type stubInstance struct {
	closes atomic.Int32
}

func (i *stubInstance) CreateMessage(context.Context, *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	return nil, errors.New("no sampling in stub")
}

func (i *stubInstance) HandleRequest(context.Context, *jsonrpc.Request) *jsonrpc.Response {
	return nil
}

func (i *stubInstance) HandleNotification(context.Context, *jsonrpc.Request) error {
	return nil
}

func (i *stubInstance) HandleResponse(context.Context, *jsonrpc.Response) error {
	return nil
}

func (i *stubInstance) Close() {
	i.closes.Add(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTable(t *testing.T, opts ...sessions.TableOption) (*sessions.Table, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	base := []sessions.TableOption{
		sessions.WithClock(clk.Now),
		sessions.WithLogger(discardLogger()),
	}
	table := sessions.NewTable(func(*sessions.Session) sessions.Instance {
		return &stubInstance{}
	}, append(base, opts...)...)
	t.Cleanup(table.Close)
	return table, clk
}

func aliceCreds() registry.Credentials {
	return registry.Credentials{
		UserID:              "alice",
		UpstreamAccessToken: "upstream-access-A",
	}
}

func TestCreateAndGet(t *testing.T) {
	table, _ := newTable(t)

	sess, err := table.Create(aliceCreds())
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if sess.SessionID() == "" {
		t.Fatal("expected a minted session id")
	}
	if want, got := "alice", sess.UserID(); want != got {
		t.Errorf("user: want %q, got %q", want, got)
	}
	creds, ok := sess.Credentials()
	if !ok {
		t.Fatal("expected a usable credential snapshot")
	}
	if want, got := "upstream-access-A", creds.UpstreamAccessToken; want != got {
		t.Errorf("upstream access: want %q, got %q", want, got)
	}

	got, err := table.Get(sess.SessionID(), "alice")
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got != sess {
		t.Error("Get returned a different session")
	}

	if _, err := table.Get(sess.SessionID(), "mallory"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("foreign user: want ErrSessionNotFound, got %v", err)
	}
	if _, err := table.Get("no-such-session", "alice"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("unknown id: want ErrSessionNotFound, got %v", err)
	}
}

func TestCredentialsAbsentWhenBearerCarriesNone(t *testing.T) {
	table, _ := newTable(t)

	sess, err := table.Create(registry.Credentials{UserID: "alice"})
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if _, ok := sess.Credentials(); ok {
		t.Error("snapshot without an upstream token must not report ok")
	}
	if _, err := table.Get(sess.SessionID(), "alice"); err != nil {
		t.Errorf("Get() = %v", err)
	}
}

func TestConcurrentCreatesMintDistinctSessions(t *testing.T) {
	table, _ := newTable(t)

	const creators = 16
	ids := make([]string, creators)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			<-start
			sess, err := table.Create(aliceCreds())
			if err != nil {
				t.Errorf("Create() = %v", err)
				return
			}
			ids[slot] = sess.SessionID()
		}(i)
	}
	close(start)
	wg.Wait()

	seen := make(map[string]bool, creators)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("session id %q minted twice", id)
		}
		seen[id] = true
	}
	if want, got := creators, table.Len(); want != got {
		t.Errorf("table size: want %d, got %d", want, got)
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	table, clk := newTable(t)

	idle, err := table.Create(aliceCreds())
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	active, err := table.Create(aliceCreds())
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}

	clk.Advance(59 * time.Minute)
	if _, err := table.Get(active.SessionID(), "alice"); err != nil {
		t.Fatalf("Get(active) = %v", err)
	}

	clk.Advance(2 * time.Minute)
	if want, got := 1, table.Sweep(); want != got {
		t.Fatalf("evicted: want %d, got %d", want, got)
	}

	if _, err := table.Get(idle.SessionID(), "alice"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("idle session: want ErrSessionNotFound, got %v", err)
	}
	if _, err := table.Get(active.SessionID(), "alice"); err != nil {
		t.Errorf("active session: %v", err)
	}

	select {
	case <-idle.Transport().Done():
	default:
		t.Error("idle session's transport should be closed")
	}
	if got := idle.Instance().(*stubInstance).closes.Load(); got != 1 {
		t.Errorf("instance closes: want 1, got %d", got)
	}
}

func TestJanitorRunsOnItsTicker(t *testing.T) {
	table := sessions.NewTable(func(*sessions.Session) sessions.Instance {
		return &stubInstance{}
	},
		sessions.WithLogger(discardLogger()),
		sessions.WithIdleTTL(10*time.Millisecond),
		sessions.WithSweepInterval(5*time.Millisecond))
	t.Cleanup(table.Close)

	if _, err := table.Create(aliceCreds()); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for table.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor left %d sessions after the idle TTL", table.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEvictTearsDownSession(t *testing.T) {
	table, _ := newTable(t)

	sess, err := table.Create(aliceCreds())
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if err := table.Evict(sess.SessionID(), "mallory"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("foreign evict: want ErrSessionNotFound, got %v", err)
	}
	if err := table.Evict(sess.SessionID(), "alice"); err != nil {
		t.Fatalf("Evict() = %v", err)
	}
	if err := table.Evict(sess.SessionID(), "alice"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("second evict: want ErrSessionNotFound, got %v", err)
	}

	if _, err := sess.Transport().Publish([]byte(`{}`)); !errors.Is(err, sessions.ErrTransportClosed) {
		t.Errorf("publish after evict: want ErrTransportClosed, got %v", err)
	}
	// Notifications against a closed transport are dropped, not failed.
	if err := sess.Notify(context.Background(), mcp.ToolsListChangedNotificationMethod, nil); err != nil {
		t.Errorf("Notify after evict: %v", err)
	}
}

func TestNotifyPublishesNotificationFrame(t *testing.T) {
	table, _ := newTable(t)

	sess, err := table.Create(aliceCreds())
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}

	sub, err := sess.Transport().Subscribe("")
	if err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}
	if err := sess.Notify(context.Background(), mcp.ResourcesListChangedNotificationMethod, nil); err != nil {
		t.Fatalf("Notify() = %v", err)
	}

	errStop := errors.New("stop")
	var got []byte
	err = sub.Run(context.Background(), func(_ context.Context, _ string, data []byte) error {
		got = data
		return errStop
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("Run() = %v", err)
	}

	var frame jsonrpc.AnyMessage
	if err := json.Unmarshal(got, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if want, got := string(mcp.ResourcesListChangedNotificationMethod), frame.Method; want != got {
		t.Errorf("method: want %q, got %q", want, got)
	}
	if frame.ID != nil {
		t.Error("notifications must not carry an id")
	}
}

func TestTransportReplayAfterLastEventID(t *testing.T) {
	table, _ := newTable(t)
	sess, err := table.Create(aliceCreds())
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	tr := sess.Transport()

	var first string
	for i := 0; i < 3; i++ {
		id, err := tr.Publish([]byte(`{"n":` + strconv.Itoa(i) + `}`))
		if err != nil {
			t.Fatalf("Publish() = %v", err)
		}
		if i == 0 {
			first = id
		}
	}

	sub, err := tr.Subscribe(first)
	if err != nil {
		t.Fatalf("Subscribe(%q) = %v", first, err)
	}

	errStop := errors.New("stop")
	var ids []string
	err = sub.Run(context.Background(), func(_ context.Context, id string, _ []byte) error {
		ids = append(ids, id)
		if len(ids) == 2 {
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("Run() = %v", err)
	}
	if want, got := 2, len(ids); want != got {
		t.Fatalf("replayed frames: want %d, got %d", want, got)
	}
	if ids[0] == first {
		t.Error("replay must start after the resume id, not at it")
	}
}

func TestTransportSubscribeRejectsUnknownEventID(t *testing.T) {
	table, _ := newTable(t)
	sess, err := table.Create(aliceCreds())
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	tr := sess.Transport()

	if _, err := tr.Subscribe("999"); !errors.Is(err, sessions.ErrUnknownEventID) {
		t.Errorf("future id: want ErrUnknownEventID, got %v", err)
	}
	if _, err := tr.Subscribe("not-a-number"); !errors.Is(err, sessions.ErrUnknownEventID) {
		t.Errorf("garbage id: want ErrUnknownEventID, got %v", err)
	}
}

func TestTransportCloseDrainsBufferedFrames(t *testing.T) {
	table, _ := newTable(t)
	sess, err := table.Create(aliceCreds())
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	tr := sess.Transport()

	sub, err := tr.Subscribe("")
	if err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}
	if _, err := tr.Publish([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	if _, err := tr.Publish([]byte(`{"b":2}`)); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	tr.Close()
	tr.Close() // idempotent

	var delivered int
	if err := sub.Run(context.Background(), func(context.Context, string, []byte) error {
		delivered++
		return nil
	}); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if want, got := 2, delivered; want != got {
		t.Errorf("frames before close: want %d, got %d", want, got)
	}

	if _, err := tr.Subscribe(""); !errors.Is(err, sessions.ErrTransportClosed) {
		t.Errorf("subscribe after close: want ErrTransportClosed, got %v", err)
	}
}

func TestTransportLaggedSubscriberEndsStream(t *testing.T) {
	table, _ := newTable(t)
	sess, err := table.Create(aliceCreds())
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	tr := sess.Transport()

	sub, err := tr.Subscribe("")
	if err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}
	// Push well past the replay window while the subscriber never runs.
	for i := 0; i < 1200; i++ {
		if _, err := tr.Publish([]byte(`{}`)); err != nil {
			t.Fatalf("Publish() = %v", err)
		}
	}

	err = sub.Run(context.Background(), func(context.Context, string, []byte) error {
		return nil
	})
	if !errors.Is(err, sessions.ErrSubscriberLagged) {
		t.Fatalf("Run() = %v, want ErrSubscriberLagged", err)
	}
}

func TestCreateAfterCloseFails(t *testing.T) {
	table, _ := newTable(t)
	table.Close()
	if _, err := table.Create(aliceCreds()); !errors.Is(err, sessions.ErrTableClosed) {
		t.Fatalf("Create after Close: want ErrTableClosed, got %v", err)
	}
}
