package sessions

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

var (
	// ErrTransportClosed reports a publish or subscribe against a transport
	// whose session has ended.
	ErrTransportClosed = errors.New("sessions: transport closed")
	// ErrUnknownEventID reports a resume id that is not in the replay window.
	ErrUnknownEventID = errors.New("sessions: unknown last event id")
	// ErrSubscriberLagged reports a subscriber that fell behind the replay
	// window; the caller should end the stream and let the client reconnect.
	ErrSubscriberLagged = errors.New("sessions: subscriber fell behind")
)

// transportBufferCap bounds the per-session replay window. Frames older than
// this are gone for Last-Event-ID purposes.
const transportBufferCap = 1024

// MessageHandler consumes one outbound frame. A non-nil error ends the
// subscription.
type MessageHandler func(ctx context.Context, eventID string, data []byte) error

type frame struct {
	seq  uint64
	data []byte
}

// Transport is a session's outbound hub. Server-initiated requests and
// notifications are published here with monotonically increasing event ids;
// HTTP streams subscribe and deliver the frames as SSE events. The replay
// buffer serves Last-Event-ID resumption.
type Transport struct {
	mu     sync.Mutex
	buf    []frame
	base   uint64 // sequence of buf[0]
	next   uint64 // sequence the next publish gets
	subs   map[*Subscriber]struct{}
	closed chan struct{}
}

func newTransport() *Transport {
	return &Transport{
		base:   1,
		next:   1,
		subs:   make(map[*Subscriber]struct{}),
		closed: make(chan struct{}),
	}
}

// Publish appends data to the replay buffer and wakes every live subscriber.
// It returns the assigned event id.
func (t *Transport) Publish(data []byte) (string, error) {
	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		return "", ErrTransportClosed
	default:
	}
	seq := t.next
	t.next++
	t.buf = append(t.buf, frame{seq: seq, data: append([]byte(nil), data...)})
	if len(t.buf) > transportBufferCap {
		drop := len(t.buf) - transportBufferCap
		t.buf = append(t.buf[:0:0], t.buf[drop:]...)
		t.base += uint64(drop)
	}
	subs := make([]*Subscriber, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.wake()
	}
	return strconv.FormatUint(seq, 10), nil
}

// Subscribe registers a reader positioned after lastEventID; the empty id
// means the live tail. Registration is synchronous: frames published between
// Subscribe and Run are not lost. The caller must Run the subscriber.
func (t *Transport) Subscribe(lastEventID string) (*Subscriber, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return nil, ErrTransportClosed
	default:
	}
	cursor := t.next
	if lastEventID != "" {
		seq, err := strconv.ParseUint(lastEventID, 10, 64)
		if err != nil || seq >= t.next || seq+1 < t.base {
			return nil, ErrUnknownEventID
		}
		cursor = seq + 1
	}
	s := &Subscriber{t: t, cursor: cursor, wakeCh: make(chan struct{}, 1)}
	t.subs[s] = struct{}{}
	return s, nil
}

// Done is closed when the transport closes.
func (t *Transport) Done() <-chan struct{} {
	return t.closed
}

// Close ends the transport: publishes fail, running subscribers drain what
// was already buffered and return. Close is idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		return
	default:
	}
	close(t.closed)
	t.mu.Unlock()
}

func (t *Transport) collect(s *Subscriber) ([]frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.cursor < t.base {
		return nil, ErrSubscriberLagged
	}
	if s.cursor >= t.next {
		return nil, nil
	}
	pending := t.buf[s.cursor-t.base:]
	out := make([]frame, len(pending))
	copy(out, pending)
	s.cursor = t.next
	return out, nil
}

func (t *Transport) drop(s *Subscriber) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

// Subscriber is one registered reader of a transport.
type Subscriber struct {
	t      *Transport
	cursor uint64
	wakeCh chan struct{}
}

func (s *Subscriber) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run delivers frames to fn in publish order until ctx ends, the transport
// closes, or fn fails. A transport close drains the remaining buffered frames
// and returns nil. Run deregisters the subscriber on return.
func (s *Subscriber) Run(ctx context.Context, fn MessageHandler) error {
	defer s.t.drop(s)
	for {
		batch, err := s.t.collect(s)
		if err != nil {
			return err
		}
		for _, f := range batch {
			if err := fn(ctx, strconv.FormatUint(f.seq, 10), f.data); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.t.closed:
			batch, err := s.t.collect(s)
			if err != nil {
				return nil
			}
			for _, f := range batch {
				if err := fn(ctx, strconv.FormatUint(f.seq, 10), f.data); err != nil {
					return err
				}
			}
			return nil
		case <-s.wakeCh:
		}
	}
}
