// Package engine implements the per-session MCP dispatcher: inbound
// request routing over the collaborator registries, one-way notifications,
// and the rendezvous for server-initiated sampling calls. One Engine is
// shared by every session; each session gets its own Instance.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/systempromptio/systemprompt-mcp-server/internal/jsonrpc"
	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/registry"
	"github.com/systempromptio/systemprompt-mcp-server/internal/sessions"
	"github.com/systempromptio/systemprompt-mcp-server/internal/validation"
)

const (
	// DefaultPageSize caps list results per page.
	DefaultPageSize = 50
	// DefaultMaxTokens is applied to sampling requests that do not set one.
	DefaultMaxTokens = 8192
	// CallbackMetaKey is the _meta key naming a sampling continuation.
	CallbackMetaKey = "callback"
)

// Engine holds the collaborators shared by every session instance.
type Engine struct {
	tools     registry.ToolRegistry
	prompts   registry.PromptRegistry
	resources registry.ResourceRegistry
	callbacks registry.CallbackRegistry

	log          *slog.Logger
	level        *slog.LevelVar
	serverInfo   mcp.ImplementationInfo
	instructions string
	pageSize     int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithLogLevelVar binds the level logging/setLevel drives.
func WithLogLevelVar(level *slog.LevelVar) Option {
	return func(e *Engine) { e.level = level }
}

// WithServerInfo sets the implementation info reported at initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.serverInfo = info }
}

// WithInstructions sets the instructions string reported at initialize.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// WithPageSize overrides the list page size.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// New builds an Engine over the four collaborator registries. Nil registries
// are replaced with empty ones.
func New(tools registry.ToolRegistry, prompts registry.PromptRegistry, resources registry.ResourceRegistry, callbacks registry.CallbackRegistry, opts ...Option) *Engine {
	e := &Engine{
		tools:     tools,
		prompts:   prompts,
		resources: resources,
		callbacks: callbacks,
		log:       slog.Default(),
		level:     new(slog.LevelVar),
		serverInfo: mcp.ImplementationInfo{
			Name:    "systemprompt-mcp-server",
			Version: "dev",
		},
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tools == nil {
		e.tools = registry.NewStaticTools()
	}
	if e.resources == nil {
		e.resources = registry.NewStaticResources()
	}
	if e.prompts == nil {
		e.prompts = registry.NewStaticPrompts(e.resources)
	}
	if e.callbacks == nil {
		e.callbacks = registry.NewStaticCallbacks()
	}
	return e
}

// Factory returns the constructor the session table uses to bind an
// instance to each freshly minted session.
func (e *Engine) Factory() sessions.InstanceFactory {
	return func(sess *sessions.Session) sessions.Instance {
		return e.newInstance(sess)
	}
}

func (e *Engine) capabilities() mcp.ServerCapabilities {
	caps := mcp.ServerCapabilities{Logging: &struct{}{}}
	caps.Tools = &struct {
		ListChanged bool `json:"listChanged"`
	}{ListChanged: true}
	caps.Resources = &struct {
		ListChanged bool `json:"listChanged"`
		Subscribe   bool `json:"subscribe"`
	}{ListChanged: true}
	caps.Prompts = &struct {
		ListChanged bool `json:"listChanged"`
	}{}
	return caps
}

// Instance is one session's dispatcher. It tracks in-flight inbound requests
// for cancellation and pending server-initiated calls for correlation.
type Instance struct {
	eng  *Engine
	sess *sessions.Session
	log  *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingCall        // correlation id -> sampling call
	inflight map[string]context.CancelFunc  // inbound request id -> cancel
	closed   bool
}

type pendingCall struct {
	respCh   chan *jsonrpc.Response
	errCh    chan error
	callback string
}

var _ sessions.Instance = (*Instance)(nil)

func (e *Engine) newInstance(sess *sessions.Session) *Instance {
	return &Instance{
		eng:      e,
		sess:     sess,
		log:      e.log.With(slog.String("session_id", sess.SessionID())),
		pending:  make(map[string]*pendingCall),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Close resolves every pending server-initiated call as a transport failure
// and cancels in-flight inbound requests. Close is idempotent.
func (i *Instance) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	pending := i.pending
	i.pending = make(map[string]*pendingCall)
	inflight := i.inflight
	i.inflight = make(map[string]context.CancelFunc)
	i.mu.Unlock()

	for _, pc := range pending {
		pc.errCh <- sessions.ErrTransportClosed
	}
	for _, cancel := range inflight {
		cancel()
	}
}

// HandleNotification consumes a one-way inbound frame. Notifications never
// produce a response, so problems are logged and swallowed.
func (i *Instance) HandleNotification(ctx context.Context, req *jsonrpc.Request) error {
	log := i.log.With(slog.String("method", req.Method))
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		i.sess.MarkInitialized()
		log.InfoContext(ctx, "engine.notification.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.WarnContext(ctx, "engine.notification.invalid", slog.String("err", err.Error()))
			return nil
		}
		if cancel := i.takeInflight(params.RequestID); cancel != nil {
			cancel()
			log.InfoContext(ctx, "engine.request.cancelled", slog.String("request_id", params.RequestID))
			return nil
		}
		if pc := i.takePending(params.RequestID); pc != nil {
			pc.errCh <- errPeerCancelled
			log.InfoContext(ctx, "engine.sampling.cancelled_by_peer", slog.String("correlation_id", params.RequestID))
		}
	case mcp.ProgressNotificationMethod:
		// Client-to-server progress is accepted but not tracked.
	default:
		log.InfoContext(ctx, "engine.notification.ignored")
	}
	return nil
}

// HandleResponse routes a client reply to the pending server-initiated call
// with the matching correlation id. Late and unknown ids are dropped.
func (i *Instance) HandleResponse(ctx context.Context, res *jsonrpc.Response) error {
	if res == nil || res.ID == nil || res.ID.IsNil() {
		return nil
	}
	key := res.ID.String()
	pc := i.takePending(key)
	if pc == nil {
		i.log.InfoContext(ctx, "engine.response.unmatched", slog.String("correlation_id", key))
		return nil
	}
	pc.respCh <- res
	if pc.callback != "" {
		i.dispatchCallback(ctx, pc.callback, res)
	}
	return nil
}

// dispatchCallback runs the named continuation against the sampling reply:
// the reply's text block is parsed as JSON, checked against the callback's
// declared schema, handed to the callback, and announced with a
// sampling/complete notification.
func (i *Instance) dispatchCallback(ctx context.Context, tag string, res *jsonrpc.Response) {
	log := i.log.With(slog.String("callback", tag))
	if res.Error != nil {
		log.InfoContext(ctx, "engine.callback.skipped", slog.String("reason", "sampling returned an error"))
		return
	}
	cb, ok := i.eng.callbacks.GetCallback(tag)
	if !ok {
		log.WarnContext(ctx, "engine.callback.unknown")
		return
	}

	var reply mcp.CreateMessageResult
	if err := json.Unmarshal(res.Result, &reply); err != nil {
		log.WarnContext(ctx, "engine.callback.decode_fail", slog.String("err", err.Error()))
		return
	}
	if reply.Content.Type != "text" || reply.Content.Text == "" {
		log.WarnContext(ctx, "engine.callback.decode_fail", slog.String("err", "reply carries no text block"))
		return
	}

	raw := json.RawMessage(reply.Content.Text)
	if err := validation.Arguments(cb.ResultSchema, raw); err != nil {
		log.WarnContext(ctx, "engine.callback.invalid", slog.String("err", err.Error()))
		return
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		log.WarnContext(ctx, "engine.callback.decode_fail", slog.String("err", err.Error()))
		return
	}

	creds, _ := i.sess.Credentials()
	hc := &registry.HandlerContext{Session: i.sess, Credentials: creds, Log: log}
	if err := cb.Handle(ctx, hc, result); err != nil {
		log.ErrorContext(ctx, "engine.callback.fail", slog.String("err", err.Error()))
		return
	}
	if err := i.sess.Notify(ctx, mcp.SamplingCompleteNotificationMethod, &mcp.SamplingCompleteParams{
		Callback: tag,
		Result:   result,
	}); err != nil {
		log.ErrorContext(ctx, "engine.callback.notify_fail", slog.String("err", err.Error()))
		return
	}
	log.InfoContext(ctx, "engine.callback.ok")
}

func (i *Instance) trackInflight(key string, cancel context.CancelFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.inflight[key] = cancel
}

func (i *Instance) takeInflight(key string) context.CancelFunc {
	i.mu.Lock()
	defer i.mu.Unlock()
	cancel, ok := i.inflight[key]
	if !ok {
		return nil
	}
	delete(i.inflight, key)
	return cancel
}

func (i *Instance) addPending(key string, pc *pendingCall) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return false
	}
	i.pending[key] = pc
	return true
}

func (i *Instance) takePending(key string) *pendingCall {
	i.mu.Lock()
	defer i.mu.Unlock()
	pc, ok := i.pending[key]
	if !ok {
		return nil
	}
	delete(i.pending, key)
	return pc
}
