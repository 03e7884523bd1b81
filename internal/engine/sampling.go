package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/systempromptio/systemprompt-mcp-server/internal/jsonrpc"
	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/sessions"
)

var errPeerCancelled = errors.New("engine: peer cancelled the request")

// CreateMessage sends a sampling request to the session's client and blocks
// until the reply arrives, the context ends, or the transport closes. The
// request id is a server-minted correlation id; a callback tag in _meta is
// remembered so HandleResponse can dispatch the continuation.
func (i *Instance) CreateMessage(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("engine: sampling request carries no messages")
	}
	r := *req
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}

	callback := ""
	if tag, ok := r.Meta[CallbackMetaKey].(string); ok {
		callback = tag
	}

	corrID := uuid.New().String()
	pc := &pendingCall{
		respCh:   make(chan *jsonrpc.Response, 1),
		errCh:    make(chan error, 1),
		callback: callback,
	}
	if !i.addPending(corrID, pc) {
		return nil, sessions.ErrTransportClosed
	}

	frame, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(corrID), string(mcp.SamplingCreateMessageMethod), &r)
	if err != nil {
		i.takePending(corrID)
		return nil, fmt.Errorf("engine: encode sampling request: %w", err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		i.takePending(corrID)
		return nil, fmt.Errorf("engine: encode sampling request: %w", err)
	}
	if _, err := i.sess.Transport().Publish(data); err != nil {
		i.takePending(corrID)
		return nil, err
	}

	log := i.log.With(slog.String("correlation_id", corrID))
	if callback != "" {
		log = log.With(slog.String("callback", callback))
	}
	log.InfoContext(ctx, "engine.sampling.request", slog.Int("message_count", len(r.Messages)))

	start := time.Now()
	select {
	case res := <-pc.respCh:
		if res.Error != nil {
			log.WarnContext(ctx, "engine.sampling.remote_error",
				slog.Int("code", int(res.Error.Code)),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return nil, fmt.Errorf("engine: sampling failed: %s (%d)", res.Error.Message, res.Error.Code)
		}
		var result mcp.CreateMessageResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			log.WarnContext(ctx, "engine.sampling.decode_fail", slog.String("err", err.Error()))
			return nil, fmt.Errorf("engine: decode sampling result: %w", err)
		}
		log.InfoContext(ctx, "engine.sampling.ok",
			slog.String("model", result.Model),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return &result, nil
	case err := <-pc.errCh:
		log.WarnContext(ctx, "engine.sampling.aborted", slog.String("err", err.Error()))
		return nil, err
	case <-i.sess.Transport().Done():
		i.takePending(corrID)
		log.WarnContext(ctx, "engine.sampling.aborted", slog.String("err", sessions.ErrTransportClosed.Error()))
		return nil, sessions.ErrTransportClosed
	case <-ctx.Done():
		i.takePending(corrID)
		i.cancelRemote(corrID)
		log.InfoContext(ctx, "engine.sampling.cancelled", slog.String("err", ctx.Err().Error()))
		return nil, ctx.Err()
	}
}

// cancelRemote tells the client an abandoned server-initiated request should
// not be worked on. Best effort: the transport may already be gone.
func (i *Instance) cancelRemote(corrID string) {
	note, err := jsonrpc.NewNotification(string(mcp.CancelledNotificationMethod), &mcp.CancelledNotification{
		RequestID: corrID,
		Reason:    "request cancelled",
	})
	if err != nil {
		return
	}
	data, err := json.Marshal(note)
	if err != nil {
		return
	}
	_, _ = i.sess.Transport().Publish(data)
}
