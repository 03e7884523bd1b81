package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/systempromptio/systemprompt-mcp-server/internal/jsonrpc"
	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/reddit"
	"github.com/systempromptio/systemprompt-mcp-server/internal/registry"
	"github.com/systempromptio/systemprompt-mcp-server/internal/sessions"
	"github.com/systempromptio/systemprompt-mcp-server/internal/validation"
)

var errInvalidCursor = errors.New("engine: invalid cursor")

// HandleRequest serves one inbound request frame and always returns a
// response frame. The request context is registered for
// notifications/cancelled until the handler returns.
func (i *Instance) HandleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if req.ID != nil && !req.ID.IsNil() {
		key := req.ID.String()
		i.trackInflight(key, cancel)
		defer i.takeInflight(key)
	}

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return i.handleInitialize(ctx, req)
	case mcp.PingMethod:
		return i.handlePing(ctx, req)
	case mcp.ToolsListMethod:
		return i.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return i.handleToolsCall(ctx, req)
	case mcp.PromptsListMethod:
		return i.handlePromptsList(ctx, req)
	case mcp.PromptsGetMethod:
		return i.handlePromptsGet(ctx, req)
	case mcp.ResourcesListMethod:
		return i.handleResourcesList(ctx, req)
	case mcp.ResourcesReadMethod:
		return i.handleResourcesRead(ctx, req)
	case mcp.LoggingSetLevelMethod:
		return i.handleSetLevel(ctx, req)
	default:
		i.log.InfoContext(ctx, "engine.handle_request.unsupported", slog.String("method", req.Method))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

func (i *Instance) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := i.log.With(slog.String("method", req.Method))

	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
	}

	version := mcp.LatestProtocolVersion
	for _, v := range mcp.SupportedProtocolVersions {
		if v == params.ProtocolVersion {
			version = v
			break
		}
	}
	samplingDeclared := params.Capabilities.Sampling != nil
	i.sess.CompleteHandshake(version, samplingDeclared)

	res := &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    i.eng.capabilities(),
		ServerInfo:      i.eng.serverInfo,
		Instructions:    i.eng.instructions,
	}
	log.InfoContext(ctx, "engine.handle_request.ok",
		slog.String("protocol_version", version),
		slog.String("client", params.ClientInfo.Name),
		slog.Bool("sampling", samplingDeclared),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return i.result(ctx, log, req.ID, res)
}

func (i *Instance) handlePing(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	log := i.log.With(slog.String("method", req.Method))
	return i.result(ctx, log, req.ID, &mcp.EmptyResult{})
}

func (i *Instance) handleToolsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := i.log.With(slog.String("method", req.Method))

	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	all := i.eng.tools.ListTools(ctx)
	page, next, err := paginate(all, params.Cursor, i.eng.pageSize)
	if err != nil {
		return i.failure(ctx, log, start, req.ID, err)
	}

	res := &mcp.ListToolsResult{Tools: page}
	res.NextCursor = next
	log.InfoContext(ctx, "engine.handle_request.ok",
		slog.Int("tool_count", len(page)),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return i.result(ctx, log, req.ID, res)
}

func (i *Instance) handleToolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := i.log.With(slog.String("method", req.Method))

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "missing tool name", nil)
	}
	log = log.With(slog.String("tool", params.Name))

	tool, ok := i.eng.tools.GetTool(params.Name)
	if !ok {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "unknown tool"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
			fmt.Sprintf("unknown tool %q", params.Name),
			&jsonrpc.ErrorData{Kind: jsonrpc.KindNotFound})
	}

	creds, hasCreds := i.sess.Credentials()
	if tool.RequiresAuth && !hasCreds {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing upstream credentials"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewKindError(req.ID, jsonrpc.ErrorCodeAuthRequired, "authentication required", jsonrpc.KindAuthRequired)
	}

	// Validation gates the handler: nothing reaches the upstream on a
	// schema failure.
	if err := validation.Arguments(tool.Descriptor.InputSchema, params.Arguments); err != nil {
		return i.failure(ctx, log, start, req.ID, err)
	}

	hc := &registry.HandlerContext{Session: i.sess, Credentials: creds, Log: log}
	if params.Meta != nil {
		hc.ProgressToken = params.Meta.ProgressToken
	}

	result, err := tool.Handler(ctx, hc, &params)
	if err != nil {
		return i.failure(ctx, log, start, req.ID, err)
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return i.result(ctx, log, req.ID, result)
}

func (i *Instance) handlePromptsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := i.log.With(slog.String("method", req.Method))

	var params mcp.ListPromptsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	all := i.eng.prompts.ListPrompts(ctx)
	page, next, err := paginate(all, params.Cursor, i.eng.pageSize)
	if err != nil {
		return i.failure(ctx, log, start, req.ID, err)
	}

	res := &mcp.ListPromptsResult{Prompts: page}
	res.NextCursor = next
	log.InfoContext(ctx, "engine.handle_request.ok",
		slog.Int("prompt_count", len(page)),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return i.result(ctx, log, req.ID, res)
}

func (i *Instance) handlePromptsGet(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := i.log.With(slog.String("method", req.Method))

	var params mcp.GetPromptRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing prompt name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "missing prompt name", nil)
	}
	log = log.With(slog.String("prompt", params.Name))

	args := make(map[string]string, len(params.Arguments))
	for k, raw := range params.Arguments {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			args[k] = s
			continue
		}
		args[k] = string(raw)
	}

	creds, _ := i.sess.Credentials()
	hc := &registry.HandlerContext{Session: i.sess, Credentials: creds, Log: log}
	res, err := i.eng.prompts.GetPrompt(ctx, hc, params.Name, args)
	if err != nil {
		return i.failure(ctx, log, start, req.ID, err)
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return i.result(ctx, log, req.ID, res)
}

func (i *Instance) handleResourcesList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := i.log.With(slog.String("method", req.Method))

	var params mcp.ListResourcesRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	all := i.eng.resources.ListResources(ctx)
	page, next, err := paginate(all, params.Cursor, i.eng.pageSize)
	if err != nil {
		return i.failure(ctx, log, start, req.ID, err)
	}

	res := &mcp.ListResourcesResult{Resources: page}
	res.NextCursor = next
	log.InfoContext(ctx, "engine.handle_request.ok",
		slog.Int("resource_count", len(page)),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return i.result(ctx, log, req.ID, res)
}

func (i *Instance) handleResourcesRead(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := i.log.With(slog.String("method", req.Method))

	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	if params.URI == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing resource uri"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "missing resource uri", nil)
	}
	log = log.With(slog.String("uri", params.URI))

	creds, _ := i.sess.Credentials()
	hc := &registry.HandlerContext{Session: i.sess, Credentials: creds, Log: log}
	contents, err := i.eng.resources.ReadResource(ctx, hc, params.URI)
	if err != nil {
		return i.failure(ctx, log, start, req.ID, err)
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return i.result(ctx, log, req.ID, &mcp.ReadResourceResult{Contents: contents})
}

func (i *Instance) handleSetLevel(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := i.log.With(slog.String("method", req.Method))

	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	if !mcp.IsValidLoggingLevel(params.Level) {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "unknown logging level"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
			fmt.Sprintf("unknown logging level %q", params.Level), nil)
	}

	i.eng.level.Set(slogLevel(params.Level))
	log.InfoContext(ctx, "engine.logging.set_level", slog.String("level", string(params.Level)))
	return i.result(ctx, log, req.ID, &mcp.EmptyResult{})
}

// result encodes a success response, downgrading to an internal error when
// the payload cannot be marshaled.
func (i *Instance) result(ctx context.Context, log *slog.Logger, id *jsonrpc.RequestID, payload any) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(id, payload)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return res
}

// failure maps a handler error onto the wire taxonomy. Messages stay
// generic; the specifics go to the log.
func (i *Instance) failure(ctx context.Context, log *slog.Logger, start time.Time, id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	dur := slog.Int64("dur_ms", time.Since(start).Milliseconds())

	var ae *validation.ArgumentsError
	var ma *registry.MissingArgumentsError
	switch {
	case errors.As(err, &ae):
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), dur)
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, "invalid arguments",
			&jsonrpc.ErrorData{Kind: jsonrpc.KindInvalidArguments, Paths: ae.Paths})
	case errors.As(err, &ma):
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), dur)
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, "missing required arguments",
			&jsonrpc.ErrorData{Kind: jsonrpc.KindInvalidArguments, Paths: ma.Paths})
	case errors.Is(err, errInvalidCursor):
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), dur)
		return jsonrpc.NewKindError(id, jsonrpc.ErrorCodeInvalidParams, "invalid cursor", jsonrpc.KindInvalidArguments)
	case errors.Is(err, registry.ErrNotFound):
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), dur)
		return jsonrpc.NewKindError(id, jsonrpc.ErrorCodeInvalidParams, "not found", jsonrpc.KindNotFound)
	case errors.Is(err, registry.ErrAuthRequired):
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), dur)
		return jsonrpc.NewKindError(id, jsonrpc.ErrorCodeAuthRequired, "authentication required", jsonrpc.KindAuthRequired)
	case errors.Is(err, reddit.ErrUpstream):
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), dur)
		return jsonrpc.NewKindError(id, jsonrpc.ErrorCodeUpstreamError, "upstream request failed", jsonrpc.KindUpstreamError)
	case errors.Is(err, context.DeadlineExceeded):
		log.WarnContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), dur)
		return jsonrpc.NewKindError(id, jsonrpc.ErrorCodeDeadlineExceeded, "deadline exceeded", jsonrpc.KindDeadlineExceeded)
	case errors.Is(err, sessions.ErrTransportClosed):
		log.WarnContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), dur)
		return jsonrpc.NewKindError(id, jsonrpc.ErrorCodeTransportClosed, "transport closed", jsonrpc.KindTransportClosed)
	case errors.Is(err, sessions.ErrSessionNotFound):
		log.WarnContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), dur)
		return jsonrpc.NewKindError(id, jsonrpc.ErrorCodeSessionNotFound, "session not found", jsonrpc.KindSessionNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, errPeerCancelled):
		log.InfoContext(ctx, "engine.handle_request.cancelled", dur)
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "request cancelled", nil)
	default:
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), dur)
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error",
			&jsonrpc.ErrorData{Kind: jsonrpc.KindServerError})
	}
}

func slogLevel(level mcp.LoggingLevel) slog.Level {
	switch level {
	case mcp.LoggingLevelDebug:
		return slog.LevelDebug
	case mcp.LoggingLevelInfo, mcp.LoggingLevelNotice:
		return slog.LevelInfo
	case mcp.LoggingLevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// paginate slices items into one stable page. The cursor is an opaque
// encoding of the next offset.
func paginate[T any](items []T, cursor string, size int) ([]T, string, error) {
	offset := 0
	if cursor != "" {
		n, err := decodeCursor(cursor)
		if err != nil || n > len(items) {
			return nil, "", errInvalidCursor
		}
		offset = n
	}
	end := offset + size
	if end > len(items) {
		end = len(items)
	}
	next := ""
	if end < len(items) {
		next = encodeCursor(end)
	}
	return items[offset:end], next, nil
}

func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, errInvalidCursor
	}
	n, err := strconv.Atoi(string(b))
	if err != nil || n < 0 {
		return 0, errInvalidCursor
	}
	return n, nil
}
