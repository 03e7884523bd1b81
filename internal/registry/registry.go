// Package registry defines the collaborator ports the protocol engine
// dispatches through (tools, prompts, resources, sampling callbacks) plus
// the session-facing surface handlers see. Concrete catalogs like the Reddit
// toolset and directory resources are built on the containers here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
)

// ErrNotFound marks a lookup miss: unknown tool, prompt, or resource URI.
var ErrNotFound = errors.New("registry: not found")

// ErrAuthRequired marks an operation that needs upstream credentials a
// session does not hold.
var ErrAuthRequired = errors.New("registry: authentication required")

// Credentials is the upstream snapshot a session holds for its user. The
// tokens inside must never be logged or echoed.
type Credentials struct {
	UserID               string
	UpstreamAccessToken  string
	UpstreamRefreshToken string
}

// Valid reports whether the snapshot can authorize an upstream call.
func (c Credentials) Valid() bool {
	return c.UserID != "" && c.UpstreamAccessToken != ""
}

// Sampler lets a handler run a server-initiated LLM round-trip through the
// session's client. CreateMessage blocks until the client answers, the
// context expires, or the transport closes.
type Sampler interface {
	CreateMessage(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)
}

// Session is the handler-facing view of a live MCP session.
type Session interface {
	SessionID() string
	UserID() string
	ProtocolVersion() string
	// Credentials returns the session's upstream snapshot; ok is false when
	// the session was bound without one.
	Credentials() (Credentials, bool)
	// Sampling is present once the client declared the capability during
	// initialize.
	Sampling() (Sampler, bool)
	// Notify writes a one-way notification to the session's transport. It is
	// best-effort: a closed transport drops it.
	Notify(ctx context.Context, method mcp.Method, params any) error
}

// HandlerContext is what a tool, resource, or callback body receives: the
// session, a credential snapshot taken at dispatch, and the request's
// progress correlation.
type HandlerContext struct {
	Session       Session
	Credentials   Credentials
	ProgressToken any
	Log           *slog.Logger
}

// ReportProgress emits a notifications/progress frame correlated to the
// in-flight request. Without a progress token it is a no-op.
func (hc *HandlerContext) ReportProgress(ctx context.Context, progress, total float64, message string) {
	if hc == nil || hc.Session == nil || hc.ProgressToken == nil {
		return
	}
	_ = hc.Session.Notify(ctx, mcp.ProgressNotificationMethod, &mcp.ProgressNotificationParams{
		ProgressToken: hc.ProgressToken,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// Logger returns the context logger, falling back to the default.
func (hc *HandlerContext) Logger() *slog.Logger {
	if hc == nil || hc.Log == nil {
		return slog.Default()
	}
	return hc.Log
}

// ToolRegistry is the tools port. ListTools is sorted by name; GetTool
// resolves a single tool for dispatch.
type ToolRegistry interface {
	ListTools(ctx context.Context) []mcp.Tool
	GetTool(name string) (*RegisteredTool, bool)
}

// PromptRegistry is the prompts port.
type PromptRegistry interface {
	ListPrompts(ctx context.Context) []mcp.Prompt
	// GetPrompt renders one prompt. Unknown names fail ErrNotFound; missing
	// required arguments fail with a *MissingArgumentsError.
	GetPrompt(ctx context.Context, hc *HandlerContext, name string, args map[string]string) (*mcp.GetPromptResult, error)
}

// ResourceRegistry is the resources port.
type ResourceRegistry interface {
	ListResources(ctx context.Context) []mcp.Resource
	// ReadResource fails ErrNotFound for unknown URIs and ErrAuthRequired
	// for upstream-backed URIs read without credentials.
	ReadResource(ctx context.Context, hc *HandlerContext, uri string) ([]mcp.ResourceContents, error)
}

// CallbackRegistry resolves sampling continuation tags to callbacks.
type CallbackRegistry interface {
	GetCallback(name string) (*SamplingCallback, bool)
}

// SamplingCallback is a named continuation for a sampling round-trip. The
// engine validates the model's JSON reply against ResultSchema before Handle
// runs.
type SamplingCallback struct {
	Name         string
	Description  string
	ResultSchema mcp.ToolInputSchema
	Handle       func(ctx context.Context, hc *HandlerContext, result map[string]any) error
}

// MissingArgumentsError names every prompt argument that was required but
// absent.
type MissingArgumentsError struct {
	Paths []string
}

func (e *MissingArgumentsError) Error() string {
	return fmt.Sprintf("missing required arguments: %v", e.Paths)
}

// TextResult builds a single-text-block tool result.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextBlock(text)}}
}

// ErrorResult builds an in-band tool failure: the tool ran and reports a
// problem the model should read, as opposed to a protocol error.
func ErrorResult(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.TextBlock(fmt.Sprintf(format, a...))},
		IsError: true,
	}
}
