package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Server-range codes (-32000..-32099) carry the gateway's own error kinds.
const (
	ErrorCodeUpstreamError    ErrorCode = -32000
	ErrorCodeAuthRequired     ErrorCode = -32001
	ErrorCodeSessionNotFound  ErrorCode = -32002
	ErrorCodeDeadlineExceeded ErrorCode = -32003
	ErrorCodeTransportClosed  ErrorCode = -32004
)

// Canonical kind strings surfaced in the data.kind field of error responses.
const (
	KindInvalidRequest   = "invalid_request"
	KindAuthRequired     = "authentication_required"
	KindSessionNotFound  = "session_not_found"
	KindInvalidArguments = "invalid_arguments"
	KindNotFound         = "not_found"
	KindDeadlineExceeded = "deadline_exceeded"
	KindTransportClosed  = "transport_closed"
	KindUpstreamError    = "upstream_error"
	KindServerError      = "server_error"
)

// ErrorData is the structured payload attached to gateway error responses.
// Paths names each offending field path when argument validation fails.
type ErrorData struct {
	Kind  string   `json:"kind,omitempty"`
	Paths []string `json:"paths,omitempty"`
}

// NewKindError builds an error response whose data carries a canonical kind.
func NewKindError(id *RequestID, code ErrorCode, message, kind string) *Response {
	return NewErrorResponse(id, code, message, &ErrorData{Kind: kind})
}
