package streaminghttp_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// bearerRT injects a minted bearer into every request the client sends.
type bearerRT struct {
	token string
	base  http.RoundTripper
}

func (rt bearerRT) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", rt.token)
	return rt.base.RoundTrip(r)
}

// TestOfficialClientEndToEnd drives the handler with the official MCP Go
// client over streamable HTTP: initialize, tools/list, tools/call.
func TestOfficialClientEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	var calls atomic.Int32
	f := newFixture(t, shoutTools(&calls), nil)

	srv := httptest.NewServer(f.h)
	defer srv.Close()

	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{
		Endpoint:   srv.URL + "/mcp",
		HTTPClient: &http.Client{Transport: bearerRT{token: f.bearer, base: http.DefaultTransport}},
	}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cs.Close()

	if want, got := "systemprompt-mcp-server", cs.InitializeResult().ServerInfo.Name; want != got {
		t.Errorf("unexpected server name: want %q, got %q", want, got)
	}

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(lt.Tools) != 1 || lt.Tools[0].Name != "shout" {
		t.Fatalf("unexpected tools: %+v", lt.Tools)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "shout",
		Arguments: map[string]any{"text": "hello"},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("CallTool returned error: %v", res.Content)
	}
	if len(res.Content) == 0 {
		t.Fatalf("unexpected empty call result: %+v", res)
	}
	tc, ok := res.Content[0].(*sdk.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", res.Content[0])
	}
	if want, got := "HELLO", tc.Text; want != got {
		t.Errorf("unexpected tool output: want %q, got %q", want, got)
	}
	if want, got := int32(1), calls.Load(); want != got {
		t.Errorf("unexpected handler invocations: want %d, got %d", want, got)
	}
}

// TestOfficialClientRequiresBearer verifies the client cannot establish a
// session without credentials.
func TestOfficialClientRequiresBearer(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	f := newFixture(t, shoutTools(nil), nil)

	srv := httptest.NewServer(f.h)
	defer srv.Close()

	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{Endpoint: srv.URL + "/mcp"}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err == nil {
		cs.Close()
		t.Fatal("expected connect without bearer to fail")
	}
}
