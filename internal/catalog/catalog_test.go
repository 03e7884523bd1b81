package catalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/systempromptio/systemprompt-mcp-server/internal/catalog"
	"github.com/systempromptio/systemprompt-mcp-server/internal/engine"
	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/reddit"
	"github.com/systempromptio/systemprompt-mcp-server/internal/registry"
	"github.com/systempromptio/systemprompt-mcp-server/internal/validation"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeUpstream answers with canned Reddit data and records what each call
// received.
type fakeUpstream struct {
	err error

	lastToken     string
	lastSubreddit string
	lastPostID    string
	lastQuery     string
	lastSort      string
	lastLimit     int

	posts    []reddit.Post
	comments []reddit.Comment
	sub      *reddit.Subreddit
	ident    *reddit.Identity
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		posts: []reddit.Post{
			{
				ID: "abc123", Name: "t3_abc123", Title: "Go 1.25 released",
				Author: "gopher", Subreddit: "golang", Score: 421, NumComments: 87,
				CreatedUTC: 1750000000, Permalink: "/r/golang/comments/abc123/go_125_released/",
				URL: "https://go.dev/blog/go1.25",
			},
			{
				ID: "def456", Name: "t3_def456", Title: "Understanding contexts",
				Author: "rob", Subreddit: "golang", Score: 99, NumComments: 12,
				CreatedUTC: 1750003600, SelfText: "A long write-up about context propagation.",
			},
		},
		comments: []reddit.Comment{
			{ID: "c1", Author: "alice", Body: "Great release notes.", Score: 10, CreatedUTC: 1750000100},
		},
		sub: &reddit.Subreddit{
			DisplayName: "golang", Title: "The Go programming language",
			PublicDescription: "Ask questions and post articles about Go.",
			Subscribers:       250000, ActiveUserCount: 1200, CreatedUTC: 1258675200,
			URL: "/r/golang/",
		},
		ident: &reddit.Identity{
			ID: "u1", Name: "alice", LinkKarma: 100, CommentKarma: 250,
			CreatedUTC: 1400000000, HasVerified: true,
		},
	}
}

func (f *fakeUpstream) HotPosts(ctx context.Context, token, subreddit string, limit int) ([]reddit.Post, error) {
	f.lastToken, f.lastSubreddit, f.lastLimit = token, subreddit, limit
	if f.err != nil {
		return nil, f.err
	}
	return f.posts, nil
}

func (f *fakeUpstream) PostWithComments(ctx context.Context, token, postID string, commentLimit int) (*reddit.Post, []reddit.Comment, error) {
	f.lastToken, f.lastPostID, f.lastLimit = token, postID, commentLimit
	if f.err != nil {
		return nil, nil, f.err
	}
	return &f.posts[0], f.comments, nil
}

func (f *fakeUpstream) SubredditInfo(ctx context.Context, token, name string) (*reddit.Subreddit, error) {
	f.lastToken, f.lastSubreddit = token, name
	if f.err != nil {
		return nil, f.err
	}
	return f.sub, nil
}

func (f *fakeUpstream) SearchPosts(ctx context.Context, token, query, subreddit, sort string, limit int) ([]reddit.Post, error) {
	f.lastToken, f.lastQuery, f.lastSubreddit, f.lastSort, f.lastLimit = token, query, subreddit, sort, limit
	if f.err != nil {
		return nil, f.err
	}
	return f.posts, nil
}

func (f *fakeUpstream) Me(ctx context.Context, token string) (*reddit.Identity, error) {
	f.lastToken = token
	if f.err != nil {
		return nil, f.err
	}
	return f.ident, nil
}

type samplerFunc func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)

func (f samplerFunc) CreateMessage(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	return f(ctx, req)
}

type fakeSession struct {
	sampler  registry.Sampler
	notified []mcp.Method
}

func (s *fakeSession) SessionID() string       { return "sess-1" }
func (s *fakeSession) UserID() string          { return "alice" }
func (s *fakeSession) ProtocolVersion() string { return mcp.LatestProtocolVersion }

func (s *fakeSession) Credentials() (registry.Credentials, bool) {
	return aliceCreds(), true
}

func (s *fakeSession) Sampling() (registry.Sampler, bool) {
	if s.sampler == nil {
		return nil, false
	}
	return s.sampler, true
}

func (s *fakeSession) Notify(ctx context.Context, method mcp.Method, params any) error {
	s.notified = append(s.notified, method)
	return nil
}

func aliceCreds() registry.Credentials {
	return registry.Credentials{
		UserID:               "alice",
		UpstreamAccessToken:  "upstream-access-A",
		UpstreamRefreshToken: "upstream-refresh-A",
	}
}

func handlerContext(sess registry.Session) *registry.HandlerContext {
	return &registry.HandlerContext{Session: sess, Credentials: aliceCreds(), Log: discardLogger()}
}

func callTool(t *testing.T, tools *registry.StaticTools, hc *registry.HandlerContext, name, argsJSON string) (*mcp.CallToolResult, error) {
	t.Helper()
	tool, ok := tools.GetTool(name)
	if !ok {
		t.Fatalf("tool %q not registered", name)
	}
	req := &mcp.CallToolRequestReceived{Name: name}
	if argsJSON != "" {
		req.Arguments = json.RawMessage(argsJSON)
	}
	return tool.Handler(context.Background(), hc, req)
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("tool returned no content")
	}
	return res.Content[0].Text
}

func TestToolManifest(t *testing.T) {
	tools := catalog.Tools(newFakeUpstream())

	list := tools.ListTools(context.Background())
	names := make([]string, 0, len(list))
	for _, tl := range list {
		names = append(names, tl.Name)
	}
	want := []string{"get_hot_posts", "get_post", "get_subreddit_info", "sampling_example", "search_posts", "whoami"}
	if !slices.Equal(want, names) {
		t.Fatalf("tool names: want %v, got %v", want, names)
	}
	for _, tl := range list {
		if tl.Description == "" {
			t.Fatalf("tool %q has no description", tl.Name)
		}
	}

	post, ok := tools.GetTool("get_post")
	if !ok {
		t.Fatal("get_post not registered")
	}
	if !post.RequiresAuth {
		t.Fatal("get_post must require upstream credentials")
	}
	if want, got := []string{"post_id"}, post.Descriptor.InputSchema.Required; !slices.Equal(want, got) {
		t.Fatalf("get_post required: want %v, got %v", want, got)
	}

	sampling, ok := tools.GetTool("sampling_example")
	if !ok {
		t.Fatal("sampling_example not registered")
	}
	if sampling.RequiresAuth {
		t.Fatal("sampling_example must be callable without credentials")
	}

	search, ok := tools.GetTool("search_posts")
	if !ok {
		t.Fatal("search_posts not registered")
	}
	if len(search.Descriptor.InputSchema.Properties["sort"].Enum) == 0 {
		t.Fatal("search_posts sort must declare its allowed values")
	}
}

func TestGetHotPostsRendersListing(t *testing.T) {
	fake := newFakeUpstream()
	tools := catalog.Tools(fake)

	res, err := callTool(t, tools, handlerContext(&fakeSession{}), "get_hot_posts", `{"subreddit":"golang","limit":2}`)
	if err != nil {
		t.Fatalf("get_hot_posts: %v", err)
	}
	if want, got := "upstream-access-A", fake.lastToken; want != got {
		t.Fatalf("upstream token: want %q, got %q", want, got)
	}
	if want, got := "golang", fake.lastSubreddit; want != got {
		t.Fatalf("subreddit: want %q, got %q", want, got)
	}
	if want, got := 2, fake.lastLimit; want != got {
		t.Fatalf("limit: want %d, got %d", want, got)
	}

	var listing struct {
		Subreddit string `json:"subreddit"`
		Count     int    `json:"count"`
		Posts     []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Permalink string `json:"permalink"`
			CreatedAt string `json:"created_at"`
		} `json:"posts"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if want, got := 2, listing.Count; want != got {
		t.Fatalf("count: want %d, got %d", want, got)
	}
	if want, got := "t3_abc123", listing.Posts[0].ID; want != got {
		t.Fatalf("post id: want %q, got %q", want, got)
	}
	if want, got := "https://www.reddit.com/r/golang/comments/abc123/go_125_released/", listing.Posts[0].Permalink; want != got {
		t.Fatalf("permalink: want %q, got %q", want, got)
	}
	if listing.Posts[0].CreatedAt == "" || !strings.HasSuffix(listing.Posts[0].CreatedAt, "Z") {
		t.Fatalf("created_at %q is not an RFC 3339 UTC timestamp", listing.Posts[0].CreatedAt)
	}
}

func TestGetPostIncludesComments(t *testing.T) {
	fake := newFakeUpstream()
	tools := catalog.Tools(fake)

	res, err := callTool(t, tools, handlerContext(&fakeSession{}), "get_post", `{"post_id":"abc123"}`)
	if err != nil {
		t.Fatalf("get_post: %v", err)
	}
	if want, got := "abc123", fake.lastPostID; want != got {
		t.Fatalf("post id: want %q, got %q", want, got)
	}

	var detail struct {
		Post struct {
			Title string `json:"title"`
		} `json:"post"`
		Comments []struct {
			Author string `json:"author"`
			Body   string `json:"body"`
		} `json:"comments"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if want, got := "Go 1.25 released", detail.Post.Title; want != got {
		t.Fatalf("title: want %q, got %q", want, got)
	}
	if want, got := 1, len(detail.Comments); want != got {
		t.Fatalf("comment count: want %d, got %d", want, got)
	}
	if want, got := "Great release notes.", detail.Comments[0].Body; want != got {
		t.Fatalf("comment body: want %q, got %q", want, got)
	}
}

func TestSubredditInfoAndIdentity(t *testing.T) {
	fake := newFakeUpstream()
	tools := catalog.Tools(fake)
	hc := handlerContext(&fakeSession{})

	res, err := callTool(t, tools, hc, "get_subreddit_info", `{"subreddit":"golang"}`)
	if err != nil {
		t.Fatalf("get_subreddit_info: %v", err)
	}
	if text := resultText(t, res); !strings.Contains(text, `"subscribers": 250000`) {
		t.Fatalf("subreddit info %q lacks the subscriber count", text)
	}

	res, err = callTool(t, tools, hc, "whoami", "")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, `"name": "alice"`) {
		t.Fatalf("identity %q lacks the account name", text)
	}
	if !strings.Contains(text, `"comment_karma": 250`) {
		t.Fatalf("identity %q lacks the karma fields", text)
	}
}

func TestSearchPostsPassesFilters(t *testing.T) {
	fake := newFakeUpstream()
	tools := catalog.Tools(fake)

	res, err := callTool(t, tools, handlerContext(&fakeSession{}), "search_posts",
		`{"query":"generics","subreddit":"golang","sort":"top","limit":5}`)
	if err != nil {
		t.Fatalf("search_posts: %v", err)
	}
	if want, got := "generics", fake.lastQuery; want != got {
		t.Fatalf("query: want %q, got %q", want, got)
	}
	if want, got := "top", fake.lastSort; want != got {
		t.Fatalf("sort: want %q, got %q", want, got)
	}

	var search struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &search); err != nil {
		t.Fatalf("decode search: %v", err)
	}
	if want, got := "generics", search.Query; want != got {
		t.Fatalf("echoed query: want %q, got %q", want, got)
	}
	if want, got := 2, search.Count; want != got {
		t.Fatalf("result count: want %d, got %d", want, got)
	}
}

func TestUpstreamFailurePropagates(t *testing.T) {
	fake := newFakeUpstream()
	fake.err = fmt.Errorf("%w: listing returned 502", reddit.ErrUpstream)
	tools := catalog.Tools(fake)

	_, err := callTool(t, tools, handlerContext(&fakeSession{}), "get_hot_posts", `{"subreddit":"golang"}`)
	if !errors.Is(err, reddit.ErrUpstream) {
		t.Fatalf("want ErrUpstream, got %v", err)
	}
}

func TestSamplingExampleRoundTrip(t *testing.T) {
	var captured *mcp.CreateMessageRequest
	sess := &fakeSession{
		sampler: samplerFunc(func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
			captured = req
			return &mcp.CreateMessageResult{
				Role:       mcp.RoleAssistant,
				Content:    mcp.TextBlock(`{"action":"reply","reasoning":"the thread asks a direct question","content":"Try go vet first."}`),
				Model:      "fake-model",
				StopReason: "endTurn",
			}, nil
		}),
	}
	tools := catalog.Tools(newFakeUpstream())
	hc := handlerContext(sess)
	hc.ProgressToken = "tok-1"

	res, err := callTool(t, tools, hc, "sampling_example", `{"text":"a thread about linters"}`)
	if err != nil {
		t.Fatalf("sampling_example: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected in-band error: %s", resultText(t, res))
	}

	if captured == nil {
		t.Fatal("sampler never ran")
	}
	if want, got := 1, len(captured.Messages); want != got {
		t.Fatalf("message count: want %d, got %d", want, got)
	}
	if want, got := "Summarize: a thread about linters", captured.Messages[0].Content.Text; want != got {
		t.Fatalf("message text: want %q, got %q", want, got)
	}
	if captured.SystemPrompt == "" {
		t.Fatal("sampling request carries no system prompt")
	}
	if want, got := catalog.CallbackSuggestAction, captured.Meta[engine.CallbackMetaKey]; want != got {
		t.Fatalf("callback tag: want %v, got %v", want, got)
	}

	if want, got := "reply", res.StructuredContent["action"]; want != got {
		t.Fatalf("structured action: want %v, got %v", want, got)
	}
	if text := resultText(t, res); !strings.Contains(text, "fake-model") {
		t.Fatalf("flow summary %q does not name the model", text)
	}

	// Three progress marks: start, reply received, done.
	if want, got := 3, len(sess.notified); want != got {
		t.Fatalf("progress notifications: want %d, got %d", want, got)
	}
	for _, m := range sess.notified {
		if m != mcp.ProgressNotificationMethod {
			t.Fatalf("unexpected notification %q", m)
		}
	}
}

func TestSamplingExampleWithoutCapability(t *testing.T) {
	tools := catalog.Tools(newFakeUpstream())

	res, err := callTool(t, tools, handlerContext(&fakeSession{}), "sampling_example", `{"text":"anything"}`)
	if err != nil {
		t.Fatalf("sampling_example: %v", err)
	}
	if !res.IsError {
		t.Fatal("want an in-band error when the client lacks sampling")
	}
	if text := resultText(t, res); !strings.Contains(text, "sampling") {
		t.Fatalf("error text %q does not explain the missing capability", text)
	}
}

func TestPromptsRenderWithInjectedResources(t *testing.T) {
	prompts := catalog.Prompts(catalog.Resources(newFakeUpstream()))

	list := prompts.ListPrompts(context.Background())
	names := make([]string, 0, len(list))
	for _, p := range list {
		names = append(names, p.Name)
	}
	want := []string{"analyze_subreddit", "draft_reply"}
	if !slices.Equal(want, names) {
		t.Fatalf("prompt names: want %v, got %v", want, names)
	}

	hc := handlerContext(&fakeSession{})
	res, err := prompts.GetPrompt(context.Background(), hc, "analyze_subreddit", map[string]string{"subreddit": "golang"})
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if want, got := 1, len(res.Messages); want != got {
		t.Fatalf("message count: want %d, got %d", want, got)
	}
	text := res.Messages[0].Content.Text
	if !strings.Contains(text, "r/golang") {
		t.Fatalf("rendered prompt %q lacks the subreddit", text)
	}
	if !strings.Contains(text, "Ground every claim") {
		t.Fatalf("rendered prompt %q lacks the injected guidelines", text)
	}
	if strings.Contains(text, "{{") {
		t.Fatalf("rendered prompt %q still carries placeholders", text)
	}

	_, err = prompts.GetPrompt(context.Background(), hc, "analyze_subreddit", nil)
	var missing *registry.MissingArgumentsError
	if !errors.As(err, &missing) {
		t.Fatalf("want MissingArgumentsError, got %v", err)
	}
	if want, got := []string{"subreddit"}, missing.Paths; !slices.Equal(want, got) {
		t.Fatalf("missing paths: want %v, got %v", want, got)
	}
}

func TestIdentityResourceRequiresCredentials(t *testing.T) {
	fake := newFakeUpstream()
	resources := catalog.Resources(fake)

	_, err := resources.ReadResource(context.Background(), &registry.HandlerContext{Log: discardLogger()}, catalog.IdentityResourceURI)
	if !errors.Is(err, registry.ErrAuthRequired) {
		t.Fatalf("want ErrAuthRequired, got %v", err)
	}

	contents, err := resources.ReadResource(context.Background(), handlerContext(&fakeSession{}), catalog.IdentityResourceURI)
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if want, got := 1, len(contents); want != got {
		t.Fatalf("contents: want %d, got %d", want, got)
	}
	if !strings.Contains(contents[0].Text, `"name": "alice"`) {
		t.Fatalf("identity resource %q lacks the account name", contents[0].Text)
	}
	if want, got := "upstream-access-A", fake.lastToken; want != got {
		t.Fatalf("upstream token: want %q, got %q", want, got)
	}

	// The guideline documents read without credentials.
	contents, err = resources.ReadResource(context.Background(), &registry.HandlerContext{Log: discardLogger()}, catalog.ResearchGuidelinesURI)
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if !strings.Contains(contents[0].Text, "Ground every claim") {
		t.Fatalf("guidelines resource %q lacks its body", contents[0].Text)
	}
}

func TestSuggestActionCallback(t *testing.T) {
	cb, ok := catalog.Callbacks().GetCallback(catalog.CallbackSuggestAction)
	if !ok {
		t.Fatal("suggest_action not registered")
	}
	if want, got := []string{"action"}, cb.ResultSchema.Required; !slices.Equal(want, got) {
		t.Fatalf("schema required: want %v, got %v", want, got)
	}

	if err := validation.Arguments(cb.ResultSchema, json.RawMessage(`{"action":"reply","reasoning":"direct question"}`)); err != nil {
		t.Fatalf("valid reply rejected: %v", err)
	}
	if err := validation.Arguments(cb.ResultSchema, json.RawMessage(`{"reasoning":"no action"}`)); err == nil {
		t.Fatal("reply without action must fail validation")
	}

	if err := cb.Handle(context.Background(), handlerContext(&fakeSession{}), map[string]any{"action": "reply"}); err != nil {
		t.Fatalf("Handle() = %v", err)
	}
}
