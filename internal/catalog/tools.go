package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/systempromptio/systemprompt-mcp-server/internal/engine"
	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/registry"
)

// CallbackSuggestAction names the sampling continuation the toolset tags its
// round-trips with.
const CallbackSuggestAction = "suggest_action"

const suggestActionSystemPrompt = `You are a careful assistant. Summarize the given content, then reply with a single JSON object of the form {"action":"...","reasoning":"...","content":"..."} and nothing else.`

// Tools builds the Reddit toolset over the upstream port.
func Tools(api UpstreamAPI) *registry.StaticTools {
	return registry.NewStaticTools(
		hotPostsTool(api),
		postTool(api),
		subredditInfoTool(api),
		searchPostsTool(api),
		whoamiTool(api),
		samplingExampleTool(),
	)
}

func hotPostsTool(api UpstreamAPI) registry.RegisteredTool {
	type args struct {
		Subreddit string `json:"subreddit,omitempty" jsonschema:"description=Subreddit name without the r/ prefix; the front page when omitted"`
		Limit     int    `json:"limit,omitempty" jsonschema:"description=Number of posts to return (1-100; default 10)"`
	}
	type result struct {
		Subreddit string     `json:"subreddit,omitempty"`
		Count     int        `json:"count"`
		Posts     []postView `json:"posts"`
	}
	return registry.NewTool[args]("get_hot_posts",
		func(ctx context.Context, hc *registry.HandlerContext, r *registry.ToolRequest[args]) (*mcp.CallToolResult, error) {
			a := r.Args()
			posts, err := api.HotPosts(ctx, hc.Credentials.UpstreamAccessToken, a.Subreddit, a.Limit)
			if err != nil {
				return nil, err
			}
			views := make([]postView, 0, len(posts))
			for _, p := range posts {
				views = append(views, listView(p))
			}
			return jsonResult(result{Subreddit: a.Subreddit, Count: len(views), Posts: views})
		},
		registry.WithToolDescription("Lists the current hot posts of a subreddit, or the front page when no subreddit is given."),
	)
}

func postTool(api UpstreamAPI) registry.RegisteredTool {
	type args struct {
		PostID       string `json:"post_id" jsonschema:"description=Post id; the t3_ prefix is optional"`
		CommentLimit int    `json:"comment_limit,omitempty" jsonschema:"description=Number of top-level comments to include (1-100; default 10)"`
	}
	type result struct {
		Post     postDetailView `json:"post"`
		Comments []commentView  `json:"comments"`
	}
	return registry.NewTool[args]("get_post",
		func(ctx context.Context, hc *registry.HandlerContext, r *registry.ToolRequest[args]) (*mcp.CallToolResult, error) {
			a := r.Args()
			post, comments, err := api.PostWithComments(ctx, hc.Credentials.UpstreamAccessToken, a.PostID, a.CommentLimit)
			if err != nil {
				return nil, err
			}
			views := make([]commentView, 0, len(comments))
			for _, c := range comments {
				views = append(views, commentViewFrom(c))
			}
			return jsonResult(result{Post: detailView(*post), Comments: views})
		},
		registry.WithToolDescription("Fetches one post with its body and top-level comments."),
	)
}

func subredditInfoTool(api UpstreamAPI) registry.RegisteredTool {
	type args struct {
		Subreddit string `json:"subreddit" jsonschema:"description=Subreddit name without the r/ prefix"`
	}
	return registry.NewTool[args]("get_subreddit_info",
		func(ctx context.Context, hc *registry.HandlerContext, r *registry.ToolRequest[args]) (*mcp.CallToolResult, error) {
			sub, err := api.SubredditInfo(ctx, hc.Credentials.UpstreamAccessToken, r.Args().Subreddit)
			if err != nil {
				return nil, err
			}
			return jsonResult(subredditViewFrom(sub))
		},
		registry.WithToolDescription("Fetches the about document of a subreddit."),
	)
}

func searchPostsTool(api UpstreamAPI) registry.RegisteredTool {
	type args struct {
		Query     string `json:"query" jsonschema:"description=Search terms"`
		Subreddit string `json:"subreddit,omitempty" jsonschema:"description=Restrict the search to one subreddit"`
		Sort      string `json:"sort,omitempty" jsonschema:"description=Result ordering,enum=relevance,enum=hot,enum=top,enum=new,enum=comments"`
		Limit     int    `json:"limit,omitempty" jsonschema:"description=Number of results to return (1-100; default 10)"`
	}
	type result struct {
		Query     string     `json:"query"`
		Subreddit string     `json:"subreddit,omitempty"`
		Sort      string     `json:"sort,omitempty"`
		Count     int        `json:"count"`
		Posts     []postView `json:"posts"`
	}
	return registry.NewTool[args]("search_posts",
		func(ctx context.Context, hc *registry.HandlerContext, r *registry.ToolRequest[args]) (*mcp.CallToolResult, error) {
			a := r.Args()
			posts, err := api.SearchPosts(ctx, hc.Credentials.UpstreamAccessToken, a.Query, a.Subreddit, a.Sort, a.Limit)
			if err != nil {
				return nil, err
			}
			views := make([]postView, 0, len(posts))
			for _, p := range posts {
				views = append(views, listView(p))
			}
			return jsonResult(result{Query: a.Query, Subreddit: a.Subreddit, Sort: a.Sort, Count: len(views), Posts: views})
		},
		registry.WithToolDescription("Searches Reddit posts, optionally within one subreddit."),
	)
}

func whoamiTool(api UpstreamAPI) registry.RegisteredTool {
	return registry.NewTool[struct{}]("whoami",
		func(ctx context.Context, hc *registry.HandlerContext, r *registry.ToolRequest[struct{}]) (*mcp.CallToolResult, error) {
			ident, err := api.Me(ctx, hc.Credentials.UpstreamAccessToken)
			if err != nil {
				return nil, err
			}
			return jsonResult(identityViewFrom(ident))
		},
		registry.WithToolDescription("Shows the Reddit account this session is authenticated as."),
	)
}

// samplingExampleTool runs a full server-initiated sampling round-trip: it
// asks the connected client's model to summarize the given text and tags the
// request with the suggest_action continuation, whose outcome is announced
// on sampling/complete.
func samplingExampleTool() registry.RegisteredTool {
	type args struct {
		Text string `json:"text" jsonschema:"description=Content the client's model is asked to summarize"`
	}
	return registry.NewTool[args]("sampling_example",
		func(ctx context.Context, hc *registry.HandlerContext, r *registry.ToolRequest[args]) (*mcp.CallToolResult, error) {
			sampler, ok := hc.Session.Sampling()
			if !ok {
				return registry.ErrorResult("the connected client did not declare the sampling capability"), nil
			}

			hc.ReportProgress(ctx, 0, 2, "requesting a completion from the client")
			req := &mcp.CreateMessageRequest{
				Messages: []mcp.SamplingMessage{
					{Role: mcp.RoleUser, Content: mcp.TextBlock("Summarize: " + r.Args().Text)},
				},
				SystemPrompt: suggestActionSystemPrompt,
				MaxTokens:    1024,
			}
			req.Meta = map[string]any{engine.CallbackMetaKey: CallbackSuggestAction}

			reply, err := sampler.CreateMessage(ctx, req)
			if err != nil {
				return nil, err
			}
			hc.ReportProgress(ctx, 1, 2, "completion received")

			res := &mcp.CallToolResult{
				Content: []mcp.ContentBlock{mcp.TextBlock(fmt.Sprintf(
					"Sampling round-trip complete: model %q answered and stopped with %q. "+
						"The reply is validated against the %s schema and announced with a %s notification.",
					reply.Model, reply.StopReason, CallbackSuggestAction, mcp.SamplingCompleteNotificationMethod))},
			}
			if reply.Content.Type == "text" && reply.Content.Text != "" {
				var structured map[string]any
				if err := json.Unmarshal([]byte(reply.Content.Text), &structured); err == nil {
					res.StructuredContent = structured
				}
			}
			hc.ReportProgress(ctx, 2, 2, "done")
			return res, nil
		},
		registry.WithToolDescription("Demonstrates a server-initiated sampling round-trip through the connected client."),
		registry.WithToolPublic(),
	)
}

// suggestedAction is the reply shape the suggest_action continuation accepts.
type suggestedAction struct {
	Action    string `json:"action" jsonschema:"description=What the model suggests doing with the summarized content"`
	Reasoning string `json:"reasoning,omitempty" jsonschema:"description=Why the suggested action fits"`
	Content   string `json:"content,omitempty" jsonschema:"description=Draft content carrying out the action"`
}

// Callbacks builds the sampling continuations the toolset references.
func Callbacks() *registry.StaticCallbacks {
	return registry.NewStaticCallbacks(&registry.SamplingCallback{
		Name:         CallbackSuggestAction,
		Description:  "Receives the validated action suggested by a sampling round-trip.",
		ResultSchema: registry.ReflectSchema[suggestedAction](),
		Handle: func(ctx context.Context, hc *registry.HandlerContext, result map[string]any) error {
			action, _ := result["action"].(string)
			hc.Logger().InfoContext(ctx, "catalog.suggest_action", slog.String("action", action))
			return nil
		},
	})
}
