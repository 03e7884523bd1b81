// Package catalog assembles the concrete MCP surface this server ships: the
// Reddit toolset, the prompt templates, the resource entries, and the
// sampling continuation they reference. Upstream access goes through the
// narrow UpstreamAPI port so tests can substitute a fake.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/reddit"
	"github.com/systempromptio/systemprompt-mcp-server/internal/registry"
)

// UpstreamAPI is the slice of the Reddit data plane the catalog consumes.
type UpstreamAPI interface {
	HotPosts(ctx context.Context, accessToken, subreddit string, limit int) ([]reddit.Post, error)
	PostWithComments(ctx context.Context, accessToken, postID string, commentLimit int) (*reddit.Post, []reddit.Comment, error)
	SubredditInfo(ctx context.Context, accessToken, name string) (*reddit.Subreddit, error)
	SearchPosts(ctx context.Context, accessToken, query, subreddit, sort string, limit int) ([]reddit.Post, error)
	Me(ctx context.Context, accessToken string) (*reddit.Identity, error)
}

var _ UpstreamAPI = (*reddit.Client)(nil)

// jsonResult renders v as an indented JSON text block. Tool output is read
// by a model, so the encoding favors legibility over size.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return registry.TextResult(string(b)), nil
}

// postView is the listing shape the tools expose for a post.
type postView struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Subreddit   string `json:"subreddit"`
	Score       int    `json:"score"`
	NumComments int    `json:"num_comments"`
	CreatedAt   string `json:"created_at,omitempty"`
	URL         string `json:"url,omitempty"`
	Permalink   string `json:"permalink,omitempty"`
	NSFW        bool   `json:"nsfw,omitempty"`
	Stickied    bool   `json:"stickied,omitempty"`
}

// postDetailView adds the body fields a single-post fetch carries.
type postDetailView struct {
	postView
	SelfText    string  `json:"selftext,omitempty"`
	UpvoteRatio float64 `json:"upvote_ratio,omitempty"`
}

type commentView struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	Score     int    `json:"score"`
	CreatedAt string `json:"created_at,omitempty"`
}

type subredditView struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Subscribers int    `json:"subscribers"`
	ActiveUsers int    `json:"active_users,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	NSFW        bool   `json:"nsfw,omitempty"`
	URL         string `json:"url,omitempty"`
}

type identityView struct {
	Name          string `json:"name"`
	ID            string `json:"id,omitempty"`
	LinkKarma     int    `json:"link_karma"`
	CommentKarma  int    `json:"comment_karma"`
	CreatedAt     string `json:"created_at,omitempty"`
	Moderator     bool   `json:"moderator,omitempty"`
	VerifiedEmail bool   `json:"verified_email,omitempty"`
}

func listView(p reddit.Post) postView {
	return postView{
		ID:          p.Name,
		Title:       p.Title,
		Author:      p.Author,
		Subreddit:   p.Subreddit,
		Score:       p.Score,
		NumComments: p.NumComments,
		CreatedAt:   utcTime(p.CreatedUTC),
		URL:         p.URL,
		Permalink:   permalinkURL(p.Permalink),
		NSFW:        p.Over18,
		Stickied:    p.Stickied,
	}
}

func detailView(p reddit.Post) postDetailView {
	return postDetailView{
		postView:    listView(p),
		SelfText:    p.SelfText,
		UpvoteRatio: p.UpvoteRatio,
	}
}

func commentViewFrom(c reddit.Comment) commentView {
	return commentView{
		ID:        c.ID,
		Author:    c.Author,
		Body:      c.Body,
		Score:     c.Score,
		CreatedAt: utcTime(c.CreatedUTC),
	}
}

func subredditViewFrom(s *reddit.Subreddit) subredditView {
	return subredditView{
		Name:        s.DisplayName,
		Title:       s.Title,
		Description: s.PublicDescription,
		Subscribers: s.Subscribers,
		ActiveUsers: s.ActiveUserCount,
		CreatedAt:   utcTime(s.CreatedUTC),
		NSFW:        s.Over18,
		URL:         s.URL,
	}
}

func identityViewFrom(i *reddit.Identity) identityView {
	return identityView{
		Name:          i.Name,
		ID:            i.ID,
		LinkKarma:     i.LinkKarma,
		CommentKarma:  i.CommentKarma,
		CreatedAt:     utcTime(i.CreatedUTC),
		Moderator:     i.IsMod,
		VerifiedEmail: i.HasVerified,
	}
}

// utcTime renders Reddit's epoch-seconds timestamps in RFC 3339.
func utcTime(sec float64) string {
	if sec <= 0 {
		return ""
	}
	return time.Unix(int64(sec), 0).UTC().Format(time.RFC3339)
}

func permalinkURL(permalink string) string {
	if permalink == "" {
		return ""
	}
	return "https://www.reddit.com" + permalink
}
