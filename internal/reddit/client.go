package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultAPIBase = "https://oauth.reddit.com"

// Client is the authenticated data plane. Calls are paced to roughly one per
// second process-wide, which keeps a single-instance deployment inside
// Reddit's per-client budget.
type Client struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
}

// ClientOption tunes a Client at construction time.
type ClientOption func(*Client)

// WithBaseURL points the client at a different API origin. Tests use this.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) { c.base = strings.TrimRight(base, "/") }
}

// WithLimiter replaces the pacing limiter.
func WithLimiter(l *rate.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// NewClient builds the data-plane client with the given User-Agent.
func NewClient(userAgent string, opts ...ClientOption) *Client {
	c := &Client{
		http:    newUAClient(userAgent),
		base:    defaultAPIBase,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) getJSON(ctx context.Context, accessToken, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return ErrUpstreamUnauthorized
	case res.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s not found", ErrUpstream, path)
	case res.StatusCode < 200 || res.StatusCode > 299:
		return fmt.Errorf("%w: %s returned %d", ErrUpstream, path, res.StatusCode)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUpstream, path, err)
	}
	return nil
}

func postsFromListing(l thing) ([]Post, error) {
	var data listingData
	if err := json.Unmarshal(l.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: decode listing: %v", ErrUpstream, err)
	}
	posts := make([]Post, 0, len(data.Children))
	for _, child := range data.Children {
		if child.Kind != "t3" {
			continue
		}
		var p Post
		if err := json.Unmarshal(child.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: decode post: %v", ErrUpstream, err)
		}
		posts = append(posts, p)
	}
	return posts, nil
}

// HotPosts lists the current hot posts of a subreddit, front page when empty.
func (c *Client) HotPosts(ctx context.Context, accessToken, subreddit string, limit int) ([]Post, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	path := "/hot"
	if subreddit != "" {
		path = "/r/" + url.PathEscape(subreddit) + "/hot"
	}
	var env thing
	q := url.Values{"limit": {strconv.Itoa(limit)}, "raw_json": {"1"}}
	if err := c.getJSON(ctx, accessToken, path, q, &env); err != nil {
		return nil, err
	}
	return postsFromListing(env)
}

// PostWithComments fetches one post and its top-level comments. Reddit
// answers the comments route with a two-element array: the post listing and
// the comment listing.
func (c *Client) PostWithComments(ctx context.Context, accessToken, postID string, commentLimit int) (*Post, []Comment, error) {
	if commentLimit <= 0 || commentLimit > 100 {
		commentLimit = 10
	}
	id := strings.TrimPrefix(postID, "t3_")
	var envs []thing
	q := url.Values{"limit": {strconv.Itoa(commentLimit)}, "raw_json": {"1"}}
	if err := c.getJSON(ctx, accessToken, "/comments/"+url.PathEscape(id), q, &envs); err != nil {
		return nil, nil, err
	}
	if len(envs) < 1 {
		return nil, nil, fmt.Errorf("%w: empty comments response", ErrUpstream)
	}

	posts, err := postsFromListing(envs[0])
	if err != nil {
		return nil, nil, err
	}
	if len(posts) == 0 {
		return nil, nil, fmt.Errorf("%w: post %s not found", ErrUpstream, id)
	}
	post := posts[0]

	var comments []Comment
	if len(envs) > 1 {
		var data listingData
		if err := json.Unmarshal(envs[1].Data, &data); err != nil {
			return nil, nil, fmt.Errorf("%w: decode comment listing: %v", ErrUpstream, err)
		}
		for _, child := range data.Children {
			if child.Kind != "t1" {
				continue
			}
			var cm Comment
			if err := json.Unmarshal(child.Data, &cm); err != nil {
				continue
			}
			comments = append(comments, cm)
		}
	}
	return &post, comments, nil
}

// SubredditInfo fetches the about document of a subreddit.
func (c *Client) SubredditInfo(ctx context.Context, accessToken, name string) (*Subreddit, error) {
	var env thing
	q := url.Values{"raw_json": {"1"}}
	if err := c.getJSON(ctx, accessToken, "/r/"+url.PathEscape(name)+"/about", q, &env); err != nil {
		return nil, err
	}
	var sub Subreddit
	if err := json.Unmarshal(env.Data, &sub); err != nil {
		return nil, fmt.Errorf("%w: decode subreddit: %v", ErrUpstream, err)
	}
	if sub.DisplayName == "" {
		return nil, fmt.Errorf("%w: subreddit %s not found", ErrUpstream, name)
	}
	return &sub, nil
}

// SearchPosts runs a search, optionally restricted to one subreddit.
func (c *Client) SearchPosts(ctx context.Context, accessToken, query, subreddit, sort string, limit int) ([]Post, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	switch sort {
	case "relevance", "hot", "top", "new", "comments":
	default:
		sort = "relevance"
	}
	path := "/search"
	q := url.Values{
		"q":        {query},
		"limit":    {strconv.Itoa(limit)},
		"sort":     {sort},
		"raw_json": {"1"},
	}
	if subreddit != "" {
		path = "/r/" + url.PathEscape(subreddit) + "/search"
		q.Set("restrict_sr", "1")
	}
	var env thing
	if err := c.getJSON(ctx, accessToken, path, q, &env); err != nil {
		return nil, err
	}
	return postsFromListing(env)
}

// Me fetches the caller's own identity.
func (c *Client) Me(ctx context.Context, accessToken string) (*Identity, error) {
	var ident Identity
	if err := c.getJSON(ctx, accessToken, "/api/v1/me", url.Values{"raw_json": {"1"}}, &ident); err != nil {
		return nil, err
	}
	return &ident, nil
}
