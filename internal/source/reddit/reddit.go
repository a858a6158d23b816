// Package reddit reads the newest comments of one subreddit through the
// Reddit OAuth API (application-only client credentials).
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"commentwatch/internal/comment"
	"commentwatch/internal/fetch"
	"commentwatch/internal/source"
	logx "commentwatch/pkg/logx"
)

const (
	defaultBaseURL = "https://oauth.reddit.com"
	defaultAuthURL = "https://www.reddit.com/api/v1/access_token"
	permalinkHost  = "https://reddit.com"

	postsPerCycle   = 20
	commentsPerPost = 20
	defaultWorkers  = 4
	defaultJitter   = 2 * time.Second

	// Reddit allows 100 queries per minute for OAuth clients.
	requestsPerMinute = 100
	requestBurst      = 5

	requestTimeout = 45 * time.Second
	connectTimeout = 15 * time.Second

	deletedAuthor = "Deleted User"
)

// Credentials are shared by every subreddit adapter.
type Credentials struct {
	ClientID     string
	ClientSecret string
	UserAgent    string
}

func (c Credentials) complete() bool {
	return strings.TrimSpace(c.ClientID) != "" &&
		strings.TrimSpace(c.ClientSecret) != "" &&
		strings.TrimSpace(c.UserAgent) != ""
}

// NewClient builds the paced fetch client shared by all subreddit adapters.
func NewClient(userAgent string, log logx.Logger) *fetch.Client {
	return fetch.New(
		fetch.WithTimeouts(requestTimeout, connectTimeout),
		fetch.WithRateLimit(rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), requestBurst)),
		fetch.WithUserAgent(userAgent),
		fetch.WithLogger(log),
	)
}

// NewToken returns an application-only bearer token source. A single token
// serves all subreddits.
func NewToken(creds Credentials, client *fetch.Client, authURL string) *fetch.CachedToken {
	if authURL == "" {
		authURL = defaultAuthURL
	}
	return fetch.NewCachedToken(func(ctx context.Context) (string, time.Duration, error) {
		var resp tokenResponse
		err := client.JSON(ctx, fetch.Request{
			Method:    http.MethodPost,
			URL:       authURL,
			Form:      url.Values{"grant_type": {"client_credentials"}},
			Header:    http.Header{"User-Agent": {creds.UserAgent}},
			BasicUser: creds.ClientID,
			BasicPass: creds.ClientSecret,
		}, &resp)
		if err != nil {
			return "", 0, fmt.Errorf("reddit: access token: %w", err)
		}
		if resp.AccessToken == "" {
			return "", 0, fmt.Errorf("reddit: access token: empty token (%s)", resp.Error)
		}
		return resp.AccessToken, time.Duration(resp.ExpiresIn) * time.Second, nil
	})
}

type Option func(*Adapter)

func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

func WithClient(c *fetch.Client) Option {
	return func(a *Adapter) { a.client = c }
}

func WithToken(ts fetch.TokenSource) Option {
	return func(a *Adapter) { a.token = ts }
}

func WithLogger(log logx.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// WithJitter bounds the random delay before each fetch. Zero disables it.
func WithJitter(d time.Duration) Option {
	return func(a *Adapter) { a.jitter = d }
}

func WithWorkers(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.workers = n
		}
	}
}

type Adapter struct {
	creds     Credentials
	subreddit string
	name      string
	client    *fetch.Client
	ownClient bool
	token     fetch.TokenSource
	log       logx.Logger
	baseURL   string
	jitter    time.Duration
	workers   int
}

var _ source.Adapter = (*Adapter)(nil)

// Name returns the adapter label for a subreddit.
func Name(subreddit string) string { return "Reddit (r/" + subreddit + ")" }

func New(creds Credentials, subreddit string, opts ...Option) *Adapter {
	sub := strings.TrimPrefix(strings.TrimSpace(subreddit), "r/")
	a := &Adapter{
		creds:     creds,
		subreddit: sub,
		name:      Name(sub),
		log:       logx.Nop(),
		baseURL:   defaultBaseURL,
		jitter:    defaultJitter,
		workers:   defaultWorkers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.client == nil {
		a.client = NewClient(creds.UserAgent, a.log)
		a.ownClient = true
	}
	if a.token == nil {
		a.token = NewToken(creds, a.client, "")
	}
	a.log = a.log.With(logx.Source(a.name))
	return a
}

// NewAll builds one adapter per subreddit sharing a client and a token.
func NewAll(creds Credentials, subreddits []string, log logx.Logger, opts ...Option) []*Adapter {
	client := NewClient(creds.UserAgent, log)
	token := NewToken(creds, client, "")
	shared := append([]Option{WithClient(client), WithToken(token), WithLogger(log)}, opts...)

	out := make([]*Adapter, 0, len(subreddits))
	for _, sub := range subreddits {
		if strings.TrimSpace(sub) == "" {
			continue
		}
		a := New(creds, sub, shared...)
		// The first adapter owns the shared client.
		a.ownClient = len(out) == 0
		out = append(out, a)
	}
	return out
}

func (a *Adapter) Name() string      { return a.name }
func (a *Adapter) Subreddit() string { return a.subreddit }

func (a *Adapter) Configured() bool { return a.creds.complete() && a.subreddit != "" }

func (a *Adapter) Close() error {
	if a.ownClient {
		return a.client.Close()
	}
	return nil
}

func (a *Adapter) Comments(ctx context.Context, limit int) ([]comment.Item, error) {
	if !a.Configured() {
		return nil, errors.New("reddit: credentials or subreddit missing")
	}
	if err := a.sleepJitter(ctx); err != nil {
		return nil, err
	}
	posts, err := a.posts(ctx)
	if err != nil {
		return nil, err
	}
	items, err := source.Collect(ctx, a.log, posts, a.workers, limit, a.postComments)
	if err != nil {
		return nil, err
	}
	a.log.Debug("fetched comments", logx.Int("posts", len(posts)), logx.Int("items", len(items)))
	return items, nil
}

func (a *Adapter) sleepJitter(ctx context.Context) error {
	if a.jitter <= 0 {
		return nil
	}
	d := time.Duration(rand.Int64N(int64(a.jitter)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (a *Adapter) posts(ctx context.Context) ([]string, error) {
	var l listing
	err := a.client.JSON(ctx, a.request("/r/"+a.subreddit+"/new", url.Values{
		"limit": {strconv.Itoa(postsPerCycle)},
	}), &l)
	if err != nil {
		return nil, fmt.Errorf("reddit: list r/%s: %w", a.subreddit, err)
	}
	ids := make([]string, 0, len(l.Data.Children))
	for _, ch := range l.Data.Children {
		var p post
		if err := json.Unmarshal(ch.Data, &p); err != nil || p.ID == "" {
			continue
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (a *Adapter) postComments(ctx context.Context, postID string) ([]comment.Item, error) {
	// The response is [post listing, comment listing].
	var pair []listing
	err := a.client.JSON(ctx, a.request("/r/"+a.subreddit+"/comments/"+postID, url.Values{
		"limit": {strconv.Itoa(commentsPerPost)},
		"sort":  {"new"},
	}), &pair)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", postID, err)
	}
	if len(pair) < 2 {
		return []comment.Item{}, nil
	}

	var out []comment.Item
	for _, ch := range pair[1].Data.Children {
		c, ok := decodeComment(ch)
		if !ok {
			continue
		}
		out = append(out, a.item(c, postID))
		for _, r := range c.replies() {
			if rc, ok := decodeComment(r); ok {
				out = append(out, a.item(rc, postID).AsReply())
			}
		}
	}
	return out, nil
}

// decodeComment skips "more" stubs and anything that is not a comment.
func decodeComment(t thing) (commentData, bool) {
	if t.Kind != "t1" {
		return commentData{}, false
	}
	var c commentData
	if err := json.Unmarshal(t.Data, &c); err != nil {
		return commentData{}, false
	}
	return c, true
}

func (a *Adapter) item(c commentData, postID string) comment.Item {
	author := c.Author
	switch author {
	case "":
		author = "Unknown"
	case "[deleted]":
		author = deletedAuthor
	}
	var ts time.Time
	if c.CreatedUTC > 0 {
		ts = time.Unix(int64(c.CreatedUTC), 0)
	}
	if link := strings.TrimPrefix(c.LinkID, "t3_"); link != "" {
		postID = link
	}
	return comment.New(author, strings.TrimSpace(c.Body), a.name, ts, CommentURL(a.subreddit, postID, c.ID))
}

// CommentURL is the permalink of a comment.
func CommentURL(subreddit, postID, commentID string) string {
	return fmt.Sprintf("%s/r/%s/comments/%s/_/%s/", permalinkHost, subreddit, postID, commentID)
}

func (a *Adapter) request(path string, q url.Values) fetch.Request {
	return fetch.Request{
		URL:    a.baseURL + path,
		Query:  q,
		Auth:   a.token,
		Header: http.Header{"User-Agent": {a.creds.UserAgent}},
	}
}
