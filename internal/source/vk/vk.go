// Package vk reads the newest comments on a VK community wall.
package vk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"commentwatch/internal/comment"
	"commentwatch/internal/fetch"
	"commentwatch/internal/source"
	logx "commentwatch/pkg/logx"
)

const (
	Name = "VK"

	APIVersion     = "5.131"
	defaultBaseURL = "https://api.vk.com/method"

	postsPerCycle   = 20
	commentsPerPost = 30
	repliesPerItem  = 10
	defaultWorkers  = 8
)

// VK API error codes that are worth another attempt.
const (
	codeTooManyRequests = 6
	codeInternal        = 10
)

type Config struct {
	AccessToken string
	GroupID     string
	// GroupURL is the public community link used in comment URLs.
	// Defaults to https://vk.com/club{GroupID}.
	GroupURL string
}

type Option func(*Adapter)

func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

func WithClient(c *fetch.Client) Option {
	return func(a *Adapter) { a.client = c }
}

func WithLogger(log logx.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

func WithWorkers(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.workers = n
		}
	}
}

type Adapter struct {
	token    string
	groupID  string // without the leading minus
	groupURL string
	client   *fetch.Client
	log      logx.Logger
	baseURL  string
	workers  int
}

var _ source.Adapter = (*Adapter)(nil)

func New(cfg Config, opts ...Option) *Adapter {
	gid := strings.TrimPrefix(strings.TrimSpace(cfg.GroupID), "-")
	a := &Adapter{
		token:    strings.TrimSpace(cfg.AccessToken),
		groupID:  gid,
		groupURL: strings.TrimRight(strings.TrimSpace(cfg.GroupURL), "/"),
		log:      logx.Nop(),
		baseURL:  defaultBaseURL,
		workers:  defaultWorkers,
	}
	if a.groupURL == "" && gid != "" {
		a.groupURL = "https://vk.com/club" + gid
	}
	for _, o := range opts {
		o(a)
	}
	if a.client == nil {
		a.client = fetch.New(fetch.WithLogger(a.log))
	}
	a.log = a.log.With(logx.Source(Name))
	return a
}

func (a *Adapter) Name() string     { return Name }
func (a *Adapter) Configured() bool { return a.token != "" && a.groupID != "" }
func (a *Adapter) Close() error     { return a.client.Close() }

func (a *Adapter) Comments(ctx context.Context, limit int) ([]comment.Item, error) {
	if !a.Configured() {
		return nil, errors.New("vk: access token or group id missing")
	}
	posts, err := a.posts(ctx)
	if err != nil {
		return nil, err
	}
	a.log.Debug("listed posts", logx.Int("posts", len(posts)))
	return source.Collect(ctx, a.log, posts, a.workers, limit, a.postComments)
}

func (a *Adapter) posts(ctx context.Context) ([]string, error) {
	var resp wallResponse
	err := a.call(ctx, "wall.get", url.Values{
		"owner_id": {"-" + a.groupID},
		"count":    {strconv.Itoa(postsPerCycle)},
		"filter":   {"owner"},
		"extended": {"0"},
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("vk: wall.get: %w", err)
	}
	ids := make([]string, 0, len(resp.Items))
	for _, p := range resp.Items {
		if p.ID != 0 {
			ids = append(ids, strconv.FormatInt(p.ID, 10))
		}
	}
	return ids, nil
}

func (a *Adapter) postComments(ctx context.Context, postID string) ([]comment.Item, error) {
	var resp commentsResponse
	err := a.call(ctx, "wall.getComments", url.Values{
		"owner_id":           {"-" + a.groupID},
		"post_id":            {postID},
		"count":              {strconv.Itoa(commentsPerPost)},
		"sort":               {"desc"},
		"extended":           {"1"},
		"fields":             {"id,first_name,last_name,screen_name"},
		"thread_items_count": {strconv.Itoa(repliesPerItem)},
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", postID, err)
	}

	names := authorNames(resp.Profiles, resp.Groups)
	out := make([]comment.Item, 0, len(resp.Items))
	for _, c := range resp.Items {
		out = append(out, a.item(c, names, postID))
		for _, r := range c.Thread.Items {
			out = append(out, a.item(r, names, postID).AsReply())
		}
	}
	return out, nil
}

func (a *Adapter) item(c wallComment, names map[int64]string, postID string) comment.Item {
	var ts time.Time
	if c.Date > 0 {
		ts = time.Unix(c.Date, 0)
	}
	return comment.New(
		authorName(c.FromID, names),
		strings.TrimSpace(c.Text),
		Name,
		ts,
		a.CommentURL(strconv.FormatInt(c.ID, 10), postID),
	)
}

// CommentURL links to a comment, opening its post when postID is known.
func (a *Adapter) CommentURL(commentID, postID string) string {
	if a.groupURL == "" {
		return ""
	}
	if postID == "" {
		return fmt.Sprintf("%s?reply=%s", a.groupURL, commentID)
	}
	return fmt.Sprintf("%s?reply=%s&w=wall-%s_%s", a.groupURL, commentID, a.groupID, postID)
}

// authorNames indexes users by id and communities by negated id, matching
// how from_id encodes them.
func authorNames(profiles []profile, groups []group) map[int64]string {
	m := make(map[int64]string, len(profiles)+len(groups))
	for _, g := range groups {
		if g.Name != "" {
			m[-g.ID] = g.Name
		}
	}
	for _, p := range profiles {
		if n := strings.TrimSpace(p.FirstName + " " + p.LastName); n != "" {
			m[p.ID] = n
		}
	}
	return m
}

func authorName(fromID int64, names map[int64]string) string {
	if n, ok := names[fromID]; ok {
		return n
	}
	if fromID != 0 {
		return "ID" + strconv.FormatInt(fromID, 10)
	}
	return "Unknown"
}

func (a *Adapter) call(ctx context.Context, method string, q url.Values, out any) error {
	q.Set("access_token", a.token)
	q.Set("v", APIVersion)

	var env envelope
	err := a.client.JSON(ctx, fetch.Request{
		URL:      a.baseURL + "/" + method,
		Query:    q,
		Classify: classifyAPIError,
	}, &env)
	if err != nil {
		return err
	}
	if len(env.Response) == 0 {
		return errors.New("empty response")
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}

// classifyAPIError turns VK's in-band error object (served with HTTP 200)
// into a fetch error. Flood control and internal errors are retried.
func classifyAPIError(r *fetch.Response) error {
	if r.Status < 200 || r.Status > 299 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(r.Body, &env); err != nil || env.Error == nil {
		return nil
	}
	msg := fmt.Sprintf("vk api error %d: %s", env.Error.Code, env.Error.Message)
	switch env.Error.Code {
	case codeTooManyRequests:
		return fetch.RateLimited(msg, 0)
	case codeInternal:
		return fetch.Transient(msg)
	default:
		return fetch.Fatal(msg)
	}
}
