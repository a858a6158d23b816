// Package youtube reads the newest comments under a channel's recent uploads
// through the YouTube Data API v3.
package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"commentwatch/internal/comment"
	"commentwatch/internal/fetch"
	"commentwatch/internal/source"
	logx "commentwatch/pkg/logx"
)

const (
	Name = "YouTube"

	defaultBaseURL = "https://www.googleapis.com/youtube/v3"
	defaultFeedURL = "https://www.youtube.com/feeds/videos.xml"
	watchURL       = "https://www.youtube.com/watch"

	videosPerCycle   = 20
	commentsPerVideo = 30
	defaultWorkers   = 8
)

// QuotaMessage is the alert text sent when the daily API quota runs out.
const QuotaMessage = "YouTube API daily quota (10,000 units) exhausted. " +
	"The quota resets within 24 hours; the source is skipped until then."

type Config struct {
	APIKey    string
	ChannelID string
	// UseFeed lists videos from the public Atom feed instead of the
	// playlistItems endpoint.
	UseFeed bool
}

type Option func(*Adapter)

// WithBaseURL overrides the Data API root (tests).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// WithFeedURL overrides the Atom feed endpoint (tests).
func WithFeedURL(u string) Option {
	return func(a *Adapter) { a.feedURL = u }
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

// Adapter implements source.Adapter for one channel.
type Adapter struct {
	cfg     Config
	client  *fetch.Client
	feed    *gofeed.Parser
	log     logx.Logger
	baseURL string
	feedURL string
	workers int

	mu        sync.Mutex
	channelID string // resolved UC... id
	uploads   string // cached uploads playlist id
}

var _ source.Adapter = (*Adapter)(nil)

func New(cfg Config, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:     cfg,
		feed:    gofeed.NewParser(),
		log:     logx.Nop(),
		baseURL: defaultBaseURL,
		feedURL: defaultFeedURL,
		workers: defaultWorkers,
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

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Configured() bool {
	return strings.TrimSpace(a.cfg.APIKey) != "" && strings.TrimSpace(a.cfg.ChannelID) != ""
}

func (a *Adapter) Close() error { return a.client.Close() }

func (a *Adapter) Comments(ctx context.Context, limit int) ([]comment.Item, error) {
	if !a.Configured() {
		return nil, errors.New("youtube: api key or channel id missing")
	}
	start := time.Now()
	videos, err := a.videoIDs(ctx)
	if err != nil {
		return nil, err
	}
	listed := time.Since(start)

	items, err := source.Collect(ctx, a.log, videos, a.workers, limit, a.videoComments)
	if err != nil {
		return nil, err
	}
	a.log.Debug("fetched comments",
		logx.Int("videos", len(videos)),
		logx.Int("items", len(items)),
		logx.Duration("list_took", listed),
		logx.Duration("took", time.Since(start)),
	)
	return items, nil
}

func (a *Adapter) videoIDs(ctx context.Context) ([]string, error) {
	if a.cfg.UseFeed {
		return a.feedVideoIDs(ctx)
	}
	playlist, err := a.uploadsPlaylist(ctx)
	if err != nil {
		return nil, err
	}
	var resp playlistItemsResponse
	err = a.client.JSON(ctx, a.apiRequest("/playlistItems", url.Values{
		"part":       {"contentDetails"},
		"playlistId": {playlist},
		"maxResults": {strconv.Itoa(videosPerCycle)},
	}), &resp)
	if err != nil {
		return nil, fmt.Errorf("youtube: list uploads: %w", err)
	}
	ids := make([]string, 0, len(resp.Items))
	for _, it := range resp.Items {
		if id := it.ContentDetails.VideoID; id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// feedVideoIDs lists recent uploads from the public Atom feed, which costs
// no API quota.
func (a *Adapter) feedVideoIDs(ctx context.Context) ([]string, error) {
	channel, err := a.resolveChannel(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(ctx, fetch.Request{
		URL:    a.feedURL,
		Query:  url.Values{"channel_id": {channel}},
		Header: http.Header{"Accept": {"application/atom+xml, application/xml"}},
	})
	if err != nil {
		return nil, fmt.Errorf("youtube: fetch feed: %w", err)
	}
	feed, err := a.feed.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("youtube: parse feed: %w", err)
	}
	ids := make([]string, 0, len(feed.Items))
	for _, it := range feed.Items {
		if id := feedVideoID(it); id != "" {
			ids = append(ids, id)
		}
		if len(ids) == videosPerCycle {
			break
		}
	}
	return ids, nil
}

func feedVideoID(it *gofeed.Item) string {
	if yt, ok := it.Extensions["yt"]; ok {
		if v := yt["videoId"]; len(v) > 0 && v[0].Value != "" {
			return v[0].Value
		}
	}
	if id, ok := strings.CutPrefix(it.GUID, "yt:video:"); ok {
		return id
	}
	return ""
}

// resolveChannel returns the canonical UC... channel id, looking up a legacy
// username once. Only a successful lookup is cached.
func (a *Adapter) resolveChannel(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channelID != "" {
		return a.channelID, nil
	}
	id := strings.TrimSpace(a.cfg.ChannelID)
	if strings.HasPrefix(id, "UC") {
		a.channelID = id
		return id, nil
	}

	var resp channelsResponse
	err := a.client.JSON(ctx, a.apiRequest("/channels", url.Values{
		"part":        {"id"},
		"forUsername": {id},
	}), &resp)
	if err != nil {
		return "", fmt.Errorf("youtube: resolve username %q: %w", id, err)
	}
	if len(resp.Items) == 0 || resp.Items[0].ID == "" {
		return "", fmt.Errorf("youtube: no channel for username %q", id)
	}
	a.channelID = resp.Items[0].ID
	a.log.Info("resolved channel", logx.String("username", id), logx.String("channel_id", a.channelID))
	return a.channelID, nil
}

func (a *Adapter) uploadsPlaylist(ctx context.Context) (string, error) {
	channel, err := a.resolveChannel(ctx)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.uploads != "" {
		return a.uploads, nil
	}
	var resp channelsResponse
	err = a.client.JSON(ctx, a.apiRequest("/channels", url.Values{
		"part": {"contentDetails"},
		"id":   {channel},
	}), &resp)
	if err != nil {
		return "", fmt.Errorf("youtube: uploads playlist: %w", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].ContentDetails.RelatedPlaylists.Uploads == "" {
		return "", fmt.Errorf("youtube: channel %s has no uploads playlist", channel)
	}
	a.uploads = resp.Items[0].ContentDetails.RelatedPlaylists.Uploads
	return a.uploads, nil
}

func (a *Adapter) videoComments(ctx context.Context, videoID string) ([]comment.Item, error) {
	var resp commentThreadsResponse
	err := a.client.JSON(ctx, a.apiRequest("/commentThreads", url.Values{
		"part":       {"snippet,replies"},
		"videoId":    {videoID},
		"maxResults": {strconv.Itoa(commentsPerVideo)},
		"order":      {"time"},
	}), &resp)
	if err != nil {
		return nil, fmt.Errorf("video %s: %w", videoID, err)
	}

	out := make([]comment.Item, 0, len(resp.Items))
	for _, th := range resp.Items {
		top := th.Snippet.TopLevelComment
		id := th.ID
		if id == "" {
			id = top.ID
		}
		out = append(out, a.item(videoID, id, top.Snippet))
		for _, r := range th.Replies.Comments {
			out = append(out, a.item(videoID, r.ID, r.Snippet).AsReply())
		}
	}
	return out, nil
}

func (a *Adapter) item(videoID, commentID string, s commentSnippet) comment.Item {
	ts, err := time.Parse(time.RFC3339, s.PublishedAt)
	if err != nil {
		ts = time.Time{}
	}
	return comment.New(s.AuthorDisplayName, s.TextDisplay, Name, ts, CommentURL(videoID, commentID, ts))
}

// CommentURL links to a comment under its video. The t parameter carries the
// comment's unix time.
func CommentURL(videoID, commentID string, ts time.Time) string {
	return fmt.Sprintf("%s?v=%s&lc=%s&t=%ds", watchURL, videoID, commentID, ts.Unix())
}

func (a *Adapter) apiRequest(path string, q url.Values) fetch.Request {
	q.Set("key", a.cfg.APIKey)
	return fetch.Request{
		URL:      a.baseURL + path,
		Query:    q,
		Classify: classifyQuota,
	}
}

// classifyQuota maps a 403 whose first error reason is quotaExceeded to the
// non-retryable quota error.
func classifyQuota(r *fetch.Response) error {
	if r.Status != http.StatusForbidden {
		return nil
	}
	var body apiError
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return nil
	}
	if len(body.Error.Errors) > 0 && body.Error.Errors[0].Reason == "quotaExceeded" {
		return fetch.QuotaExceeded(QuotaMessage)
	}
	return nil
}
