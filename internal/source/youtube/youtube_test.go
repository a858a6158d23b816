package youtube

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"commentwatch/internal/comment"
	"commentwatch/internal/fetch"
)

const threadsJSON = `{"items":[{
  "id":"c1",
  "snippet":{"topLevelComment":{"id":"c1","snippet":{
    "authorDisplayName":"Alice","textDisplay":"first!","publishedAt":"2024-03-01T10:00:00Z"}}},
  "replies":{"comments":[{"id":"c1.r1","snippet":{
    "authorDisplayName":"Bob","textDisplay":"welcome","publishedAt":"2024-03-01T10:05:00Z"}}]}
}]}`

func newServer(t *testing.T, threadCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "k" && !strings.HasPrefix(r.URL.Path, "/feeds") {
			t.Errorf("request %s is missing the api key", r.URL)
		}
		switch r.URL.Path {
		case "/channels":
			if r.URL.Query().Get("forUsername") == "legacy" {
				fmt.Fprint(w, `{"items":[{"id":"UCresolved"}]}`)
				return
			}
			fmt.Fprint(w, `{"items":[{"contentDetails":{"relatedPlaylists":{"uploads":"UUxyz"}}}]}`)
		case "/playlistItems":
			if r.URL.Query().Get("playlistId") != "UUxyz" {
				t.Errorf("playlistId = %q", r.URL.Query().Get("playlistId"))
			}
			fmt.Fprint(w, `{"items":[{"contentDetails":{"videoId":"vid1"}}]}`)
		case "/commentThreads":
			threadCalls.Add(1)
			q := r.URL.Query()
			if q.Get("part") != "snippet,replies" || q.Get("order") != "time" || q.Get("maxResults") != "30" {
				t.Errorf("unexpected commentThreads query %v", q)
			}
			fmt.Fprint(w, threadsJSON)
		case "/feeds/videos.xml":
			w.Header().Set("Content-Type", "application/atom+xml")
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">
 <title>chan</title>
 <entry><id>yt:video:vid1</id><yt:videoId>vid1</yt:videoId><title>v</title><published>2024-03-01T09:00:00+00:00</published></entry>
</feed>`)
		default:
			http.NotFound(w, r)
		}
	}))
}

func newAdapter(srv *httptest.Server, cfg Config) *Adapter {
	return New(cfg,
		WithBaseURL(srv.URL),
		WithFeedURL(srv.URL+"/feeds/videos.xml"),
		WithClient(fetch.New(fetch.WithHTTPClient(srv.Client()))),
	)
}

func TestCommentsFlattenRepliesNewestFirst(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := newServer(t, &calls)
	defer srv.Close()

	a := newAdapter(srv, Config{APIKey: "k", ChannelID: "UCabc"})
	items, err := a.Comments(context.Background(), 600)
	if err != nil {
		t.Fatalf("Comments error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	reply, top := items[0], items[1]
	if reply.Author != "Bob" || reply.Text != comment.ReplyPrefix+"welcome" {
		t.Fatalf("reply = %+v", reply)
	}
	if top.Author != "Alice" || top.Source != Name {
		t.Fatalf("top = %+v", top)
	}
	wantTS := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !top.Timestamp.Equal(wantTS) {
		t.Fatalf("timestamp = %v", top.Timestamp)
	}
	wantURL := fmt.Sprintf("https://www.youtube.com/watch?v=vid1&lc=c1&t=%ds", wantTS.Unix())
	if top.URL != wantURL {
		t.Fatalf("url = %q, want %q", top.URL, wantURL)
	}
}

func TestUsernameResolutionIsCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := newServer(t, &calls)
	defer srv.Close()

	a := newAdapter(srv, Config{APIKey: "k", ChannelID: "legacy"})
	for i := 0; i < 2; i++ {
		if _, err := a.Comments(context.Background(), 600); err != nil {
			t.Fatalf("Comments error: %v", err)
		}
	}
	if a.channelID != "UCresolved" || a.uploads != "UUxyz" {
		t.Fatalf("cache = %q / %q", a.channelID, a.uploads)
	}
}

func TestFeedListingSkipsPlaylistEndpoint(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := newServer(t, &calls)
	defer srv.Close()

	a := newAdapter(srv, Config{APIKey: "k", ChannelID: "UCabc", UseFeed: true})
	items, err := a.Comments(context.Background(), 600)
	if err != nil {
		t.Fatalf("Comments error: %v", err)
	}
	if len(items) != 2 || calls.Load() != 1 {
		t.Fatalf("items=%d threadCalls=%d", len(items), calls.Load())
	}
	if a.uploads != "" {
		t.Fatal("feed mode should not look up the uploads playlist")
	}
}

func TestQuotaExceededPropagates(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"errors":[{"reason":"quotaExceeded"}]}}`)
	}))
	defer srv.Close()

	a := newAdapter(srv, Config{APIKey: "k", ChannelID: "UCabc"})
	_, err := a.Comments(context.Background(), 600)
	if !fetch.IsQuotaExceeded(err) {
		t.Fatalf("err = %v, want quota exceeded", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, quota must not be retried", hits.Load())
	}
}

func TestOtherForbiddenIsFatal(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"errors":[{"reason":"forbidden"}]}}`)
	}))
	defer srv.Close()

	a := newAdapter(srv, Config{APIKey: "k", ChannelID: "UCabc"})
	_, err := a.Comments(context.Background(), 600)
	if fetch.KindOf(err) != fetch.KindFatal {
		t.Fatalf("kind = %v, want fatal", fetch.KindOf(err))
	}
}

func TestConfigured(t *testing.T) {
	t.Parallel()
	if New(Config{APIKey: "k"}).Configured() {
		t.Fatal("adapter without channel should not be configured")
	}
	if !New(Config{APIKey: "k", ChannelID: "UC1"}).Configured() {
		t.Fatal("adapter with key and channel should be configured")
	}
}
