package reddit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"commentwatch/internal/comment"
	"commentwatch/internal/fetch"
	logx "commentwatch/pkg/logx"
)

const commentsJSON = `[
 {"kind":"Listing","data":{"children":[{"kind":"t3","data":{"id":"p1"}}]}},
 {"kind":"Listing","data":{"children":[
   {"kind":"t1","data":{"id":"c1","author":"[deleted]","body":"still here","created_utc":1709287200.0,"link_id":"t3_p1",
     "replies":{"kind":"Listing","data":{"children":[
       {"kind":"t1","data":{"id":"c2","author":"bob","body":"reply","created_utc":1709287300.0,"link_id":"t3_p1","replies":""}},
       {"kind":"more","data":{"count":4}}
     ]}}}},
   {"kind":"t1","data":{"id":"c3","author":"carol","body":"[removed]","created_utc":1709287400.0,"link_id":"t3_p1","replies":""}}
 ]}}
]`

var creds = Credentials{ClientID: "id", ClientSecret: "secret", UserAgent: "commentwatch-test/1.0"}

func newServer(t *testing.T, tokens *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != creds.UserAgent {
			t.Errorf("User-Agent = %q", ua)
		}
		switch r.URL.Path {
		case "/api/v1/access_token":
			user, pass, ok := r.BasicAuth()
			if !ok || user != "id" || pass != "secret" {
				t.Errorf("token request should use basic auth, got %q/%q", user, pass)
			}
			if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
				t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
			}
			n := tokens.Add(1)
			fmt.Fprintf(w, `{"access_token":"tok%d","token_type":"bearer","expires_in":86400}`, n)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/r/golang/new", "/r/rust/new":
			if r.URL.Query().Get("limit") != "20" {
				t.Errorf("limit = %q", r.URL.Query().Get("limit"))
			}
			fmt.Fprint(w, `{"kind":"Listing","data":{"children":[{"kind":"t3","data":{"id":"p1"}}]}}`)
		case "/r/golang/comments/p1", "/r/rust/comments/p1":
			if r.URL.Query().Get("sort") != "new" {
				t.Errorf("sort = %q", r.URL.Query().Get("sort"))
			}
			fmt.Fprint(w, commentsJSON)
		default:
			http.NotFound(w, r)
		}
	}))
}

func newAdapters(srv *httptest.Server, subs ...string) []*Adapter {
	client := fetch.New(fetch.WithHTTPClient(srv.Client()), fetch.WithBackoff(fetch.NoBackoff))
	token := NewToken(creds, client, srv.URL+"/api/v1/access_token")
	out := make([]*Adapter, 0, len(subs))
	for _, s := range subs {
		out = append(out, New(creds, s,
			WithBaseURL(srv.URL), WithClient(client), WithToken(token), WithJitter(0)))
	}
	return out
}

func TestCommentsParsesListingAndReplies(t *testing.T) {
	t.Parallel()
	var tokens atomic.Int32
	srv := newServer(t, &tokens)
	defer srv.Close()

	a := newAdapters(srv, "golang")[0]
	if a.Name() != "Reddit (r/golang)" {
		t.Fatalf("name = %q", a.Name())
	}
	items, err := a.Comments(context.Background(), 400)
	if err != nil {
		t.Fatalf("Comments error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2 (removed body dropped): %+v", len(items), items)
	}
	reply, top := items[0], items[1]
	if reply.Author != "bob" || reply.Text != comment.ReplyPrefix+"reply" {
		t.Fatalf("reply = %+v", reply)
	}
	if top.Author != deletedAuthor {
		t.Fatalf("author = %q, want %q", top.Author, deletedAuthor)
	}
	if top.URL != "https://reddit.com/r/golang/comments/p1/_/c1/" {
		t.Fatalf("url = %q", top.URL)
	}
	if !top.Timestamp.Equal(time.Unix(1709287200, 0)) {
		t.Fatalf("timestamp = %v", top.Timestamp)
	}
}

func TestTokenIsSharedAcrossSubreddits(t *testing.T) {
	t.Parallel()
	var tokens atomic.Int32
	srv := newServer(t, &tokens)
	defer srv.Close()

	for _, a := range newAdapters(srv, "golang", "rust") {
		if _, err := a.Comments(context.Background(), 400); err != nil {
			t.Fatalf("%s: %v", a.Name(), err)
		}
	}
	if tokens.Load() != 1 {
		t.Fatalf("token requests = %d, want 1", tokens.Load())
	}
}

func TestListingFailureFailsTheCall(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/access_token" {
			fmt.Fprint(w, `{"access_token":"t","expires_in":3600}`)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := newAdapters(srv, "private")[0]
	if _, err := a.Comments(context.Background(), 400); fetch.KindOf(err) != fetch.KindFatal {
		t.Fatalf("err = %v, want fatal", err)
	}
}

func TestConfigured(t *testing.T) {
	t.Parallel()
	if New(Credentials{ClientID: "id"}, "golang", WithLogger(logx.Nop())).Configured() {
		t.Fatal("incomplete credentials should not be configured")
	}
	if !New(creds, "r/golang").Configured() {
		t.Fatal("complete credentials should be configured")
	}
	if got := New(creds, "r/golang").Subreddit(); got != "golang" {
		t.Fatalf("subreddit = %q", got)
	}
}

func TestNewAllSkipsBlankNames(t *testing.T) {
	t.Parallel()
	got := NewAll(creds, []string{"", "golang", " "}, logx.Nop())
	if len(got) != 1 || got[0].Name() != "Reddit (r/golang)" {
		t.Fatalf("adapters = %d", len(got))
	}
	if !got[0].ownClient {
		t.Fatal("the first adapter should own the shared client")
	}
}
