package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"commentwatch/internal/comment"
	"commentwatch/internal/fetch"
	logx "commentwatch/pkg/logx"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func item(author string, sec int) comment.Item {
	return comment.New(author, "text "+author, "Test", base.Add(time.Duration(sec)*time.Second), "u/"+author)
}

func TestCollectMergesSortsAndTruncates(t *testing.T) {
	t.Parallel()
	data := map[string][]comment.Item{
		"v1": {item("a", 1), item("b", 5)},
		"v2": {item("c", 3), item("d", 9)},
	}
	got, err := Collect(context.Background(), logx.Nop(), []string{"v1", "v2"}, 4, 3,
		func(ctx context.Context, c string) ([]comment.Item, error) { return data[c], nil })
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	want := []string{"d", "b", "c"}
	for i, w := range want {
		if got[i].Author != w {
			t.Fatalf("got[%d] = %s, want %s", i, got[i].Author, w)
		}
	}
}

func TestCollectIsolatesContainerFailures(t *testing.T) {
	t.Parallel()
	got, err := Collect(context.Background(), logx.Nop(), []string{"bad", "good"}, 2, 10,
		func(ctx context.Context, c string) ([]comment.Item, error) {
			if c == "bad" {
				return nil, errors.New("boom")
			}
			return []comment.Item{item("ok", 1)}, nil
		})
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if len(got) != 1 || got[0].Author != "ok" {
		t.Fatalf("got = %+v", got)
	}
}

func TestCollectRecoversPanics(t *testing.T) {
	t.Parallel()
	got, err := Collect(context.Background(), logx.Nop(), []string{"p", "q"}, 1, 10,
		func(ctx context.Context, c string) ([]comment.Item, error) {
			if c == "p" {
				panic("bad payload")
			}
			return []comment.Item{item("q", 1)}, nil
		})
	if err != nil || len(got) != 1 {
		t.Fatalf("got=%v err=%v", got, err)
	}
}

func TestCollectPropagatesQuota(t *testing.T) {
	t.Parallel()
	_, err := Collect(context.Background(), logx.Nop(), []string{"a", "b", "c"}, 3, 10,
		func(ctx context.Context, c string) ([]comment.Item, error) {
			if c == "b" {
				return nil, fetch.QuotaExceeded("daily quota")
			}
			return []comment.Item{item(c, 1)}, nil
		})
	if !fetch.IsQuotaExceeded(err) {
		t.Fatalf("err = %v, want quota exceeded", err)
	}
}

func TestCollectDropsBlankBodies(t *testing.T) {
	t.Parallel()
	blank := comment.New("x", "[deleted]", "Test", base, "u/x")
	got, err := Collect(context.Background(), logx.Nop(), []string{"v"}, 1, 10,
		func(ctx context.Context, c string) ([]comment.Item, error) {
			return []comment.Item{blank, item("y", 2)}, nil
		})
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if len(got) != 1 || got[0].Author != "y" {
		t.Fatalf("got = %+v", got)
	}
}

func TestCollectEmptyContainers(t *testing.T) {
	t.Parallel()
	got, err := Collect(context.Background(), logx.Nop(), nil, 4, 10, nil)
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("got=%v err=%v", got, err)
	}
}
