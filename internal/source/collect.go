package source

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"commentwatch/internal/comment"
	"commentwatch/internal/fetch"
	logx "commentwatch/pkg/logx"
)

// FetchFunc fetches the comments of one container (a video, a post).
type FetchFunc func(ctx context.Context, container string) ([]comment.Item, error)

// Collect runs fetchOne for each container using at most workers goroutines,
// then returns the union of successful results sorted newest-first and
// truncated to limit. Blank bodies are dropped.
//
// A failed container is logged and skipped. A quota-exceeded error from any
// container aborts the call and is returned as-is.
func Collect(ctx context.Context, log logx.Logger, containers []string, workers, limit int, fetchOne FetchFunc) ([]comment.Item, error) {
	if len(containers) == 0 {
		return []comment.Item{}, nil
	}
	if workers <= 0 {
		workers = 1
	}
	workers = min(workers, len(containers))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		container string
		items     []comment.Item
		err       error
	}

	jobs := make(chan string)
	results := make(chan result, len(containers))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				items, err := safeFetch(ctx, c, fetchOne)
				results <- result{container: c, items: items, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, c := range containers {
			select {
			case jobs <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		out      []comment.Item
		quotaErr error
	)
	for r := range results {
		if r.err != nil {
			if fetch.IsQuotaExceeded(r.err) {
				if quotaErr == nil {
					quotaErr = r.err
					cancel()
				}
				continue
			}
			if ctx.Err() == nil {
				log.Warn("container fetch failed", logx.String("container", r.container), logx.Err(r.err))
			}
			continue
		}
		for _, it := range r.items {
			if comment.IsBlank(it.Text) {
				continue
			}
			out = append(out, it)
		}
	}
	if quotaErr != nil {
		return nil, quotaErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	comment.SortNewestFirst(out)
	out = comment.Newest(out, limit)
	if out == nil {
		out = []comment.Item{}
	}
	return out, nil
}

func safeFetch(ctx context.Context, container string, fn FetchFunc) (items []comment.Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic fetching %s: %v\n%s", container, r, debug.Stack())
		}
	}()
	return fn(ctx, container)
}
