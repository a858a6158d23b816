package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"commentwatch/internal/comment"
	"commentwatch/internal/eventbus"
	kit "commentwatch/internal/transport"
	logx "commentwatch/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	calls int
	fail  func(call int) error
	out   []sent
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		if err := f.fail(f.calls); err != nil {
			return kit.MessageRef{}, err
		}
	}
	f.out = append(f.out, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: f.calls}, nil
}

func (f *fakeSender) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.out...)
}

type floodErr struct{ after time.Duration }

func (e floodErr) Error() string             { return "flood" }
func (e floodErr) RetryAfter() time.Duration { return e.after }

// newTestDispatcher records retry pauses instead of sleeping.
func newTestDispatcher(t *testing.T, s kit.Sender, bus eventbus.Bus) (*Dispatcher, *[]time.Duration) {
	t.Helper()
	d := New(Config{RatePerSec: 1000, Location: time.UTC}, s, DefaultRoutes(-100), logx.Nop(), bus)
	var mu sync.Mutex
	delays := &[]time.Duration{}
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		mu.Lock()
		*delays = append(*delays, dur)
		mu.Unlock()
		return ctx.Err()
	}
	d.Start(context.Background())
	return d, delays
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Stop(ctx)
	if ctx.Err() != nil {
		t.Fatalf("dispatcher did not drain before the deadline")
	}
}

func items(n int) []comment.Item {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	out := make([]comment.Item, n)
	for i := range out {
		out[i] = comment.New(fmt.Sprintf("user%d", i), fmt.Sprintf("text %d", i), "VK", base.Add(-time.Duration(i)*time.Minute), fmt.Sprintf("https://vk.com/club1?reply=%d", i))
	}
	return out
}

func TestSmallBatchIsSentOneByOne(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d, _ := newTestDispatcher(t, s, nil)
	if err := d.SendComments("VK", items(3)); err != nil {
		t.Fatalf("SendComments: %v", err)
	}
	drain(t, d)

	got := s.messages()
	if len(got) != 3 {
		t.Fatalf("messages = %d, want 3", len(got))
	}
	for i, m := range got {
		if !strings.Contains(m.text, fmt.Sprintf("<b>user%d</b>", i)) {
			t.Fatalf("message %d out of order: %q", i, m.text)
		}
		if m.to.ThreadID != 4 || m.to.ChatID != -100 {
			t.Fatalf("message %d routed to %+v", i, m.to)
		}
	}
}

func TestLargeBatchBecomesOneSummary(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d, _ := newTestDispatcher(t, s, nil)
	if err := d.SendComments("Reddit (r/golang)", items(25)); err != nil {
		t.Fatalf("SendComments: %v", err)
	}
	drain(t, d)

	got := s.messages()
	if len(got) != 1 {
		t.Fatalf("messages = %d, want one summary", len(got))
	}
	text := got[0].text
	if !strings.HasPrefix(text, "💬 <b>25 new comments from Reddit (r/golang)</b>") {
		t.Fatalf("summary header = %q", text)
	}
	if !strings.Contains(text, "10. <b>user9</b>") || strings.Contains(text, "user10") {
		t.Fatalf("summary should list exactly ten items: %q", text)
	}
	if !strings.HasSuffix(text, "... and 15 more") {
		t.Fatalf("summary tail = %q", text)
	}
	if got[0].to.ThreadID != 6 {
		t.Fatalf("reddit summary routed to topic %d", got[0].to.ThreadID)
	}
}

func TestRetryThenDrop(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.DeliveryFailed)
	defer unsub()

	s := &fakeSender{fail: func(int) error { return errors.New("bad gateway") }}
	d, delays := newTestDispatcher(t, s, bus)
	if err := d.SendError("boom", "YouTube"); err != nil {
		t.Fatalf("SendError: %v", err)
	}
	drain(t, d)

	if s.calls != 3 {
		t.Fatalf("attempts = %d, want 3", s.calls)
	}
	if len(*delays) != 2 || (*delays)[0] != 1500*time.Millisecond || (*delays)[1] != 3*time.Second {
		t.Fatalf("delays = %v, want [1.5s 3s]", *delays)
	}
	st := d.Stats()
	if st.Failed != 1 || st.Sent != 0 || st.Retried != 2 {
		t.Fatalf("stats = %+v", st)
	}
	select {
	case ev := <-events:
		de, ok := ev.Data.(DeliveryEvent)
		if !ok || de.Kind != kindError || de.Attempts != 3 || de.Error != "bad gateway" {
			t.Fatalf("failed event = %+v", ev.Data)
		}
	default:
		t.Fatalf("no delivery failure event published")
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err     error
		attempt int
		want    time.Duration
	}{
		{errors.New("x"), 0, 1500 * time.Millisecond},
		{errors.New("x"), 1, 3 * time.Second},
		{context.DeadlineExceeded, 0, 2 * time.Second},
		{fmt.Errorf("send: %w", context.DeadlineExceeded), 1, 4 * time.Second},
		{floodErr{after: 17 * time.Second}, 0, 17 * time.Second},
	}
	for _, tc := range cases {
		if got := retryDelay(tc.err, tc.attempt); got != tc.want {
			t.Fatalf("retryDelay(%v, %d) = %v, want %v", tc.err, tc.attempt, got, tc.want)
		}
	}
}

func TestTransientFailureRecovers(t *testing.T) {
	t.Parallel()
	s := &fakeSender{fail: func(call int) error {
		if call == 1 {
			return floodErr{after: 3 * time.Second}
		}
		return nil
	}}
	d, delays := newTestDispatcher(t, s, nil)
	_ = d.SendComment(items(1)[0], "YouTube")
	drain(t, d)

	if len(s.messages()) != 1 {
		t.Fatalf("messages = %d, want 1", len(s.messages()))
	}
	if len(*delays) != 1 || (*delays)[0] != 3*time.Second {
		t.Fatalf("delays = %v, want the flood hint", *delays)
	}
	if st := d.Stats(); st.Sent != 1 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestErrorsGoToErrorTopic(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d, _ := newTestDispatcher(t, s, nil)
	_ = d.SendError("quota exceeded", "YouTube")
	drain(t, d)

	got := s.messages()
	if len(got) != 1 || got[0].to.ThreadID != 1 {
		t.Fatalf("error delivery = %+v", got)
	}
	if !strings.Contains(got[0].text, "🔍 <b>Parser:</b> YouTube") {
		t.Fatalf("error text = %q", got[0].text)
	}
}

func TestSendAfterStopIsRejected(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, &fakeSender{}, nil)
	drain(t, d)
	if err := d.SendComment(items(1)[0], "VK"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	d := New(Config{QueueSize: 1}, &fakeSender{}, DefaultRoutes(1), logx.Nop(), nil)
	// Intake without a worker so the queue cannot drain.
	d.queue = make(chan job, 1)
	d.accepting = true

	if err := d.SendError("a", ""); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := d.SendError("b", ""); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second enqueue err = %v, want ErrQueueFull", err)
	}
	if st := d.Stats(); st.Dropped != 1 || st.Pending != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRoutesByPrefix(t *testing.T) {
	t.Parallel()
	r := Routes{ChatID: 7, YouTube: 2, VK: 4, Reddit: 6, Errors: 1}
	cases := map[string]int{
		"YouTube":       2,
		"VK":            4,
		"Reddit (r/go)": 6,
		"reddit (r/x)":  6,
		"Mastodon":      0,
	}
	for src, want := range cases {
		if got := r.For(src); got.ThreadID != want || got.ChatID != 7 {
			t.Fatalf("For(%q) = %+v, want topic %d", src, got, want)
		}
	}
	if got := r.ErrorTarget(); got.ThreadID != 1 {
		t.Fatalf("ErrorTarget = %+v", got)
	}
}
