package notify

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"commentwatch/internal/comment"
	"commentwatch/internal/eventbus"
	rtsup "commentwatch/internal/runtime/supervisor"
	kit "commentwatch/internal/transport"
	logx "commentwatch/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify dispatcher stopped")
)

const (
	kindComment = "comment"
	kindBatch   = "batch"
	kindError   = "error"
)

type job struct {
	kind   string
	source string
	to     kit.ChatTarget
	text   string
}

// Dispatcher is an async, single-worker delivery queue. It is safe for
// concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log     logx.Logger
	sender  kit.Sender
	bus     eventbus.Bus
	routes  Routes
	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	queued, sent, retried, failed, dropped atomic.Uint64
}

func New(cfg Config, sender kit.Sender, routes Routes, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		log:    log.With(logx.Component("notify")),
		sender: sender,
		bus:    bus,
		routes: routes,
		cfg:    cfg,
		// Burst 1 keeps a steady gap between consecutive messages.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// Start launches the worker. It is idempotent. The worker lives until Stop
// or until ctx is canceled, so pass a context that outlives polling if the
// queue should drain on shutdown.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queue != nil {
		d.mu.Unlock()
		return
	}
	d.queue = make(chan job, d.cfg.QueueSize)
	d.accepting = true
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log))
	sup, q := d.sup, d.queue
	d.mu.Unlock()

	sup.GoRestart("notify.worker", func(c context.Context) error {
		d.workerLoop(c, q)
		d.mu.Lock()
		stopping := d.stopDone != nil
		d.mu.Unlock()
		if stopping {
			return nil
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("notify worker exited unexpectedly")
	}, rtsup.DefaultRestartPolicy)
}

// Stop stops intake and drains the queue until ctx is done. Whatever is
// still queued at the deadline is abandoned.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	q, sup := d.queue, d.sup
	if q == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes.
		d.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		d.mu.Lock()
		d.queue = nil
		d.sup = nil
		d.stopDone = nil
		d.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		pending := len(q)
		d.log.Warn("notify drain deadline reached", logx.Int("pending", pending))
		d.dropped.Add(uint64(pending))
		sup.Cancel()
	}
}

// SendComments enqueues the new items of one source. More than
// BatchThreshold items are folded into one summary message.
func (d *Dispatcher) SendComments(source string, items []comment.Item) error {
	if len(items) == 0 {
		return nil
	}
	to := d.routes.For(source)
	if len(items) > d.cfg.BatchThreshold {
		return d.enqueue(job{kind: kindBatch, source: source, to: to, text: FormatBatch(source, items, d.cfg.BatchShow)})
	}
	var first error
	for _, it := range items {
		if err := d.SendComment(it, source); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (d *Dispatcher) SendComment(it comment.Item, source string) error {
	return d.enqueue(job{kind: kindComment, source: source, to: d.routes.For(source), text: FormatComment(it, d.cfg.Location)})
}

// SendError enqueues an operational alert to the error topic.
func (d *Dispatcher) SendError(msg, source string) error {
	return d.enqueue(job{kind: kindError, source: source, to: d.routes.ErrorTarget(), text: FormatError(msg, source, d.now())})
}

func (d *Dispatcher) enqueue(j job) error {
	d.mu.Lock()
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	q := d.queue
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	select {
	case q <- j:
		d.queued.Add(1)
		d.publish(eventbus.DeliveryQueued, j, 0, nil)
		return nil
	default:
		d.dropped.Add(1)
		d.log.Warn("notify queue full; message dropped", logx.Source(j.source), logx.String("kind", j.kind))
		return ErrQueueFull
	}
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	pending := 0
	if d.queue != nil {
		pending = len(d.queue)
	}
	d.mu.Unlock()
	return Stats{
		Queued:  d.queued.Load(),
		Sent:    d.sent.Load(),
		Retried: d.retried.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
		Pending: pending,
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			d.sendWithRetry(ctx, j)
		}
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, j job) {
	if d.sender == nil {
		return
	}
	opts := &kit.SendOptions{ParseMode: "HTML", DisablePreview: j.kind != kindComment}
	attempts := d.cfg.RetryMax

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		_, err := d.sender.SendText(callCtx, j.to, j.text, opts)
		cancel()
		if err == nil {
			d.sent.Add(1)
			d.publish(eventbus.DeliverySent, j, attempt+1, nil)
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		if attempt+1 >= attempts {
			break
		}
		delay := retryDelay(err, attempt)
		d.retried.Add(1)
		d.log.Warn("send failed; retrying",
			logx.Source(j.source),
			logx.String("kind", j.kind),
			logx.Int("attempt", attempt+1),
			logx.Int("max", attempts),
			logx.Duration("backoff", delay),
			logx.Err(err),
		)
		if err := d.sleep(ctx, delay); err != nil {
			return
		}
	}

	d.failed.Add(1)
	d.log.Error("send failed; dropping message",
		logx.Source(j.source),
		logx.String("kind", j.kind),
		logx.Int("attempts", attempts),
		logx.Err(lastErr),
	)
	d.publish(eventbus.DeliveryFailed, j, attempts, lastErr)
}

func (d *Dispatcher) publish(typ string, j job, attempts int, err error) {
	now := d.now()
	ev := DeliveryEvent{Kind: j.kind, Source: j.source, ChatID: j.to.ChatID, ThreadID: j.to.ThreadID, Attempts: attempts, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// retryDelay is the pause before attempt+2 (attempt is zero-based): 2s steps
// after a timeout, 1.5s steps otherwise. A server flood hint wins.
func retryDelay(err error, attempt int) time.Duration {
	if ra, ok := kit.RetryAfter(err); ok && ra > 0 {
		return ra
	}
	step := 1500 * time.Millisecond
	if isTimeout(err) {
		step = 2 * time.Second
	}
	return time.Duration(attempt+1) * step
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
