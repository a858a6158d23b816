// Package poller runs the polling cycle: fetch every source concurrently,
// keep only comments that are new since process start, forward them, and
// persist the latest batch of each source once per cycle.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"commentwatch/internal/comment"
	"commentwatch/internal/dedup"
	"commentwatch/internal/eventbus"
	"commentwatch/internal/fetch"
	"commentwatch/internal/source"
	"commentwatch/internal/state"
	logx "commentwatch/pkg/logx"
)

const (
	DefaultMaxPerCycle = 10
	DefaultStateCap    = 100
	DefaultStatsEvery  = 10

	saveTimeout = 30 * time.Second
)

// Sink receives what a cycle found. Both calls must return quickly; delivery
// failures are the sink's problem.
type Sink interface {
	SendComments(source string, items []comment.Item) error
	SendError(msg, source string) error
}

type Config struct {
	Schedule     Schedule
	MaxPerCycle  int
	StateCap     int
	StatsEvery   int
	CycleTimeout time.Duration // 0 means a cycle is bounded only by fetch timeouts
}

func (c Config) withDefaults() Config {
	if c.Schedule == nil {
		c.Schedule = Every(DefaultInterval)
	}
	if c.MaxPerCycle <= 0 {
		c.MaxPerCycle = DefaultMaxPerCycle
	}
	if c.StateCap <= 0 {
		c.StateCap = DefaultStateCap
	}
	if c.StatsEvery <= 0 {
		c.StatsEvery = DefaultStatsEvery
	}
	return c
}

// Outcome classifies one source's fetch in a cycle.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeQuota
	OutcomeError
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeQuota:
		return "quota_exceeded"
	case OutcomeError:
		return "error"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// SourceReport is what happened to one source in one cycle.
type SourceReport struct {
	Source   string        `json:"source"`
	Outcome  string        `json:"outcome"`
	Found    int           `json:"found"`
	New      int           `json:"new"`
	Emitted  int           `json:"emitted"`
	Cold     bool          `json:"cold,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// CycleReport is the Data of the cycle.finished event.
type CycleReport struct {
	ID       string         `json:"id"`
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
	Sources  []SourceReport `json:"sources"`
	Saved    bool           `json:"saved"`
}

type result struct {
	outcome  Outcome
	items    []comment.Item
	err      error
	duration time.Duration
}

// Poller owns the per-source state and the run statistics. Cycle and Run
// must be called from one goroutine; Stats and Sources are safe from any.
type Poller struct {
	cfg      Config
	adapters []source.Adapter
	store    state.Store
	sink     Sink
	log      logx.Logger
	bus      eventbus.Bus

	epoch  time.Time
	now    func() time.Time
	loaded bool // state read, or known to be absent or unusable

	// Written only between cycles by the polling goroutine.
	sources map[string][]comment.Item

	smu   sync.Mutex
	stats Stats
}

// New captures the process epoch. Adapters that are not configured are
// dropped here and never polled.
func New(cfg Config, adapters []source.Adapter, store state.Store, sink Sink, log logx.Logger, bus eventbus.Bus) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if store == nil {
		store = state.NewMemory()
	}
	if sink == nil {
		sink = nopSink{}
	}
	log = log.With(logx.Component("poller"))

	p := &Poller{
		cfg:     cfg.withDefaults(),
		store:   store,
		sink:    sink,
		log:     log,
		bus:     bus,
		now:     time.Now,
		sources: map[string][]comment.Item{},
	}
	p.epoch = p.now().UTC()
	p.stats = Stats{Epoch: p.epoch, Sources: map[string]SourceStats{}}

	for _, a := range adapters {
		if a == nil {
			continue
		}
		if !a.Configured() {
			log.Warn("source not configured; skipping", logx.Source(a.Name()))
			_ = a.Close()
			continue
		}
		p.adapters = append(p.adapters, a)
		p.stats.Sources[a.Name()] = SourceStats{}
	}
	return p
}

// Epoch is the instant before which no comment is ever forwarded.
func (p *Poller) Epoch() time.Time { return p.epoch }

// Sources lists the labels of the polled adapters.
func (p *Poller) Sources() []string {
	out := make([]string, 0, len(p.adapters))
	for _, a := range p.adapters {
		out = append(out, a.Name())
	}
	return out
}

// Stats returns a copy of the run statistics.
func (p *Poller) Stats() Stats {
	p.smu.Lock()
	defer p.smu.Unlock()
	return p.stats.clone()
}

// Load reads the persisted snapshot once. A missing or corrupt snapshot is
// logged and polling starts cold; only the per-source batches are used.
func (p *Poller) Load(ctx context.Context) error {
	if p.loaded {
		return nil
	}

	snap, ok, err := p.store.Load(ctx)
	switch {
	case errors.Is(err, state.ErrCorrupt):
		p.log.Error("state unusable; starting cold", logx.Err(err))
		p.loaded = true
		return nil
	case err != nil:
		return fmt.Errorf("load state: %w", err)
	case !ok:
		p.log.Info("no saved state; starting cold")
		p.loaded = true
		return nil
	}
	p.loaded = true
	for name, recs := range snap.Sources {
		p.sources[name] = state.Items(name, recs)
	}
	p.log.Info("state loaded",
		logx.Int("sources", len(snap.Sources)),
		logx.Time("saved_at", snap.SavedAt),
	)
	return nil
}

// Run loads state if needed and cycles until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Load(ctx); err != nil {
		return err
	}
	p.log.Info("polling started",
		logx.Strings("sources", p.Sources()),
		logx.String("schedule", p.cfg.Schedule.String()),
		logx.Time("epoch", p.epoch),
	)
	for {
		p.Cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}

		next := p.cfg.Schedule.Next(p.now())
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Cycle runs one fan-out over every source, forwards new comments, and saves
// the snapshot once.
func (p *Poller) Cycle(ctx context.Context) CycleReport {
	rep := CycleReport{ID: uuid.NewString(), Started: p.now()}
	log := p.log.With(logx.Cycle(rep.ID))
	p.bus.Publish(eventbus.Event{Type: eventbus.CycleStarted, Data: map[string]any{"id": rep.ID, "sources": len(p.adapters)}})

	fctx := ctx
	if p.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, p.cfg.CycleTimeout)
		defer cancel()
	}

	results := make([]result, len(p.adapters))
	var wg sync.WaitGroup
	for i, a := range p.adapters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.fetchOne(fctx, a)
		}()
	}
	wg.Wait()

	delta := Stats{Sources: map[string]SourceStats{}}
	for i, a := range p.adapters {
		sr := p.handle(ctx, log, a.Name(), results[i], &delta)
		rep.Sources = append(rep.Sources, sr)
	}

	rep.Saved = p.save(ctx, log)
	if !rep.Saved {
		delta.SaveErrors++
	}
	rep.Duration = p.now().Sub(rep.Started)
	delta.Cycles = 1
	delta.LastCycleAt = rep.Started
	delta.LastCycleDuration = rep.Duration
	cycles := p.merge(delta)

	p.bus.Publish(eventbus.Event{Type: eventbus.CycleFinished, Data: rep})
	log.Debug("cycle finished", logx.Duration("took", rep.Duration), logx.Bool("saved", rep.Saved))
	if cycles%uint64(p.cfg.StatsEvery) == 0 {
		p.LogStats()
	}
	return rep
}

func (p *Poller) fetchOne(ctx context.Context, a source.Adapter) (res result) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("source panicked",
				logx.Source(a.Name()),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			res = result{outcome: OutcomeError, err: fmt.Errorf("panic: %v", r)}
		}
		res.duration = time.Since(started)
	}()

	items, err := a.Comments(ctx, source.LimitFor(a.Name()))
	switch {
	case err == nil:
		return result{outcome: OutcomeOK, items: items}
	case fetch.IsQuotaExceeded(err):
		return result{outcome: OutcomeQuota, err: err}
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return result{outcome: OutcomeCanceled, err: err}
	default:
		return result{outcome: OutcomeError, err: err}
	}
}

// handle applies one source's result. Runs after the join, on the polling
// goroutine, so it may touch p.sources freely.
func (p *Poller) handle(ctx context.Context, log logx.Logger, name string, res result, delta *Stats) SourceReport {
	sr := SourceReport{Source: name, Outcome: res.outcome.String(), Duration: res.duration}
	ss := delta.Sources[name]
	ss.LastDuration = res.duration
	ss.LastCheck = p.now()
	log = log.With(logx.Source(name))

	if res.outcome != OutcomeOK && ctx.Err() != nil {
		// Shutting down; this is not a source failure.
		sr.Outcome = OutcomeCanceled.String()
		delta.Sources[name] = ss
		return sr
	}

	switch res.outcome {
	case OutcomeQuota:
		ss.Checks++
		ss.Errors++
		ss.QuotaHits++
		ss.LastError = res.err.Error()
		delta.Errors++
		sr.Error = res.err.Error()
		log.Error("source quota exhausted", logx.Err(res.err))
		p.bus.Publish(eventbus.Event{Type: eventbus.SourceQuota, Data: sr})
		p.alert(log, quotaAlert(res.err), name)

	case OutcomeError, OutcomeCanceled:
		ss.Checks++
		ss.Errors++
		ss.LastError = res.err.Error()
		delta.Errors++
		sr.Outcome = OutcomeError.String()
		sr.Error = res.err.Error()
		log.Error("source check failed", logx.Err(res.err))
		p.bus.Publish(eventbus.Event{Type: eventbus.SourceFailed, Data: sr})
		p.alert(log, fmt.Sprintf("check of %s failed: %v", name, res.err), name)

	case OutcomeOK:
		ss.Checks++
		batch := latest(res.items, p.cfg.StateCap)
		prev, seen := p.sources[name]
		f := dedup.Filter(res.items, dedup.Known(prev), p.epoch, !seen)
		if f.Malformed > 0 {
			log.Warn("items without a usable timestamp skipped", logx.Int("count", f.Malformed))
		}
		if f.Cold {
			log.Info("first batch for source; nothing forwarded", logx.Int("items", len(res.items)))
		}

		sr.Found, sr.New, sr.Cold = len(res.items), len(f.New), f.Cold
		ss.Found += uint64(len(res.items))
		ss.New += uint64(len(f.New))
		delta.ItemsSeen += uint64(len(res.items))
		delta.ItemsNew += uint64(len(f.New))

		if len(f.New) > 0 {
			emit := comment.Newest(f.New, p.cfg.MaxPerCycle)
			if n := len(f.New) - len(emit); n > 0 {
				delta.Truncated += uint64(n)
				log.Info("new comments capped", logx.Int("new", len(f.New)), logx.Int("forwarded", len(emit)))
			}
			if err := p.sink.SendComments(name, emit); err != nil {
				log.Warn("forwarding comments failed", logx.Err(err))
			}
			sr.Emitted = len(emit)
			ss.Emitted += uint64(len(emit))
			delta.ItemsEmitted += uint64(len(emit))
			log.Info("new comments", logx.Int("new", len(f.New)), logx.Int("forwarded", len(emit)))
			p.bus.Publish(eventbus.Event{Type: eventbus.CommentsNew, Data: sr})
		}
		// Replaced wholesale, whether or not anything was new.
		p.sources[name] = batch
	}
	delta.Sources[name] = ss
	return sr
}

func (p *Poller) alert(log logx.Logger, msg, name string) {
	if err := p.sink.SendError(msg, name); err != nil {
		log.Warn("error alert not queued", logx.Err(err))
	}
}

func quotaAlert(err error) string {
	return "API quota exhausted; the source stays enabled and is retried every cycle. " + err.Error()
}

// latest returns a newest-first copy of items capped at n.
func latest(items []comment.Item, n int) []comment.Item {
	out := make([]comment.Item, len(items))
	copy(out, items)
	comment.SortNewestFirst(out)
	return comment.Newest(out, n)
}

func (p *Poller) snapshot() state.Snapshot {
	snap := state.Snapshot{
		Sources:      make(map[string][]state.Record, len(p.sources)),
		SavedAt:      p.now().UTC(),
		ProcessStart: p.epoch,
	}
	for name, items := range p.sources {
		snap.Sources[name] = state.Records(items)
	}
	if b, err := json.Marshal(p.Stats()); err == nil {
		snap.Stats = b
	}
	return snap
}

// save persists the snapshot. A failure leaves the previous one in place.
func (p *Poller) save(ctx context.Context, log logx.Logger) bool {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := p.store.Save(sctx, p.snapshot()); err != nil {
		log.Error("state save failed", logx.Err(err))
		p.bus.Publish(eventbus.Event{Type: eventbus.StateSaveFail, Data: map[string]string{"error": err.Error()}})
		return false
	}
	return true
}

func (p *Poller) merge(d Stats) uint64 {
	p.smu.Lock()
	defer p.smu.Unlock()
	s := &p.stats
	s.Cycles += d.Cycles
	s.ItemsSeen += d.ItemsSeen
	s.ItemsNew += d.ItemsNew
	s.ItemsEmitted += d.ItemsEmitted
	s.Truncated += d.Truncated
	s.Errors += d.Errors
	s.SaveErrors += d.SaveErrors
	s.LastCycleAt = d.LastCycleAt
	s.LastCycleDuration = d.LastCycleDuration
	for name, ds := range d.Sources {
		cur := s.Sources[name]
		cur.Checks += ds.Checks
		cur.Found += ds.Found
		cur.New += ds.New
		cur.Emitted += ds.Emitted
		cur.Errors += ds.Errors
		cur.QuotaHits += ds.QuotaHits
		cur.LastCheck = ds.LastCheck
		cur.LastDuration = ds.LastDuration
		if ds.LastError != "" {
			cur.LastError = ds.LastError
		}
		s.Sources[name] = cur
	}
	return s.Cycles
}

// LogStats writes the cumulative statistics.
func (p *Poller) LogStats() {
	st := p.Stats()
	p.log.Info("run stats",
		logx.Uint64("cycles", st.Cycles),
		logx.Uint64("seen", st.ItemsSeen),
		logx.Uint64("new", st.ItemsNew),
		logx.Uint64("forwarded", st.ItemsEmitted),
		logx.Uint64("capped", st.Truncated),
		logx.Uint64("errors", st.Errors),
		logx.Duration("uptime", time.Since(st.Epoch)),
	)
	for name, ss := range st.Sources {
		p.log.Info("source stats",
			logx.Source(name),
			logx.Uint64("checks", ss.Checks),
			logx.Uint64("found", ss.Found),
			logx.Uint64("new", ss.New),
			logx.Uint64("errors", ss.Errors),
			logx.Uint64("quota_hits", ss.QuotaHits),
		)
	}
}

// Shutdown releases adapter resources, performs the final save and logs the
// final statistics. Call it once, after Run has returned.
func (p *Poller) Shutdown(ctx context.Context) error {
	for _, a := range p.adapters {
		if err := a.Close(); err != nil {
			p.log.Warn("source close failed", logx.Source(a.Name()), logx.Err(err))
		}
	}
	var err error
	switch {
	case !p.loaded:
		// Saving now would replace a snapshot that was never read.
		p.log.Warn("state never loaded; skipping final save")
	case !p.save(ctx, p.log):
		err = errors.New("final state save failed")
	}
	p.LogStats()
	return err
}

type nopSink struct{}

func (nopSink) SendComments(string, []comment.Item) error { return nil }
func (nopSink) SendError(string, string) error            { return nil }
