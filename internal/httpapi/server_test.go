package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"commentwatch/internal/eventbus"
	"commentwatch/internal/notify"
	"commentwatch/internal/poller"
	logx "commentwatch/pkg/logx"
)

type fakeStatus struct {
	stats   poller.Stats
	sources []string
}

func (f fakeStatus) Stats() poller.Stats { return f.stats }
func (f fakeStatus) Sources() []string   { return f.sources }

type fakeDelivery struct{ st notify.Stats }

func (f fakeDelivery) Stats() notify.Stats { return f.st }

func newTestServer(t *testing.T, bus eventbus.Bus) *httptest.Server {
	t.Helper()
	last := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	status := fakeStatus{
		stats: poller.Stats{
			Epoch:       last.Add(-time.Hour),
			Cycles:      3,
			LastCycleAt: last,
			Sources: map[string]poller.SourceStats{
				"YouTube": {Checks: 3, Errors: 1, LastError: "boom"},
			},
		},
		sources: []string{"YouTube", "VK"},
	}
	s := New(Config{Addr: "127.0.0.1:0", Version: "test"}, status, fakeDelivery{notify.Stats{Sent: 5}}, bus, logx.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestHealthReportsLastCycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, eventbus.New())

	var body map[string]any
	getJSON(t, ts.URL+"/health", &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("health = %v", body)
	}
	if body["last_cycle_at"] != "2024-01-01T12:00:00Z" {
		t.Fatalf("last_cycle_at = %v", body["last_cycle_at"])
	}
}

func TestStatsIncludesDelivery(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, eventbus.New())

	var body struct {
		Poller   poller.Stats `json:"poller"`
		Delivery notify.Stats `json:"delivery"`
	}
	getJSON(t, ts.URL+"/stats", &body)
	if body.Poller.Cycles != 3 || body.Delivery.Sent != 5 {
		t.Fatalf("stats = %+v", body)
	}
}

func TestSourcesListsEveryConfiguredSource(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, eventbus.New())

	var body struct {
		Sources []sourceView `json:"sources"`
	}
	getJSON(t, ts.URL+"/sources", &body)
	if len(body.Sources) != 2 {
		t.Fatalf("sources = %+v", body.Sources)
	}
	if yt := body.Sources[0]; yt.Name != "YouTube" || yt.Errors != 1 || yt.LastError != "boom" {
		t.Fatalf("youtube = %+v", yt)
	}
	if vk := body.Sources[1]; vk.Name != "VK" || vk.Checks != 0 {
		t.Fatalf("vk = %+v", vk)
	}
}

func TestEventsStreamsFilteredBusEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ts := newTestServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?type=poller.cycle"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// The handler subscribes before completing the handshake.
	bus.Publish(eventbus.Event{Type: eventbus.DeliverySent})
	bus.Publish(eventbus.Event{Type: eventbus.CycleFinished, Data: map[string]int{"new": 2}})

	var ev struct {
		Type string         `json:"type"`
		Data map[string]int `json:"data"`
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != eventbus.CycleFinished || ev.Data["new"] != 2 {
		t.Fatalf("event = %+v", ev)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, fakeStatus{}, nil, nil, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
