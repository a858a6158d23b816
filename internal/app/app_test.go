package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"commentwatch/internal/comment"
	"commentwatch/internal/poller"
	"commentwatch/internal/runtime/supervisor"
	"commentwatch/internal/source"
	"commentwatch/internal/state"
	logx "commentwatch/pkg/logx"
)

type brokenSource struct{}

func (brokenSource) Name() string     { return "VK" }
func (brokenSource) Configured() bool { return true }
func (brokenSource) Close() error     { return nil }
func (brokenSource) Comments(context.Context, int) ([]comment.Item, error) {
	return nil, errors.New("listing failed")
}

type panickingSink struct{}

func (panickingSink) SendComments(string, []comment.Item) error { panic("sink blew up") }
func (panickingSink) SendError(string, string) error            { panic("sink blew up") }

func TestPollerPanicStopsApp(t *testing.T) {
	t.Parallel()
	poll := poller.New(poller.Config{Schedule: poller.Every(time.Hour)},
		[]source.Adapter{brokenSource{}}, state.NewMemory(), panickingSink{}, logx.Nop(), nil)

	a := &App{log: logx.Nop(), poll: poll}
	a.sup = supervisor.New(context.Background())
	a.pollSup = supervisor.New(a.sup.Context())
	a.startPolling()

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("app context still live after the poller panicked")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.pollSup.Wait(ctx)
	if err := a.Err(); err == nil || !strings.Contains(err.Error(), "sink blew up") {
		t.Fatalf("Err = %v", err)
	}
}

func TestPollerStopDoesNotCancelApp(t *testing.T) {
	t.Parallel()
	poll := poller.New(poller.Config{Schedule: poller.Every(time.Hour)},
		nil, state.NewMemory(), nil, logx.Nop(), nil)

	a := &App{log: logx.Nop(), poll: poll}
	a.sup = supervisor.New(context.Background())
	a.pollSup = supervisor.New(a.sup.Context())
	a.startPolling()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.pollSup.Stop(ctx); err != nil {
		t.Fatalf("pollSup.Stop: %v", err)
	}
	select {
	case <-a.Done():
		t.Fatal("a requested poller stop canceled the app")
	default:
	}
	a.sup.Cancel()
}
