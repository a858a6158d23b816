// Package systemd reports service state to the systemd supervisor over
// sd_notify. Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "commentwatch/pkg/logx"
)

type Notifier struct {
	log logx.Logger
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log}
}

// Ready signals that startup finished.
func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }

// Watchdog pets the service watchdog.
func (n *Notifier) Watchdog() { n.send(daemon.SdNotifyWatchdog) }

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) { n.send("STATUS=" + msg) }

// WatchdogInterval is WatchdogSec of the unit, or 0 when the watchdog is off.
func (n *Notifier) WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("sd watchdog env invalid", logx.Err(err))
		return 0
	}
	return d
}

func (n *Notifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}
