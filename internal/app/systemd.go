package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "postpilot/pkg/logx"
)

// sdNotifier talks to systemd when NOTIFY_SOCKET is set; otherwise every
// call is a no-op.
type sdNotifier struct {
	log logx.Logger
}

func (n sdNotifier) send(state string) {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if ok {
		n.log.Trace("sd_notify sent", logx.String("state", state))
	}
}

func (n sdNotifier) ready()    { n.send(daemon.SdNotifyReady) }
func (n sdNotifier) stopping() { n.send(daemon.SdNotifyStopping) }

// watchdog pings systemd at half the configured WatchdogSec until ctx ends.
// healthy gates each ping so a wedged process stops petting the dog.
func (n sdNotifier) watchdog(ctx context.Context, healthy func() bool) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every/2))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy == nil || healthy() {
				n.send(daemon.SdNotifyWatchdog)
			}
		}
	}
}
