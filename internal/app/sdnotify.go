package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "crmnotify/pkg/logx"
)

const (
	sdReady     = daemon.SdNotifyReady
	sdReloading = daemon.SdNotifyReloading
	sdStopping  = daemon.SdNotifyStopping
)

// sdNotify reports state to systemd. Outside a notify unit it is a no-op.
func sdNotify(log logx.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

// startWatchdog pings the systemd watchdog at half its interval while the
// supervisor runs and no fatal error has been recorded.
func (a *App) startWatchdog() {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	a.sup.Go("systemd.watchdog", func(ctx context.Context) error {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if a.sup.Err() == nil {
					sdNotify(a.log, daemon.SdNotifyWatchdog)
				}
			}
		}
	})
}
