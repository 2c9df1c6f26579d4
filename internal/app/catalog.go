package app

import (
	"context"
	"fmt"
	"time"

	"crmnotify/internal/config"
	rtsup "crmnotify/internal/runtime/supervisor"
	logx "crmnotify/pkg/logx"
)

// startCatalog loads a remote catalog once and, when a refresh interval is
// set, keeps it current. A config-sourced catalog needs no work here.
func (a *App) startCatalog(ctx context.Context, cfg *config.Config) error {
	src, refresh, err := catalogSource(cfg)
	if err != nil {
		return err
	}
	if src != config.CatalogFromRemote || a.rest == nil {
		return nil
	}
	if err := a.refreshCatalog(ctx); err != nil {
		return fmt.Errorf("load remote catalog: %w", err)
	}
	if refresh <= 0 {
		return nil
	}
	a.sup.GoRestart("catalog.refresh", func(c context.Context) error {
		t := time.NewTicker(refresh)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case <-t.C:
				if err := a.refreshCatalog(c); err != nil {
					a.log.Warn("catalog refresh failed; keeping previous", logx.Err(err))
				}
			}
		}
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	return nil
}

func (a *App) refreshCatalog(ctx context.Context) error {
	rs, err := a.rest.ListRules(ctx)
	if err != nil {
		return err
	}
	ts, err := a.rest.ListTemplates(ctx)
	if err != nil {
		return err
	}
	if err := a.catalog.Replace(rs, ts); err != nil {
		return err
	}
	a.log.Debug("catalog loaded", logx.Int("rules", len(rs)), logx.Int("templates", len(ts)))
	return nil
}
