package app

import (
	"context"
	"fmt"

	"crmnotify/internal/config"
	"crmnotify/internal/model"
	"crmnotify/internal/restapi"
	"crmnotify/internal/rules"
)

// LoadCatalog builds the rule catalog cfg points at without starting anything.
func LoadCatalog(ctx context.Context, cfg *config.Config) (*rules.Catalog, error) {
	src, _, err := catalogSource(cfg)
	if err != nil {
		return nil, err
	}
	if src != config.CatalogFromRemote {
		return rules.NewCatalog(cfg.Rules, cfg.Templates)
	}
	rc, ok, err := mapRESTConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("catalog.source remote requires rest")
	}
	c, err := restapi.New(rc)
	if err != nil {
		return nil, err
	}
	rs, err := c.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	ts, err := c.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	return rules.NewCatalog(rs, ts)
}

// PreviewRule runs the rule ruleID against ev and reports what would be sent,
// without delivering anything.
func PreviewRule(ctx context.Context, cfg *config.Config, ruleID string, ev model.Event) (rules.TestResult, error) {
	cat, err := LoadCatalog(ctx, cfg)
	if err != nil {
		return rules.TestResult{}, err
	}
	r, ok := cat.Rule(ruleID)
	if !ok {
		return rules.TestResult{}, fmt.Errorf("rule %q not found", ruleID)
	}
	if ev.Kind == "" {
		ev.Kind = r.Trigger
	}
	return rules.NewEngine(cat, nil, nil).TestRule(ctx, r, ev)
}
