package rules

import (
	"context"

	"crmnotify/internal/model"
	"crmnotify/internal/render"
)

type ConditionResult struct {
	Field    string `json:"field,omitempty"`
	Operator Op     `json:"operator"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
	Present  bool   `json:"present"`
	Matched  bool   `json:"matched"`
}

// TestResult explains how a rule treats an event without delivering anything.
type TestResult struct {
	Matched        bool              `json:"matched"`
	TriggerMatched bool              `json:"trigger_matched"`
	Enabled        bool              `json:"enabled"`
	Conditions     []ConditionResult `json:"conditions"`
	Template       model.Template    `json:"template"`
	Preview        render.Rendered   `json:"preview"`
	Recipients     []string          `json:"recipients"`
	MissingFields  []string          `json:"missing_fields,omitempty"`
}

// TestRule evaluates r against ev. Every condition is reported, not just the
// first failing one. The rule does not need to be in the catalog, but the
// catalog's templates are used for the preview.
func (e *Engine) TestRule(_ context.Context, r model.Rule, ev model.Event) (TestResult, error) {
	cr, err := compileRule(r)
	if err != nil {
		return TestResult{}, err
	}
	res := TestResult{
		TriggerMatched: r.Trigger == ev.Kind,
		Enabled:        r.Enabled,
		Conditions:     make([]ConditionResult, 0, len(cr.preds)),
	}
	all := true
	for i, p := range cr.preds {
		cres := ConditionResult{Field: p.Field(), Operator: p.Op(), Expected: r.Conditions[i].Value}
		if p.Field() != "" {
			cres.Actual, cres.Present = render.Lookup(ev.Payload, p.Field())
		}
		cres.Matched = p.Match(ev.Payload)
		all = all && cres.Matched
		res.Conditions = append(res.Conditions, cres)
	}
	res.Matched = res.TriggerMatched && all

	tpl, n := e.build(r, ev)
	res.Template = tpl
	res.Preview = render.Rendered{Title: n.Title, Message: n.Message}
	res.Recipients = n.RecipientIDs
	for _, path := range append(render.Placeholders(tpl.TitleTemplate), render.Placeholders(tpl.MessageTemplate)...) {
		if _, ok := render.Lookup(ev.Payload, path); !ok && !contains(res.MissingFields, path) {
			res.MissingFields = append(res.MissingFields, path)
		}
	}
	return res, nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
