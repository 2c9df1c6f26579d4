package rules

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"crmnotify/internal/model"
)

var (
	ErrInvalidRule     = errors.New("invalid rule")
	ErrInvalidTemplate = errors.New("invalid template")
)

type compiledRule struct {
	rule  model.Rule
	preds []Predicate
}

type compiledTemplate struct {
	tpl   model.Template
	preds []Predicate
}

type snapshot struct {
	rules     []*compiledRule
	byTrigger map[model.EventKind][]*compiledRule
	templates map[string]*compiledTemplate
	tplOrder  []*compiledTemplate
	byKind    map[model.EventKind][]*compiledTemplate
}

// Catalog holds compiled rules and templates. Replace swaps the whole set
// atomically, so readers never see a half-applied update.
type Catalog struct {
	mu   sync.RWMutex
	snap *snapshot
}

// NewCatalog compiles rules and templates. Any invalid entry fails the load.
func NewCatalog(rules []model.Rule, templates []model.Template) (*Catalog, error) {
	s, err := build(rules, templates)
	if err != nil {
		return nil, err
	}
	return &Catalog{snap: s}, nil
}

// Replace compiles a new set and swaps it in. On error the current set is kept.
func (c *Catalog) Replace(rules []model.Rule, templates []model.Template) error {
	s, err := build(rules, templates)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.snap = s
	c.mu.Unlock()
	return nil
}

func (c *Catalog) current() *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return &snapshot{}
	}
	return c.snap
}

// Rules returns the loaded rules in load order.
func (c *Catalog) Rules() []model.Rule {
	s := c.current()
	out := make([]model.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.rule)
	}
	return out
}

func (c *Catalog) Rule(id string) (model.Rule, bool) {
	for _, r := range c.current().rules {
		if r.rule.ID == id {
			return r.rule, true
		}
	}
	return model.Rule{}, false
}

// Templates returns the loaded templates in load order.
func (c *Catalog) Templates() []model.Template {
	s := c.current()
	out := make([]model.Template, 0, len(s.tplOrder))
	for _, t := range s.tplOrder {
		out = append(out, t.tpl)
	}
	return out
}

func (c *Catalog) Template(id string) (model.Template, bool) {
	t, ok := c.current().templates[id]
	if !ok {
		return model.Template{}, false
	}
	return t.tpl, true
}

func (c *Catalog) rulesFor(kind model.EventKind) []*compiledRule {
	return c.current().byTrigger[kind]
}

// templateFor implements the template choice: the first enabled template
// referenced by an action, else the first enabled template for the kind whose conditions
// hold. ok is false when neither exists.
func (c *Catalog) templateFor(kind model.EventKind, actions []model.Action, payload map[string]any) (model.Template, bool) {
	s := c.current()
	for _, a := range actions {
		if a.TemplateID == "" {
			continue
		}
		if t, ok := s.templates[a.TemplateID]; ok && t.tpl.Enabled {
			return t.tpl, true
		}
	}
	for _, t := range s.byKind[kind] {
		if t.tpl.Enabled && MatchAll(t.preds, payload) {
			return t.tpl, true
		}
	}
	return model.Template{}, false
}

func build(rules []model.Rule, templates []model.Template) (*snapshot, error) {
	s := &snapshot{
		byTrigger: map[model.EventKind][]*compiledRule{},
		templates: map[string]*compiledTemplate{},
		byKind:    map[model.EventKind][]*compiledTemplate{},
	}
	for i, t := range templates {
		ct, err := compileTemplate(t)
		if err != nil {
			return nil, fmt.Errorf("template %d (%s): %w", i, t.ID, err)
		}
		if _, dup := s.templates[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate template id %q", ErrInvalidTemplate, t.ID)
		}
		s.templates[t.ID] = ct
		s.tplOrder = append(s.tplOrder, ct)
		s.byKind[t.EventKind] = append(s.byKind[t.EventKind], ct)
	}
	seen := map[string]bool{}
	for i, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.ID, err)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true
		for _, a := range r.Actions {
			if a.TemplateID != "" {
				if _, ok := s.templates[a.TemplateID]; !ok {
					return nil, fmt.Errorf("rule %s: %w: unknown template %q", r.ID, ErrInvalidRule, a.TemplateID)
				}
			}
		}
		s.rules = append(s.rules, cr)
		s.byTrigger[r.Trigger] = append(s.byTrigger[r.Trigger], cr)
	}
	return s, nil
}

// ValidateRule reports whether r would load into a catalog on its own.
func ValidateRule(r model.Rule) error {
	_, err := compileRule(r)
	return err
}

func compileRule(r model.Rule) (*compiledRule, error) {
	if strings.TrimSpace(r.ID) == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	if strings.TrimSpace(string(r.Trigger)) == "" {
		return nil, fmt.Errorf("%w: missing trigger", ErrInvalidRule)
	}
	if len(r.Actions) == 0 {
		return nil, fmt.Errorf("%w: no actions", ErrInvalidRule)
	}
	for i, a := range r.Actions {
		switch a.Kind {
		case model.ActionNotify, model.ActionEmail:
		case model.ActionWebhook:
			if strings.TrimSpace(a.WebhookURL) == "" {
				return nil, fmt.Errorf("%w: action %d: webhook without url", ErrInvalidRule, i)
			}
		default:
			return nil, fmt.Errorf("%w: action %d: unknown kind %q", ErrInvalidRule, i, a.Kind)
		}
	}
	preds, err := CompileAll(r.Conditions)
	if err != nil {
		return nil, err
	}
	return &compiledRule{rule: r, preds: preds}, nil
}

func compileTemplate(t model.Template) (*compiledTemplate, error) {
	if strings.TrimSpace(t.ID) == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidTemplate)
	}
	if strings.TrimSpace(string(t.EventKind)) == "" {
		return nil, fmt.Errorf("%w: missing event kind", ErrInvalidTemplate)
	}
	preds, err := CompileAll(t.Conditions)
	if err != nil {
		return nil, err
	}
	return &compiledTemplate{tpl: t, preds: preds}, nil
}
