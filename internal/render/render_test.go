package render

import (
	"reflect"
	"testing"
	"time"

	"crmnotify/internal/model"
)

func TestText(t *testing.T) {
	t.Parallel()
	payload := map[string]any{
		"name":  "Acme",
		"score": float64(85),
		"ratio": 0.25,
		"lead": map[string]any{
			"owner": map[string]any{"name": "Dana"},
		},
		"items": []any{"first", "second"},
		"won":   true,
		"due":   time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		"none":  nil,
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "no placeholders", "no placeholders"},
		{"simple", "Lead {name}", "Lead Acme"},
		{"integer float", "score={score}", "score=85"},
		{"fraction", "{ratio}", "0.25"},
		{"dotted", "owner: {lead.owner.name}", "owner: Dana"},
		{"index", "{items.1}", "second"},
		{"index out of range", "[{items.5}]", "[]"},
		{"missing", "hello {missing}!", "hello !"},
		{"missing nested", "[{lead.owner.email}]", "[]"},
		{"through scalar", "[{name.first}]", "[]"},
		{"bool", "{won}", "true"},
		{"time", "{due}", "2026-03-01T09:30:00Z"},
		{"nil", "[{none}]", "[]"},
		{"spaces", "{ name }", "Acme"},
		{"repeat", "{name}/{name}", "Acme/Acme"},
		{"unterminated", "{name", "{name"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Text(tt.in, payload); got != tt.want {
				t.Fatalf("Text(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	tpl := model.Template{
		TitleTemplate:   "New lead: {lead.name}",
		MessageTemplate: "{lead.name} scored {lead.score}",
	}
	got := Render(tpl, map[string]any{"lead": map[string]any{"name": "Globex", "score": 72}})
	want := Rendered{Title: "New lead: Globex", Message: "Globex scored 72"}
	if got != want {
		t.Fatalf("Render = %+v, want %+v", got, want)
	}
}

func TestRenderNilPayload(t *testing.T) {
	t.Parallel()
	got := Render(model.Template{TitleTemplate: "Hi {name}", MessageTemplate: "x"}, nil)
	if got.Title != "Hi " || got.Message != "x" {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestPlaceholders(t *testing.T) {
	t.Parallel()
	got := Placeholders("{a} and {b.c} then {a} and {items.0}")
	want := []string{"a", "b.c", "items.0"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Placeholders = %v, want %v", got, want)
	}
	if got := Placeholders("none here"); len(got) != 0 {
		t.Fatalf("expected no placeholders, got %v", got)
	}
}
