// Package render substitutes {path} placeholders in notification templates.
//
// Paths are dotted lookups into the event payload ("lead.owner.name") and may
// index lists ("items.0"). A path that does not resolve renders as "".
package render

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"crmnotify/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}`)

type Rendered struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Render applies payload to both template strings.
func Render(tpl model.Template, payload map[string]any) Rendered {
	return Rendered{
		Title:   Text(tpl.TitleTemplate, payload),
		Message: Text(tpl.MessageTemplate, payload),
	}
}

// Text substitutes every placeholder in s.
func Text(s string, payload map[string]any) string {
	if s == "" || !strings.Contains(s, "{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		if len(sub) < 2 {
			return ""
		}
		v, ok := Lookup(payload, sub[1])
		if !ok {
			return ""
		}
		return Format(v)
	})
}

// Placeholders returns the distinct paths referenced by s, in order of first use.
func Placeholders(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		if len(m) < 2 || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, m[1])
	}
	return out
}

// Lookup resolves a dotted path against payload.
func Lookup(payload map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if payload == nil || path == "" {
		return nil, false
	}
	var cur any = payload
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []string:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Format renders a payload value as display text.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case json.Number:
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339)
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	case map[string]any, []any, []string:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}
