package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	"crmnotify/internal/model"
	"crmnotify/internal/render"
)

var (
	ErrUnknownOperator = errors.New("unknown condition operator")
	ErrBadValue        = errors.New("malformed condition value")
)

// Op is the canonical operator name.
type Op string

const (
	OpEquals      Op = "equals"
	OpNotEquals   Op = "not_equals"
	OpGreater     Op = "greater_than"
	OpLess        Op = "less_than"
	OpGreaterOrEq Op = "greater_or_equal"
	OpLessOrEq    Op = "less_or_equal"
	OpContains    Op = "contains"
	OpIn          Op = "in"
	OpExists      Op = "exists"
	OpExpr        Op = "expr"
)

var opAliases = map[string]Op{
	"equals": OpEquals, "eq": OpEquals, "==": OpEquals, "=": OpEquals,
	"not_equals": OpNotEquals, "ne": OpNotEquals, "!=": OpNotEquals,
	"greater_than": OpGreater, "gt": OpGreater, ">": OpGreater,
	"less_than": OpLess, "lt": OpLess, "<": OpLess,
	"greater_or_equal": OpGreaterOrEq, "gte": OpGreaterOrEq, ">=": OpGreaterOrEq,
	"less_or_equal": OpLessOrEq, "lte": OpLessOrEq, "<=": OpLessOrEq,
	"contains": OpContains,
	"in": OpIn, "in_set": OpIn,
	"exists": OpExists,
	"expr": OpExpr, "expression": OpExpr,
}

// ParseOp normalises an operator name or symbol.
func ParseOp(s string) (Op, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	if op, ok := opAliases[key]; ok {
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOperator, s)
}

// Predicate is a compiled condition.
type Predicate interface {
	Match(payload map[string]any) bool
	Op() Op
	Field() string
}

// Compile turns a condition into a predicate. It fails on an unknown operator
// or a value the operator cannot use.
func Compile(c model.Condition) (Predicate, error) {
	op, err := ParseOp(c.Operator)
	if err != nil {
		return nil, err
	}
	field := strings.TrimSpace(c.Field)
	if field == "" && op != OpExpr {
		return nil, fmt.Errorf("%w: %s needs a field", ErrBadValue, op)
	}
	switch op {
	case OpEquals, OpNotEquals:
		return equalsPred{field: field, want: c.Value, negate: op == OpNotEquals}, nil
	case OpGreater, OpLess, OpGreaterOrEq, OpLessOrEq:
		p := orderPred{field: field, op: op}
		if f, ok := toFloat(c.Value); ok {
			p.num, p.isNum = f, true
			return p, nil
		}
		if t, ok := toTime(c.Value); ok {
			p.at, p.isTime = t, true
			return p, nil
		}
		return nil, fmt.Errorf("%w: %s on %q wants a number or RFC3339 time, got %v", ErrBadValue, op, field, c.Value)
	case OpContains:
		if c.Value == nil {
			return nil, fmt.Errorf("%w: contains on %q needs a value", ErrBadValue, field)
		}
		return containsPred{field: field, want: c.Value}, nil
	case OpIn:
		set, ok := toList(c.Value)
		if !ok {
			return nil, fmt.Errorf("%w: in on %q wants a list, got %v", ErrBadValue, field, c.Value)
		}
		return inPred{field: field, set: set}, nil
	case OpExists:
		want := true
		if c.Value != nil {
			b, ok := c.Value.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: exists on %q wants a bool", ErrBadValue, field)
			}
			want = b
		}
		return existsPred{field: field, want: want}, nil
	case OpExpr:
		src, ok := c.Value.(string)
		if !ok || strings.TrimSpace(src) == "" {
			return nil, fmt.Errorf("%w: expr wants a non-empty expression string", ErrBadValue)
		}
		return compileExpr(field, src)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, c.Operator)
}

// CompileAll compiles every condition, stopping at the first failure.
func CompileAll(cs []model.Condition) ([]Predicate, error) {
	out := make([]Predicate, 0, len(cs))
	for i, c := range cs {
		p, err := Compile(c)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// MatchAll AND-combines predicates. An empty list matches.
func MatchAll(ps []Predicate, payload map[string]any) bool {
	for _, p := range ps {
		if !p.Match(payload) {
			return false
		}
	}
	return true
}

type equalsPred struct {
	field  string
	want   any
	negate bool
}

func (p equalsPred) Op() Op {
	if p.negate {
		return OpNotEquals
	}
	return OpEquals
}
func (p equalsPred) Field() string { return p.field }

func (p equalsPred) Match(payload map[string]any) bool {
	got, ok := render.Lookup(payload, p.field)
	eq := ok && valuesEqual(got, p.want)
	if p.negate {
		return !eq
	}
	return eq
}

type orderPred struct {
	field  string
	op     Op
	num    float64
	isNum  bool
	at     time.Time
	isTime bool
}

func (p orderPred) Op() Op        { return p.op }
func (p orderPred) Field() string { return p.field }

func (p orderPred) Match(payload map[string]any) bool {
	got, ok := render.Lookup(payload, p.field)
	if !ok {
		return false
	}
	var cmp int
	switch {
	case p.isNum:
		f, ok := toFloat(got)
		if !ok {
			return false
		}
		cmp = compareFloat(f, p.num)
	case p.isTime:
		t, ok := toTime(got)
		if !ok {
			return false
		}
		cmp = t.Compare(p.at)
	default:
		return false
	}
	switch p.op {
	case OpGreater:
		return cmp > 0
	case OpLess:
		return cmp < 0
	case OpGreaterOrEq:
		return cmp >= 0
	case OpLessOrEq:
		return cmp <= 0
	}
	return false
}

type containsPred struct {
	field string
	want  any
}

func (p containsPred) Op() Op        { return OpContains }
func (p containsPred) Field() string { return p.field }

func (p containsPred) Match(payload map[string]any) bool {
	got, ok := render.Lookup(payload, p.field)
	if !ok || got == nil {
		return false
	}
	if list, ok := toList(got); ok {
		for _, x := range list {
			if valuesEqual(x, p.want) {
				return true
			}
		}
		return false
	}
	if s, ok := got.(string); ok {
		return strings.Contains(s, render.Format(p.want))
	}
	return false
}

type inPred struct {
	field string
	set   []any
}

func (p inPred) Op() Op        { return OpIn }
func (p inPred) Field() string { return p.field }

func (p inPred) Match(payload map[string]any) bool {
	got, ok := render.Lookup(payload, p.field)
	if !ok {
		return false
	}
	for _, x := range p.set {
		if valuesEqual(got, x) {
			return true
		}
	}
	return false
}

type existsPred struct {
	field string
	want  bool
}

func (p existsPred) Op() Op        { return OpExists }
func (p existsPred) Field() string { return p.field }

func (p existsPred) Match(payload map[string]any) bool {
	got, ok := render.Lookup(payload, p.field)
	return (ok && got != nil) == p.want
}

// {path} references inside an expression are rewritten to plain parameter
// names; govaluate treats dots as accessors.
var exprRefRe = regexp.MustCompile(`\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}`)

type exprPred struct {
	field string
	src   string
	expr  *govaluate.EvaluableExpression
	refs  map[string]string
}

func compileExpr(field, src string) (Predicate, error) {
	refs := map[string]string{}
	processed := exprRefRe.ReplaceAllStringFunc(src, func(m string) string {
		sub := exprRefRe.FindStringSubmatch(m)
		name := fmt.Sprintf("ref%d", len(refs))
		refs[name] = sub[1]
		return name
	})
	expr, err := govaluate.NewEvaluableExpression(processed)
	if err != nil {
		return nil, fmt.Errorf("%w: expr %q: %v", ErrBadValue, src, err)
	}
	return exprPred{field: field, src: src, expr: expr, refs: refs}, nil
}

func (p exprPred) Op() Op        { return OpExpr }
func (p exprPred) Field() string { return p.field }

func (p exprPred) Match(payload map[string]any) bool {
	params := make(map[string]interface{}, len(p.refs))
	for name, path := range p.refs {
		v, _ := render.Lookup(payload, path)
		params[name] = normalizeNumber(v)
	}
	for _, v := range p.expr.Vars() {
		if _, ok := params[v]; ok {
			continue
		}
		val, _ := render.Lookup(payload, v)
		params[v] = normalizeNumber(val)
	}
	res, err := p.expr.Evaluate(params)
	if err != nil {
		return false
	}
	b, ok := res.(bool)
	return ok && b
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	if reflect.TypeOf(a).Comparable() && reflect.TypeOf(b).Comparable() && a == b {
		return true
	}
	return render.Format(a) == render.Format(b)
}

// toFloat accepts Go numbers, json.Number and numeric strings.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case uint:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(x))
		return t, err == nil
	default:
		return time.Time{}, false
	}
}

func toList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = f
		}
		return out, true
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out, true
	default:
		return nil, false
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// govaluate compares numbers as float64.
func normalizeNumber(v any) any {
	switch v.(type) {
	case int, int32, int64, uint, uint64, float32, json.Number:
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return v
}
