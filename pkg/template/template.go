// Package template implements the narrow expression language used inside
// pipeline stage configuration strings. It is deliberately not a scripting
// runtime: dotted-path lookup, a small filter chain and literal comparisons
// are the whole surface.
//
// A string may embed any number of "{{ expression }}" segments. A string
// that consists of exactly one expression preserves the underlying type of
// the result; mixed strings resolve to text.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var exprPattern = regexp.MustCompile(`\{\{([^}]*)\}\}`)

// undefined marks a path that did not resolve. Only the default() filter may
// consume it; any other use is an evaluation error.
type undefined struct{ path string }

// Evaluate resolves every embedded expression in s against scope. If s is a
// single expression the typed result is returned; otherwise the expanded
// string is returned.
func Evaluate(s string, scope map[string]any) (any, error) {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s, nil
	}

	// Single-expression string: the whole input is one {{ ... }}.
	if len(matches) == 1 && strings.TrimSpace(s[:matches[0][0]]) == "" && strings.TrimSpace(s[matches[0][1]:]) == "" {
		return evalExpression(s[matches[0][2]:matches[0][3]], scope)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		v, err := evalExpression(s[m[2]:m[3]], scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// ExpandString is Evaluate constrained to a textual result.
func ExpandString(s string, scope map[string]any) (string, error) {
	v, err := Evaluate(s, scope)
	if err != nil {
		return "", err
	}
	return stringify(v), nil
}

// ExpandMap expands every string value in m, recursing into nested maps.
// Single-expression values keep their underlying type.
func ExpandMap(m map[string]any, scope map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch tv := v.(type) {
		case string:
			ev, err := Evaluate(tv, scope)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = ev
		case map[string]any:
			ev, err := ExpandMap(tv, scope)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		default:
			out[k] = v
		}
	}
	return out, nil
}

// Validate parses every expression in s without resolving paths. It catches
// unknown filters and malformed comparisons at config-load time.
func Validate(s string) error {
	for _, m := range exprPattern.FindAllStringSubmatch(s, -1) {
		if _, err := parseExpression(m[1]); err != nil {
			return err
		}
	}
	return nil
}

type expression struct {
	operand  operand
	filters  []filter
	cmpOp    string // "", "==" or "!="
	cmpRight *operand
}

type operand struct {
	literal   any
	isLiteral bool
	path      []string
}

type filter struct {
	name string
	arg  *operand
}

func evalExpression(raw string, scope map[string]any) (any, error) {
	expr, err := parseExpression(raw)
	if err != nil {
		return nil, err
	}

	left, err := expr.resolve(scope)
	if err != nil {
		return nil, err
	}

	if expr.cmpOp == "" {
		if u, ok := left.(undefined); ok {
			return nil, fmt.Errorf("undefined identifier %q", u.path)
		}
		return left, nil
	}

	right := expr.cmpRight.value(scope)
	if u, ok := left.(undefined); ok {
		return nil, fmt.Errorf("undefined identifier %q", u.path)
	}
	if u, ok := right.(undefined); ok {
		return nil, fmt.Errorf("undefined identifier %q", u.path)
	}

	eq := looseEqual(left, right)
	if expr.cmpOp == "!=" {
		eq = !eq
	}
	return eq, nil
}

func (e *expression) resolve(scope map[string]any) (any, error) {
	v := e.operand.value(scope)
	for _, f := range e.filters {
		var err error
		v, err = applyFilter(f, v, scope)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (o *operand) value(scope map[string]any) any {
	if o.isLiteral {
		return o.literal
	}
	cur := any(scope)
	for _, seg := range o.path {
		m, ok := cur.(map[string]any)
		if !ok {
			return undefined{path: strings.Join(o.path, ".")}
		}
		cur, ok = m[seg]
		if !ok {
			return undefined{path: strings.Join(o.path, ".")}
		}
	}
	return cur
}

func applyFilter(f filter, v any, scope map[string]any) (any, error) {
	switch f.name {
	case "default":
		if _, ok := v.(undefined); ok || v == nil {
			return f.arg.value(scope), nil
		}
		return v, nil
	case "str":
		if u, ok := v.(undefined); ok {
			return nil, fmt.Errorf("undefined identifier %q", u.path)
		}
		return stringify(v), nil
	case "int":
		if u, ok := v.(undefined); ok {
			return nil, fmt.Errorf("undefined identifier %q", u.path)
		}
		return toInt(v)
	default:
		return nil, fmt.Errorf("unknown filter %q", f.name)
	}
}

func parseExpression(raw string) (*expression, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty expression")
	}

	// Split off a comparison first; the comparison operators never appear
	// inside the operand/filter grammar.
	cmpOp := ""
	right := ""
	for _, op := range []string{"==", "!="} {
		if idx := strings.Index(raw, op); idx >= 0 {
			cmpOp = op
			right = strings.TrimSpace(raw[idx+2:])
			raw = strings.TrimSpace(raw[:idx])
			break
		}
	}

	parts := strings.Split(raw, "|")
	op, err := parseOperand(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, err
	}

	expr := &expression{operand: op, cmpOp: cmpOp}
	for _, p := range parts[1:] {
		f, err := parseFilter(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		expr.filters = append(expr.filters, f)
	}

	if cmpOp != "" {
		ro, err := parseOperand(right)
		if err != nil {
			return nil, err
		}
		expr.cmpRight = &ro
	}
	return expr, nil
}

var pathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*(\.[A-Za-z0-9_-]+)*$`)

func parseOperand(raw string) (operand, error) {
	if raw == "" {
		return operand{}, fmt.Errorf("missing operand")
	}
	if len(raw) >= 2 && (raw[0] == '\'' || raw[0] == '"') && raw[len(raw)-1] == raw[0] {
		return operand{isLiteral: true, literal: raw[1 : len(raw)-1]}, nil
	}
	switch raw {
	case "true":
		return operand{isLiteral: true, literal: true}, nil
	case "false":
		return operand{isLiteral: true, literal: false}, nil
	case "null", "nil":
		return operand{isLiteral: true, literal: nil}, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return operand{isLiteral: true, literal: n}, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return operand{isLiteral: true, literal: f}, nil
	}
	if !pathPattern.MatchString(raw) {
		return operand{}, fmt.Errorf("invalid operand %q", raw)
	}
	return operand{path: strings.Split(raw, ".")}, nil
}

var filterPattern = regexp.MustCompile(`^([a-z]+)(?:\((.*)\))?$`)

func parseFilter(raw string) (filter, error) {
	m := filterPattern.FindStringSubmatch(raw)
	if m == nil {
		return filter{}, fmt.Errorf("invalid filter %q", raw)
	}
	f := filter{name: m[1]}
	switch f.name {
	case "str", "int":
		if m[2] != "" {
			return filter{}, fmt.Errorf("filter %q takes no argument", f.name)
		}
	case "default":
		arg, err := parseOperand(strings.TrimSpace(m[2]))
		if err != nil {
			return filter{}, fmt.Errorf("default filter: %w", err)
		}
		f.arg = &arg
	default:
		return filter{}, fmt.Errorf("unknown filter %q", f.name)
	}
	return f, nil
}

func stringify(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case bool:
		return strconv.FormatBool(tv)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case float64:
		// Whole floats print without a decimal point: JSON numbers decode
		// to float64 and stage outputs round-trip through JSON.
		if tv == float64(int64(tv)) {
			return strconv.FormatInt(int64(tv), 10)
		}
		return strconv.FormatFloat(tv, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", tv)
	}
}

func toInt(v any) (int, error) {
	switch tv := v.(type) {
	case int:
		return tv, nil
	case int64:
		return int(tv), nil
	case float64:
		return int(tv), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(tv))
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to int", tv)
		}
		return n, nil
	case bool:
		if tv {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int", v)
	}
}

// looseEqual compares numbers numerically (JSON round-trips turn ints into
// float64) and everything else by type-matched value.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch tv := v.(type) {
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case float64:
		return tv, true
	default:
		return 0, false
	}
}
