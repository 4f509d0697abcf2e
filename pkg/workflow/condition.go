// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Condition is a compiled predicate over an execution context.
type Condition interface {
	Eval(ctx map[string]any) bool
	String() string
}

// ParseCondition compiles an expression. Supported forms, combined with
// "&&" (binds tighter) and "||":
//
//	true | false
//	key                 truthy value
//	!key                falsy or missing value
//	key==value, key!=value
//	key>n, key<n, key>=n, key<=n
//	key.contains:value  substring or element membership
//	exists:key, !exists:key
//
// Keys may be dotted paths into nested maps. Values compare by their
// formatted string form, so is_valid==false matches a boolean false.
func ParseCondition(expr string) (Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return constant(true), nil
	}
	var disjuncts orCond
	for _, disj := range strings.Split(expr, "||") {
		var all andCond
		for _, raw := range strings.Split(disj, "&&") {
			c, err := parseClause(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("condition %q: %w", expr, err)
			}
			all = append(all, c)
		}
		disjuncts = append(disjuncts, all)
	}
	if len(disjuncts) == 1 && len(disjuncts[0]) == 1 {
		return disjuncts[0][0], nil
	}
	return disjuncts, nil
}

// MustParseCondition is ParseCondition that panics on error.
func MustParseCondition(expr string) Condition {
	c, err := ParseCondition(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// EqualsAll builds a condition requiring every key to equal its value.
func EqualsAll(conditions map[string]any) Condition {
	var all andCond
	for _, k := range sortedKeys(conditions) {
		all = append(all, compare{path: k, op: "==", value: fmt.Sprint(conditions[k])})
	}
	if len(all) == 0 {
		return constant(true)
	}
	return all
}

var operators = []string{"==", "!=", ">=", "<=", ">", "<"}

func parseClause(clause string) (Condition, error) {
	if clause == "" {
		return nil, fmt.Errorf("empty clause")
	}
	switch clause {
	case "true":
		return constant(true), nil
	case "false":
		return constant(false), nil
	}
	if rest, ok := strings.CutPrefix(clause, "!exists:"); ok {
		return exists{path: strings.TrimSpace(rest), negate: true}, nil
	}
	if rest, ok := strings.CutPrefix(clause, "exists:"); ok {
		return exists{path: strings.TrimSpace(rest)}, nil
	}
	if path, value, ok := strings.Cut(clause, ".contains:"); ok {
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("contains needs a key")
		}
		return contains{path: strings.TrimSpace(path), value: unquote(value)}, nil
	}
	for _, op := range operators {
		idx := strings.Index(clause, op)
		if idx < 0 {
			continue
		}
		path := strings.TrimSpace(clause[:idx])
		value := unquote(clause[idx+len(op):])
		if path == "" {
			return nil, fmt.Errorf("missing key before %s", op)
		}
		if op != "==" && op != "!=" {
			if _, err := strconv.ParseFloat(value, 64); err != nil {
				return nil, fmt.Errorf("%s needs a numeric operand, got %q", op, value)
			}
		}
		return compare{path: path, op: op, value: value}, nil
	}
	if rest, ok := strings.CutPrefix(clause, "!"); ok {
		return truthy{path: strings.TrimSpace(rest), negate: true}, nil
	}
	if strings.ContainsAny(clause, " \t=<>") {
		return nil, fmt.Errorf("cannot parse clause %q", clause)
	}
	return truthy{path: clause}, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

type constant bool

func (c constant) Eval(map[string]any) bool { return bool(c) }
func (c constant) String() string          { return strconv.FormatBool(bool(c)) }

type andCond []Condition

func (a andCond) Eval(ctx map[string]any) bool {
	for _, c := range a {
		if !c.Eval(ctx) {
			return false
		}
	}
	return true
}

func (a andCond) String() string { return join(a, " && ") }

type orCond []andCond

func (o orCond) Eval(ctx map[string]any) bool {
	for _, c := range o {
		if c.Eval(ctx) {
			return true
		}
	}
	return false
}

func (o orCond) String() string {
	parts := make([]Condition, len(o))
	for i, c := range o {
		parts[i] = c
	}
	return join(parts, " || ")
}

func join(cs []Condition, sep string) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, sep)
}

type exists struct {
	path   string
	negate bool
}

func (e exists) Eval(ctx map[string]any) bool {
	_, ok := Lookup(ctx, e.path)
	return ok != e.negate
}

func (e exists) String() string {
	if e.negate {
		return "!exists:" + e.path
	}
	return "exists:" + e.path
}

type truthy struct {
	path   string
	negate bool
}

func (t truthy) Eval(ctx map[string]any) bool {
	v, ok := Lookup(ctx, t.path)
	return (ok && isTruthy(v)) != t.negate
}

func (t truthy) String() string {
	if t.negate {
		return "!" + t.path
	}
	return t.path
}

type contains struct {
	path  string
	value string
}

func (c contains) Eval(ctx map[string]any) bool {
	v, ok := Lookup(ctx, c.path)
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return strings.Contains(s, c.value)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if fmt.Sprint(rv.Index(i).Interface()) == c.value {
				return true
			}
		}
	case reflect.Map:
		for _, k := range rv.MapKeys() {
			if fmt.Sprint(k.Interface()) == c.value {
				return true
			}
		}
	}
	return false
}

func (c contains) String() string { return c.path + ".contains:" + c.value }

type compare struct {
	path  string
	op    string
	value string
}

func (c compare) Eval(ctx map[string]any) bool {
	v, ok := Lookup(ctx, c.path)
	switch c.op {
	case "==":
		return ok && fmt.Sprint(v) == c.value
	case "!=":
		return !ok || fmt.Sprint(v) != c.value
	}
	if !ok {
		return false
	}
	left, okL := toFloat(v)
	right, okR := toFloat(c.value)
	if !okL || !okR {
		return false
	}
	switch c.op {
	case ">":
		return left > right
	case "<":
		return left < right
	case ">=":
		return left >= right
	case "<=":
		return left <= right
	}
	return false
}

func (c compare) String() string { return c.path + c.op + c.value }

// Lookup resolves a key in ctx. An exact key match wins; otherwise the key
// is treated as a dotted path into nested maps.
func Lookup(ctx map[string]any, path string) (any, bool) {
	if ctx == nil {
		return nil, false
	}
	if v, ok := ctx[path]; ok {
		return v, true
	}
	for i := 0; i < len(path); i++ {
		if path[i] != '.' {
			continue
		}
		nested, ok := ctx[path[:i]]
		if !ok {
			continue
		}
		switch m := nested.(type) {
		case map[string]any:
			if v, found := Lookup(m, path[i+1:]); found {
				return v, true
			}
		case map[string]string:
			if v, found := m[path[i+1:]]; found {
				return v, true
			}
		}
	}
	return nil, false
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
