package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// undefined marks a path that resolved to nothing. It is distinct from an
// explicit null value.
type undefined struct{}

func (n orNode) eval(env map[string]any) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	if truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

func (n andNode) eval(env map[string]any) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	if !truthy(l) {
		return false, nil
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

func (n notNode) eval(env map[string]any) (any, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

func (n litNode) eval(map[string]any) (any, error) { return n.value, nil }

func (n pathNode) eval(env map[string]any) (any, error) {
	var cur any = env
	for _, seg := range n.segments {
		if seg.isIdx {
			arr, ok := cur.([]any)
			if !ok || seg.index < 0 || seg.index >= len(arr) {
				return undefined{}, nil
			}
			cur = arr[seg.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return undefined{}, nil
		}
		v, present := m[seg.field]
		if !present {
			return undefined{}, nil
		}
		cur = v
	}
	return cur, nil
}

func (n callNode) eval(env map[string]any) (any, error) {
	fn, ok := builtins[n.name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", n.name)
	}
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn(args)
}

func (n arrayNode) eval(env map[string]any) (any, error) {
	out := make([]any, len(n.elems))
	for i, e := range n.elems {
		v, err := e.eval(env)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (n cmpNode) eval(env map[string]any) (any, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}

	// Suffix operators take no right operand.
	switch n.op {
	case "exists":
		return !isUndef(left), nil
	case "notexists":
		return isUndef(left), nil
	case "isstring":
		_, ok := left.(string)
		return ok, nil
	case "isnumber":
		_, ok := toNumber(left)
		_, isStr := left.(string)
		return ok && !isStr, nil
	case "isboolean":
		_, ok := left.(bool)
		return ok, nil
	case "isarray":
		_, ok := left.([]any)
		return ok, nil
	case "isobject":
		_, ok := left.(map[string]any)
		return ok, nil
	case "isnull":
		return left == nil, nil
	case "isundefined":
		return isUndef(left), nil
	}

	right, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return compare(n.op, left, right)
}

func compare(op string, left, right any) (bool, error) {
	switch op {
	case "eq":
		return equal(left, right), nil
	case "ne":
		return !equal(left, right), nil
	case "gt", "lt", "ge", "le":
		c, ok := order(left, right)
		if !ok {
			return false, nil
		}
		switch op {
		case "gt":
			return c > 0, nil
		case "lt":
			return c < 0, nil
		case "ge":
			return c >= 0, nil
		default:
			return c <= 0, nil
		}
	case "contains":
		if arr, ok := left.([]any); ok {
			for _, v := range arr {
				if equal(v, right) {
					return true, nil
				}
			}
			return false, nil
		}
		ls, lok := left.(string)
		rs, rok := right.(string)
		return lok && rok && strings.Contains(strings.ToLower(ls), strings.ToLower(rs)), nil
	case "startswith":
		ls, lok := left.(string)
		rs, rok := right.(string)
		return lok && rok && strings.HasPrefix(strings.ToLower(ls), strings.ToLower(rs)), nil
	case "endswith":
		ls, lok := left.(string)
		rs, rok := right.(string)
		return lok && rok && strings.HasSuffix(strings.ToLower(ls), strings.ToLower(rs)), nil
	case "matches":
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return false, nil
		}
		re, err := regexp.Compile("(?i)" + rs)
		if err != nil {
			// A bad pattern fails the comparison, not the evaluation.
			return false, nil
		}
		return re.MatchString(ls), nil
	case "in", "notin":
		arr, ok := right.([]any)
		if !ok {
			return false, fmt.Errorf("%s requires an array right operand", op)
		}
		found := false
		for _, v := range arr {
			if equal(left, v) {
				found = true
				break
			}
		}
		if op == "in" {
			return found, nil
		}
		return !found, nil
	case "hasany", "hasall":
		larr, lok := left.([]any)
		rarr, rok := right.([]any)
		if !lok || !rok {
			return false, fmt.Errorf("%s requires array operands", op)
		}
		if op == "hasany" {
			for _, r := range rarr {
				for _, l := range larr {
					if equal(l, r) {
						return true, nil
					}
				}
			}
			return false, nil
		}
		for _, r := range rarr {
			found := false
			for _, l := range larr {
				if equal(l, r) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		}
		return true, nil
	case "before", "after":
		lt, lok := toDate(left)
		rt, rok := toDate(right)
		if !lok || !rok {
			return false, nil
		}
		if op == "before" {
			return lt.Before(rt), nil
		}
		return lt.After(rt), nil
	case "between":
		arr, ok := right.([]any)
		if !ok || len(arr) != 2 {
			return false, fmt.Errorf("between requires a two-element array")
		}
		v, vok := toDate(left)
		lo, lok := toDate(arr[0])
		hi, hok := toDate(arr[1])
		if !vok || !lok || !hok {
			return false, nil
		}
		return !v.Before(lo) && !v.After(hi), nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func isUndef(v any) bool {
	_, ok := v.(undefined)
	return ok
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil, undefined:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	return true
}

// equal compares values with case-insensitive string semantics.
func equal(a, b any) bool {
	if isUndef(a) || isUndef(b) {
		return isUndef(a) && isUndef(b)
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.EqualFold(as, bs)
		}
	}
	if af, ok := toNumber(a); ok {
		if bf, ok := toNumber(b); ok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := toDate(b); ok {
			return at.Equal(bt)
		}
	}
	return false
}

// order returns -1/0/1 when the operands are comparable.
func order(a, b any) (int, bool) {
	if af, aok := toNumber(a); aok {
		if bf, bok := toNumber(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return strings.Compare(strings.ToLower(as), strings.ToLower(bs)), true
		}
	}
	if at, aok := toDate(a); aok {
		if bt, bok := toDate(b); bok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			}
			return 0, true
		}
	}
	return 0, false
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}

// toDate coerces a value to a time. Strings try RFC 3339 then a plain date;
// numbers are Unix milliseconds.
func toDate(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	}
	if f, ok := toNumber(v); ok {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	return time.Time{}, false
}
