package filter

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// builtin is a pure function callable from filter expressions.
type builtin func(args []any) (any, error)

// builtins is the function registry. Names are lower-cased by the parser.
// Custom functions are an extension point: Register adds to this table.
var builtins = map[string]builtin{
	"upper":       fnUpper,
	"touppercase": fnUpper,
	"lower":       fnLower,
	"tolowercase": fnLower,
	"trim":        fnTrim,
	"length":      fnLength,
	"size":        fnLength,
	"first":       fnFirst,
	"last":        fnLast,
	"abs":         numFn(math.Abs),
	"floor":       numFn(math.Floor),
	"ceil":        numFn(math.Ceil),
	"round":       numFn(math.Round),
	"now":         fnNow,
	"today":       fnToday,
	"todate":      fnToDate,
	"formatdate":  fnFormatDate,
	"coalesce":    fnCoalesce,
	"default":     fnDefault,
	"type":        fnType,
}

// Register installs a custom function. Names are matched case-insensitively.
// Not safe to call after engines have started evaluating.
func Register(name string, fn func(args []any) (any, error)) {
	builtins[strings.ToLower(name)] = fn
}

func argString(args []any, name string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s expects one argument", name)
	}
	s, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("%s expects a string", name)
	}
	return s, nil
}

func fnUpper(args []any) (any, error) {
	s, err := argString(args, "upper")
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func fnLower(args []any) (any, error) {
	s, err := argString(args, "lower")
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func fnTrim(args []any) (any, error) {
	s, err := argString(args, "trim")
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func fnLength(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length expects one argument")
	}
	switch t := args[0].(type) {
	case string:
		return float64(len(t)), nil
	case []any:
		return float64(len(t)), nil
	case map[string]any:
		return float64(len(t)), nil
	}
	return nil, fmt.Errorf("length expects a string, array or object")
}

func fnFirst(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("first expects one argument")
	}
	arr, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("first expects an array")
	}
	if len(arr) == 0 {
		return undefined{}, nil
	}
	return arr[0], nil
}

func fnLast(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("last expects one argument")
	}
	arr, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("last expects an array")
	}
	if len(arr) == 0 {
		return undefined{}, nil
	}
	return arr[len(arr)-1], nil
}

func numFn(f func(float64) float64) builtin {
	return func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expects one argument")
		}
		n, ok := toNumber(args[0])
		if !ok {
			return nil, fmt.Errorf("expects a number")
		}
		return f(n), nil
	}
}

func fnNow(args []any) (any, error) {
	if len(args) != 0 {
		return nil, fmt.Errorf("now takes no arguments")
	}
	return time.Now().UTC(), nil
}

func fnToday(args []any) (any, error) {
	if len(args) != 0 {
		return nil, fmt.Errorf("today takes no arguments")
	}
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
}

func fnToDate(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("toDate expects one argument")
	}
	t, ok := toDate(args[0])
	if !ok {
		return nil, fmt.Errorf("toDate: cannot coerce %T", args[0])
	}
	return t, nil
}

func fnFormatDate(args []any) (any, error) {
	if len(args) == 0 || len(args) > 2 {
		return nil, fmt.Errorf("formatDate expects one or two arguments")
	}
	t, ok := toDate(args[0])
	if !ok {
		return nil, fmt.Errorf("formatDate: cannot coerce %T", args[0])
	}
	layout := time.RFC3339
	if len(args) == 2 {
		s, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("formatDate layout must be a string")
		}
		layout = s
	}
	return t.Format(layout), nil
}

func fnCoalesce(args []any) (any, error) {
	for _, a := range args {
		if a != nil && !isUndef(a) {
			return a, nil
		}
	}
	return nil, nil
}

func fnDefault(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("default expects two arguments")
	}
	if args[0] == nil || isUndef(args[0]) {
		return args[1], nil
	}
	return args[0], nil
}

func fnType(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("type expects one argument")
	}
	switch args[0].(type) {
	case nil:
		return "null", nil
	case undefined:
		return "undefined", nil
	case string:
		return "string", nil
	case bool:
		return "boolean", nil
	case []any:
		return "array", nil
	case map[string]any:
		return "object", nil
	case time.Time:
		return "date", nil
	}
	if _, ok := toNumber(args[0]); ok {
		return "number", nil
	}
	return fmt.Sprintf("%T", args[0]), nil
}
