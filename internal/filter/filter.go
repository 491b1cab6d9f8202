// Package filter compiles and evaluates subscriber-defined boolean
// expressions over event data.
//
// Expressions are tokenized, parsed to an AST, and compiled once per
// distinct expression text; the compiled predicate is cached. Evaluation
// fails closed: any runtime error rejects the event.
package filter

import (
	"log/slog"
	"strings"
	"sync"
)

// Predicate evaluates a compiled expression against an event environment.
type Predicate func(env map[string]any) bool

// Compile parses an expression and returns its predicate. An empty or
// blank expression matches everything.
func Compile(expr string) (Predicate, error) {
	if strings.TrimSpace(expr) == "" {
		return func(map[string]any) bool { return true }, nil
	}
	root, err := parse(expr)
	if err != nil {
		return nil, err
	}
	return func(env map[string]any) (matched bool) {
		defer func() {
			if recover() != nil {
				matched = false
			}
		}()
		v, err := root.eval(env)
		if err != nil {
			return false
		}
		return truthy(v)
	}, nil
}

// Engine caches compiled predicates keyed by expression text. Compile
// failures are cached too and logged once per expression.
type Engine struct {
	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	pred Predicate
	err  error
}

func NewEngine() *Engine {
	return &Engine{cache: make(map[string]cached)}
}

// Match evaluates expr against env. Compile failures and evaluation errors
// both reject the event.
func (e *Engine) Match(expr string, env map[string]any) bool {
	e.mu.Lock()
	c, ok := e.cache[expr]
	if !ok {
		pred, err := Compile(expr)
		if err != nil {
			slog.Warn("Filter expression failed to compile.", "expr", expr, "err", err)
		}
		c = cached{pred: pred, err: err}
		e.cache[expr] = c
	}
	e.mu.Unlock()

	if c.err != nil {
		return false
	}
	return c.pred(env)
}
