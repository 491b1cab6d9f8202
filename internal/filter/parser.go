package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Grammar:
//
//	expr    := or
//	or      := and ("||" and)*
//	and     := cmp ("&&" cmp)*
//	cmp     := unary (op unary?)?
//	unary   := "!" unary | primary
//	primary := literal | ident | ident "(" args ")" | "(" expr ")" | "[" args "]"
//
// Word operators (contains, in, exists, ...) are identifiers recognized in
// operator position. Suffix operators (exists, isString, ...) take no right
// operand.

type node interface {
	eval(env map[string]any) (any, error)
}

type orNode struct{ left, right node }
type andNode struct{ left, right node }
type notNode struct{ operand node }

type cmpNode struct {
	left  node
	op    string // normalized lower-case operator name
	right node   // nil for suffix operators
}

type litNode struct{ value any }

type pathNode struct{ segments []pathSeg }

type pathSeg struct {
	field string
	index int
	isIdx bool
}

type callNode struct {
	name string
	args []node
}

type arrayNode struct{ elems []node }

// wordOps maps lower-cased identifier operators to their canonical name.
// The value is true when the operator is a suffix (no right operand).
var wordOps = map[string]bool{
	"contains": false, "startswith": false, "endswith": false, "matches": false,
	"in": false, "notin": false, "hasany": false, "hasall": false,
	"before": false, "after": false, "between": false,
	"exists": true, "notexists": true,
	"isstring": true, "isnumber": true, "isboolean": true, "isarray": true,
	"isobject": true, "isnull": true, "isundefined": true,
}

type parser struct {
	toks []token
	pos  int
}

func parse(input string) (node, error) {
	toks, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q at offset %d", p.peek().text, p.peek().pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }
func (p *parser) backup()     { p.pos-- }

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		p.next()
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	var op string
	switch {
	case t.kind == tokOp && t.text != "&&" && t.text != "||" && t.text != "!":
		op = normalizeOp(t.text)
		p.next()
	case t.kind == tokIdent:
		lower := strings.ToLower(t.text)
		if suffix, ok := wordOps[lower]; ok {
			p.next()
			if suffix {
				return cmpNode{left: left, op: lower}, nil
			}
			op = lower
		}
	}
	if op == "" {
		return left, nil
	}

	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return cmpNode{left: left, op: op, right: right}, nil
}

func normalizeOp(sym string) string {
	switch sym {
	case "=", "==":
		return "eq"
	case "!=", "<>":
		return "ne"
	case ">":
		return "gt"
	case "<":
		return "lt"
	case ">=":
		return "ge"
	case "<=":
		return "le"
	}
	return sym
}

func (p *parser) parseUnary() (node, error) {
	if t := p.peek(); t.kind == tokOp && t.text == "!" {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at offset %d", t.text, t.pos)
		}
		return litNode{f}, nil
	case tokString:
		return litNode{t.text}, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return litNode{true}, nil
		case "false":
			return litNode{false}, nil
		case "null":
			return litNode{nil}, nil
		case "undefined":
			return litNode{undefined{}}, nil
		}
		if p.peek().kind == tokPunct && p.peek().text == "(" {
			p.next()
			args, err := p.parseArgs(")")
			if err != nil {
				return nil, err
			}
			return callNode{name: strings.ToLower(t.text), args: args}, nil
		}
		return parsePath(t)
	case tokPunct:
		switch t.text {
		case "(":
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if c := p.next(); c.kind != tokPunct || c.text != ")" {
				return nil, fmt.Errorf("expected ) at offset %d", c.pos)
			}
			return inner, nil
		case "[":
			elems, err := p.parseArgs("]")
			if err != nil {
				return nil, err
			}
			return arrayNode{elems}, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q at offset %d", t.text, t.pos)
}

func (p *parser) parseArgs(closing string) ([]node, error) {
	var args []node
	if p.peek().kind == tokPunct && p.peek().text == closing {
		p.next()
		return args, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		t := p.next()
		if t.kind == tokPunct && t.text == closing {
			return args, nil
		}
		if t.kind != tokPunct || t.text != "," {
			return nil, fmt.Errorf("expected , or %s at offset %d", closing, t.pos)
		}
	}
}

// parsePath splits a dotted identifier with optional [n] indexes into
// path segments.
func parsePath(t token) (node, error) {
	var segs []pathSeg
	s := t.text
	for len(s) > 0 {
		if s[0] == '.' {
			s = s[1:]
			continue
		}
		if s[0] == '[' {
			end := strings.IndexByte(s, ']')
			idx, err := strconv.Atoi(s[1:end])
			if err != nil {
				return nil, fmt.Errorf("invalid index in path %q", t.text)
			}
			segs = append(segs, pathSeg{index: idx, isIdx: true})
			s = s[end+1:]
			continue
		}
		end := strings.IndexAny(s, ".[")
		if end == -1 {
			end = len(s)
		}
		segs = append(segs, pathSeg{field: s[:end]})
		s = s[end:]
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("empty path at offset %d", t.pos)
	}
	return pathNode{segs}, nil
}
