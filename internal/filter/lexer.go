package filter

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokPunct // ( ) [ ] ,
	tokOp    // && || ! == != <> = > < >= <=
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// tokenize splits an expression into tokens. Identifiers keep their dotted
// path and integer index segments intact (data.items[0].name is one token).
func tokenize(input string) ([]token, error) {
	var toks []token
	i := 0
	n := len(input)
	for i < n {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')' || c == ',' || c == ']':
			toks = append(toks, token{tokPunct, string(c), i})
			i++
		case c == '[':
			toks = append(toks, token{tokPunct, "[", i})
			i++
		case c == '\'' || c == '"':
			s, next, err := scanString(input, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, s, i})
			i = next
		case c >= '0' && c <= '9' || (c == '-' && i+1 < n && input[i+1] >= '0' && input[i+1] <= '9' && startsValue(toks)):
			start := i
			i++
			for i < n && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, input[start:i], start})
		case isIdentStart(rune(c)):
			start := i
			i = scanIdent(input, i)
			toks = append(toks, token{tokIdent, input[start:i], start})
		default:
			op, next, err := scanOp(input, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokOp, op, i})
			i = next
		}
	}
	toks = append(toks, token{tokEOF, "", n})
	return toks, nil
}

// startsValue reports whether the next token begins a value position, which
// is where a leading minus belongs to a number literal.
func startsValue(toks []token) bool {
	if len(toks) == 0 {
		return true
	}
	last := toks[len(toks)-1]
	switch last.kind {
	case tokOp:
		return true
	case tokPunct:
		return last.text == "(" || last.text == "[" || last.text == ","
	}
	return false
}

func isIdentStart(c rune) bool {
	return unicode.IsLetter(c) || c == '_' || c == '$'
}

// scanIdent consumes a dotted path including bracketed integer indexes.
func scanIdent(input string, i int) int {
	n := len(input)
	for i < n {
		c := input[i]
		if isIdentStart(rune(c)) || c >= '0' && c <= '9' || c == '.' {
			i++
			continue
		}
		// Attached integer index: ident[3] continues the path, but only
		// when the bracket holds digits and closes — otherwise it is an
		// array literal and the parser handles it.
		if c == '[' {
			j := i + 1
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			if j > i+1 && j < n && input[j] == ']' {
				i = j + 1
				continue
			}
		}
		break
	}
	return i
}

func scanString(input string, i int) (string, int, error) {
	quote := input[i]
	var b strings.Builder
	j := i + 1
	for j < len(input) {
		c := input[j]
		if c == quote {
			return b.String(), j + 1, nil
		}
		if c == '\\' && j+1 < len(input) {
			j++
			switch input[j] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(input[j])
			}
			j++
			continue
		}
		b.WriteByte(c)
		j++
	}
	return "", 0, fmt.Errorf("unterminated string at offset %d", i)
}

func scanOp(input string, i int) (string, int, error) {
	two := ""
	if i+1 < len(input) {
		two = input[i : i+2]
	}
	switch two {
	case "&&", "||", "==", "!=", "<>", ">=", "<=":
		return two, i + 2, nil
	}
	switch input[i] {
	case '!', '=', '>', '<':
		return string(input[i]), i + 1, nil
	}
	return "", 0, fmt.Errorf("unexpected character %q at offset %d", input[i], i)
}
