// Package expr implements the small boolean condition language used by
// conditional task groups and optimization rules. Conditions look like
//
//	task_build_completed AND (tasks.avg_duration > 500 OR errors.count >= 3)
//
// Identifiers resolve against a caller-supplied environment. Bare identifiers
// evaluate to their truthiness; comparisons coerce both sides to numbers.
// The grammar is total: any condition that does not parse, or references an
// unknown identifier, evaluates to false rather than erroring at runtime.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Env resolves identifiers to values. Supported value types are bool,
// numeric types, and string; callers expose durations as float64
// milliseconds.
type Env interface {
	Resolve(name string) (any, bool)
}

// MapEnv is the common map-backed environment.
type MapEnv map[string]any

// Resolve implements Env.
func (m MapEnv) Resolve(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Eval parses and evaluates the condition against env. Unparseable input and
// unresolvable identifiers yield false.
func Eval(condition string, env Env) bool {
	node, err := Parse(condition)
	if err != nil {
		return false
	}
	return node.Eval(env)
}

// Node is a parsed condition.
type Node interface {
	Eval(env Env) bool
}

type binaryNode struct {
	op          string // "AND" or "OR"
	left, right Node
}

func (n *binaryNode) Eval(env Env) bool {
	if n.op == "AND" {
		return n.left.Eval(env) && n.right.Eval(env)
	}
	return n.left.Eval(env) || n.right.Eval(env)
}

type notNode struct{ inner Node }

func (n *notNode) Eval(env Env) bool { return !n.inner.Eval(env) }

type compareNode struct {
	op          string // ">", ">=", "<", "<=", "==", "!="
	left, right operand
}

func (n *compareNode) Eval(env Env) bool {
	lv, lok := n.left.value(env)
	rv, rok := n.right.value(env)
	if !lok || !rok {
		return false
	}
	switch n.op {
	case ">":
		return lv > rv
	case ">=":
		return lv >= rv
	case "<":
		return lv < rv
	case "<=":
		return lv <= rv
	case "==":
		return lv == rv
	case "!=":
		return lv != rv
	}
	return false
}

type identNode struct{ name string }

func (n *identNode) Eval(env Env) bool {
	v, ok := env.Resolve(n.name)
	if !ok {
		return false
	}
	return truthy(v)
}

// operand is one side of a comparison: a literal number or an identifier.
type operand struct {
	ident   string
	literal float64
	isIdent bool
}

func (o operand) value(env Env) (float64, bool) {
	if !o.isIdent {
		return o.literal, true
	}
	v, ok := env.Resolve(o.ident)
	if !ok {
		return 0, false
	}
	return toNumber(v)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	default:
		n, ok := toNumber(v)
		return ok && n != 0
	}
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
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

// Parse builds the condition tree. Grammar, lowest precedence first:
//
//	expr    = term { "OR" term }
//	term    = factor { "AND" factor }
//	factor  = "NOT" factor | "(" expr ")" | comparison | ident
//	comparison = operand op operand
func Parse(condition string) (Node, error) {
	toks, err := tokenize(condition)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected token %q", p.toks[p.pos].text)
	}
	return node, nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokOp // comparison operator
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '>' || c == '<':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokOp, s[i : i+2]})
				i += 2
			} else {
				toks = append(toks, token{tokOp, string(c)})
				i++
			}
		case c == '=' || c == '!':
			if i+1 >= len(s) || s[i+1] != '=' {
				return nil, fmt.Errorf("stray %q at offset %d", c, i)
			}
			toks = append(toks, token{tokOp, s[i : i+2]})
			i += 2
		case c >= '0' && c <= '9' || c == '.' || c == '-':
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.' || s[j] == 'e' || s[j] == 'E') {
				j++
			}
			if _, err := strconv.ParseFloat(s[i:j], 64); err != nil {
				return nil, fmt.Errorf("bad number %q", s[i:j])
			}
			toks = append(toks, token{tokNumber, s[i:j]})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			word := s[i:j]
			switch strings.ToUpper(word) {
			case "AND":
				toks = append(toks, token{tokAnd, word})
			case "OR":
				toks = append(toks, token{tokOr, word})
			case "NOT":
				toks = append(toks, token{tokNot, word})
			default:
				toks = append(toks, token{tokIdent, word})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.'
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) parseExpr() (Node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != tokOr {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "OR", left: left, right: right}
	}
}

func (p *parser) parseTerm() (Node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != tokAnd {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "AND", left: left, right: right}
	}
}

func (p *parser) parseFactor() (Node, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of condition")
	}

	switch tok.kind {
	case tokNot:
		p.pos++
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil

	case tokLParen:
		p.pos++
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		next, ok := p.peek()
		if !ok || next.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil

	case tokIdent, tokNumber:
		left, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		next, ok := p.peek()
		if ok && next.kind == tokOp {
			p.pos++
			right, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			return &compareNode{op: next.text, left: left, right: right}, nil
		}
		if !left.isIdent {
			return nil, fmt.Errorf("bare number is not a condition")
		}
		return &identNode{name: left.ident}, nil

	default:
		return nil, fmt.Errorf("unexpected token %q", tok.text)
	}
}

func (p *parser) parseOperand() (operand, error) {
	tok, ok := p.peek()
	if !ok {
		return operand{}, fmt.Errorf("unexpected end of condition")
	}
	p.pos++
	switch tok.kind {
	case tokIdent:
		return operand{ident: tok.text, isIdent: true}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return operand{}, err
		}
		return operand{literal: f}, nil
	default:
		return operand{}, fmt.Errorf("expected operand, got %q", tok.text)
	}
}
