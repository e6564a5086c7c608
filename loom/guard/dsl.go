// Package guard implements guardian evaluation for the Loom engine: the
// guard-type dispatch table, the safe routing-policy expression DSL, and
// conditional-injector rules.
//
// The package is self-contained: callers adapt engine entities into the
// small input types defined here.
package guard

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// The policy DSL is a safe, expression-only sublanguage evaluated against a
// UOW attribute map plus a closed set of reserved metadata names.
//
// Grammar:
//
//	expr    := or
//	or      := and ("or" and)*
//	and     := unary ("and" unary)*
//	unary   := "not" unary | cmp
//	cmp     := term (("<" | "<=" | ">" | ">=" | "==" | "=" | "!=" |
//	                  "in" | "not" "in") term)?
//	term    := number | string | "true" | "false" | "null"
//	         | ident | "(" expr ")" | "[" (expr ("," expr)*)? "]"
//
// There are no function calls, attribute access, subscripts, arithmetic or
// bitwise operators; anything outside the grammar is a SyntaxError. A parsed
// expression is validated once at blueprint import against the permitted
// variable set and interpreted at runtime by a plain AST walk, so no host
// evaluator is ever reached.

// SyntaxError reports malformed input or a forbidden construct.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("dsl syntax error at %d: %s", e.Pos, e.Msg)
}

// AttributeError reports a variable outside the permitted set
// (blueprint time) or missing from the attribute map (runtime).
type AttributeError struct {
	Name string
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("dsl attribute error: unknown name %q", e.Name)
}

// EvalError reports a runtime type mismatch during evaluation.
type EvalError struct {
	Msg string
}

func (e *EvalError) Error() string {
	return "dsl evaluation error: " + e.Msg
}

// ReservedNames are the metadata names every expression may reference in
// addition to the UOW's attribute keys.
var ReservedNames = []string{
	"uow_id", "child_count", "finished_child_count", "status", "parent_id",
}

// Expr is a parsed, reusable DSL expression.
type Expr struct {
	src  string
	root node
}

// String returns the original source text.
func (e *Expr) String() string { return e.src }

// Parse compiles source text into an Expr. Forbidden constructs surface as
// SyntaxError.
func Parse(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, src: src}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, &SyntaxError{Pos: p.peek().pos, Msg: "unexpected trailing input"}
	}
	return &Expr{src: src, root: root}, nil
}

// Validate walks the expression and rejects any variable reference for
// which allowed returns false. Run once at blueprint import.
func (e *Expr) Validate(allowed func(name string) bool) error {
	return walkVars(e.root, func(name string) error {
		if !allowed(name) {
			return &AttributeError{Name: name}
		}
		return nil
	})
}

// Eval interprets the expression against vars. Missing variables surface as
// AttributeError; type mismatches as EvalError.
func (e *Expr) Eval(vars map[string]any) (any, error) {
	return evalNode(e.root, vars)
}

// EvalBool evaluates and requires a boolean result.
func (e *Expr) EvalBool(vars map[string]any) (bool, error) {
	v, err := e.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &EvalError{Msg: fmt.Sprintf("expression %q is not boolean", e.src)}
	}
	return b, nil
}

// lexer

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp     // < <= > >= == != =
	tokLParen // (
	tokRParen // )
	tokLBrack // [
	tokRBrack // ]
	tokComma  // ,
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == '[':
			toks = append(toks, token{tokLBrack, "[", i})
			i++
		case r == ']':
			toks = append(toks, token{tokRBrack, "]", i})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case r == '<' || r == '>':
			op := string(r)
			i++
			if i < len(runes) && runes[i] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{tokOp, op, i - len(op)})
		case r == '=':
			i++
			if i < len(runes) && runes[i] == '=' {
				i++
				toks = append(toks, token{tokOp, "==", i - 2})
			} else {
				toks = append(toks, token{tokOp, "==", i - 1})
			}
		case r == '!':
			i++
			if i < len(runes) && runes[i] == '=' {
				i++
				toks = append(toks, token{tokOp, "!=", i - 2})
			} else {
				return nil, &SyntaxError{Pos: i - 1, Msg: "unexpected '!'"}
			}
		case r == '\'' || r == '"':
			quote := r
			start := i
			i++
			var sb strings.Builder
			for {
				if i >= len(runes) {
					return nil, &SyntaxError{Pos: start, Msg: "unterminated string"}
				}
				c := runes[i]
				if c == '\\' && i+1 < len(runes) {
					sb.WriteRune(runes[i+1])
					i += 2
					continue
				}
				if c == quote {
					i++
					break
				}
				sb.WriteRune(c)
				i++
			}
			toks = append(toks, token{tokString, sb.String(), start})
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			i++
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, string(runes[start:i]), start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			toks = append(toks, token{tokIdent, string(runes[start:i]), start})
		case r == '.':
			return nil, &SyntaxError{Pos: i, Msg: "attribute access is not allowed"}
		case r == '+' || r == '-' || r == '*' || r == '/' || r == '%' ||
			r == '&' || r == '|' || r == '^' || r == '~':
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("operator %q is not allowed", string(r))}
		default:
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", string(r))}
		}
	}
	toks = append(toks, token{tokEOF, "", len(runes)})
	return toks, nil
}

// AST

type node interface{}

type litNode struct{ val any }

type varNode struct{ name string }

type listNode struct{ items []node }

type cmpNode struct {
	op       string // < <= > >= == != in notin
	lhs, rhs node
}

type logicNode struct {
	op   string // and or
	l, r node
}

type notNode struct{ x node }

// parser

type parser struct {
	toks []token
	src  string
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	p.i++
	return t
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().text == "or" {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = &logicNode{op: "or", l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().text == "and" {
		p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = &logicNode{op: "and", l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokIdent && p.peek().text == "not" {
		// "not in" belongs to the comparison level, so only consume "not"
		// here when it prefixes a full operand.
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{x: x}, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (node, error) {
	l, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	switch {
	case t.kind == tokOp:
		p.next()
		r, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return &cmpNode{op: t.text, lhs: l, rhs: r}, nil
	case t.kind == tokIdent && t.text == "in":
		p.next()
		r, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return &cmpNode{op: "in", lhs: l, rhs: r}, nil
	case t.kind == tokIdent && t.text == "not":
		// lookahead for "not in"
		if p.toks[p.i+1].kind == tokIdent && p.toks[p.i+1].text == "in" {
			p.next()
			p.next()
			r, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			return &cmpNode{op: "notin", lhs: l, rhs: r}, nil
		}
	}
	return l, nil
}

func (p *parser) parseTerm() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Msg: "invalid number " + t.text}
		}
		return &litNode{val: f}, nil
	case tokString:
		p.next()
		return &litNode{val: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			p.next()
			return &litNode{val: true}, nil
		case "false":
			p.next()
			return &litNode{val: false}, nil
		case "null":
			p.next()
			return &litNode{val: nil}, nil
		case "and", "or", "not", "in":
			return nil, &SyntaxError{Pos: t.pos, Msg: "unexpected keyword " + t.text}
		}
		p.next()
		if p.peek().kind == tokLParen {
			return nil, &SyntaxError{Pos: p.peek().pos, Msg: "function calls are not allowed"}
		}
		if p.peek().kind == tokLBrack {
			return nil, &SyntaxError{Pos: p.peek().pos, Msg: "subscripts are not allowed"}
		}
		return &varNode{name: t.text}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		// Tuple literals: (a, b, c) behaves like a list.
		if p.peek().kind == tokComma {
			items := []node{inner}
			for p.peek().kind == tokComma {
				p.next()
				item, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				items = append(items, item)
			}
			if p.peek().kind != tokRParen {
				return nil, &SyntaxError{Pos: p.peek().pos, Msg: "expected ')'"}
			}
			p.next()
			return &listNode{items: items}, nil
		}
		if p.peek().kind != tokRParen {
			return nil, &SyntaxError{Pos: p.peek().pos, Msg: "expected ')'"}
		}
		p.next()
		return inner, nil
	case tokLBrack:
		p.next()
		var items []node
		for p.peek().kind != tokRBrack {
			item, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			if p.peek().kind == tokComma {
				p.next()
				continue
			}
			break
		}
		if p.peek().kind != tokRBrack {
			return nil, &SyntaxError{Pos: p.peek().pos, Msg: "expected ']'"}
		}
		p.next()
		return &listNode{items: items}, nil
	default:
		return nil, &SyntaxError{Pos: t.pos, Msg: "unexpected token"}
	}
}

// evaluation

func walkVars(n node, visit func(name string) error) error {
	switch v := n.(type) {
	case *varNode:
		return visit(v.name)
	case *listNode:
		for _, item := range v.items {
			if err := walkVars(item, visit); err != nil {
				return err
			}
		}
	case *cmpNode:
		if err := walkVars(v.lhs, visit); err != nil {
			return err
		}
		return walkVars(v.rhs, visit)
	case *logicNode:
		if err := walkVars(v.l, visit); err != nil {
			return err
		}
		return walkVars(v.r, visit)
	case *notNode:
		return walkVars(v.x, visit)
	}
	return nil
}

func evalNode(n node, vars map[string]any) (any, error) {
	switch v := n.(type) {
	case *litNode:
		return v.val, nil
	case *varNode:
		val, ok := vars[v.name]
		if !ok {
			return nil, &AttributeError{Name: v.name}
		}
		return val, nil
	case *listNode:
		out := make([]any, 0, len(v.items))
		for _, item := range v.items {
			val, err := evalNode(item, vars)
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	case *notNode:
		val, err := evalNode(v.x, vars)
		if err != nil {
			return nil, err
		}
		b, ok := val.(bool)
		if !ok {
			return nil, &EvalError{Msg: "'not' requires a boolean operand"}
		}
		return !b, nil
	case *logicNode:
		lv, err := evalNode(v.l, vars)
		if err != nil {
			return nil, err
		}
		lb, ok := lv.(bool)
		if !ok {
			return nil, &EvalError{Msg: "'" + v.op + "' requires boolean operands"}
		}
		// Short-circuit.
		if v.op == "and" && !lb {
			return false, nil
		}
		if v.op == "or" && lb {
			return true, nil
		}
		rv, err := evalNode(v.r, vars)
		if err != nil {
			return nil, err
		}
		rb, ok := rv.(bool)
		if !ok {
			return nil, &EvalError{Msg: "'" + v.op + "' requires boolean operands"}
		}
		return rb, nil
	case *cmpNode:
		lv, err := evalNode(v.lhs, vars)
		if err != nil {
			return nil, err
		}
		rv, err := evalNode(v.rhs, vars)
		if err != nil {
			return nil, err
		}
		return compare(v.op, lv, rv)
	}
	return nil, &EvalError{Msg: "unknown expression node"}
}

func compare(op string, l, r any) (any, error) {
	switch op {
	case "==":
		return valueEqual(l, r), nil
	case "!=":
		return !valueEqual(l, r), nil
	case "in", "notin":
		found, err := member(l, r)
		if err != nil {
			return nil, err
		}
		if op == "notin" {
			return !found, nil
		}
		return found, nil
	}

	// Ordered comparisons: numbers or strings.
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, lsok := l.(string)
	rs, rsok := r.(string)
	if lsok && rsok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, &EvalError{Msg: fmt.Sprintf("cannot compare %T %s %T", l, op, r)}
}

func member(needle, haystack any) (bool, error) {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if valueEqual(needle, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, &EvalError{Msg: "'in' on a string requires a string operand"}
		}
		return strings.Contains(h, s), nil
	default:
		return false, &EvalError{Msg: fmt.Sprintf("'in' requires a list or string, got %T", haystack)}
	}
}

// valueEqual compares with numeric coercion so 1500 == 1500.0.
func valueEqual(l, r any) bool {
	if lf, lok := toFloat(l); lok {
		if rf, rok := toFloat(r); rok {
			return lf == rf
		}
		return false
	}
	return l == r
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
