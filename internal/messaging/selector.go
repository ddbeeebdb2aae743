package messaging

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// ErrInvalidSelector is returned for filter expressions that cannot be parsed
var ErrInvalidSelector = errors.New("invalid message selector")

// Selector is a compiled filter expression over message properties.
//
// Supported syntax (SQL-92 subset):
//
//	prop = 'v'   prop <> 'v'   prop IN ('a', 'b')   prop NOT IN ('a')
//	prop IS NULL   prop IS NOT NULL   TRUE   FALSE
//	NOT x   x AND y   x OR y   ( x )
//
// Comparisons against a missing property are unknown, and unknown never matches.
type Selector struct {
	source string
	root   node
}

// ParseSelector compiles expr. An empty expression matches every message.
func ParseSelector(expr string) (*Selector, error) {
	s := &Selector{source: expr}
	if strings.TrimSpace(expr) == "" {
		return s, nil
	}

	tokens, err := lex(expr)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}
	s.root = root
	return s, nil
}

// MustParseSelector is ParseSelector that panics on error
func MustParseSelector(expr string) *Selector {
	s, err := ParseSelector(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Matches evaluates the selector against props
func (s *Selector) Matches(props map[string]string) bool {
	if s == nil || s.root == nil {
		return true
	}
	return s.root.eval(props) == triTrue
}

func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.source
}

// QuoteLiteral renders v as a selector string literal
func QuoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// ============================================================================
// Evaluation
// ============================================================================

type tri int

const (
	triFalse tri = iota
	triTrue
	triUnknown
)

func boolTri(b bool) tri {
	if b {
		return triTrue
	}
	return triFalse
}

type node interface {
	eval(props map[string]string) tri
}

type literalNode struct{ value bool }

func (n literalNode) eval(map[string]string) tri { return boolTri(n.value) }

type notNode struct{ inner node }

func (n notNode) eval(props map[string]string) tri {
	switch n.inner.eval(props) {
	case triTrue:
		return triFalse
	case triFalse:
		return triTrue
	}
	return triUnknown
}

type andNode struct{ left, right node }

func (n andNode) eval(props map[string]string) tri {
	l, r := n.left.eval(props), n.right.eval(props)
	if l == triFalse || r == triFalse {
		return triFalse
	}
	if l == triTrue && r == triTrue {
		return triTrue
	}
	return triUnknown
}

type orNode struct{ left, right node }

func (n orNode) eval(props map[string]string) tri {
	l, r := n.left.eval(props), n.right.eval(props)
	if l == triTrue || r == triTrue {
		return triTrue
	}
	if l == triFalse && r == triFalse {
		return triFalse
	}
	return triUnknown
}

type operand struct {
	ident   string
	literal string
	isIdent bool
}

func (o operand) resolve(props map[string]string) (string, bool) {
	if !o.isIdent {
		return o.literal, true
	}
	v, ok := props[o.ident]
	return v, ok
}

type compareNode struct {
	left, right operand
	negate      bool
}

func (n compareNode) eval(props map[string]string) tri {
	l, lok := n.left.resolve(props)
	r, rok := n.right.resolve(props)
	if !lok || !rok {
		return triUnknown
	}
	return boolTri((l == r) != n.negate)
}

type inNode struct {
	subject operand
	values  []string
	negate  bool
}

func (n inNode) eval(props map[string]string) tri {
	v, ok := n.subject.resolve(props)
	if !ok {
		return triUnknown
	}
	found := false
	for _, candidate := range n.values {
		if candidate == v {
			found = true
			break
		}
	}
	return boolTri(found != n.negate)
}

type nullNode struct {
	subject operand
	negate  bool
}

func (n nullNode) eval(props map[string]string) tri {
	_, ok := n.subject.resolve(props)
	return boolTri(!ok != n.negate)
}

// ============================================================================
// Lexing
// ============================================================================

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)

	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", pos: i})
			i++
		case r == '=':
			tokens = append(tokens, token{kind: tokOp, text: "=", pos: i})
			i++
		case r == '<' && i+1 < len(runes) && runes[i+1] == '>':
			tokens = append(tokens, token{kind: tokOp, text: "<>", pos: i})
			i += 2
		case r == '!' && i+1 < len(runes) && runes[i+1] == '=':
			tokens = append(tokens, token{kind: tokOp, text: "<>", pos: i})
			i += 2
		case r == '\'':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < len(runes) {
				if runes[i] == '\'' {
					if i+1 < len(runes) && runes[i+1] == '\'' {
						sb.WriteRune('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, errors.Wrapf(ErrInvalidSelector, "unterminated string at %d", start)
			}
			tokens = append(tokens, token{kind: tokString, text: sb.String(), pos: start})
		case unicode.IsDigit(r) || r == '-':
			start := i
			i++
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{kind: tokNumber, text: string(runes[start:i]), pos: start})
		case unicode.IsLetter(r) || r == '_' || r == '$':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '.' || runes[i] == '$') {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: string(runes[start:i]), pos: start})
		default:
			return nil, errors.Wrapf(ErrInvalidSelector, "unexpected character %q at %d", r, i)
		}
	}
	return tokens, nil
}

// ============================================================================
// Parsing
// ============================================================================

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() token {
	if p.done() {
		return token{kind: -1}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) errorf(format string, args ...any) error {
	return errors.Wrap(ErrInvalidSelector, fmt.Sprintf(format, args...))
}

func (p *parser) keyword(word string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) isKeyword(offset int, word string) bool {
	if p.pos+offset >= len(p.tokens) {
		return false
	}
	t := p.tokens[p.pos+offset]
	return t.kind == tokIdent && strings.EqualFold(t.text, word)
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.keyword("NOT") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch {
	case p.done():
		return nil, p.errorf("unexpected end of expression")
	case t.kind == tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, p.errorf("missing closing parenthesis")
		}
		return inner, nil
	case p.keyword("TRUE"):
		return literalNode{value: true}, nil
	case p.keyword("FALSE"):
		return literalNode{value: false}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseOperand() (operand, error) {
	t := p.next()
	switch t.kind {
	case tokIdent:
		for _, reserved := range []string{"AND", "OR", "NOT", "IN", "IS", "NULL"} {
			if strings.EqualFold(t.text, reserved) {
				return operand{}, p.errorf("unexpected keyword %q", t.text)
			}
		}
		return operand{ident: t.text, isIdent: true}, nil
	case tokString, tokNumber:
		return operand{literal: t.text}, nil
	}
	return operand{}, p.errorf("expected identifier or literal at %d", t.pos)
}

func (p *parser) parseComparison() (node, error) {
	subject, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	switch {
	case p.keyword("IS"):
		negate := p.keyword("NOT")
		if !p.keyword("NULL") {
			return nil, p.errorf("expected NULL after IS")
		}
		return nullNode{subject: subject, negate: negate}, nil

	case p.isKeyword(0, "NOT") && p.isKeyword(1, "IN"):
		p.pos += 2
		values, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return inNode{subject: subject, values: values, negate: true}, nil

	case p.keyword("IN"):
		values, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return inNode{subject: subject, values: values}, nil
	}

	op := p.next()
	if op.kind != tokOp {
		return nil, p.errorf("expected comparison operator at %d", op.pos)
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return compareNode{left: subject, right: right, negate: op.text == "<>"}, nil
}

func (p *parser) parseList() ([]string, error) {
	if p.next().kind != tokLParen {
		return nil, p.errorf("expected ( after IN")
	}
	var values []string
	if p.peek().kind == tokRParen {
		p.next()
		return values, nil
	}
	for {
		t := p.next()
		if t.kind != tokString && t.kind != tokNumber {
			return nil, p.errorf("expected literal in IN list at %d", t.pos)
		}
		values = append(values, t.text)

		sep := p.next()
		if sep.kind == tokRParen {
			return values, nil
		}
		if sep.kind != tokComma {
			return nil, p.errorf("expected , or ) in IN list")
		}
	}
}
