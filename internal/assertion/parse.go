package assertion

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// The assertion grammar is a restricted boolean expression language:
//
//	expr    := or
//	or      := and ( ("or" | "||") and )*
//	and     := not ( ("and" | "&&") not )*
//	not     := ("not" | "!")? cmp
//	cmp     := add ( ("==" | "!=" | "<" | "<=" | ">" | ">=") add )?
//	add     := mul ( ("+" | "-") mul )*
//	mul     := unary ( ("*" | "/" | "%") unary )*
//	unary   := "-"? primary
//	primary := number | string | "true" | "false" | ident | call | "(" expr ")"
//
// Identifiers may be dotted ("output.site_eui"). Expressions are pure: no
// assignment, no side effects, and only the fixed helper library is callable.

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenOp
	tokenLParen
	tokenRParen
	tokenComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type node interface{}

type literalNode struct {
	value any
}

type identNode struct {
	name string
}

type unaryNode struct {
	op      string
	operand node
}

type binaryNode struct {
	op    string
	left  node
	right node
}

type callNode struct {
	name string
	args []node
}

type parser struct {
	tokens []token
	pos    int
}

// Parse compiles an expression into its AST. All errors are *EvalError with
// kind ErrorParse.
func Parse(expression string) (node, error) {
	tokens, err := lex(expression)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, parseErrorf("unexpected %q at position %d", tok.text, tok.pos)
	}
	return root, nil
}

func lex(input string) ([]token, error) {
	runes := []rune(input)
	tokens := make([]token, 0, 16)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokenLParen, text: "(", pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokenRParen, text: ")", pos: i})
			i++
		case c == ',':
			tokens = append(tokens, token{kind: tokenComma, text: ",", pos: i})
			i++
		case c == '\'' || c == '"':
			quote := c
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(runes) {
				if runes[i] == '\\' && i+1 < len(runes) {
					sb.WriteRune(runes[i+1])
					i += 2
					continue
				}
				if runes[i] == quote {
					closed = true
					i++
					break
				}
				sb.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, parseErrorf("unterminated string at position %d", start)
			}
			tokens = append(tokens, token{kind: tokenString, text: sb.String(), pos: start})
		case unicode.IsDigit(c) || (c == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			text := string(runes[start:i])
			if _, err := strconv.ParseFloat(text, 64); err != nil {
				return nil, parseErrorf("invalid number %q at position %d", text, start)
			}
			tokens = append(tokens, token{kind: tokenNumber, text: text, pos: start})
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: string(runes[start:i]), pos: start})
		default:
			start := i
			two := ""
			if i+1 < len(runes) {
				two = string(runes[i : i+2])
			}
			switch two {
			case "==", "!=", "<=", ">=", "&&", "||":
				tokens = append(tokens, token{kind: tokenOp, text: two, pos: start})
				i += 2
				continue
			}
			switch c {
			case '<', '>', '+', '-', '*', '/', '%', '!':
				tokens = append(tokens, token{kind: tokenOp, text: string(c), pos: start})
				i++
			default:
				return nil, parseErrorf("unexpected character %q at position %d", string(c), start)
			}
		}
	}
	tokens = append(tokens, token{kind: tokenEOF, pos: len(runes)})
	return tokens, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	tok := p.peek()
	if tok.kind != tokenOp {
		return "", false
	}
	for _, op := range ops {
		if tok.text == op {
			p.next()
			return op, true
		}
	}
	return "", false
}

func (p *parser) acceptKeyword(words ...string) (string, bool) {
	tok := p.peek()
	if tok.kind != tokenIdent {
		return "", false
	}
	for _, word := range words {
		if tok.text == word {
			p.next()
			return word, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			if _, ok := p.acceptKeyword("or"); !ok {
				return left, nil
			}
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "or", left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			if _, ok := p.acceptKeyword("and"); !ok {
				return left, nil
			}
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "and", left: left, right: right}
	}
}

func (p *parser) parseNot() (node, error) {
	negated := false
	for {
		if _, ok := p.acceptOp("!"); ok {
			negated = !negated
			continue
		}
		if _, ok := p.acceptKeyword("not"); ok {
			negated = !negated
			continue
		}
		break
	}
	operand, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	if negated {
		return unaryNode{op: "not", operand: operand}, nil
	}
	return operand, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", "<", "<=", ">", ">=")
	if !ok {
		return left, nil
	}
	right, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	return binaryNode{op: op, left: left, right: right}, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if _, ok := p.acceptOp("-"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "-", operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokenNumber:
		value, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, parseErrorf("invalid number %q at position %d", tok.text, tok.pos)
		}
		return literalNode{value: value}, nil
	case tokenString:
		return literalNode{value: tok.text}, nil
	case tokenIdent:
		switch tok.text {
		case "true":
			return literalNode{value: true}, nil
		case "false":
			return literalNode{value: false}, nil
		}
		if p.peek().kind == tokenLParen {
			p.next()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return callNode{name: tok.text, args: args}, nil
		}
		return identNode{name: tok.text}, nil
	case tokenLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokenRParen {
			return nil, parseErrorf("expected ')' at position %d", closing.pos)
		}
		return inner, nil
	default:
		return nil, parseErrorf("unexpected %q at position %d", tok.text, tok.pos)
	}
}

func (p *parser) parseArgs() ([]node, error) {
	args := make([]node, 0, 2)
	if p.peek().kind == tokenRParen {
		p.next()
		return args, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		tok := p.next()
		switch tok.kind {
		case tokenComma:
			continue
		case tokenRParen:
			return args, nil
		default:
			return nil, parseErrorf("expected ',' or ')' at position %d", tok.pos)
		}
	}
}

func parseErrorf(format string, args ...any) *EvalError {
	return &EvalError{Kind: ErrorParse, Message: fmt.Sprintf(format, args...)}
}
