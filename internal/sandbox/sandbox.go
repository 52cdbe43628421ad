// Package sandbox evaluates short repair expressions produced by a
// reasoning model. The language is deliberately tiny: string and number
// literals, reads from the provided input map, a whitelist of pure string
// and math helpers, and object literals for building a replacement input.
// There are no loops, no IO, no imports, and no attribute access; anything
// outside the grammar is a sandbox_denied error and is never retried.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
)

// Evaluation limits.
const (
	MaxWallClock  = 5 * time.Second
	MaxOutputSize = 4 * 1024 // bytes of canonical JSON
	maxCodeSize   = 2 * 1024
)

// Eval evaluates one restricted expression against the input map and
// returns the resulting value. Expressions that violate the grammar, the
// helper whitelist, or the resource limits fail with sandbox_denied.
func Eval(ctx context.Context, code string, input map[string]any) (any, error) {
	if len(code) > maxCodeSize {
		return nil, fault.Wrap(fault.ErrSandboxDenied, "expression exceeds %d bytes", maxCodeSize)
	}

	ctx, cancel := context.WithTimeout(ctx, MaxWallClock)
	defer cancel()

	p := &parser{src: code, ctx: ctx, input: input}
	v, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fault.Wrap(fault.ErrSandboxDenied, "trailing input at offset %d", p.pos)
	}

	if encoded, err := json.Marshal(v); err != nil {
		return nil, fault.Wrap(fault.ErrSandboxDenied, "result is not serializable: %v", err)
	} else if len(encoded) > MaxOutputSize {
		return nil, fault.Wrap(fault.ErrSandboxDenied, "result exceeds %d bytes", MaxOutputSize)
	}
	return v, nil
}

// EvalInput evaluates a repair expression that must yield a replacement
// input map for a specialist retry.
func EvalInput(ctx context.Context, code string, input map[string]any) (map[string]any, error) {
	v, err := Eval(ctx, code, input)
	if err != nil {
		return nil, err
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, fault.Wrap(fault.ErrSandboxDenied, "repair expression must produce an object, got %T", v)
	}
	return out, nil
}

// helpers is the whitelisted function table. All helpers are pure.
var helpers = map[string]func(args []any) (any, error){
	"upper":   stringHelper(strings.ToUpper),
	"lower":   stringHelper(strings.ToLower),
	"trim":    stringHelper(strings.TrimSpace),
	"replace": replaceHelper,
	"regex_replace": func(args []any) (any, error) {
		if len(args) != 3 {
			return nil, fault.Wrap(fault.ErrSandboxDenied, "regex_replace takes 3 arguments")
		}
		s, pat, repl, err := threeStrings(args)
		if err != nil {
			return nil, err
		}
		re, rerr := regexp.Compile(pat)
		if rerr != nil {
			return nil, fault.Wrap(fault.ErrSandboxDenied, "bad pattern: %v", rerr)
		}
		return re.ReplaceAllString(s, repl), nil
	},
	"abs": func(args []any) (any, error) {
		n, err := oneNumber("abs", args)
		if err != nil {
			return nil, err
		}
		return math.Abs(n), nil
	},
	"round": func(args []any) (any, error) {
		n, err := oneNumber("round", args)
		if err != nil {
			return nil, err
		}
		return math.Round(n), nil
	},
	"str": func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fault.Wrap(fault.ErrSandboxDenied, "str takes 1 argument")
		}
		switch v := args[0].(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	},
}

func stringHelper(fn func(string) string) func(args []any) (any, error) {
	return func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fault.Wrap(fault.ErrSandboxDenied, "helper takes 1 argument")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fault.Wrap(fault.ErrSandboxDenied, "helper argument must be a string")
		}
		return fn(s), nil
	}
}

func replaceHelper(args []any) (any, error) {
	if len(args) != 3 {
		return nil, fault.Wrap(fault.ErrSandboxDenied, "replace takes 3 arguments")
	}
	s, old, repl, err := threeStrings(args)
	if err != nil {
		return nil, err
	}
	return strings.ReplaceAll(s, old, repl), nil
}

func threeStrings(args []any) (string, string, string, error) {
	out := make([]string, 3)
	for i, a := range args {
		s, ok := a.(string)
		if !ok {
			return "", "", "", fault.Wrap(fault.ErrSandboxDenied, "argument %d must be a string", i+1)
		}
		out[i] = s
	}
	return out[0], out[1], out[2], nil
}

func oneNumber(name string, args []any) (float64, error) {
	if len(args) != 1 {
		return 0, fault.Wrap(fault.ErrSandboxDenied, "%s takes 1 argument", name)
	}
	n, ok := args[0].(float64)
	if !ok {
		return 0, fault.Wrap(fault.ErrSandboxDenied, "%s argument must be a number", name)
	}
	return n, nil
}

// parser is a recursive-descent evaluator over the restricted grammar:
//
//	expr    := term (('+' | '-') term)*
//	term    := factor (('*' | '/') factor)*
//	factor  := string | number | object | access | call | '(' expr ')'
//	object  := '{' (string ':' expr (',' string ':' expr)*)? '}'
//	access  := 'input' ('[' string ']')+
//	call    := ident '(' (expr (',' expr)*)? ')'
type parser struct {
	src   string
	pos   int
	ctx   context.Context
	input map[string]any
}

func (p *parser) deny(format string, args ...any) error {
	return fault.Wrap(fault.ErrSandboxDenied, format, args...)
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) parseExpr() (any, error) {
	if err := p.ctx.Err(); err != nil {
		return nil, p.deny("wall clock exceeded")
	}

	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left, err = applyAdditive(op, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseTerm() (any, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		op := p.peek()
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		ln, lok := left.(float64)
		rn, rok := right.(float64)
		if !lok || !rok {
			return nil, p.deny("'%c' requires numbers", op)
		}
		if op == '*' {
			left = ln * rn
		} else {
			if rn == 0 {
				return nil, p.deny("division by zero")
			}
			left = ln / rn
		}
	}
}

func applyAdditive(op byte, left, right any) (any, error) {
	if op == '+' {
		if ls, ok := left.(string); ok {
			rs, ok := right.(string)
			if !ok {
				return nil, fault.Wrap(fault.ErrSandboxDenied, "'+' cannot mix string and %T", right)
			}
			return ls + rs, nil
		}
	}
	ln, lok := left.(float64)
	rn, rok := right.(float64)
	if !lok || !rok {
		return nil, fault.Wrap(fault.ErrSandboxDenied, "'%c' requires matching operand types", op)
	}
	if op == '+' {
		return ln + rn, nil
	}
	return ln - rn, nil
}

func (p *parser) parseFactor() (any, error) {
	p.skipSpace()
	switch c := p.peek(); {
	case c == '"' || c == '\'':
		return p.parseString()
	case c == '{':
		return p.parseObject()
	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return nil, p.deny("missing ')'")
		}
		p.pos++
		return v, nil
	case c >= '0' && c <= '9' || c == '.':
		return p.parseNumber()
	case isIdentStart(c):
		return p.parseIdent()
	default:
		return nil, p.deny("unexpected character %q at offset %d", string(c), p.pos)
	}
}

func (p *parser) parseString() (string, error) {
	quote := p.src[p.pos]
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch c {
		case quote:
			p.pos++
			return b.String(), nil
		case '\\':
			p.pos++
			if p.pos >= len(p.src) {
				return "", p.deny("unterminated escape")
			}
			switch esc := p.src[p.pos]; esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(esc)
			}
			p.pos++
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", p.deny("unterminated string")
}

func (p *parser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
		p.pos++
	}
	n, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, p.deny("bad number %q", p.src[start:p.pos])
	}
	return n, nil
}

func (p *parser) parseObject() (map[string]any, error) {
	p.pos++ // consume '{'
	out := make(map[string]any)
	p.skipSpace()
	if p.peek() == '}' {
		p.pos++
		return out, nil
	}
	for {
		p.skipSpace()
		if c := p.peek(); c != '"' && c != '\'' {
			return nil, p.deny("object keys must be string literals")
		}
		key, err := p.parseString()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ':' {
			return nil, p.deny("missing ':' after object key")
		}
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		out[key] = v

		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return out, nil
		default:
			return nil, p.deny("missing ',' or '}' in object")
		}
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func (p *parser) parseIdent() (any, error) {
	start := p.pos
	for p.pos < len(p.src) && (isIdentStart(p.src[p.pos]) || p.src[p.pos] >= '0' && p.src[p.pos] <= '9') {
		p.pos++
	}
	name := p.src[start:p.pos]

	if name == "input" {
		return p.parseAccess()
	}

	p.skipSpace()
	if p.peek() != '(' {
		return nil, p.deny("unknown identifier %q", name)
	}
	fn, ok := helpers[name]
	if !ok {
		return nil, p.deny("helper %q is not whitelisted", name)
	}

	p.pos++ // consume '('
	var args []any
	p.skipSpace()
	if p.peek() == ')' {
		p.pos++
	} else {
		for {
			v, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, v)
			p.skipSpace()
			switch p.peek() {
			case ',':
				p.pos++
			case ')':
				p.pos++
			default:
				return nil, p.deny("missing ',' or ')' in call")
			}
			if p.src[p.pos-1] == ')' {
				break
			}
		}
	}
	return fn(args)
}

// parseAccess resolves input["key"]["nested"] chains. Values come back as
// JSON-shaped types: strings, float64 numbers, maps, slices.
func (p *parser) parseAccess() (any, error) {
	var current any = p.input
	p.skipSpace()
	if p.peek() != '[' {
		// Bare "input" copies the whole map so repairs can extend it.
		out := make(map[string]any, len(p.input))
		for k, v := range p.input {
			out[k] = v
		}
		return out, nil
	}
	for p.peek() == '[' {
		p.pos++
		p.skipSpace()
		if c := p.peek(); c != '"' && c != '\'' {
			return nil, p.deny("index must be a string literal")
		}
		key, err := p.parseString()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ']' {
			return nil, p.deny("missing ']'")
		}
		p.pos++

		m, ok := current.(map[string]any)
		if !ok {
			return nil, p.deny("cannot index %T", current)
		}
		current = normalize(m[key])
		p.skipSpace()
	}
	return current, nil
}

// normalize coerces Go numeric types into float64 so arithmetic behaves
// like JSON numbers regardless of how the input map was built.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
