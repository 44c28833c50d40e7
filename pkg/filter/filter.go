// Package filter implements the flow filter expressions used by the TUI and
// the web API.
//
// Syntax:
//
//	~m METHOD   method (case-insensitive substring)
//	~s CODE     status code prefix ("4" matches 4xx); "~s pending" matches
//	            flows with no response yet
//	~d HOST     host (substring)
//	~u TEXT     URL (substring)
//	~h KEY:VAL  request or response header whose name contains KEY and a
//	            value containing VAL; VAL may be omitted
//	~b TEXT     request or response body (substring)
//	TEXT        bare word, same as ~u
//	!EXPR       negate
//	A & B       AND
//	A | B       OR
//	(EXPR)      grouping
//
// Arguments containing spaces or operators can be double-quoted.
package filter

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fidiego/proxylite/pkg/flow"
)

// Filter is a compiled predicate over a flow record.
type Filter func(rec flow.Record) bool

// MatchAll matches every record.
var MatchAll Filter = func(flow.Record) bool { return true }

// Parse compiles expr. An empty expression matches everything.
func Parse(expr string) (Filter, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return MatchAll, nil
	}
	p := &parser{toks: toks}
	f, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
	return f, nil
}

// Apply returns the records matching f, preserving order.
func Apply(f Filter, recs []flow.Record) []flow.Record {
	out := make([]flow.Record, 0, len(recs))
	for _, r := range recs {
		if f(r) {
			out = append(out, r)
		}
	}
	return out
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokPrim // ~x
	tokWord
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '&':
			toks = append(toks, token{tokAnd, "&", i})
			i++
		case c == '|':
			toks = append(toks, token{tokOr, "|", i})
			i++
		case c == '!':
			toks = append(toks, token{tokNot, "!", i})
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '~':
			if i+1 >= len(s) {
				return nil, fmt.Errorf("expected filter type after '~' at position %d", i)
			}
			toks = append(toks, token{tokPrim, s[i+1 : i+2], i})
			i += 2
		case c == '"':
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated quoted string at position %d", i)
			}
			toks = append(toks, token{tokWord, s[i+1 : i+1+end], i})
			i += end + 2
		default:
			start := i
			for i < len(s) && !strings.ContainsRune(" \t&|()", rune(s[i])) {
				i++
			}
			toks = append(toks, token{tokWord, s[start:i], start})
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token {
	if p.i >= len(p.toks) {
		return token{kind: tokEOF, pos: -1}
	}
	return p.toks[p.i]
}

func (p *parser) next() token {
	t := p.peek()
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) or() (Filter, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(r flow.Record) bool { return l(r) || right(r) }
	}
	return left, nil
}

func (p *parser) and() (Filter, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(r flow.Record) bool { return l(r) && right(r) }
	}
	return left, nil
}

func (p *parser) unary() (Filter, error) {
	if p.peek().kind == tokNot {
		p.next()
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return func(r flow.Record) bool { return !inner(r) }, nil
	}
	return p.atom()
}

func (p *parser) atom() (Filter, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("expected closing ')' for '(' at position %d", t.pos)
		}
		return inner, nil
	case tokWord:
		return urlFilter(t.text), nil
	case tokPrim:
		arg := p.next()
		if arg.kind != tokWord {
			return nil, fmt.Errorf("~%s at position %d needs an argument", t.text, t.pos)
		}
		return primitive(t.text, arg.text)
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
}

func primitive(kind, arg string) (Filter, error) {
	switch kind {
	case "m":
		return methodFilter(arg), nil
	case "s":
		return statusFilter(arg), nil
	case "d":
		return hostFilter(arg), nil
	case "u":
		return urlFilter(arg), nil
	case "h":
		return headerFilter(arg), nil
	case "b":
		return bodyFilter(arg), nil
	default:
		return nil, fmt.Errorf("unknown filter type ~%s", kind)
	}
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}

func methodFilter(arg string) Filter {
	want := strings.ToLower(arg)
	return func(r flow.Record) bool { return containsFold(r.Method, want) }
}

func statusFilter(arg string) Filter {
	if strings.EqualFold(arg, "pending") {
		return func(r flow.Record) bool { return r.Pending() }
	}
	return func(r flow.Record) bool {
		code, ok := r.Status()
		return ok && strings.HasPrefix(strconv.Itoa(code), arg)
	}
}

func hostFilter(arg string) Filter {
	want := strings.ToLower(arg)
	return func(r flow.Record) bool { return containsFold(r.Host, want) }
}

func urlFilter(arg string) Filter {
	want := strings.ToLower(arg)
	return func(r flow.Record) bool { return containsFold(r.URL, want) }
}

func headerFilter(arg string) Filter {
	k, v, _ := strings.Cut(arg, ":")
	key, val := strings.ToLower(k), strings.ToLower(v)
	match := func(h http.Header) bool {
		for name, values := range h {
			if !containsFold(name, key) {
				continue
			}
			if val == "" {
				return true
			}
			for _, s := range values {
				if containsFold(s, val) {
					return true
				}
			}
		}
		return false
	}
	return func(r flow.Record) bool {
		if r.RawRequest != nil && match(r.RawRequest.Headers) {
			return true
		}
		return r.RawResponse != nil && match(r.RawResponse.Headers)
	}
}

func bodyFilter(arg string) Filter {
	want := strings.ToLower(arg)
	return func(r flow.Record) bool {
		if r.RawRequest != nil && containsFold(string(r.RawRequest.Body), want) {
			return true
		}
		return r.RawResponse != nil && containsFold(string(r.RawResponse.Body), want)
	}
}
