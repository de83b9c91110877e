// Package query compiles the declarative pipeline-with-render language
// into SQL plus a render specification annotated with operation
// wirings.
package query

import (
	"fmt"
	"strings"

	"github.com/zeebo/errs"
)

// CompileError is the class of errors produced by compilation.
var CompileError = errs.Class("compile")

// Sentinel errors surfaced through CompileError.
var (
	ErrParse            = fmt.Errorf("parse error")
	ErrUnknownRelation  = fmt.Errorf("unknown relation")
	ErrUnresolvedColumn = fmt.Errorf("unresolved column")
	ErrAmbiguousRender  = fmt.Errorf("ambiguous render")
	ErrTypeMismatch     = fmt.Errorf("type mismatch")
)

// Span locates a token or node in the source text.
type Span struct {
	Offset int
	Line   int
	Col    int
}

func (s Span) String() string {
	return fmt.Sprintf("%d:%d", s.Line, s.Col)
}

func parseErr(at Span, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return CompileError.Wrap(fmt.Errorf("%s: %s: %w", at, msg, ErrParse))
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokInt
	tokFloat
	tokLParen
	tokRParen
	tokLBrace
	tokRBrace
	tokComma
	tokColon
	tokAssign // =
	tokEq     // ==
	tokNe     // !=
	tokLt
	tokLe
	tokGt
	tokGe
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return "identifier"
	case tokString:
		return "string"
	case tokInt:
		return "integer"
	case tokFloat:
		return "float"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokLBrace:
		return "'{'"
	case tokRBrace:
		return "'}'"
	case tokComma:
		return "','"
	case tokColon:
		return "':'"
	case tokAssign:
		return "'='"
	case tokEq:
		return "'=='"
	case tokNe:
		return "'!='"
	case tokLt:
		return "'<'"
	case tokLe:
		return "'<='"
	case tokGt:
		return "'>'"
	case tokGe:
		return "'>='"
	}
	return "unknown token"
}

type token struct {
	kind tokenKind
	text string
	span Span
}

// lex tokenizes the whole source. Comments run from '#' to end of
// line; whitespace separates tokens but is otherwise insignificant.
func lex(src string) ([]token, error) {
	var toks []token
	line, col := 1, 1
	i := 0

	advance := func(n int) {
		for k := 0; k < n; k++ {
			if src[i+k] == '\n' {
				line++
				col = 1
			} else {
				col++
			}
		}
		i += n
	}

	for i < len(src) {
		c := src[i]
		at := Span{Offset: i, Line: line, Col: col}
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			advance(1)
		case c == '#':
			for i < len(src) && src[i] != '\n' {
				advance(1)
			}
		case c == '(':
			toks = append(toks, token{tokLParen, "(", at})
			advance(1)
		case c == ')':
			toks = append(toks, token{tokRParen, ")", at})
			advance(1)
		case c == '{':
			toks = append(toks, token{tokLBrace, "{", at})
			advance(1)
		case c == '}':
			toks = append(toks, token{tokRBrace, "}", at})
			advance(1)
		case c == ',':
			toks = append(toks, token{tokComma, ",", at})
			advance(1)
		case c == ':':
			toks = append(toks, token{tokColon, ":", at})
			advance(1)
		case c == '=':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokEq, "==", at})
				advance(2)
			} else {
				toks = append(toks, token{tokAssign, "=", at})
				advance(1)
			}
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokNe, "!=", at})
				advance(2)
			} else {
				return nil, parseErr(at, "unexpected character %q", c)
			}
		case c == '<':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokLe, "<=", at})
				advance(2)
			} else {
				toks = append(toks, token{tokLt, "<", at})
				advance(1)
			}
		case c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokGe, ">=", at})
				advance(2)
			} else {
				toks = append(toks, token{tokGt, ">", at})
				advance(1)
			}
		case c == '"':
			text, consumed, err := lexString(src[i:], at)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, text, at})
			advance(consumed)
		case c == '-' || (c >= '0' && c <= '9'):
			text, kind, consumed, err := lexNumber(src[i:], at)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind, text, at})
			advance(consumed)
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j], at})
			advance(j - i)
		default:
			return nil, parseErr(at, "unexpected character %q", c)
		}
	}
	toks = append(toks, token{tokEOF, "", Span{Offset: i, Line: line, Col: col}})
	return toks, nil
}

// lexString reads a double-quoted literal with \" and \\ escapes.
// It returns the unescaped text and the source length consumed.
func lexString(src string, at Span) (string, int, error) {
	var b strings.Builder
	i := 1
	for i < len(src) {
		c := src[i]
		switch c {
		case '"':
			return b.String(), i + 1, nil
		case '\\':
			if i+1 >= len(src) {
				return "", 0, parseErr(at, "unterminated string escape")
			}
			next := src[i+1]
			if next != '"' && next != '\\' {
				return "", 0, parseErr(at, "unsupported string escape \\%c", next)
			}
			b.WriteByte(next)
			i += 2
		case '\n':
			return "", 0, parseErr(at, "unterminated string literal")
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, parseErr(at, "unterminated string literal")
}

func lexNumber(src string, at Span) (string, tokenKind, int, error) {
	i := 0
	if src[i] == '-' {
		i++
	}
	digits := 0
	for i < len(src) && src[i] >= '0' && src[i] <= '9' {
		i++
		digits++
	}
	if digits == 0 {
		return "", tokEOF, 0, parseErr(at, "malformed number")
	}
	kind := tokInt
	if i < len(src) && src[i] == '.' {
		kind = tokFloat
		i++
		frac := 0
		for i < len(src) && src[i] >= '0' && src[i] <= '9' {
			i++
			frac++
		}
		if frac == 0 {
			return "", tokEOF, 0, parseErr(at, "malformed float")
		}
	}
	return src[:i], kind, i, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
