package query

import (
	"strconv"

	"github.com/nightscape/holon/pkg/value"
)

// parser is a recursive-descent parser over the token stream.
type parser struct {
	toks []token
	pos  int
}

// Parse parses source into a pipeline and an optional render tree.
// A second render clause is rejected as ambiguous.
func Parse(src string) (Pipeline, *RenderNode, error) {
	toks, err := lex(src)
	if err != nil {
		return Pipeline{}, nil, err
	}
	p := &parser{toks: toks}

	var pipeline Pipeline
	var render *RenderNode

	for p.peek().kind != tokEOF {
		tok := p.peek()
		if tok.kind != tokIdent {
			return Pipeline{}, nil, parseErr(tok.span, "expected a stage keyword, found %s", tok.kind)
		}
		switch tok.text {
		case "render":
			if render != nil {
				return Pipeline{}, nil, CompileError.Wrap(
					errAt(tok.span, "second render clause", ErrAmbiguousRender))
			}
			p.next()
			node, err := p.parseRenderCall()
			if err != nil {
				return Pipeline{}, nil, err
			}
			render = node
		case "from":
			p.next()
			name, at, err := p.expectIdent()
			if err != nil {
				return Pipeline{}, nil, err
			}
			pipeline.Stages = append(pipeline.Stages, From{Relation: name, At: at})
		case "union":
			p.next()
			name, at, err := p.expectIdent()
			if err != nil {
				return Pipeline{}, nil, err
			}
			pipeline.Stages = append(pipeline.Stages, Union{Relation: name, At: at})
		case "filter":
			p.next()
			expr, err := p.parseExpr()
			if err != nil {
				return Pipeline{}, nil, err
			}
			pipeline.Stages = append(pipeline.Stages, Filter{Expr: expr, At: tok.span})
		case "select":
			p.next()
			cols, err := p.parseColumnSet()
			if err != nil {
				return Pipeline{}, nil, err
			}
			pipeline.Stages = append(pipeline.Stages, Select{Columns: cols, At: tok.span})
		case "join":
			p.next()
			stage, err := p.parseJoin(tok.span)
			if err != nil {
				return Pipeline{}, nil, err
			}
			pipeline.Stages = append(pipeline.Stages, stage)
		case "derive":
			p.next()
			name, _, err := p.expectIdent()
			if err != nil {
				return Pipeline{}, nil, err
			}
			if _, err := p.expect(tokAssign); err != nil {
				return Pipeline{}, nil, err
			}
			expr, err := p.parseExpr()
			if err != nil {
				return Pipeline{}, nil, err
			}
			pipeline.Stages = append(pipeline.Stages, Derive{Name: name, Expr: expr, At: tok.span})
		case "group":
			p.next()
			cols, err := p.parseColumnSet()
			if err != nil {
				return Pipeline{}, nil, err
			}
			pipeline.Stages = append(pipeline.Stages, Group{Columns: cols, At: tok.span})
		case "sort":
			p.next()
			name, at, err := p.expectIdent()
			if err != nil {
				return Pipeline{}, nil, err
			}
			stage := Sort{Column: name, At: at}
			if p.peek().kind == tokIdent && (p.peek().text == "asc" || p.peek().text == "desc") {
				stage.Desc = p.next().text == "desc"
			}
			pipeline.Stages = append(pipeline.Stages, stage)
		case "take":
			p.next()
			numTok := p.next()
			if numTok.kind != tokInt {
				return Pipeline{}, nil, parseErr(numTok.span, "take needs an integer, found %s", numTok.kind)
			}
			n, err := strconv.ParseInt(numTok.text, 10, 64)
			if err != nil || n < 0 {
				return Pipeline{}, nil, parseErr(numTok.span, "take needs a non-negative integer")
			}
			pipeline.Stages = append(pipeline.Stages, Take{N: n, At: tok.span})
		default:
			return Pipeline{}, nil, parseErr(tok.span, "unknown stage %q", tok.text)
		}
	}

	if len(pipeline.Stages) == 0 {
		return Pipeline{}, nil, parseErr(Span{Line: 1, Col: 1}, "empty pipeline")
	}
	if _, ok := pipeline.Stages[0].(From); !ok {
		return Pipeline{}, nil, parseErr(Span{Line: 1, Col: 1}, "pipeline must start with from")
	}
	return pipeline, render, nil
}

func errAt(at Span, msg string, sentinel error) error {
	return &spanError{at: at, msg: msg, sentinel: sentinel}
}

// spanError pairs a sentinel error with a source location.
type spanError struct {
	at       Span
	msg      string
	sentinel error
}

func (e *spanError) Error() string { return e.at.String() + ": " + e.msg + ": " + e.sentinel.Error() }
func (e *spanError) Unwrap() error { return e.sentinel }

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return token{}, parseErr(tok.span, "expected %s, found %s", kind, tok.kind)
	}
	return tok, nil
}

func (p *parser) expectIdent() (string, Span, error) {
	tok, err := p.expect(tokIdent)
	if err != nil {
		return "", Span{}, err
	}
	return tok.text, tok.span, nil
}

// parseColumnSet parses "{a, b, c}".
func (p *parser) parseColumnSet() ([]string, error) {
	if _, err := p.expect(tokLBrace); err != nil {
		return nil, err
	}
	var cols []string
	for {
		name, _, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		cols = append(cols, name)
		tok := p.next()
		if tok.kind == tokRBrace {
			return cols, nil
		}
		if tok.kind != tokComma {
			return nil, parseErr(tok.span, "expected ',' or '}', found %s", tok.kind)
		}
	}
}

// parseJoin parses "join rel on left == right".
func (p *parser) parseJoin(at Span) (Join, error) {
	rel, _, err := p.expectIdent()
	if err != nil {
		return Join{}, err
	}
	kw := p.next()
	if kw.kind != tokIdent || kw.text != "on" {
		return Join{}, parseErr(kw.span, "expected 'on'")
	}
	left, _, err := p.expectIdent()
	if err != nil {
		return Join{}, err
	}
	if _, err := p.expect(tokEq); err != nil {
		return Join{}, err
	}
	right, _, err := p.expectIdent()
	if err != nil {
		return Join{}, err
	}
	return Join{Relation: rel, LeftCol: left, RightCol: right, At: at}, nil
}

// parseExpr parses and/or chains of comparisons, left-associative.
func (p *parser) parseExpr() (Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && (p.peek().text == "and" || p.peek().text == "or") {
		opTok := p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: opTok.text, Left: left, Right: right, At: opTok.span}
	}
	return left, nil
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		opTok := p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return BinaryExpr{Op: opTok.text, Left: left, Right: right, At: opTok.span}, nil
	}
	return left, nil
}

func (p *parser) parseOperand() (Expr, error) {
	tok := p.next()
	switch tok.kind {
	case tokIdent:
		switch tok.text {
		case "true":
			return LiteralExpr{Val: value.Boolean(true), At: tok.span}, nil
		case "false":
			return LiteralExpr{Val: value.Boolean(false), At: tok.span}, nil
		case "null":
			return LiteralExpr{Val: value.Null(), At: tok.span}, nil
		}
		// a call makes the enclosing filter an in-memory post-filter
		if p.peek().kind == tokLParen {
			return p.parseCallExpr(tok)
		}
		return ColumnExpr{Name: tok.text, At: tok.span}, nil
	case tokString:
		return LiteralExpr{Val: value.String(tok.text), At: tok.span}, nil
	case tokInt:
		n, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, parseErr(tok.span, "malformed integer %q", tok.text)
		}
		return LiteralExpr{Val: value.Integer(n), At: tok.span}, nil
	case tokFloat:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, parseErr(tok.span, "malformed float %q", tok.text)
		}
		v, err := value.Float(f)
		if err != nil {
			return nil, parseErr(tok.span, "invalid float %q", tok.text)
		}
		return LiteralExpr{Val: v, At: tok.span}, nil
	}
	return nil, parseErr(tok.span, "expected a column, literal or call, found %s", tok.kind)
}

func (p *parser) parseCallExpr(fn token) (Expr, error) {
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	call := CallExpr{Func: fn.text, At: fn.span}
	if p.peek().kind == tokRParen {
		p.next()
		return call, nil
	}
	for {
		arg, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		tok := p.next()
		if tok.kind == tokRParen {
			return call, nil
		}
		if tok.kind != tokComma {
			return nil, parseErr(tok.span, "expected ',' or ')', found %s", tok.kind)
		}
	}
}

// parseRenderCall parses the parenthesized function-call tree after
// the render keyword.
func (p *parser) parseRenderCall() (*RenderNode, error) {
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	fn, at, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	node := &RenderNode{Func: fn, At: at}

	for {
		tok := p.peek()
		switch tok.kind {
		case tokRParen:
			p.next()
			return node, nil
		case tokLParen:
			child, err := p.parseRenderCall()
			if err != nil {
				return nil, err
			}
			node.Args = append(node.Args, RenderArg{Value: child})
		case tokIdent:
			p.next()
			if p.peek().kind == tokColon {
				p.next()
				val, err := p.parseRenderValue()
				if err != nil {
					return nil, err
				}
				node.Args = append(node.Args, RenderArg{Name: tok.text, Value: val})
				continue
			}
			node.Args = append(node.Args, RenderArg{Value: ColumnRef{Name: tok.text, At: tok.span}})
		case tokString:
			p.next()
			node.Args = append(node.Args, RenderArg{Value: Literal{Val: value.String(tok.text), At: tok.span}})
		case tokInt:
			p.next()
			n, err := strconv.ParseInt(tok.text, 10, 64)
			if err != nil {
				return nil, parseErr(tok.span, "malformed integer %q", tok.text)
			}
			node.Args = append(node.Args, RenderArg{Value: Literal{Val: value.Integer(n), At: tok.span}})
		case tokFloat:
			p.next()
			f, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				return nil, parseErr(tok.span, "malformed float %q", tok.text)
			}
			v, err := value.Float(f)
			if err != nil {
				return nil, parseErr(tok.span, "invalid float %q", tok.text)
			}
			node.Args = append(node.Args, RenderArg{Value: Literal{Val: v, At: tok.span}})
		default:
			return nil, parseErr(tok.span, "unexpected %s in render call", tok.kind)
		}
	}
}

// parseRenderValue parses the value side of a named render argument.
func (p *parser) parseRenderValue() (RenderValue, error) {
	tok := p.peek()
	switch tok.kind {
	case tokLParen:
		return p.parseRenderCall()
	case tokIdent:
		p.next()
		switch tok.text {
		case "true":
			return Literal{Val: value.Boolean(true), At: tok.span}, nil
		case "false":
			return Literal{Val: value.Boolean(false), At: tok.span}, nil
		}
		return ColumnRef{Name: tok.text, At: tok.span}, nil
	case tokString:
		p.next()
		return Literal{Val: value.String(tok.text), At: tok.span}, nil
	case tokInt:
		p.next()
		n, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, parseErr(tok.span, "malformed integer %q", tok.text)
		}
		return Literal{Val: value.Integer(n), At: tok.span}, nil
	case tokFloat:
		p.next()
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, parseErr(tok.span, "malformed float %q", tok.text)
		}
		v, err := value.Float(f)
		if err != nil {
			return nil, parseErr(tok.span, "invalid float %q", tok.text)
		}
		return Literal{Val: v, At: tok.span}, nil
	}
	return nil, parseErr(tok.span, "expected a render value, found %s", tok.kind)
}
