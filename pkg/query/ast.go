package query

import (
	"github.com/nightscape/holon/pkg/operation"
	"github.com/nightscape/holon/pkg/value"
)

// Pipeline is the parsed data pipeline, stages in source order. The
// render clause, when present, has already been split off by the
// parser.
type Pipeline struct {
	Stages []Stage
}

// Stage is one pipeline stage.
type Stage interface {
	stage()
}

// From names the base relation.
type From struct {
	Relation string
	At       Span
}

// Union appends a second relation with the same projection; each
// branch is tagged with a literal entity-type column.
type Union struct {
	Relation string
	At       Span
}

// Filter restricts rows. Untranslatable predicates become in-memory
// post-filters; the emitted SQL is then unfiltered for them.
type Filter struct {
	Expr Expr
	At   Span
}

// Select projects the named columns.
type Select struct {
	Columns []string
	At      Span
}

// Join adds an inner join on a column equality.
type Join struct {
	Relation string
	LeftCol  string
	RightCol string
	At       Span
}

// Derive appends a computed column.
type Derive struct {
	Name string
	Expr Expr
	At   Span
}

// Group groups by the named columns.
type Group struct {
	Columns []string
	At      Span
}

// Sort orders by one column.
type Sort struct {
	Column string
	Desc   bool
	At     Span
}

// Take limits the row count.
type Take struct {
	N  int64
	At Span
}

func (From) stage()   {}
func (Union) stage()  {}
func (Filter) stage() {}
func (Select) stage() {}
func (Join) stage()   {}
func (Derive) stage() {}
func (Group) stage()  {}
func (Sort) stage()   {}
func (Take) stage()   {}

// Expr is a filter or derive expression.
type Expr interface {
	expr()
	Span() Span
}

// ColumnExpr references a pipeline column.
type ColumnExpr struct {
	Name string
	At   Span
}

// LiteralExpr is a literal value.
type LiteralExpr struct {
	Val value.Value
	At  Span
}

// BinaryExpr combines two operands: comparisons or and/or.
type BinaryExpr struct {
	Op          string // ==, !=, <, <=, >, >=, and, or
	Left, Right Expr
	At          Span
}

// CallExpr is a named predicate function. Calls have no SQL
// translation; a filter containing one is applied in memory.
type CallExpr struct {
	Func string
	Args []Expr
	At   Span
}

func (ColumnExpr) expr()  {}
func (LiteralExpr) expr() {}
func (BinaryExpr) expr()  {}
func (CallExpr) expr()    {}

func (e ColumnExpr) Span() Span  { return e.At }
func (e LiteralExpr) Span() Span { return e.At }
func (e BinaryExpr) Span() Span  { return e.At }
func (e CallExpr) Span() Span    { return e.At }

// RenderNode is one function call in the render tree. Function names
// are opaque to the compiler and resolved by the renderer.
type RenderNode struct {
	Func string
	Args []RenderArg
	// Wirings attaches the operations applicable to this node.
	Wirings []OperationWiring
	At      Span
}

// RenderArg is one argument: positional when Name is empty.
type RenderArg struct {
	Name  string
	Value RenderValue
}

// RenderValue is a column reference, a literal, or a nested call.
type RenderValue interface {
	renderValue()
}

// ColumnRef references a column of the final projection.
type ColumnRef struct {
	Name string
	At   Span
}

// Literal is a literal argument.
type Literal struct {
	Val value.Value
	At  Span
}

func (ColumnRef) renderValue()   {}
func (Literal) renderValue()     {}
func (*RenderNode) renderValue() {}

// Lineage names the base relation column a projected column descends
// from.
type Lineage struct {
	Relation string
	Column   string
}

// OperationWiring attaches an operation descriptor to a render node
// with the mapping from widget parameter to projected column.
type OperationWiring struct {
	Descriptor operation.Descriptor
	// Bindings maps each required parameter to the projection column
	// that supplies it.
	Bindings map[string]string
}

// Walk visits the node and every descendant call node.
func (n *RenderNode) Walk(visit func(*RenderNode)) {
	visit(n)
	for _, arg := range n.Args {
		if child, ok := arg.Value.(*RenderNode); ok {
			child.Walk(visit)
		}
	}
}

// ColumnRefs returns the column references in the node's own args
// (not descendants).
func (n *RenderNode) ColumnRefs() []ColumnRef {
	var out []ColumnRef
	for _, arg := range n.Args {
		if ref, ok := arg.Value.(ColumnRef); ok {
			out = append(out, ref)
		}
	}
	return out
}

// AllColumnRefs returns every column reference in the subtree.
func (n *RenderNode) AllColumnRefs() []ColumnRef {
	var out []ColumnRef
	n.Walk(func(node *RenderNode) {
		out = append(out, node.ColumnRefs()...)
	})
	return out
}
