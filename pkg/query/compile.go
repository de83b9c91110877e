package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/nightscape/holon/pkg/operation"
	"github.com/nightscape/holon/pkg/value"
)

// EntityTypeColumn tags each union branch with its relation name.
const EntityTypeColumn = "_entity_type"

// Compiled is the output of one compilation: a single SQL statement
// with positional parameters, the render tree (nil when the source has
// no render clause), and the metadata the reactive engine needs.
type Compiled struct {
	SQL    string
	Params []value.Value
	Render *RenderNode

	// Relations is the sorted set of relations the query reads.
	Relations []string

	// KeyColumn names the projected column carrying the base
	// relation's primary key, or "" when the projection dropped it.
	KeyColumn string

	// Lineage maps every projection column to its base relation
	// column.
	Lineage map[string]Lineage

	// PostFilter, when non-nil, is a pure predicate the engine must
	// apply in memory; the SQL is unfiltered for it.
	PostFilter Expr
}

// column is one projected column during compilation. Derived columns
// carry their expression and render per branch; children aggregates
// carry pre-rendered SQL (they bind no parameters).
type column struct {
	name    string
	expr    Expr
	sqlExpr string
	lineage Lineage
}

func (c column) computed() bool { return c.expr != nil || c.sqlExpr != "" }

// compilation carries the pipeline state through the stage walk.
type compilation struct {
	schemas  map[string]value.Schema
	base     string
	unions   []string
	joins    []Join
	columns  []column
	pushdown []Expr
	post     []Expr
	group    []string
	sort     *Sort
	take     *Take
	params   []value.Value
}

// Compile translates one source string. The schema catalog resolves
// relations and columns; the registry, when non-nil, wires operations
// onto render nodes.
func Compile(src string, schemas map[string]value.Schema, registry *operation.Registry) (Compiled, error) {
	pipeline, render, err := Parse(src)
	if err != nil {
		return Compiled{}, err
	}

	c := &compilation{schemas: schemas}
	for _, stage := range pipeline.Stages {
		if err := c.apply(stage); err != nil {
			return Compiled{}, err
		}
	}

	if err := c.preserveRenderColumns(render); err != nil {
		return Compiled{}, err
	}
	if err := c.aggregateChildren(render); err != nil {
		return Compiled{}, err
	}
	c.injectOrigin()

	sqlText, err := c.generate()
	if err != nil {
		return Compiled{}, err
	}

	out := Compiled{
		SQL:       sqlText,
		Params:    c.params,
		Render:    render,
		Relations: c.relationSet(),
		KeyColumn: c.keyColumn(),
		Lineage:   c.lineageMap(),
	}
	if len(c.post) > 0 {
		out.PostFilter = andAll(c.post)
	}
	if render != nil && registry != nil {
		c.wireOperations(render, registry, out.Lineage)
	}
	return out, nil
}

func (c *compilation) schema(relation string, at Span) (value.Schema, error) {
	s, ok := c.schemas[relation]
	if !ok {
		return value.Schema{}, CompileError.Wrap(errAt(at, relation, ErrUnknownRelation))
	}
	return s, nil
}

func (c *compilation) apply(stage Stage) error {
	switch st := stage.(type) {
	case From:
		s, err := c.schema(st.Relation, st.At)
		if err != nil {
			return err
		}
		if c.base != "" {
			return parseErr(st.At, "duplicate from stage")
		}
		c.base = st.Relation
		for _, f := range s.Fields {
			c.columns = append(c.columns, column{
				name:    f.Name,
				lineage: Lineage{Relation: st.Relation, Column: f.Name},
			})
		}
		return nil

	case Union:
		if _, err := c.schema(st.Relation, st.At); err != nil {
			return err
		}
		if len(c.joins) > 0 {
			return parseErr(st.At, "union cannot follow join")
		}
		c.unions = append(c.unions, st.Relation)
		return nil

	case Join:
		s, err := c.schema(st.Relation, st.At)
		if err != nil {
			return err
		}
		if len(c.unions) > 0 {
			return parseErr(st.At, "join cannot follow union")
		}
		if _, ok := c.findColumn(st.LeftCol); !ok {
			return CompileError.Wrap(errAt(st.At, st.LeftCol, ErrUnresolvedColumn))
		}
		if _, ok := s.Field(st.RightCol); !ok {
			return CompileError.Wrap(errAt(st.At, st.Relation+"."+st.RightCol, ErrUnresolvedColumn))
		}
		c.joins = append(c.joins, st)
		for _, f := range s.Fields {
			if _, exists := c.findColumn(f.Name); exists {
				continue // base columns shadow join columns
			}
			c.columns = append(c.columns, column{
				name:    f.Name,
				lineage: Lineage{Relation: st.Relation, Column: f.Name},
			})
		}
		return nil

	case Filter:
		if err := c.checkExprColumns(st.Expr); err != nil {
			return err
		}
		if translatable(st.Expr) {
			c.pushdown = append(c.pushdown, st.Expr)
		} else {
			c.post = append(c.post, st.Expr)
		}
		return nil

	case Select:
		var kept []column
		for _, name := range st.Columns {
			col, ok := c.findColumn(name)
			if !ok {
				return CompileError.Wrap(errAt(st.At, name, ErrUnresolvedColumn))
			}
			kept = append(kept, col)
		}
		c.columns = kept
		return nil

	case Derive:
		if err := c.checkExprColumns(st.Expr); err != nil {
			return err
		}
		if !translatable(st.Expr) {
			return parseErr(st.At, "derive expression for %q has no SQL translation", st.Name)
		}
		lin := firstColumnLineage(st.Expr, c)
		c.columns = append(c.columns, column{name: st.Name, expr: st.Expr, lineage: lin})
		return nil

	case Group:
		for _, name := range st.Columns {
			if _, ok := c.findColumn(name); !ok {
				return CompileError.Wrap(errAt(st.At, name, ErrUnresolvedColumn))
			}
		}
		c.group = st.Columns
		return nil

	case Sort:
		if _, ok := c.findColumn(st.Column); !ok {
			return CompileError.Wrap(errAt(st.At, st.Column, ErrUnresolvedColumn))
		}
		st := st
		c.sort = &st
		return nil

	case Take:
		st := st
		c.take = &st
		return nil
	}
	return CompileError.New("unhandled stage %T", stage)
}

func (c *compilation) findColumn(name string) (column, bool) {
	for _, col := range c.columns {
		if col.name == name {
			return col, true
		}
	}
	return column{}, false
}

func (c *compilation) checkExprColumns(e Expr) error {
	switch ex := e.(type) {
	case ColumnExpr:
		if _, ok := c.findColumn(ex.Name); !ok {
			return CompileError.Wrap(errAt(ex.At, ex.Name, ErrUnresolvedColumn))
		}
		return nil
	case BinaryExpr:
		if err := c.checkExprColumns(ex.Left); err != nil {
			return err
		}
		return c.checkExprColumns(ex.Right)
	case CallExpr:
		for _, arg := range ex.Args {
			if err := c.checkExprColumns(arg); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// preserveRenderColumns re-introduces columns the render tree needs
// but an upstream select dropped; a column that never existed is an
// error.
func (c *compilation) preserveRenderColumns(render *RenderNode) error {
	if render == nil {
		return nil
	}
	for _, ref := range render.AllColumnRefs() {
		if _, ok := c.findColumn(ref.Name); ok {
			continue
		}
		if c.isChildRelationRef(render, ref) {
			continue // rewritten by aggregateChildren
		}
		restored, ok := c.availableColumn(ref.Name)
		if !ok {
			return CompileError.Wrap(errAt(ref.At, ref.Name, ErrUnresolvedColumn))
		}
		c.columns = append(c.columns, restored)
	}
	return nil
}

// availableColumn resolves a column against the full upstream scope
// (base plus joins), ignoring projections.
func (c *compilation) availableColumn(name string) (column, bool) {
	if c.base != "" {
		if _, ok := c.schemas[c.base].Field(name); ok {
			return column{name: name, lineage: Lineage{Relation: c.base, Column: name}}, true
		}
	}
	for _, j := range c.joins {
		if _, ok := c.schemas[j.Relation].Field(name); ok {
			return column{name: name, lineage: Lineage{Relation: j.Relation, Column: name}}, true
		}
	}
	return column{}, false
}

// isChildRelationRef reports whether ref is the relation argument of a
// children aggregation node.
func (c *compilation) isChildRelationRef(render *RenderNode, ref ColumnRef) bool {
	found := false
	render.Walk(func(n *RenderNode) {
		if n.Func != "children" || len(n.Args) == 0 {
			return
		}
		if r, ok := n.Args[0].Value.(ColumnRef); ok && r.Name == ref.Name {
			if _, isRelation := c.schemas[r.Name]; isRelation {
				found = true
			}
		}
	})
	return found
}

// aggregateChildren rewrites (children <relation> ...) render nodes
// into a JSON-array projection column holding the matching child rows,
// linked by the child's parent id to the base primary key. A child
// appearing under several parents is duplicated into each array.
func (c *compilation) aggregateChildren(render *RenderNode) error {
	if render == nil || c.base == "" {
		return nil
	}
	var rewriteErr error
	render.Walk(func(n *RenderNode) {
		if rewriteErr != nil || n.Func != "children" || len(n.Args) == 0 {
			return
		}
		ref, ok := n.Args[0].Value.(ColumnRef)
		if !ok {
			return
		}
		childSchema, isRelation := c.schemas[ref.Name]
		if !isRelation {
			return
		}
		if _, ok := childSchema.Field(value.ParentIDField); !ok {
			rewriteErr = CompileError.Wrap(errAt(n.At,
				ref.Name+" has no "+value.ParentIDField, ErrUnresolvedColumn))
			return
		}
		colName := ref.Name + "_children"
		if _, exists := c.findColumn(colName); !exists {
			c.columns = append(c.columns, column{
				name:    colName,
				sqlExpr: c.childrenSubquery(childSchema),
				lineage: Lineage{Relation: ref.Name, Column: value.ParentIDField},
			})
		}
		n.Args[0].Value = ColumnRef{Name: colName, At: ref.At}
	})
	return rewriteErr
}

// childrenSubquery builds the correlated JSON aggregation for one
// child relation, ordered by sort key when the schema has one.
func (c *compilation) childrenSubquery(child value.Schema) string {
	var pairs []string
	for _, f := range child.Fields {
		pairs = append(pairs, fmt.Sprintf("'%s', %s.%q", f.Name, quoteIdent(child.Relation), f.Name))
	}
	orderCol := child.PrimaryKey().Name
	if _, ok := child.Field(value.SortKeyField); ok {
		orderCol = value.SortKeyField
	}
	basePK := c.schemas[c.base].PrimaryKey().Name
	return fmt.Sprintf(
		"(SELECT json_group_array(json_object(%s) ORDER BY %s.%q) FROM %s WHERE %s.%q = %s.%q)",
		strings.Join(pairs, ", "),
		quoteIdent(child.Relation), orderCol,
		quoteIdent(child.Relation),
		quoteIdent(child.Relation), value.ParentIDField,
		quoteIdent(c.base), basePK,
	)
}

// injectOrigin appends the change-origin system column so downstream
// code can attribute rows.
func (c *compilation) injectOrigin() {
	if _, ok := c.findColumn(value.ChangeOriginColumn); ok {
		return
	}
	c.columns = append(c.columns, column{
		name:    value.ChangeOriginColumn,
		lineage: Lineage{Relation: c.base, Column: value.ChangeOriginColumn},
	})
}

// generate renders the final SQL. Output is a pure function of the
// compilation state.
func (c *compilation) generate() (string, error) {
	if c.base == "" {
		return "", CompileError.New("pipeline has no from stage")
	}
	branches := append([]string{c.base}, c.unions...)
	tagged := len(c.unions) > 0

	var selects []string
	for _, branch := range branches {
		sel, err := c.generateBranch(branch, tagged)
		if err != nil {
			return "", err
		}
		selects = append(selects, sel)
	}

	sqlText := strings.Join(selects, " UNION ALL ")
	if c.sort != nil {
		dir := "ASC"
		if c.sort.Desc {
			dir = "DESC"
		}
		sqlText += fmt.Sprintf(" ORDER BY %s %s", quoteIdent(c.sort.Column), dir)
	}
	if c.take != nil {
		sqlText += fmt.Sprintf(" LIMIT %d", c.take.N)
	}
	return sqlText, nil
}

func (c *compilation) generateBranch(branch string, tagged bool) (string, error) {
	qualified := len(c.joins) > 0
	schema := c.schemas[branch]

	var proj []string
	for _, col := range c.columns {
		switch {
		case col.expr != nil:
			exprSQL, err := c.exprSQLInto(col.expr, qualified, &c.params)
			if err != nil {
				return "", err
			}
			proj = append(proj, fmt.Sprintf("%s AS %s", exprSQL, quoteIdent(col.name)))
		case col.sqlExpr != "":
			proj = append(proj, fmt.Sprintf("%s AS %s", col.sqlExpr, quoteIdent(col.name)))
		case qualified:
			proj = append(proj, fmt.Sprintf("%s.%s AS %s",
				quoteIdent(col.lineage.Relation), quoteIdent(col.lineage.Column), quoteIdent(col.name)))
		default:
			if branch != c.base {
				if _, ok := schema.Field(col.name); !ok && col.name != value.ChangeOriginColumn {
					return "", CompileError.Wrap(errAt(Span{}, branch+"."+col.name, ErrUnresolvedColumn))
				}
			}
			proj = append(proj, quoteIdent(col.name))
		}
	}
	if tagged {
		proj = append(proj, fmt.Sprintf("'%s' AS %s", branch, quoteIdent(EntityTypeColumn)))
	}

	sqlText := "SELECT " + strings.Join(proj, ", ") + " FROM " + quoteIdent(branch)
	for _, j := range c.joins {
		sqlText += fmt.Sprintf(" JOIN %s ON %s.%s = %s.%s",
			quoteIdent(j.Relation),
			quoteIdent(c.base), quoteIdent(j.LeftCol),
			quoteIdent(j.Relation), quoteIdent(j.RightCol))
	}

	if len(c.pushdown) > 0 {
		var clauses []string
		for _, e := range c.pushdown {
			clause, err := c.exprSQLInto(e, qualified, &c.params)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, clause)
		}
		sqlText += " WHERE " + strings.Join(clauses, " AND ")
	}
	if len(c.group) > 0 {
		quoted := lo.Map(c.group, func(name string, _ int) string { return quoteIdent(name) })
		sqlText += " GROUP BY " + strings.Join(quoted, ", ")
	}
	return sqlText, nil
}

// exprSQLInto renders an expression, appending literals to the
// parameter plan.
func (c *compilation) exprSQLInto(e Expr, qualified bool, params *[]value.Value) (string, error) {
	switch ex := e.(type) {
	case ColumnExpr:
		col, ok := c.findColumn(ex.Name)
		if !ok {
			col, ok = c.availableColumn(ex.Name)
			if !ok {
				return "", CompileError.Wrap(errAt(ex.At, ex.Name, ErrUnresolvedColumn))
			}
		}
		if qualified && !col.computed() {
			return quoteIdent(col.lineage.Relation) + "." + quoteIdent(col.lineage.Column), nil
		}
		return quoteIdent(ex.Name), nil
	case LiteralExpr:
		*params = append(*params, ex.Val)
		return "?", nil
	case BinaryExpr:
		op, ok := sqlOps[ex.Op]
		if !ok {
			return "", CompileError.Wrap(errAt(ex.At, "operator "+ex.Op, ErrTypeMismatch))
		}
		left, err := c.exprSQLInto(ex.Left, qualified, params)
		if err != nil {
			return "", err
		}
		right, err := c.exprSQLInto(ex.Right, qualified, params)
		if err != nil {
			return "", err
		}
		return "(" + left + " " + op + " " + right + ")", nil
	}
	return "", CompileError.New("expression %T has no SQL translation", e)
}

// quoteIdent quotes a SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var sqlOps = map[string]string{
	"==":  "=",
	"!=":  "<>",
	"<":   "<",
	"<=":  "<=",
	">":   ">",
	">=":  ">=",
	"and": "AND",
	"or":  "OR",
}

// translatable reports whether the expression can be pushed down to
// SQL; call expressions cannot.
func translatable(e Expr) bool {
	switch ex := e.(type) {
	case CallExpr:
		return false
	case BinaryExpr:
		return translatable(ex.Left) && translatable(ex.Right)
	}
	return true
}

func firstColumnLineage(e Expr, c *compilation) Lineage {
	switch ex := e.(type) {
	case ColumnExpr:
		if col, ok := c.findColumn(ex.Name); ok {
			return col.lineage
		}
	case BinaryExpr:
		if lin := firstColumnLineage(ex.Left, c); lin != (Lineage{}) {
			return lin
		}
		return firstColumnLineage(ex.Right, c)
	}
	return Lineage{}
}

func andAll(exprs []Expr) Expr {
	out := exprs[0]
	for _, e := range exprs[1:] {
		out = BinaryExpr{Op: "and", Left: out, Right: e}
	}
	return out
}

func (c *compilation) relationSet() []string {
	set := map[string]struct{}{c.base: {}}
	for _, u := range c.unions {
		set[u] = struct{}{}
	}
	for _, j := range c.joins {
		set[j.Relation] = struct{}{}
	}
	out := lo.Keys(set)
	sort.Strings(out)
	return out
}

// keyColumn finds the projected column descending from the base
// relation's primary key.
func (c *compilation) keyColumn() string {
	pk := Lineage{Relation: c.base, Column: c.schemas[c.base].PrimaryKey().Name}
	for _, col := range c.columns {
		if col.lineage == pk && !col.computed() {
			return col.name
		}
	}
	return ""
}

func (c *compilation) lineageMap() map[string]Lineage {
	out := make(map[string]Lineage, len(c.columns))
	for _, col := range c.columns {
		out[col.name] = col.lineage
	}
	return out
}

// wireOperations attaches applicable operation descriptors to render
// nodes. A node's scope is the lineage of its own column references
// plus the primary key of each relation those columns come from, when
// that key is projected. A descriptor matches when every required
// parameter resolves to a projected column of the descriptor's entity.
func (c *compilation) wireOperations(render *RenderNode, registry *operation.Registry, lineage map[string]Lineage) {
	// projection column by (relation, base column)
	byOrigin := make(map[Lineage]string, len(lineage))
	for name, lin := range lineage {
		byOrigin[lin] = name
	}

	render.Walk(func(n *RenderNode) {
		refs := n.ColumnRefs()
		if len(refs) == 0 {
			return
		}
		scope := make(map[Lineage]string)
		relations := make(map[string]struct{})
		for _, ref := range refs {
			lin, ok := lineage[ref.Name]
			if !ok {
				continue
			}
			scope[lin] = ref.Name
			relations[lin.Relation] = struct{}{}
		}
		// the primary key of an involved relation is implicitly in
		// scope when projected
		for relation := range relations {
			schema, ok := c.schemas[relation]
			if !ok {
				continue
			}
			pk := Lineage{Relation: relation, Column: schema.PrimaryKey().Name}
			if colName, projected := byOrigin[pk]; projected {
				if _, present := scope[pk]; !present {
					scope[pk] = colName
				}
			}
		}

		for _, d := range registry.Descriptors() {
			if _, involved := relations[d.Entity]; !involved {
				continue
			}
			bindings := make(map[string]string, len(d.Required))
			matched := true
			for _, hint := range d.Required {
				colName, ok := scope[Lineage{Relation: d.Entity, Column: hint.Name}]
				if !ok {
					matched = false
					break
				}
				bindings[hint.Name] = colName
			}
			if matched {
				n.Wirings = append(n.Wirings, OperationWiring{Descriptor: d, Bindings: bindings})
			}
		}
	})
}
