package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightscape/holon/pkg/operation"
	"github.com/nightscape/holon/pkg/value"
)

func testSchemas() map[string]value.Schema {
	return map[string]value.Schema{
		"notes": {
			Relation: "notes",
			Fields: []value.Field{
				{Name: "id", Type: value.TypeText, PrimaryKey: true},
				{Name: "content", Type: value.TypeText, Nullable: true},
				{Name: "updated_at", Type: value.TypeDateTime, Nullable: true},
			},
		},
		"tasks": {
			Relation: "tasks",
			Fields: []value.Field{
				{Name: "id", Type: value.TypeText, PrimaryKey: true},
				{Name: "content", Type: value.TypeText, Nullable: true},
				{Name: "completed", Type: value.TypeBoolean, Nullable: true},
				{Name: "priority", Type: value.TypeInteger, Nullable: true},
			},
		},
		"blocks": {
			Relation: "blocks",
			Fields: []value.Field{
				{Name: "id", Type: value.TypeText, PrimaryKey: true},
				{Name: "parent_id", Type: value.TypeText, Nullable: true},
				{Name: "sort_key", Type: value.TypeText},
				{Name: "content", Type: value.TypeText, Nullable: true},
			},
		},
	}
}

func TestCompileSimpleFilter(t *testing.T) {
	out, err := Compile(`from notes filter id == "n1" select {id, content}`, testSchemas(), nil)
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT "id", "content", "_change_origin" FROM "notes" WHERE ("id" = ?)`,
		out.SQL)
	require.Len(t, out.Params, 1)
	assert.True(t, out.Params[0].Equal(value.String("n1")))
	assert.Equal(t, []string{"notes"}, out.Relations)
	assert.Nil(t, out.Render)
	assert.Nil(t, out.PostFilter)
}

func TestCompilePurity(t *testing.T) {
	src := `
		# tasks ordered by priority
		from tasks
		filter completed == false and priority >= 2
		sort priority desc
		take 10
		render (list item:(row (checkbox checked:completed) (text content)))
	`
	first, err := Compile(src, testSchemas(), nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Compile(src, testSchemas(), nil)
		require.NoError(t, err)
		assert.Equal(t, first.SQL, again.SQL)
		assert.Equal(t, first.Params, again.Params)
		assert.Equal(t, first.Render, again.Render)
		assert.Equal(t, first.Lineage, again.Lineage)
	}
}

func TestCompileErrors(t *testing.T) {
	schemas := testSchemas()

	_, err := Compile(`from nowhere`, schemas, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownRelation))

	_, err = Compile(`from notes select {nope}`, schemas, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedColumn))

	_, err = Compile(`from notes render (a) render (b)`, schemas, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAmbiguousRender))

	_, err = Compile(`from notes render (text missing_col)`, schemas, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedColumn))

	_, err = Compile(`from notes filter`, schemas, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParse))

	_, err = Compile(``, schemas, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParse))
}

func TestParseErrorCarriesSpan(t *testing.T) {
	_, err := Compile("from notes\nfilter id ==", testSchemas(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2:")
}

func TestColumnPreservation(t *testing.T) {
	// the select drops content, but the render needs it
	out, err := Compile(
		`from tasks select {id} render (text content)`,
		testSchemas(), nil)
	require.NoError(t, err)
	assert.Contains(t, out.SQL, `"content"`)
	lin, ok := out.Lineage["content"]
	require.True(t, ok)
	assert.Equal(t, Lineage{Relation: "tasks", Column: "content"}, lin)
}

func TestOriginInjection(t *testing.T) {
	out, err := Compile(`from notes`, testSchemas(), nil)
	require.NoError(t, err)
	assert.Contains(t, out.SQL, value.ChangeOriginColumn)
	assert.Equal(t, Lineage{Relation: "notes", Column: value.ChangeOriginColumn},
		out.Lineage[value.ChangeOriginColumn])
}

func TestUnionEntityTagging(t *testing.T) {
	out, err := Compile(
		`from notes union tasks select {id, content} sort id`,
		testSchemas(), nil)
	require.NoError(t, err)
	assert.Contains(t, out.SQL, "UNION ALL")
	assert.Equal(t, 2, strings.Count(out.SQL, `AS "_entity_type"`))
	assert.Contains(t, out.SQL, `'notes' AS "_entity_type"`)
	assert.Contains(t, out.SQL, `'tasks' AS "_entity_type"`)
	assert.Equal(t, []string{"notes", "tasks"}, out.Relations)
}

func TestUnionParamsRepeatPerBranch(t *testing.T) {
	out, err := Compile(
		`from notes union tasks filter content == "x" select {id, content}`,
		testSchemas(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out.SQL, "?"))
	require.Len(t, out.Params, 2)
}

func TestPostFilter(t *testing.T) {
	out, err := Compile(
		`from notes filter contains(content, "milk") select {id, content}`,
		testSchemas(), nil)
	require.NoError(t, err)
	assert.NotContains(t, out.SQL, "WHERE")
	require.NotNil(t, out.PostFilter)

	match := value.NewEntity().
		Set("id", value.String("n1")).
		Set("content", value.String("buy milk"))
	ok, err := EvalPredicate(out.PostFilter, match)
	require.NoError(t, err)
	assert.True(t, ok)

	miss := value.NewEntity().
		Set("id", value.String("n2")).
		Set("content", value.String("other"))
	ok, err = EvalPredicate(out.PostFilter, miss)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeriveAndJoin(t *testing.T) {
	out, err := Compile(
		`from blocks join notes on parent_id == id derive label = content select {id, label}`,
		testSchemas(), nil)
	require.NoError(t, err)
	assert.Contains(t, out.SQL, `JOIN "notes" ON "blocks"."parent_id" = "notes"."id"`)
	assert.Contains(t, out.SQL, `AS "label"`)
	assert.ElementsMatch(t, []string{"blocks", "notes"}, out.Relations)
}

func TestChildrenAggregation(t *testing.T) {
	out, err := Compile(
		`from notes render (block (text content) (children blocks))`,
		testSchemas(), nil)
	require.NoError(t, err)
	assert.Contains(t, out.SQL, "json_group_array")
	assert.Contains(t, out.SQL, `"blocks"."parent_id" = "notes"."id"`)
	assert.Contains(t, out.SQL, `ORDER BY "blocks"."sort_key"`)

	// the render arg now references the aggregate column
	var childrenNode *RenderNode
	out.Render.Walk(func(n *RenderNode) {
		if n.Func == "children" {
			childrenNode = n
		}
	})
	require.NotNil(t, childrenNode)
	ref, ok := childrenNode.Args[0].Value.(ColumnRef)
	require.True(t, ok)
	assert.Equal(t, "blocks_children", ref.Name)
	assert.Contains(t, out.Lineage, "blocks_children")
}

type wiringProvider struct{ descs []operation.Descriptor }

func (p wiringProvider) Execute(context.Context, operation.Operation) (*operation.Operation, error) {
	return nil, nil
}
func (p wiringProvider) Descriptors() []operation.Descriptor { return p.descs }

func TestOperationWiring(t *testing.T) {
	var registry operation.Registry
	require.NoError(t, registry.Register("tasks", wiringProvider{descs: []operation.Descriptor{{
		Entity: "tasks",
		Name:   "set_completion",
		Required: []operation.ParamHint{
			{Name: "id", Type: value.TypeText},
			{Name: "completed", Type: value.TypeBoolean},
		},
		Affects: []string{"completed"},
	}}}))

	out, err := Compile(
		`from tasks render (list item:(row (checkbox checked:completed) (text content)))`,
		testSchemas(), &registry)
	require.NoError(t, err)

	// compiled SQL projects id, completed and content
	for _, col := range []string{`"id"`, `"completed"`, `"content"`} {
		assert.Contains(t, out.SQL, col)
	}

	var checkbox, text *RenderNode
	out.Render.Walk(func(n *RenderNode) {
		switch n.Func {
		case "checkbox":
			checkbox = n
		case "text":
			text = n
		}
	})
	require.NotNil(t, checkbox)
	require.Len(t, checkbox.Wirings, 1)
	wiring := checkbox.Wirings[0]
	assert.Equal(t, "set_completion", wiring.Descriptor.Name)
	assert.Equal(t, map[string]string{"id": "id", "completed": "completed"}, wiring.Bindings)

	// the text node references content only; set_completion does not
	// bind there
	require.NotNil(t, text)
	assert.Empty(t, text.Wirings)
}

func TestLineageSoundness(t *testing.T) {
	var registry operation.Registry
	require.NoError(t, registry.Register("tasks", wiringProvider{descs: []operation.Descriptor{{
		Entity: "tasks",
		Name:   "set_completion",
		Required: []operation.ParamHint{
			{Name: "id", Type: value.TypeText},
			{Name: "completed", Type: value.TypeBoolean},
		},
	}}}))

	sources := []string{
		`from tasks render (row (checkbox checked:completed) (text content))`,
		`from tasks select {id, completed} render (checkbox checked:completed)`,
		`from tasks filter completed == false render (row (checkbox checked:completed))`,
		`from tasks sort priority take 5 render (checkbox checked:completed)`,
	}
	for _, src := range sources {
		out, err := Compile(src, testSchemas(), &registry)
		require.NoError(t, err, src)
		out.Render.Walk(func(n *RenderNode) {
			for _, w := range n.Wirings {
				for param, colName := range w.Bindings {
					_, inLineage := out.Lineage[colName]
					assert.True(t, inLineage, "%s: binding %s -> %s not in lineage", src, param, colName)
					assert.Contains(t, out.SQL, quoteIdent(colName),
						"%s: bound column %s missing from SQL", src, colName)
				}
			}
		})
	}
}

func TestRenderLiteralArgs(t *testing.T) {
	out, err := Compile(
		`from notes render (text content size:14 style:"bold")`,
		testSchemas(), nil)
	require.NoError(t, err)

	node := out.Render
	require.Equal(t, "text", node.Func)
	require.Len(t, node.Args, 3)
	assert.Equal(t, "", node.Args[0].Name)
	size := node.Args[1]
	assert.Equal(t, "size", size.Name)
	lit, ok := size.Value.(Literal)
	require.True(t, ok)
	assert.True(t, lit.Val.Equal(value.Integer(14)))
}

func TestCommentsAndWhitespace(t *testing.T) {
	out, err := Compile(
		"from notes # base relation\n  filter id == \"n1\"  # only one\nselect {id, content}",
		testSchemas(), nil)
	require.NoError(t, err)
	assert.Contains(t, out.SQL, "WHERE")
}

func TestSortKeyPassthrough(t *testing.T) {
	// fractional sort keys are ordinary text columns; sorting by them
	// compiles to a plain ORDER BY
	out, err := Compile(`from blocks sort sort_key`, testSchemas(), nil)
	require.NoError(t, err)
	assert.Contains(t, out.SQL, `ORDER BY "sort_key" ASC`)
}
