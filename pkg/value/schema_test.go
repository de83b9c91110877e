package value

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notesSchema() Schema {
	return Schema{
		Relation: "notes",
		Fields: []Field{
			{Name: "id", Type: TypeText, PrimaryKey: true},
			{Name: "content", Type: TypeText},
			{Name: "updated_at", Type: TypeDateTime, Nullable: true, Indexed: true},
			{Name: "meta", Type: TypeJSON, Nullable: true},
		},
	}
}

func TestSchemaValidate(t *testing.T) {
	require.NoError(t, notesSchema().Validate())

	dup := notesSchema()
	dup.Fields = append(dup.Fields, Field{Name: "content", Type: TypeText})
	err := dup.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateField))

	noPK := notesSchema()
	noPK.Fields[0].PrimaryKey = false
	err = noPK.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingPrimaryKey))

	shadow := notesSchema()
	shadow.Fields = append(shadow.Fields, Field{Name: ChangeOriginColumn, Type: TypeText})
	require.Error(t, shadow.Validate())
}

func TestSchemaDDL(t *testing.T) {
	stmts := notesSchema().DDL()
	require.Len(t, stmts, 2)
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "notes" (`+
			`"id" TEXT PRIMARY KEY, "content" TEXT NOT NULL, `+
			`"updated_at" INTEGER, "meta" TEXT, `+
			`_change_origin TEXT, _change_seq INTEGER)`,
		stmts[0])
	assert.Equal(t, `CREATE INDEX IF NOT EXISTS "idx_notes_updated_at" ON "notes" ("updated_at")`, stmts[1])
}

func randomSchema(rng *rand.Rand) Schema {
	types := []FieldType{TypeText, TypeInteger, TypeReal, TypeDateTime, TypeJSON, TypeBoolean}
	s := Schema{
		Relation: "rel_" + strings.Repeat("x", 1+rng.Intn(5)),
		Fields:   []Field{{Name: "id", Type: TypeText, PrimaryKey: true}},
	}
	n := rng.Intn(8)
	for i := 0; i < n; i++ {
		s.Fields = append(s.Fields, Field{
			Name:     "f" + string(rune('a'+i)),
			Type:     types[rng.Intn(len(types))],
			Nullable: rng.Intn(2) == 0,
			Indexed:  rng.Intn(3) == 0,
		})
	}
	return s
}

func TestSchemaDDLDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		s := randomSchema(rng)
		first := s.DDL()
		for run := 0; run < 3; run++ {
			assert.Equal(t, first, s.DDL())
		}
	}
}

func TestParseFieldType(t *testing.T) {
	for _, name := range []string{"text", "integer", "real", "datetime", "json", "boolean"} {
		ft, err := ParseFieldType(name)
		require.NoError(t, err)
		assert.Equal(t, name, ft.String())
	}
	_, err := ParseFieldType("varchar")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTypeMismatch))
}
