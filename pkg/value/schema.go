package value

import (
	"fmt"
	"strings"

	"github.com/zeebo/errs"
)

// SchemaError is the class of errors produced by schema validation and
// DDL generation.
var SchemaError = errs.Class("schema")

// Sentinel errors surfaced through SchemaError.
var (
	ErrDuplicateField        = fmt.Errorf("duplicate field")
	ErrMissingPrimaryKey     = fmt.Errorf("missing primary key")
	ErrTypeMismatch          = fmt.Errorf("type mismatch")
	ErrIncompatibleMigration = fmt.Errorf("incompatible migration")
)

// System columns present on every user table. ChangeOriginColumn holds
// the origin tag of the last write; ChangeSeqColumn the per-relation
// sequence number assigned to it.
const (
	ChangeOriginColumn = "_change_origin"
	ChangeSeqColumn    = "_change_seq"
)

// FieldType is the declared storage type of a schema field.
type FieldType int

const (
	TypeText FieldType = iota
	TypeInteger
	TypeReal
	TypeDateTime
	TypeJSON
	TypeBoolean
)

func (t FieldType) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeInteger:
		return "integer"
	case TypeReal:
		return "real"
	case TypeDateTime:
		return "datetime"
	case TypeJSON:
		return "json"
	case TypeBoolean:
		return "boolean"
	}
	return "unknown"
}

// ParseFieldType parses the textual name of a field type as used in
// schema catalog files.
func ParseFieldType(s string) (FieldType, error) {
	switch s {
	case "text":
		return TypeText, nil
	case "integer":
		return TypeInteger, nil
	case "real":
		return TypeReal, nil
	case "datetime":
		return TypeDateTime, nil
	case "json":
		return TypeJSON, nil
	case "boolean":
		return TypeBoolean, nil
	}
	return 0, SchemaError.Wrap(fmt.Errorf("field type %q: %w", s, ErrTypeMismatch))
}

// sqlType maps a field type onto its SQLite column type.
func (t FieldType) sqlType() string {
	switch t {
	case TypeText, TypeJSON:
		return "TEXT"
	case TypeInteger, TypeDateTime, TypeBoolean:
		return "INTEGER"
	case TypeReal:
		return "REAL"
	}
	return "TEXT"
}

// Field describes one column of a relation.
type Field struct {
	Name       string
	Type       FieldType
	Nullable   bool
	Indexed    bool
	PrimaryKey bool
}

// Schema describes one relation: its name and the ordered list of
// fields. Schemas are static; they drive CREATE TABLE / CREATE INDEX
// DDL and row marshalling.
type Schema struct {
	Relation string
	Fields   []Field
}

// Validate checks structural invariants: distinct field names, exactly
// one primary key, and no field shadowing a system column.
func (s Schema) Validate() error {
	if s.Relation == "" {
		return SchemaError.New("relation name is required")
	}
	seen := make(map[string]struct{}, len(s.Fields))
	pks := 0
	for _, f := range s.Fields {
		if _, ok := seen[f.Name]; ok {
			return SchemaError.Wrap(fmt.Errorf("relation %s field %q: %w", s.Relation, f.Name, ErrDuplicateField))
		}
		seen[f.Name] = struct{}{}
		if f.Name == ChangeOriginColumn || f.Name == ChangeSeqColumn {
			return SchemaError.Wrap(fmt.Errorf("relation %s field %q shadows a system column: %w",
				s.Relation, f.Name, ErrDuplicateField))
		}
		if f.PrimaryKey {
			pks++
			if f.Nullable {
				return SchemaError.New("relation %s: primary key %q cannot be nullable", s.Relation, f.Name)
			}
		}
	}
	if pks != 1 {
		return SchemaError.Wrap(fmt.Errorf("relation %s has %d primary keys: %w", s.Relation, pks, ErrMissingPrimaryKey))
	}
	return nil
}

// PrimaryKey returns the designated primary key field.
func (s Schema) PrimaryKey() Field {
	for _, f := range s.Fields {
		if f.PrimaryKey {
			return f
		}
	}
	return Field{}
}

// Field returns the named field descriptor.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldNames returns the field names in declaration order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// DDL generates the statements that materialize the relation: one
// CREATE TABLE IF NOT EXISTS followed by one single-column CREATE INDEX
// IF NOT EXISTS per indexed field. The output is a pure function of the
// schema.
func (s Schema) DDL() []string {
	var cols []string
	for _, f := range s.Fields {
		col := fmt.Sprintf("%s %s", quoteIdent(f.Name), f.Type.sqlType())
		if f.PrimaryKey {
			col += " PRIMARY KEY"
		} else if !f.Nullable {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	cols = append(cols,
		fmt.Sprintf("%s TEXT", ChangeOriginColumn),
		fmt.Sprintf("%s INTEGER", ChangeSeqColumn),
	)

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		quoteIdent(s.Relation), strings.Join(cols, ", "))}
	for _, f := range s.Fields {
		if !f.Indexed || f.PrimaryKey {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent("idx_"+s.Relation+"_"+f.Name), quoteIdent(s.Relation), quoteIdent(f.Name)))
	}
	return stmts
}

// quoteIdent quotes a SQL identifier. Identifiers never carry quotes
// themselves, so doubling is enough.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
