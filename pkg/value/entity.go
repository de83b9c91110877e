package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// IDField is the conventional primary key field name.
const IDField = "id"

// Entity is one row of one logical relation: an ordered mapping from
// field name to Value. Entities are immutable by convention once handed
// to the cache or the change stream; mutation helpers return the entity
// for chaining during construction.
type Entity struct {
	names  []string
	fields map[string]Value
}

// NewEntity returns an empty entity.
func NewEntity() *Entity {
	return &Entity{fields: make(map[string]Value)}
}

// Set stores a field, preserving first-insertion order on overwrite.
func (e *Entity) Set(name string, v Value) *Entity {
	if _, ok := e.fields[name]; !ok {
		e.names = append(e.names, name)
	}
	e.fields[name] = v
	return e
}

// Get returns the named field.
func (e *Entity) Get(name string) (Value, bool) {
	v, ok := e.fields[name]
	return v, ok
}

// GetOr returns the named field or def when absent.
func (e *Entity) GetOr(name string, def Value) Value {
	if v, ok := e.fields[name]; ok {
		return v
	}
	return def
}

// Has reports whether the field is present.
func (e *Entity) Has(name string) bool {
	_, ok := e.fields[name]
	return ok
}

// Delete removes a field.
func (e *Entity) Delete(name string) {
	if _, ok := e.fields[name]; !ok {
		return
	}
	delete(e.fields, name)
	for i, n := range e.names {
		if n == name {
			e.names = append(e.names[:i], e.names[i+1:]...)
			break
		}
	}
}

// Names returns the field names in insertion order.
func (e *Entity) Names() []string {
	out := make([]string, len(e.names))
	copy(out, e.names)
	return out
}

// Len returns the number of fields.
func (e *Entity) Len() int { return len(e.names) }

// ID returns the conventional string primary key.
func (e *Entity) ID() (string, error) {
	v, ok := e.fields[IDField]
	if !ok {
		return "", ValueError.New("entity has no %q field", IDField)
	}
	return v.AsString()
}

// Clone returns an independent copy.
func (e *Entity) Clone() *Entity {
	c := &Entity{
		names:  make([]string, len(e.names)),
		fields: make(map[string]Value, len(e.fields)),
	}
	copy(c.names, e.names)
	for k, v := range e.fields {
		c.fields[k] = v
	}
	return c
}

// Equal reports field-wise equality. Field order is not significant for
// equality, only for serialization.
func (e *Entity) Equal(o *Entity) bool {
	if e == nil || o == nil {
		return e == o
	}
	if len(e.fields) != len(o.fields) {
		return false
	}
	for k, v := range e.fields {
		ov, ok := o.fields[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Merge returns a copy of e with every field of patch applied on top.
func (e *Entity) Merge(patch *Entity) *Entity {
	out := e.Clone()
	for _, name := range patch.names {
		out.Set(name, patch.fields[name])
	}
	return out
}

// String renders the entity for console output, in field order.
func (e *Entity) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range e.names {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", name, e.fields[name])
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON encodes the entity as a JSON object in field order. Each
// field is encoded as a two-element pair of kind tag and rendered text
// so the variant survives a round trip.
func (e *Entity) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, name := range e.names {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')
		v := e.fields[name]
		if v.IsNull() {
			b.WriteString(`["null",""]`)
			continue
		}
		t := v.kind.fieldType()
		text, err := v.Render(t)
		if err != nil {
			return nil, err
		}
		cell, err := json.Marshal([2]string{t.String(), text})
		if err != nil {
			return nil, err
		}
		b.Write(cell)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// UnmarshalJSON decodes the object form produced by MarshalJSON,
// preserving field order.
func (e *Entity) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return ValueError.New("entity json must be an object")
	}
	e.names = nil
	e.fields = make(map[string]Value)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return ValueError.New("entity json key must be a string")
		}
		var cell [2]string
		if err := dec.Decode(&cell); err != nil {
			return err
		}
		if cell[0] == "null" {
			e.Set(name, Null())
			continue
		}
		t, err := ParseFieldType(cell[0])
		if err != nil {
			return err
		}
		v, err := Parse(cell[1], t)
		if err != nil {
			return err
		}
		e.Set(name, v)
	}
	// consume closing brace
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
