package source

import (
	"github.com/nightscape/holon/pkg/value"
)

// EntityRecord adapts a raw entity row to the Record interface, for
// callers that work with dynamic schemas instead of typed structs.
type EntityRecord struct {
	Row *value.Entity
}

// RecordID returns the conventional string primary key.
func (r EntityRecord) RecordID() string {
	id, err := r.Row.ID()
	if err != nil {
		return ""
	}
	return id
}

// EntityCodec is the identity codec for EntityRecord, narrowing rows
// to the schema's fields.
type EntityCodec struct {
	Schema value.Schema
}

// Encode projects the record onto the schema fields.
func (c EntityCodec) Encode(r EntityRecord) (*value.Entity, error) {
	out := value.NewEntity()
	for _, f := range c.Schema.Fields {
		if v, ok := r.Row.Get(f.Name); ok {
			out.Set(f.Name, v)
		}
	}
	return out, nil
}

// Decode wraps the row unchanged.
func (c EntityCodec) Decode(e *value.Entity) (EntityRecord, error) {
	return EntityRecord{Row: e.Clone()}, nil
}
