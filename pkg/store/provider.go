package store

import (
	"context"
	"fmt"

	"github.com/nightscape/holon/pkg/operation"
	"github.com/nightscape/holon/pkg/utils"
	"github.com/nightscape/holon/pkg/value"
)

// QueryableCache is an operation.Provider: the dispatcher routes
// operations for its entity here. Execution is fire-and-forget with
// respect to the external system; it returns once the local effect is
// applied or queued.

// Execute dispatches a routed operation onto the CRUD surface.
func (q *QueryableCache[T]) Execute(ctx context.Context, op operation.Operation) (*operation.Operation, error) {
	traceID := utils.UUID()
	switch {
	case op.Name == OpCreate:
		rec, err := q.decodeRow(op.Params)
		if err != nil {
			return nil, err
		}
		_, inverse, err := q.Create(ctx, traceID, rec)
		return inverse, err

	case op.Name == OpDelete:
		id, err := paramID(op)
		if err != nil {
			return nil, err
		}
		return q.Delete(ctx, traceID, id)

	case op.Name == OpSetField:
		id, field, v, err := fieldParams(op)
		if err != nil {
			return nil, err
		}
		return q.SetField(ctx, traceID, id, field, v)

	case op.Name == OpMove && q.blockOrdered():
		id, err := paramID(op)
		if err != nil {
			return nil, err
		}
		parentID := paramString(op, value.ParentIDField)
		afterID := paramString(op, AfterParam)
		return q.Move(ctx, traceID, id, parentID, afterID)

	default:
		field, ok := q.fieldOps[op.Name]
		if !ok {
			return nil, operation.DispatchError.Wrap(fmt.Errorf("%s.%s: %w",
				op.Entity, op.Name, operation.ErrUnknownOperation))
		}
		id, err := paramID(op)
		if err != nil {
			return nil, err
		}
		v, present := op.Params.Get(field)
		if !present {
			return nil, operation.DispatchError.Wrap(fmt.Errorf("%s.%s parameter %q: %w",
				op.Entity, op.Name, field, operation.ErrMissingParam))
		}
		inverse, err := q.SetField(ctx, traceID, id, field, v)
		if err != nil {
			return nil, err
		}
		// keep the inverse expressed as the same named operation
		if inverse != nil {
			inverse.Name = op.Name
		}
		return inverse, nil
	}
}

// Descriptors lists the CRUD surface plus any configured per-field
// operations.
func (q *QueryableCache[T]) Descriptors() []operation.Descriptor {
	pk := q.schema.PrimaryKey()
	idHint := operation.ParamHint{Name: pk.Name, Type: pk.Type}

	var createRequired []operation.ParamHint
	var affected []string
	for _, f := range q.schema.Fields {
		if !f.Nullable {
			createRequired = append(createRequired, operation.ParamHint{Name: f.Name, Type: f.Type})
		}
		if !f.PrimaryKey {
			affected = append(affected, f.Name)
		}
	}

	out := []operation.Descriptor{
		{Entity: q.relation, Name: OpCreate, Required: createRequired, Affects: affected},
		{Entity: q.relation, Name: OpSetField, Required: []operation.ParamHint{idHint}, Affects: affected},
		{Entity: q.relation, Name: OpDelete, Required: []operation.ParamHint{idHint}},
	}
	if q.blockOrdered() {
		out = append(out, operation.Descriptor{
			Entity:   q.relation,
			Name:     OpMove,
			Required: []operation.ParamHint{idHint},
			Affects:  []string{value.ParentIDField, value.SortKeyField},
		})
	}

	for name, field := range q.fieldOps {
		f, ok := q.schema.Field(field)
		if !ok {
			continue
		}
		out = append(out, operation.Descriptor{
			Entity:   q.relation,
			Name:     name,
			Required: []operation.ParamHint{idHint, {Name: field, Type: f.Type}},
			Affects:  []string{field},
		})
	}
	return out
}

// paramString reads an optional string parameter; absent or null
// reads as "".
func paramString(op operation.Operation, name string) string {
	if op.Params == nil {
		return ""
	}
	v, ok := op.Params.Get(name)
	if !ok || v.IsNull() {
		return ""
	}
	s, err := v.AsString()
	if err != nil {
		return ""
	}
	return s
}

func paramID(op operation.Operation) (string, error) {
	if op.Params == nil {
		return "", operation.DispatchError.Wrap(fmt.Errorf("%s.%s parameter %q: %w",
			op.Entity, op.Name, value.IDField, operation.ErrMissingParam))
	}
	id, err := op.Params.ID()
	if err != nil {
		return "", operation.DispatchError.Wrap(err)
	}
	return id, nil
}

// fieldParams extracts (id, field, value) from a set_field invocation:
// the id plus exactly one further field naming the column to set.
func fieldParams(op operation.Operation) (string, string, value.Value, error) {
	id, err := paramID(op)
	if err != nil {
		return "", "", value.Value{}, err
	}
	var field string
	var v value.Value
	for _, name := range op.Params.Names() {
		if name == value.IDField {
			continue
		}
		if field != "" {
			return "", "", value.Value{}, operation.DispatchError.New(
				"%s.%s sets more than one field", op.Entity, op.Name)
		}
		field = name
		v, _ = op.Params.Get(name)
	}
	if field == "" {
		return "", "", value.Value{}, operation.DispatchError.Wrap(fmt.Errorf(
			"%s.%s names no field to set: %w", op.Entity, op.Name, operation.ErrMissingParam))
	}
	return id, field, v, nil
}
