package operation

import (
	"context"
	"fmt"
	"sync"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/nightscape/holon/pkg/value"
)

const descriptorTableName = "descriptor"

// descriptorTableSchema indexes descriptors by (entity, name) and by
// entity alone for applicability scans.
var descriptorTableSchema = &memdb.TableSchema{
	Name: descriptorTableName,
	Indexes: map[string]*memdb.IndexSchema{
		"id": {
			Name:   "id",
			Unique: true,
			Indexer: &memdb.CompoundIndex{
				Indexes: []memdb.Indexer{
					&memdb.StringFieldIndex{Field: "Entity"},
					&memdb.StringFieldIndex{Field: "Name"},
				},
			},
		},
		"entity": {
			Name:    "entity",
			Indexer: &memdb.StringFieldIndex{Field: "Entity"},
		},
	},
}

// Registry routes operations to providers by entity name and keeps the
// descriptor catalog for UI discovery. The zero value is ready to use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	catalog   *memdb.MemDB
}

func (r *Registry) initLocked() error {
	if r.providers == nil {
		r.providers = make(map[string]Provider)
	}
	if r.catalog == nil {
		db, err := memdb.NewMemDB(&memdb.DBSchema{
			Tables: map[string]*memdb.TableSchema{descriptorTableName: descriptorTableSchema},
		})
		if err != nil {
			return DispatchError.Wrap(fmt.Errorf("creating descriptor catalog: %w", err))
		}
		r.catalog = db
	}
	return nil
}

// Register registers the provider for an entity name. At most one
// provider may serve an entity.
func (r *Registry) Register(entity string, p Provider) error {
	if entity == "" {
		return DispatchError.New("entity name is required")
	}
	if p == nil {
		return DispatchError.New("provider is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.initLocked(); err != nil {
		return err
	}
	if _, ok := r.providers[entity]; ok {
		return DispatchError.Wrap(fmt.Errorf("%s: %w", entity, ErrAlreadyRegistered))
	}

	txn := r.catalog.Txn(true)
	defer txn.Abort()
	for _, d := range p.Descriptors() {
		d := d
		if d.Entity == "" {
			d.Entity = entity
		}
		if d.Entity != entity {
			return DispatchError.New("descriptor %s.%s registered under entity %s", d.Entity, d.Name, entity)
		}
		if err := txn.Insert(descriptorTableName, &d); err != nil {
			return DispatchError.Wrap(fmt.Errorf("indexing descriptor %s.%s: %w", d.Entity, d.Name, err))
		}
	}
	txn.Commit()

	r.providers[entity] = p
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(entity string, p Provider) {
	if err := r.Register(entity, p); err != nil {
		panic(err)
	}
}

// Get returns the provider registered for an entity.
func (r *Registry) Get(entity string) (Provider, error) {
	if entity == "" {
		return nil, DispatchError.New("entity name is required")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[entity]
	if !ok {
		return nil, DispatchError.Wrap(fmt.Errorf("%s: %w", entity, ErrNotRegistered))
	}
	return p, nil
}

// Execute validates the operation's parameters against its descriptor
// and invokes the provider. It returns as soon as the local effect is
// applied (or queued for push); the returned inverse, when present,
// undoes the operation.
func (r *Registry) Execute(ctx context.Context, op Operation) (*Operation, error) {
	p, err := r.Get(op.Entity)
	if err != nil {
		return nil, err
	}

	d, ok := r.descriptor(op.Entity, op.Name)
	if !ok {
		return nil, DispatchError.Wrap(fmt.Errorf("%s.%s: %w", op.Entity, op.Name, ErrUnknownOperation))
	}
	if missing := d.MissingParams(op.Params); len(missing) > 0 {
		return nil, DispatchError.Wrap(fmt.Errorf("%s.%s parameter %q: %w",
			op.Entity, op.Name, missing[0], ErrMissingParam))
	}

	inverse, err := p.Execute(ctx, op)
	if err != nil {
		return nil, err
	}
	return inverse, nil
}

func (r *Registry) descriptor(entity, name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.catalog == nil {
		return Descriptor{}, false
	}
	txn := r.catalog.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(descriptorTableName, "id", entity, name)
	if err != nil || raw == nil {
		return Descriptor{}, false
	}
	return *raw.(*Descriptor), true
}

// Descriptors aggregates the descriptors of every registered provider.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.catalog == nil {
		return nil
	}
	txn := r.catalog.Txn(false)
	defer txn.Abort()
	iter, err := txn.Get(descriptorTableName, "id")
	if err != nil {
		return nil
	}
	var out []Descriptor
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, *raw.(*Descriptor))
	}
	return out
}

// EntityDescriptors returns the descriptors of one entity.
func (r *Registry) EntityDescriptors(entity string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.catalog == nil {
		return nil
	}
	txn := r.catalog.Txn(false)
	defer txn.Abort()
	iter, err := txn.Get(descriptorTableName, "entity", entity)
	if err != nil {
		return nil
	}
	var out []Descriptor
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, *raw.(*Descriptor))
	}
	return out
}

// FindApplicable filters an entity's operations to those whose required
// parameters are all present in params and whose precondition, if any,
// holds for the current entity and candidate parameters.
func (r *Registry) FindApplicable(entity string, current, params *value.Entity) []Descriptor {
	var out []Descriptor
	for _, d := range r.EntityDescriptors(entity) {
		if len(d.MissingParams(params)) > 0 {
			continue
		}
		if d.Precondition != nil && !d.Precondition(current, params) {
			continue
		}
		out = append(out, d)
	}
	return out
}
