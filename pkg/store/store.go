// Package store implements QueryableCache: a uniform façade over one
// data source and its cached relation, combining local caching, CRUD
// dispatch with inverse operations, and operation exposure.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nightscape/holon/pkg/cache"
	"github.com/nightscape/holon/pkg/operation"
	"github.com/nightscape/holon/pkg/source"
	"github.com/nightscape/holon/pkg/stream"
	"github.com/nightscape/holon/pkg/value"
)

// Standard operation names every QueryableCache exposes.
const (
	OpCreate   = "create"
	OpSetField = "set_field"
	OpDelete   = "delete"
)

// Opts configures a QueryableCache.
type Opts[T source.Record] struct {
	Schema value.Schema
	Source source.DataSource[T]
	Codec  source.Codec[T]
	Cache  *cache.Cache

	// Provider, when set, names the sync provider whose queue receives
	// offline writes against an authoritative source.
	Provider string

	// FieldOps exposes per-field convenience operations, mapping an
	// operation name to the field it sets (e.g. set_completion ->
	// completed).
	FieldOps map[string]string

	// Sync, when set, runs one pull+push cycle for Provider. Wired to
	// the orchestrator by the workspace assembly.
	Sync func(ctx context.Context, provider string) error

	Log *zap.Logger
}

// QueryableCache exclusively owns its data source handle and the cache
// table for its schema. It implements operation.Provider so the
// dispatcher can route operations to it.
type QueryableCache[T source.Record] struct {
	relation string
	schema   value.Schema
	src      source.DataSource[T]
	codec    source.Codec[T]
	cache    *cache.Cache
	provider string
	fieldOps map[string]string
	sync     func(ctx context.Context, provider string) error
	log      *zap.Logger
}

// New initializes the relation in the cache and returns the façade.
func New[T source.Record](opts Opts[T]) (*QueryableCache[T], error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if err := opts.Cache.Initialize(opts.Schema); err != nil {
		return nil, err
	}
	return &QueryableCache[T]{
		relation: opts.Schema.Relation,
		schema:   opts.Schema,
		src:      opts.Source,
		codec:    opts.Codec,
		cache:    opts.Cache,
		provider: opts.Provider,
		fieldOps: opts.FieldOps,
		sync:     opts.Sync,
		log:      opts.Log.Named(opts.Schema.Relation),
	}, nil
}

// Sync reconciles the relation with its sync provider: one pull plus
// push cycle through the orchestrator.
func (q *QueryableCache[T]) Sync(ctx context.Context) error {
	if q.sync == nil || q.provider == "" {
		return operation.OperationError.New("relation %s has no sync provider", q.relation)
	}
	return q.sync(ctx, q.provider)
}

// Relation returns the cached relation name.
func (q *QueryableCache[T]) Relation() string { return q.relation }

// Schema returns the relation schema.
func (q *QueryableCache[T]) Schema() value.Schema { return q.schema }

// GetAll reads every record from the cache; an entirely empty relation
// falls back to the source once and hydrates the cache.
func (q *QueryableCache[T]) GetAll(ctx context.Context) ([]T, error) {
	rows, err := q.cache.All(ctx, q.relation)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return q.hydrateAll(ctx)
	}
	return q.decodeRows(rows)
}

func (q *QueryableCache[T]) hydrateAll(ctx context.Context) ([]T, error) {
	records, err := q.src.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	origin := stream.SyncOrigin(q.originProvider(), "hydrate")
	err = q.cache.Apply(ctx, origin, []string{q.relation}, func(tx *cache.Tx) error {
		for _, r := range records {
			row, err := q.codec.Encode(r)
			if err != nil {
				return err
			}
			if err := tx.Upsert(q.relation, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetByID reads one record: cache first, then the source, updating the
// cache on a source hit.
func (q *QueryableCache[T]) GetByID(ctx context.Context, id string) (T, bool, error) {
	var zero T
	row, err := q.cache.Get(ctx, q.relation, id)
	switch {
	case err == nil:
		rec, err := q.decodeRow(row)
		if err != nil {
			return zero, false, err
		}
		return rec, true, nil
	case !errors.Is(err, cache.ErrNotFound):
		return zero, false, err
	}

	rec, ok, err := q.src.GetByID(ctx, id)
	if err != nil || !ok {
		return zero, false, err
	}
	encoded, err := q.codec.Encode(rec)
	if err != nil {
		return zero, false, err
	}
	origin := stream.SyncOrigin(q.originProvider(), "hydrate")
	err = q.cache.Apply(ctx, origin, []string{q.relation}, func(tx *cache.Tx) error {
		return tx.Upsert(q.relation, encoded)
	})
	if err != nil {
		return zero, false, err
	}
	return rec, true, nil
}

func (q *QueryableCache[T]) originProvider() string {
	if q.provider != "" {
		return q.provider
	}
	return q.relation
}

// Create writes a new record and returns its id plus the inverse
// (delete) operation.
//
// Against an authoritative source the write goes source first; a fatal
// refusal leaves the cache untouched. A retryable failure applies the
// write locally and queues it for push. Owned sources are written
// cache first; their failures are logged, not rolled back.
func (q *QueryableCache[T]) Create(ctx context.Context, traceID string, record T) (string, *operation.Operation, error) {
	row, err := q.codec.Encode(record)
	if err != nil {
		return "", nil, err
	}
	id, err := row.ID()
	if err != nil {
		return "", nil, err
	}
	if q.blockOrdered() {
		// a new block without a sort key lands after its last sibling
		if err := q.ensureSortKey(ctx, row); err != nil {
			return "", nil, err
		}
		record, err = q.codec.Decode(row)
		if err != nil {
			return "", nil, err
		}
	}
	op := operation.Operation{Entity: q.relation, Name: OpCreate, Params: row.Clone()}

	if q.src.Authoritative() {
		post, err := q.src.Create(ctx, record)
		switch {
		case err == nil:
			if encoded, encErr := q.codec.Encode(post); encErr == nil {
				row = encoded
			}
		case source.IsRetryable(err):
			if qErr := q.enqueue(ctx, op); qErr != nil {
				return "", nil, qErr
			}
			q.log.Info("source offline, queued create", zap.String("id", id), zap.Error(err))
		default:
			return "", nil, operation.OperationError.Wrap(fmt.Errorf("create %s/%s: %v: %w",
				q.relation, id, err, operation.ErrRejected))
		}
	}

	origin := stream.LocalOrigin(traceID)
	if err := q.cache.Insert(ctx, q.relation, row, origin); err != nil {
		return "", nil, err
	}

	if !q.src.Authoritative() {
		if _, err := q.src.Create(ctx, record); err != nil {
			q.log.Warn("owned source rejected create", zap.String("id", id), zap.Error(err))
		}
	}

	inverse := &operation.Operation{
		Entity: q.relation,
		Name:   OpDelete,
		Params: value.NewEntity().Set(value.IDField, value.String(id)),
	}
	return id, inverse, nil
}

// SetField updates one field, capturing the pre-image for the inverse.
func (q *QueryableCache[T]) SetField(ctx context.Context, traceID, id, field string, v value.Value) (*operation.Operation, error) {
	if _, ok := q.schema.Field(field); !ok {
		return nil, operation.OperationError.New("relation %s has no field %q", q.relation, field)
	}

	pre, err := q.cache.Get(ctx, q.relation, id)
	if err != nil {
		return nil, err
	}
	preValue := pre.GetOr(field, value.Null())

	patch := value.NewEntity().Set(field, v)
	op := operation.Operation{
		Entity: q.relation,
		Name:   OpSetField,
		Params: value.NewEntity().Set(value.IDField, value.String(id)).Set(field, v),
	}

	if q.src.Authoritative() {
		if err := q.pushOrQueueUpdate(ctx, pre, id, patch, op); err != nil {
			return nil, err
		}
	}

	origin := stream.LocalOrigin(traceID)
	if err := q.cache.Update(ctx, q.relation, id, patch, origin); err != nil {
		return nil, err
	}

	if !q.src.Authoritative() {
		q.writeOwned(ctx, id)
	}

	inverse := &operation.Operation{
		Entity: q.relation,
		Name:   OpSetField,
		Params: value.NewEntity().Set(value.IDField, value.String(id)).Set(field, preValue),
	}
	return inverse, nil
}

// pushOrQueueUpdate sends an update to an authoritative source, or
// queues the operation when the source is unreachable.
func (q *QueryableCache[T]) pushOrQueueUpdate(ctx context.Context, pre *value.Entity, id string, patch *value.Entity, op operation.Operation) error {
	merged, err := q.decodeRow(pre.Merge(patch))
	if err != nil {
		return err
	}
	_, err = q.src.Update(ctx, merged)
	switch {
	case err == nil:
		return nil
	case source.IsRetryable(err):
		if qErr := q.enqueue(ctx, op); qErr != nil {
			return qErr
		}
		q.log.Info("source offline, queued update", zap.String("id", id), zap.Error(err))
		return nil
	default:
		return operation.OperationError.Wrap(fmt.Errorf("update %s/%s: %v: %w",
			q.relation, id, err, operation.ErrRejected))
	}
}

// Delete removes a record, returning the inverse (create from the
// pre-image).
func (q *QueryableCache[T]) Delete(ctx context.Context, traceID, id string) (*operation.Operation, error) {
	pre, err := q.cache.Get(ctx, q.relation, id)
	if err != nil {
		return nil, err
	}
	op := operation.Operation{
		Entity: q.relation,
		Name:   OpDelete,
		Params: value.NewEntity().Set(value.IDField, value.String(id)),
	}

	if q.src.Authoritative() {
		err := q.src.Delete(ctx, id)
		switch {
		case err == nil:
		case source.IsRetryable(err):
			if qErr := q.enqueue(ctx, op); qErr != nil {
				return nil, qErr
			}
			q.log.Info("source offline, queued delete", zap.String("id", id), zap.Error(err))
		default:
			return nil, operation.OperationError.Wrap(fmt.Errorf("delete %s/%s: %v: %w",
				q.relation, id, err, operation.ErrRejected))
		}
	}

	origin := stream.LocalOrigin(traceID)
	if err := q.cache.Delete(ctx, q.relation, id, origin); err != nil {
		return nil, err
	}

	if !q.src.Authoritative() {
		if err := q.src.Delete(ctx, id); err != nil {
			q.log.Warn("owned source rejected delete", zap.String("id", id), zap.Error(err))
		}
	}

	pre.Delete(value.ChangeOriginColumn)
	inverse := &operation.Operation{Entity: q.relation, Name: OpCreate, Params: pre}
	return inverse, nil
}

// writeOwned serializes the current cached row back to an owned
// source. Failures are logged; the cache stays the local truth.
func (q *QueryableCache[T]) writeOwned(ctx context.Context, id string) {
	row, err := q.cache.Get(ctx, q.relation, id)
	if err != nil {
		q.log.Warn("reading back row for owned source", zap.String("id", id), zap.Error(err))
		return
	}
	rec, err := q.decodeRow(row)
	if err != nil {
		q.log.Warn("decoding row for owned source", zap.String("id", id), zap.Error(err))
		return
	}
	if _, err := q.src.Update(ctx, rec); err != nil {
		q.log.Warn("owned source rejected update", zap.String("id", id), zap.Error(err))
	}
}

// enqueue appends the operation to the provider push queue.
func (q *QueryableCache[T]) enqueue(ctx context.Context, op operation.Operation) error {
	if q.provider == "" {
		return operation.OperationError.New("relation %s has no push queue", q.relation)
	}
	opJSON, err := json.Marshal(op)
	if err != nil {
		return operation.OperationError.Wrap(err)
	}
	_, err = q.cache.EnqueueOperation(ctx, q.provider, opJSON)
	return err
}

// decodeRow strips system columns and decodes the row.
func (q *QueryableCache[T]) decodeRow(row *value.Entity) (T, error) {
	clean := row.Clone()
	clean.Delete(value.ChangeOriginColumn)
	clean.Delete(value.ChangeSeqColumn)
	return q.codec.Decode(clean)
}

func (q *QueryableCache[T]) decodeRows(rows []*value.Entity) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		rec, err := q.decodeRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
