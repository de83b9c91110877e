// Package source declares the contracts between the engine core and
// the outside world: data sources backing a QueryableCache and sync
// providers speaking incremental protocols. Implementations (org-mode
// files, Todoist, local stores) live outside this module.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/zeebo/errs"

	"github.com/nightscape/holon/pkg/operation"
	"github.com/nightscape/holon/pkg/stream"
	"github.com/nightscape/holon/pkg/value"
)

// SyncError classes. Retryable failures (network, 5xx, timeouts) stay
// inside the orchestrator; fatal failures surface on the diagnostic
// stream and mark their operation failed.
var (
	SyncError = errs.Class("sync")
	Retryable = errs.Class("sync retryable")
	Fatal     = errs.Class("sync fatal")
)

// RetryableError wraps err as a retryable sync failure.
func RetryableError(err error) error { return Retryable.Wrap(err) }

// FatalError wraps err as a fatal sync failure.
func FatalError(err error) error { return Fatal.Wrap(err) }

// IsRetryable reports whether err is a retryable sync failure.
// Connectivity loss is detected uniformly as retryable.
func IsRetryable(err error) bool { return Retryable.Has(err) }

// Record is an entity row owned by a typed data source.
type Record interface {
	RecordID() string
}

// Codec maps records onto cache rows and back.
type Codec[T Record] interface {
	Encode(T) (*value.Entity, error)
	Decode(*value.Entity) (T, error)
}

// DataSource produces and persists records of one schema. Writes
// return the post-image so caches can store what the source actually
// kept.
type DataSource[T Record] interface {
	GetAll(ctx context.Context) ([]T, error)
	GetByID(ctx context.Context, id string) (T, bool, error)
	Create(ctx context.Context, record T) (T, error)
	Update(ctx context.Context, record T) (T, error)
	Delete(ctx context.Context, id string) error

	// Authoritative reports whether the source is the system of record
	// (an external API) rather than a local serialization layer. It
	// decides write ordering: source before cache when authoritative,
	// cache before source otherwise.
	Authoritative() bool
}

// Delta is one remote change reported by a pull.
type Delta struct {
	Relation string
	Kind     stream.Kind
	ID       string
	// Row is the post-image for created/updated deltas, nil for
	// deleted ones.
	Row *value.Entity
}

// Budget declares a provider's request budget per window. A zero
// budget means unlimited.
type Budget struct {
	Requests int
	Window   time.Duration
}

// SyncProvider speaks an incremental sync protocol against an external
// system.
type SyncProvider interface {
	// Name identifies the provider in origin tags and persisted state.
	Name() string

	// FetchSince returns the deltas after the given opaque token plus
	// the next token. An empty token asks for everything.
	FetchSince(ctx context.Context, token string) ([]Delta, string, error)

	// Push sends one queued operation. A non-nil post-image is applied
	// to the cache with an ack origin. Failures must be classified
	// with RetryableError or FatalError.
	Push(ctx context.Context, op operation.Operation) (*value.Entity, error)

	// Budget declares the provider's rate budget.
	Budget() Budget
}

// Validate rejects malformed deltas before they reach a transaction.
func (d Delta) Validate() error {
	if d.Relation == "" {
		return SyncError.New("delta lacks a relation")
	}
	if d.ID == "" {
		return SyncError.New("delta lacks an id")
	}
	if d.Kind != stream.Deleted && d.Row == nil {
		return SyncError.Wrap(fmt.Errorf("%s delta for %s lacks a row", d.Kind, d.ID))
	}
	return nil
}
