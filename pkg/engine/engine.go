// Package engine glues compiler, cache and change stream together: it
// compiles subscriptions, serves their initial snapshot, re-queries on
// relevant changes and pushes coalesced row deltas to subscribers.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/nightscape/holon/pkg/cache"
	"github.com/nightscape/holon/pkg/operation"
	"github.com/nightscape/holon/pkg/query"
	"github.com/nightscape/holon/pkg/stream"
	"github.com/nightscape/holon/pkg/value"
)

// EngineError is the class of errors produced by the reactive engine.
var EngineError = errs.Class("engine")

// ErrQueryFailed marks a failed initial query.
var ErrQueryFailed = fmt.Errorf("query failed")

const (
	defaultQueryTimeout = 2 * time.Second
	eventBuffer         = 16
)

// Event is one notification to a subscriber: a coalesced delta list,
// or an error on a failed re-query (the subscription stays open).
type Event struct {
	Deltas []RowDelta
	Err    error
}

// Subscription is one live view over a compiled query.
type Subscription struct {
	// Render is the render tree with operation wirings, nil when the
	// source has no render clause.
	Render *query.RenderNode
	// Initial is the snapshot at subscription time.
	Initial []*value.Entity

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Events returns the delta channel. It closes when the subscription
// is dropped.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close drops the subscription, releasing its change cursor.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// SubscriberHandle is what a UI renderer returns for one wired view.
type SubscriberHandle interface {
	Close()
}

// UiRenderer consumes a render spec plus its row stream. The concrete
// renderers (terminal, desktop, mobile) live outside this module.
type UiRenderer interface {
	Render(spec *query.RenderNode, sub *Subscription) (SubscriberHandle, error)
}

// Opts configures the engine.
type Opts struct {
	Cache    *cache.Cache
	Registry *operation.Registry
	Log      *zap.Logger
	// QueryTimeout bounds each (re-)query; exceeding it emits an error
	// event.
	QueryTimeout time.Duration
}

// Engine serves reactive subscriptions.
type Engine struct {
	cache        *cache.Cache
	registry     *operation.Registry
	log          *zap.Logger
	queryTimeout time.Duration
}

// New constructs an Engine.
func New(opts Opts) *Engine {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	return &Engine{
		cache:        opts.Cache,
		registry:     opts.Registry,
		log:          opts.Log.Named("engine"),
		queryTimeout: opts.QueryTimeout,
	}
}

// schemas snapshots the cache's registered schemas for the compiler.
func (e *Engine) schemas() map[string]value.Schema {
	out := make(map[string]value.Schema)
	for _, relation := range e.cache.Relations() {
		s, err := e.cache.Schema(relation)
		if err == nil {
			out[relation] = s
		}
	}
	return out
}

// Subscribe compiles the source, runs it once and starts a change-fed
// re-query loop. The returned subscription carries the render spec and
// the initial snapshot.
func (e *Engine) Subscribe(ctx context.Context, src string) (*Subscription, error) {
	compiled, err := query.Compile(src, e.schemas(), e.registry)
	if err != nil {
		return nil, err
	}

	// subscribe before the snapshot so a write racing the initial
	// query still triggers a re-query instead of being lost
	changes := e.cache.RowChanges(compiled.Relations, stream.Tail(), stream.Reactive)

	initial, err := e.runQuery(ctx, compiled)
	if err != nil {
		changes.Close()
		return nil, EngineError.Wrap(fmt.Errorf("%v: %w", err, ErrQueryFailed))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		Render:  compiled.Render,
		Initial: initial,
		events:  make(chan Event, eventBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go e.loop(loopCtx, compiled, changes, sub, initial)
	return sub, nil
}

// loop owns one subscription: it re-queries on every relevant batch,
// diffs against the previous snapshot and forwards deltas.
func (e *Engine) loop(ctx context.Context, compiled query.Compiled, changes *stream.Subscriber, sub *Subscription, snapshot []*value.Entity) {
	defer close(sub.done)
	defer close(sub.events)
	defer changes.Close()

	relations := make(map[string]struct{}, len(compiled.Relations))
	for _, r := range compiled.Relations {
		relations[r] = struct{}{}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-changes.Batches():
			if !ok {
				return
			}
			if !batch.Overflow && !touchesAny(batch, relations) {
				continue
			}

			rows, err := e.runQuery(ctx, compiled)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.log.Warn("re-query failed", zap.Error(err))
				e.emit(ctx, sub, Event{Err: EngineError.Wrap(err)})
				continue
			}

			deltas := diffRows(compiled.KeyColumn, snapshot, rows)
			snapshot = rows
			if len(deltas) == 0 {
				continue
			}
			e.emit(ctx, sub, Event{Deltas: deltas})
		}
	}
}

func (e *Engine) emit(ctx context.Context, sub *Subscription, ev Event) {
	select {
	case sub.events <- ev:
	case <-ctx.Done():
	}
}

func touchesAny(batch stream.Batch, relations map[string]struct{}) bool {
	for _, c := range batch.Changes {
		if _, ok := relations[c.Relation]; ok {
			return true
		}
	}
	return false
}

// runQuery executes the compiled SQL under the engine's query timeout
// and applies the post-filter, if any.
func (e *Engine) runQuery(ctx context.Context, compiled query.Compiled) ([]*value.Entity, error) {
	queryCtx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	rows, err := e.cache.Query(queryCtx, compiled.SQL, compiled.Params, compiled.Relations...)
	if err != nil {
		return nil, err
	}
	if compiled.PostFilter == nil {
		return rows, nil
	}

	filtered := rows[:0:0]
	for _, row := range rows {
		keep, err := query.EvalPredicate(compiled.PostFilter, row)
		if err != nil {
			return nil, err
		}
		if keep {
			filtered = append(filtered, row)
		}
	}
	return filtered, nil
}
