// Package syncer reconciles the cache with external sources: it pulls
// incremental delta batches, pushes queued operations with retry and
// rate limiting, and keeps per-provider status.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nightscape/holon/pkg/cache"
	"github.com/nightscape/holon/pkg/cprint"
	"github.com/nightscape/holon/pkg/operation"
	"github.com/nightscape/holon/pkg/source"
	"github.com/nightscape/holon/pkg/stream"
	"github.com/nightscape/holon/pkg/utils"
	"github.com/nightscape/holon/pkg/value"
)

const (
	// DiagnosticsRelation carries synthetic events for fatal sync
	// failures and conflicts.
	DiagnosticsRelation = "__diagnostics"

	defaultCallTimeout  = 30 * time.Second
	defaultPullInterval = 30 * time.Second

	// Push retry schedule: exponential from one second, capped at five
	// minutes, jittered twenty percent either way.
	retryInitial = time.Second
	retryMax     = 5 * time.Minute
	retryJitter  = 0.2
)

// Status is the lifecycle state of one provider.
type Status int

const (
	Idle Status = iota
	Pulling
	Pushing
	Backoff
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pulling:
		return "pulling"
	case Pushing:
		return "pushing"
	case Backoff:
		return "backoff"
	}
	return "unknown"
}

// ProviderState is a snapshot of one provider's sync state.
type ProviderState struct {
	Status       Status
	BackoffUntil time.Time
	QueueDepth   int
	Conflicts    int
	LastError    error
}

// Stats counts the deltas applied from pulls, by kind.
type Stats struct {
	CreateOps *utils.AtomicInt32Counter
	UpdateOps *utils.AtomicInt32Counter
	DeleteOps *utils.AtomicInt32Counter
}

func (s Stats) record(kind stream.Kind) {
	switch kind {
	case stream.Created:
		s.CreateOps.Increment(1)
	case stream.Updated:
		s.UpdateOps.Increment(1)
	case stream.Deleted:
		s.DeleteOps.Increment(1)
	}
}

// Opts configures the orchestrator.
type Opts struct {
	Cache        *cache.Cache
	Log          *zap.Logger
	CallTimeout  time.Duration
	PullInterval time.Duration
}

// Orchestrator drives incremental sync for any number of registered
// providers. Per-provider state is owned by one worker at a time;
// pulls across providers run in parallel.
type Orchestrator struct {
	cache        *cache.Cache
	log          *zap.Logger
	callTimeout  time.Duration
	pullInterval time.Duration

	mu      sync.Mutex
	workers map[string]*providerWorker

	stats   Stats
	diagSeq atomic.Int64
}

type providerWorker struct {
	provider  source.SyncProvider
	relations []string
	limiter   *rate.Limiter

	// busy serializes pull/push cycles for one provider.
	busy sync.Mutex

	mu           sync.Mutex
	status       Status
	backoffUntil time.Time
	conflicts    int
	lastError    error
}

// New constructs an Orchestrator.
func New(opts Opts) *Orchestrator {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.PullInterval <= 0 {
		opts.PullInterval = defaultPullInterval
	}
	return &Orchestrator{
		cache:        opts.Cache,
		log:          opts.Log.Named("syncer"),
		callTimeout:  opts.CallTimeout,
		pullInterval: opts.PullInterval,
		workers:      make(map[string]*providerWorker),
		stats: Stats{
			CreateOps: &utils.AtomicInt32Counter{},
			UpdateOps: &utils.AtomicInt32Counter{},
			DeleteOps: &utils.AtomicInt32Counter{},
		},
	}
}

// Stats returns the orchestrator's applied-delta counters.
func (o *Orchestrator) Stats() Stats { return o.stats }

// Register adds a provider serving the given relations.
func (o *Orchestrator) Register(p source.SyncProvider, relations ...string) error {
	name := p.Name()
	if name == "" {
		return source.SyncError.New("provider has no name")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.workers[name]; ok {
		return source.SyncError.New("provider %s already registered", name)
	}
	o.workers[name] = &providerWorker{
		provider:  p,
		relations: relations,
		limiter:   newLimiter(p.Budget()),
	}
	return nil
}

func newLimiter(b source.Budget) *rate.Limiter {
	if b.Requests <= 0 || b.Window <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(b.Requests)/b.Window.Seconds()), b.Requests)
}

func (o *Orchestrator) worker(name string) (*providerWorker, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workers[name]
	if !ok {
		return nil, source.SyncError.New("provider %s not registered", name)
	}
	return w, nil
}

// Providers returns the registered provider names.
func (o *Orchestrator) Providers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for name := range o.workers {
		out = append(out, name)
	}
	return out
}

// State returns a snapshot of one provider's sync state.
func (o *Orchestrator) State(ctx context.Context, name string) (ProviderState, error) {
	w, err := o.worker(name)
	if err != nil {
		return ProviderState{}, err
	}
	depth, err := o.cache.QueueDepth(ctx, name)
	if err != nil {
		return ProviderState{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return ProviderState{
		Status:       w.status,
		BackoffUntil: w.backoffUntil,
		QueueDepth:   depth,
		Conflicts:    w.conflicts,
		LastError:    w.lastError,
	}, nil
}

func (w *providerWorker) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *providerWorker) recordError(err error) {
	w.mu.Lock()
	w.lastError = err
	w.mu.Unlock()
}

// pullBackOff retries a flaky pull a few times before giving up on the
// cycle; the next interval tick tries again.
func pullBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = 1 * time.Second
	exponential.Multiplier = 3
	return backoff.WithMaxRetries(exponential, 3)
}

// Pull runs one incremental pull for the provider: fetch deltas after
// the persisted token and apply them together with the new token in a
// single transaction. A failed application rolls back everything,
// token included.
func (o *Orchestrator) Pull(ctx context.Context, name string) error {
	w, err := o.worker(name)
	if err != nil {
		return err
	}
	w.busy.Lock()
	defer w.busy.Unlock()

	w.setStatus(Pulling)
	defer w.setStatus(Idle)

	err = backoff.Retry(func() error {
		err := o.pullOnce(ctx, w, name)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(pullBackOff(), ctx))
	if err != nil {
		w.recordError(err)
		return err
	}
	w.recordError(nil)
	return nil
}

func (o *Orchestrator) pullOnce(ctx context.Context, w *providerWorker, name string) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	token, err := o.cache.SyncToken(ctx, name)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	deltas, newToken, err := w.provider.FetchSince(callCtx, token)
	cancel()
	if err != nil {
		return err
	}
	if len(deltas) == 0 && newToken == token {
		return nil
	}

	batchID := utils.UUID()
	origin := stream.SyncOrigin(name, batchID)
	relations := deltaRelations(deltas)

	err = o.cache.Apply(ctx, origin, relations, func(tx *cache.Tx) error {
		for _, d := range deltas {
			if err := d.Validate(); err != nil {
				return err
			}
			if err := applyDelta(tx, d); err != nil {
				return err
			}
		}
		return tx.SetSyncToken(name, newToken)
	})
	if err != nil {
		return err
	}

	for _, d := range deltas {
		o.stats.record(d.Kind)
	}
	o.log.Debug("pulled batch",
		zap.String("provider", name),
		zap.String("batch", batchID),
		zap.Int("deltas", len(deltas)))
	printDeltas(deltas)
	return nil
}

// applyDelta is idempotent: re-applying a created row rewrites it in
// place and deleting an absent row is a no-op, so a replayed batch
// converges to the same state.
func applyDelta(tx *cache.Tx, d source.Delta) error {
	switch d.Kind {
	case stream.Deleted:
		err := tx.Delete(d.Relation, d.ID)
		if err != nil && errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		return err
	default:
		row := d.Row.Clone()
		row.Set(value.IDField, value.String(d.ID))
		return tx.Upsert(d.Relation, row)
	}
}

func deltaRelations(deltas []source.Delta) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, d := range deltas {
		if _, ok := seen[d.Relation]; ok {
			continue
		}
		seen[d.Relation] = struct{}{}
		out = append(out, d.Relation)
	}
	return out
}

// PushPending drains the provider's operation queue in FIFO order
// until it is empty, an operation is not yet due, or a retryable
// failure puts the provider into backoff.
func (o *Orchestrator) PushPending(ctx context.Context, name string) error {
	w, err := o.worker(name)
	if err != nil {
		return err
	}
	w.busy.Lock()
	defer w.busy.Unlock()

	w.mu.Lock()
	if w.status == Backoff && time.Now().Before(w.backoffUntil) {
		w.mu.Unlock()
		return nil
	}
	w.status = Pushing
	w.mu.Unlock()
	defer w.setStatus(Idle)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		head, ok, err := o.cache.PeekOperation(ctx, name, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := o.pushOne(ctx, w, name, head); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) pushOne(ctx context.Context, w *providerWorker, name string, head cache.QueuedOp) error {
	var op operation.Operation
	if err := json.Unmarshal(head.OpJSON, &op); err != nil {
		// an unreadable operation can never succeed
		o.emitDiagnostic(name, head, fmt.Errorf("undecodable operation: %w", err))
		return o.cache.FailOperation(ctx, head.Seq)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	post, err := w.provider.Push(callCtx, op)
	cancel()

	switch {
	case err == nil:
		if post != nil {
			if err := o.applyAck(ctx, w, name, op, post); err != nil {
				return err
			}
		}
		if err := o.cache.CompleteOperation(ctx, head.Seq); err != nil {
			return err
		}
		w.recordError(nil)
		return nil

	case isRetryable(err):
		attempts := head.Attempts + 1
		delay := retryDelay(attempts)
		until := time.Now().Add(delay)
		if rErr := o.cache.RetryOperation(ctx, head.Seq, attempts, until.UnixMilli()); rErr != nil {
			return rErr
		}
		w.mu.Lock()
		w.status = Backoff
		w.backoffUntil = until
		w.lastError = err
		w.mu.Unlock()
		o.log.Info("push failed, backing off",
			zap.String("provider", name),
			zap.Int("attempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		// halt the drain; a later cycle retries from the same head
		return nil

	default:
		// fatal: mark failed, tell the diagnostic stream, keep going
		w.recordError(err)
		o.emitDiagnostic(name, head, err)
		return o.cache.FailOperation(ctx, head.Seq)
	}
}

// applyAck applies a server-returned post-image with an ack origin and
// counts a conflict when the server kept different values than the
// operation asked for.
func (o *Orchestrator) applyAck(ctx context.Context, w *providerWorker, name string, op operation.Operation, post *value.Entity) error {
	row := post.Clone()
	if !row.Has(value.IDField) && op.Params != nil {
		if id, err := op.Params.ID(); err == nil {
			row.Set(value.IDField, value.String(id))
		}
	}
	err := o.cache.Apply(ctx, stream.AckOrigin(name), []string{op.Entity}, func(tx *cache.Tx) error {
		return tx.Upsert(op.Entity, row)
	})
	if err != nil {
		return err
	}

	if op.Params != nil && !ackMatches(op.Params, post) {
		w.mu.Lock()
		w.conflicts++
		w.mu.Unlock()
		o.emitConflict(name, op, post)
	}
	return nil
}

// ackMatches reports whether every field the operation set came back
// unchanged in the post-image.
func ackMatches(params, post *value.Entity) bool {
	for _, field := range params.Names() {
		if field == value.IDField {
			continue
		}
		want, _ := params.Get(field)
		got, ok := post.Get(field)
		if !ok {
			continue
		}
		if !want.Equal(got) {
			return false
		}
	}
	return true
}

// retryDelay is exponential with jitter.
func retryDelay(attempts int) time.Duration {
	delay := retryInitial << uint(attempts-1)
	if delay > retryMax || delay <= 0 {
		delay = retryMax
	}
	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}

// isRetryable folds timeouts into the provider's retryable class, so
// connectivity loss is handled uniformly.
func isRetryable(err error) bool {
	if source.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// unclassified errors default to retryable; providers mark fatal
	// contract violations explicitly
	return !source.Fatal.Has(err)
}

// Sync runs one pull plus push cycle for a single provider.
func (o *Orchestrator) Sync(ctx context.Context, name string) error {
	if err := o.Pull(ctx, name); err != nil {
		return err
	}
	return o.PushPending(ctx, name)
}

// SyncAll runs one pull plus push cycle for every provider in
// parallel.
func (o *Orchestrator) SyncAll(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, name := range o.Providers() {
		name := name
		group.Go(func() error {
			if err := o.Pull(ctx, name); err != nil && !errors.Is(err, context.Canceled) {
				o.log.Info("pull failed", zap.String("provider", name), zap.Error(err))
			}
			if err := o.PushPending(ctx, name); err != nil && !errors.Is(err, context.Canceled) {
				o.log.Info("push failed", zap.String("provider", name), zap.Error(err))
				return nil
			}
			return nil
		})
	}
	return group.Wait()
}

// Run drives periodic sync until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.pullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = o.SyncAll(ctx)
		}
	}
}

// emitDiagnostic publishes a synthetic event for a permanently failed
// operation.
func (o *Orchestrator) emitDiagnostic(provider string, head cache.QueuedOp, failure error) {
	row := value.NewEntity().
		Set("id", value.String(fmt.Sprintf("op-%d", head.Seq))).
		Set("provider", value.String(provider)).
		Set("kind", value.String("failed_operation")).
		Set("error", value.String(failure.Error())).
		Set("op_json", value.String(string(head.OpJSON)))
	o.publishDiagnostic(provider, row)
}

// emitConflict publishes a synthetic event for a server-modified ack.
func (o *Orchestrator) emitConflict(provider string, op operation.Operation, post *value.Entity) {
	if diff, err := DiffString(op.Params, post); err == nil {
		cprint.UpdatePrintlnStdErr("conflict on", op.Entity, "from", provider, "\n"+diff)
	}
	row := value.NewEntity().
		Set("id", value.String(fmt.Sprintf("conflict-%s-%s", op.Entity, op.Name))).
		Set("provider", value.String(provider)).
		Set("kind", value.String("conflict")).
		Set("entity", value.String(op.Entity)).
		Set("post", value.String(post.String()))
	o.publishDiagnostic(provider, row)
}

func (o *Orchestrator) publishDiagnostic(provider string, row *value.Entity) {
	id, _ := row.ID()
	o.cache.Broadcaster().Publish(stream.Batch{Changes: []stream.Change{{
		Relation: DiagnosticsRelation,
		Kind:     stream.Updated,
		ID:       id,
		Row:      row,
		Seq:      o.diagSeq.Add(1),
		Origin:   stream.SyncOrigin(provider, "diagnostic"),
	}}})
}
