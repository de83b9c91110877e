package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nightscape/holon/pkg/cache"
	"github.com/nightscape/holon/pkg/operation"
	"github.com/nightscape/holon/pkg/source"
	"github.com/nightscape/holon/pkg/stream"
	"github.com/nightscape/holon/pkg/value"
)

// fakeSource is an in-memory DataSource with switchable authority and
// connectivity.
type fakeSource struct {
	mu            sync.Mutex
	rows          map[string]*value.Entity
	authoritative bool
	offline       bool
	rejectAll     bool
	calls         []string
}

func newFakeSource(authoritative bool) *fakeSource {
	return &fakeSource{rows: map[string]*value.Entity{}, authoritative: authoritative}
}

func (f *fakeSource) check(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.offline {
		return source.RetryableError(fmt.Errorf("connection refused"))
	}
	if f.rejectAll {
		return source.FatalError(fmt.Errorf("422 unprocessable"))
	}
	return nil
}

func (f *fakeSource) GetAll(context.Context) ([]source.EntityRecord, error) {
	if err := f.check("get_all"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []source.EntityRecord
	for _, row := range f.rows {
		out = append(out, source.EntityRecord{Row: row.Clone()})
	}
	return out, nil
}

func (f *fakeSource) GetByID(_ context.Context, id string) (source.EntityRecord, bool, error) {
	if err := f.check("get_by_id"); err != nil {
		return source.EntityRecord{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return source.EntityRecord{}, false, nil
	}
	return source.EntityRecord{Row: row.Clone()}, true, nil
}

func (f *fakeSource) Create(_ context.Context, rec source.EntityRecord) (source.EntityRecord, error) {
	if err := f.check("create"); err != nil {
		return source.EntityRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[rec.RecordID()] = rec.Row.Clone()
	return rec, nil
}

func (f *fakeSource) Update(_ context.Context, rec source.EntityRecord) (source.EntityRecord, error) {
	if err := f.check("update"); err != nil {
		return source.EntityRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[rec.RecordID()] = rec.Row.Clone()
	return rec, nil
}

func (f *fakeSource) Delete(_ context.Context, id string) error {
	if err := f.check("delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeSource) Authoritative() bool { return f.authoritative }

func tasksSchema() value.Schema {
	return value.Schema{
		Relation: "tasks",
		Fields: []value.Field{
			{Name: "id", Type: value.TypeText, PrimaryKey: true},
			{Name: "content", Type: value.TypeText, Nullable: true},
			{Name: "completed", Type: value.TypeBoolean, Nullable: true},
		},
	}
}

func task(id, content string, completed bool) source.EntityRecord {
	return source.EntityRecord{Row: value.NewEntity().
		Set("id", value.String(id)).
		Set("content", value.String(content)).
		Set("completed", value.Boolean(completed))}
}

func newStore(t *testing.T, src *fakeSource) (*QueryableCache[source.EntityRecord], *cache.Cache) {
	t.Helper()
	c, err := cache.Open(":memory:", cache.Opts{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	q, err := New(Opts[source.EntityRecord]{
		Schema:   tasksSchema(),
		Source:   src,
		Codec:    source.EntityCodec{Schema: tasksSchema()},
		Cache:    c,
		Provider: "todoist",
		FieldOps: map[string]string{"set_completion": "completed"},
		Log:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return q, c
}

func TestCreateReadCoherence(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(true)
	q, _ := newStore(t, src)

	id, inverse, err := q.Create(ctx, "trace-1", task("t1", "buy milk", false))
	require.NoError(t, err)
	assert.Equal(t, "t1", id)
	require.NotNil(t, inverse)
	assert.Equal(t, OpDelete, inverse.Name)

	rec, ok, err := q.GetByID(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	content, _ := rec.Row.Get("content")
	assert.True(t, content.Equal(value.String("buy milk")))
}

func TestAuthoritativeRejectionLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(true)
	src.rejectAll = true
	q, _ := newStore(t, src)

	_, _, err := q.Create(ctx, "trace-1", task("t1", "x", false))
	require.Error(t, err)
	assert.True(t, errors.Is(err, operation.ErrRejected))

	src.mu.Lock()
	src.rejectAll = false
	src.mu.Unlock()
	all, err := q.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestOfflineWriteQueuesOperation(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(true)
	q, c := newStore(t, src)

	_, _, err := q.Create(ctx, "trace-1", task("t1", "x", false))
	require.NoError(t, err)

	src.offline = true
	inverse, err := q.SetField(ctx, "trace-2", "t1", "completed", value.Boolean(true))
	require.NoError(t, err)
	require.NotNil(t, inverse)

	// the cache reflects the change immediately
	rec, ok, err := q.GetByID(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.AsTask(rec.Row).Completed())

	// and the operation waits in the provider queue
	depth, err := c.QueueDepth(ctx, "todoist")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestOwnedSourceFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(false)
	q, _ := newStore(t, src)

	_, _, err := q.Create(ctx, "trace-1", task("n1", "hello", false))
	require.NoError(t, err)

	src.offline = true
	_, err = q.SetField(ctx, "trace-2", "n1", "content", value.String("hello world"))
	require.NoError(t, err)

	rec, ok, err := q.GetByID(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	content, _ := rec.Row.Get("content")
	assert.True(t, content.Equal(value.String("hello world")))
}

func TestGetAllHydratesFromSource(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(true)
	src.rows["t1"] = task("t1", "remote", false).Row
	q, c := newStore(t, src)

	all, err := q.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	// hydration lands in the cache with a sync origin
	row, err := c.Get(ctx, "tasks", "t1")
	require.NoError(t, err)
	origin, _ := row.Get(value.ChangeOriginColumn)
	s, _ := origin.AsString()
	assert.True(t, stream.Origin(s).IsSync())
}

func TestInverseRestoresPreImage(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(true)
	q, _ := newStore(t, src)
	var r operation.Registry
	require.NoError(t, r.Register("tasks", q))

	_, _, err := q.Create(ctx, "trace-1", task("t1", "original", false))
	require.NoError(t, err)

	op := operation.Operation{
		Entity: "tasks",
		Name:   OpSetField,
		Params: value.NewEntity().
			Set("id", value.String("t1")).
			Set("content", value.String("changed")),
	}
	inverse, err := r.Execute(ctx, op)
	require.NoError(t, err)
	require.NotNil(t, inverse)

	_, err = r.Execute(ctx, *inverse)
	require.NoError(t, err)

	rec, ok, err := q.GetByID(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	content, _ := rec.Row.Get("content")
	assert.True(t, content.Equal(value.String("original")))
}

func TestDeleteInverseRecreates(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(true)
	q, _ := newStore(t, src)

	_, _, err := q.Create(ctx, "trace-1", task("t1", "precious", true))
	require.NoError(t, err)

	inverse, err := q.Delete(ctx, "trace-2", "t1")
	require.NoError(t, err)
	require.NotNil(t, inverse)
	assert.Equal(t, OpCreate, inverse.Name)

	_, ok, err := q.GetByID(ctx, "t1")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = q.Execute(ctx, *inverse)
	require.NoError(t, err)

	rec, ok, err := q.GetByID(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.AsTask(rec.Row).Completed())
	content, _ := rec.Row.Get("content")
	assert.True(t, content.Equal(value.String("precious")))
}

func TestSyncDelegation(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(true)
	c, err := cache.Open(":memory:", cache.Opts{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	var synced []string
	q, err := New(Opts[source.EntityRecord]{
		Schema:   tasksSchema(),
		Source:   src,
		Codec:    source.EntityCodec{Schema: tasksSchema()},
		Cache:    c,
		Provider: "todoist",
		Sync: func(_ context.Context, provider string) error {
			synced = append(synced, provider)
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, q.Sync(ctx))
	assert.Equal(t, []string{"todoist"}, synced)

	// without a wired provider, Sync is an error
	bare, err := New(Opts[source.EntityRecord]{
		Schema: tasksSchema(),
		Source: src,
		Codec:  source.EntityCodec{Schema: tasksSchema()},
		Cache:  c,
	})
	require.NoError(t, err)
	require.Error(t, bare.Sync(ctx))
}

func TestFieldOpDescriptorsAndExecution(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(true)
	q, _ := newStore(t, src)

	var names []string
	for _, d := range q.Descriptors() {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{OpCreate, OpSetField, OpDelete, "set_completion"}, names)

	_, _, err := q.Create(ctx, "trace-1", task("t1", "x", false))
	require.NoError(t, err)

	inverse, err := q.Execute(ctx, operation.Operation{
		Entity: "tasks",
		Name:   "set_completion",
		Params: value.NewEntity().
			Set("id", value.String("t1")).
			Set("completed", value.Boolean(true)),
	})
	require.NoError(t, err)
	require.NotNil(t, inverse)
	assert.Equal(t, "set_completion", inverse.Name)

	rec, ok, err := q.GetByID(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.AsTask(rec.Row).Completed())
}
