package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightscape/holon/pkg/stream"
	"github.com/nightscape/holon/pkg/value"
)

func notesSchema() value.Schema {
	return value.Schema{
		Relation: "notes",
		Fields: []value.Field{
			{Name: "id", Type: value.TypeText, PrimaryKey: true},
			{Name: "content", Type: value.TypeText, Nullable: true},
		},
	}
}

func tasksSchema() value.Schema {
	return value.Schema{
		Relation: "tasks",
		Fields: []value.Field{
			{Name: "id", Type: value.TypeText, PrimaryKey: true},
			{Name: "content", Type: value.TypeText, Nullable: true},
			{Name: "completed", Type: value.TypeBoolean, Nullable: true, Indexed: true},
		},
	}
}

func newTestCache(t *testing.T, schemas ...value.Schema) *Cache {
	t.Helper()
	c, err := Open(":memory:", Opts{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	for _, s := range schemas {
		require.NoError(t, c.Initialize(s))
	}
	return c
}

func note(id, content string) *value.Entity {
	return value.NewEntity().
		Set("id", value.String(id)).
		Set("content", value.String(content))
}

func TestCrudLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, notesSchema())
	sub := c.RowChanges([]string{"notes"}, stream.Beginning(), stream.Reactive)
	defer sub.Close()

	origin := stream.LocalOrigin("t-1")
	require.NoError(t, c.Insert(ctx, "notes", note("n1", "hello"), origin))

	batch := <-sub.Batches()
	require.Len(t, batch.Changes, 1)
	assert.Equal(t, stream.Created, batch.Changes[0].Kind)
	assert.Equal(t, int64(1), batch.Changes[0].Seq)
	assert.Equal(t, origin, batch.Changes[0].Origin)

	patch := value.NewEntity().Set("content", value.String("hello world"))
	require.NoError(t, c.Update(ctx, "notes", "n1", patch, origin))

	batch = <-sub.Batches()
	require.Len(t, batch.Changes, 1)
	assert.Equal(t, stream.Updated, batch.Changes[0].Kind)
	assert.Equal(t, int64(2), batch.Changes[0].Seq)
	post, ok := batch.Changes[0].Row.Get("content")
	require.True(t, ok)
	assert.True(t, post.Equal(value.String("hello world")))

	got, err := c.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	content, _ := got.Get("content")
	assert.True(t, content.Equal(value.String("hello world")))

	require.NoError(t, c.Delete(ctx, "notes", "n1", origin))
	batch = <-sub.Batches()
	assert.Equal(t, stream.Deleted, batch.Changes[0].Kind)
	assert.Equal(t, int64(3), batch.Changes[0].Seq)

	rows, err := c.All(ctx, "notes")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestInitializeIdempotent(t *testing.T) {
	c := newTestCache(t, notesSchema())
	require.NoError(t, c.Initialize(notesSchema()))

	// a schema expecting extra columns on the existing table is an
	// incompatible migration
	grown := notesSchema()
	grown.Fields = append(grown.Fields, value.Field{Name: "extra", Type: value.TypeText, Nullable: true})
	err := c.Initialize(grown)
	require.Error(t, err)
	assert.True(t, errors.Is(err, value.ErrIncompatibleMigration))
}

func TestUnknownRelation(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, notesSchema())

	err := c.Insert(ctx, "nope", note("x", "y"), stream.LocalOrigin("t"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownRelation))

	_, err = c.All(ctx, "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownRelation))
}

func TestConstraintViolation(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, notesSchema())
	origin := stream.LocalOrigin("t")

	require.NoError(t, c.Insert(ctx, "notes", note("n1", "a"), origin))
	err := c.Insert(ctx, "notes", note("n1", "b"), origin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConstraintViolated))

	// the failed write emitted nothing and changed nothing
	rows, err := c.All(ctx, "notes")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	content, _ := rows[0].Get("content")
	assert.True(t, content.Equal(value.String("a")))
}

func TestBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, notesSchema(), tasksSchema())
	sub := c.RowChanges(nil, stream.Beginning(), stream.Reactive)
	defer sub.Close()

	origin := stream.LocalOrigin("t")
	err := c.Apply(ctx, origin, []string{"notes", "tasks"}, func(tx *Tx) error {
		if err := tx.Insert("notes", note("n1", "a")); err != nil {
			return err
		}
		return tx.Insert("tasks", note("t1", "b"))
	})
	require.NoError(t, err)

	batch := <-sub.Batches()
	assert.Len(t, batch.Changes, 2)

	// a failing batch rolls everything back
	err = c.Apply(ctx, origin, []string{"notes"}, func(tx *Tx) error {
		if err := tx.Insert("notes", note("n2", "x")); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)
	rows, err := c.All(ctx, "notes")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	// sequence numbers stay contiguous after the rollback
	require.NoError(t, c.Insert(ctx, "notes", note("n3", "c"), origin))
	batch = <-sub.Batches()
	assert.Equal(t, int64(2), batch.Changes[0].Seq)
}

func TestWriteReadCoherence(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, notesSchema())
	origin := stream.LocalOrigin("t")
	rng := rand.New(rand.NewSource(5))

	expect := map[string]string{}
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("n%d", rng.Intn(20))
		_, exists := expect[id]
		switch {
		case !exists:
			v := fmt.Sprintf("v%d", i)
			require.NoError(t, c.Insert(ctx, "notes", note(id, v), origin))
			expect[id] = v
		case rng.Intn(3) == 0:
			require.NoError(t, c.Delete(ctx, "notes", id, origin))
			delete(expect, id)
		default:
			v := fmt.Sprintf("v%d", i)
			patch := value.NewEntity().Set("content", value.String(v))
			require.NoError(t, c.Update(ctx, "notes", id, patch, origin))
			expect[id] = v
		}

		rows, err := c.All(ctx, "notes")
		require.NoError(t, err)
		got := map[string]string{}
		for _, r := range rows {
			id, err := r.ID()
			require.NoError(t, err)
			content, _ := r.Get("content")
			s, _ := content.AsString()
			got[id] = s
		}
		require.Equal(t, expect, got, "after write %d", i)
	}
}

func TestChangeStreamOrdering(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, notesSchema())
	sub := c.RowChanges([]string{"notes"}, stream.Beginning(), stream.Reactive)
	defer sub.Close()

	origin := stream.LocalOrigin("t")
	const writes = 50
	for i := 0; i < writes; i++ {
		require.NoError(t, c.Insert(ctx, "notes", note(fmt.Sprintf("n%d", i), "x"), origin))
	}

	var last int64
	seen := 0
	for seen < writes {
		batch := <-sub.Batches()
		require.False(t, batch.Overflow)
		for _, ch := range batch.Changes {
			assert.Equal(t, last+1, ch.Seq, "sequence must be contiguous")
			last = ch.Seq
			seen++
		}
	}
}

func TestConcurrentWritersNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, notesSchema())
	origin := stream.LocalOrigin("t")

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				if err := c.Insert(ctx, "notes", note(id, "x"), origin); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	rows, err := c.All(ctx, "notes")
	require.NoError(t, err)
	assert.Len(t, rows, writers*perWriter)
}

func TestQueryWithParams(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, notesSchema())
	origin := stream.LocalOrigin("t")
	require.NoError(t, c.Insert(ctx, "notes", note("n1", "hello world"), origin))
	require.NoError(t, c.Insert(ctx, "notes", note("n2", "other"), origin))

	rows, err := c.Query(ctx,
		`SELECT "id", "content" FROM "notes" WHERE "id" = ?`,
		[]value.Value{value.String("n1")}, "notes")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	content, _ := rows[0].Get("content")
	assert.True(t, content.Equal(value.String("hello world")))
}

func TestQueryBadSQL(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, notesSchema())

	_, err := c.Query(ctx, `SELEKT nope`, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCompile))

	_, err = c.Query(ctx, `SELECT * FROM missing_table`, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownRelation))
}

func TestSyncTokenPersistsWithBatch(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, notesSchema())

	err := c.Apply(ctx, stream.SyncOrigin("todoist", "b1"), []string{"notes"}, func(tx *Tx) error {
		if err := tx.Insert("notes", note("n1", "pulled")); err != nil {
			return err
		}
		return tx.SetSyncToken("todoist", "T1")
	})
	require.NoError(t, err)

	token, err := c.SyncToken(ctx, "todoist")
	require.NoError(t, err)
	assert.Equal(t, "T1", token)

	// a failing batch leaves the token unchanged
	err = c.Apply(ctx, stream.SyncOrigin("todoist", "b2"), []string{"notes"}, func(tx *Tx) error {
		if err := tx.SetSyncToken("todoist", "T2"); err != nil {
			return err
		}
		return fmt.Errorf("provider hiccup")
	})
	require.Error(t, err)
	token, err = c.SyncToken(ctx, "todoist")
	require.NoError(t, err)
	assert.Equal(t, "T1", token)
}

func TestOperationQueueFIFO(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	first, err := c.EnqueueOperation(ctx, "todoist", []byte(`{"op":"a"}`))
	require.NoError(t, err)
	_, err = c.EnqueueOperation(ctx, "todoist", []byte(`{"op":"b"}`))
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	head, ok, err := c.PeekOperation(ctx, "todoist", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, head.Seq)
	assert.JSONEq(t, `{"op":"a"}`, string(head.OpJSON))

	// retrying pushes the head into the future; the next peek skips it
	require.NoError(t, c.RetryOperation(ctx, head.Seq, 1, now+60_000))
	head2, ok, err := c.PeekOperation(ctx, "todoist", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"op":"b"}`, string(head2.OpJSON))

	require.NoError(t, c.CompleteOperation(ctx, head2.Seq))
	require.NoError(t, c.FailOperation(ctx, head.Seq))

	depth, err := c.QueueDepth(ctx, "todoist")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	failed, err := c.FailedOperations(ctx, "todoist")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].Failed())
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, notesSchema())
	sub := c.RowChanges([]string{"notes"}, stream.Beginning(), stream.Reactive)
	defer sub.Close()
	origin := stream.SyncOrigin("p", "b1")

	require.NoError(t, c.Apply(ctx, origin, []string{"notes"}, func(tx *Tx) error {
		return tx.Upsert("notes", note("n1", "v1"))
	}))
	batch := <-sub.Batches()
	assert.Equal(t, stream.Created, batch.Changes[0].Kind)

	require.NoError(t, c.Apply(ctx, origin, []string{"notes"}, func(tx *Tx) error {
		return tx.Upsert("notes", note("n1", "v2"))
	}))
	batch = <-sub.Batches()
	assert.Equal(t, stream.Updated, batch.Changes[0].Kind)
}
