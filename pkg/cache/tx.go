package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nightscape/holon/pkg/stream"
	"github.com/nightscape/holon/pkg/value"
)

// Tx is one transactional write batch. All writes share the batch's
// origin tag and sequence boundary; the emitted events are delivered to
// subscribers as one batch after commit.
//
// A Tx may only touch relations named in the enclosing Apply call; the
// corresponding write locks are already held.
type Tx struct {
	c      *Cache
	tx     *sql.Tx
	ctx    context.Context
	origin stream.Origin

	seqs    map[string]int64
	changes []stream.Change
	stmts   map[string]*sql.Stmt
}

// Origin returns the batch origin tag.
func (t *Tx) Origin() stream.Origin { return t.origin }

// nextSeq advances the batch-local counter. Writing a relation whose
// lock the batch does not hold is a caller bug.
func (t *Tx) nextSeq(relation string) (int64, error) {
	if _, declared := t.seqs[relation]; !declared {
		return 0, StorageError.New("relation %s not declared in this batch", relation)
	}
	t.seqs[relation]++
	return t.seqs[relation], nil
}

// stmt prepares on the transaction itself (the cache pins a single
// connection, so preparing through the pool would block) and caches
// per batch.
func (t *Tx) stmt(sqlText string) (*sql.Stmt, error) {
	if s, ok := t.stmts[sqlText]; ok {
		return s, nil
	}
	s, err := t.tx.PrepareContext(t.ctx, sqlText)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, StorageError.Wrap(fmt.Errorf("%s: %w", err.Error(), ErrUnknownRelation))
		}
		return nil, StorageError.Wrap(fmt.Errorf("%v: %w", err, ErrCompile))
	}
	if t.stmts == nil {
		t.stmts = make(map[string]*sql.Stmt)
	}
	t.stmts[sqlText] = s
	return s, nil
}

// Insert writes one full row and records a Created event.
func (t *Tx) Insert(relation string, e *value.Entity) error {
	s, err := t.c.Schema(relation)
	if err != nil {
		return err
	}
	id, err := requireID(e, s)
	if err != nil {
		return err
	}

	seq, err := t.nextSeq(relation)
	if err != nil {
		return err
	}
	cols := make([]string, 0, len(s.Fields)+2)
	args := make([]interface{}, 0, len(s.Fields)+2)
	for _, f := range s.Fields {
		cols = append(cols, fmt.Sprintf("%q", f.Name))
		args = append(args, e.GetOr(f.Name, value.Null()).SQLParam())
	}
	cols = append(cols, value.ChangeOriginColumn, value.ChangeSeqColumn)
	args = append(args, string(t.origin), seq)

	insert := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`,
		relation, strings.Join(cols, ", "), placeholders(len(cols)))
	stmt, err := t.stmt(insert)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(t.ctx, args...); err != nil {
		if isConstraintErr(err) {
			return StorageError.Wrap(fmt.Errorf("inserting into %s: %v: %w", relation, err, ErrConstraintViolated))
		}
		return StorageError.Wrap(fmt.Errorf("inserting into %s: %w", relation, err))
	}

	t.changes = append(t.changes, stream.Change{
		Relation: relation,
		Kind:     stream.Created,
		ID:       id,
		Row:      projectRow(e, s),
		Seq:      seq,
		Origin:   t.origin,
	})
	return nil
}

// Update writes the named columns of one row and records an Updated
// event carrying the post-image row only. Readers that need the
// pre-image must keep their own copy.
func (t *Tx) Update(relation, id string, partial *value.Entity) error {
	s, err := t.c.Schema(relation)
	if err != nil {
		return err
	}
	pk := s.PrimaryKey().Name

	seq, err := t.nextSeq(relation)
	if err != nil {
		return err
	}
	var sets []string
	var args []interface{}
	for _, name := range partial.Names() {
		if name == pk {
			continue
		}
		if _, ok := s.Field(name); !ok {
			return StorageError.New("relation %s has no column %q", relation, name)
		}
		v, _ := partial.Get(name)
		sets = append(sets, fmt.Sprintf("%q = ?", name))
		args = append(args, v.SQLParam())
	}
	sets = append(sets,
		fmt.Sprintf("%s = ?", value.ChangeOriginColumn),
		fmt.Sprintf("%s = ?", value.ChangeSeqColumn))
	args = append(args, string(t.origin), seq, id)

	update := fmt.Sprintf(`UPDATE %q SET %s WHERE %q = ?`, relation, strings.Join(sets, ", "), pk)
	stmt, err := t.stmt(update)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(t.ctx, args...)
	if err != nil {
		if isConstraintErr(err) {
			return StorageError.Wrap(fmt.Errorf("updating %s/%s: %v: %w", relation, id, err, ErrConstraintViolated))
		}
		return StorageError.Wrap(fmt.Errorf("updating %s/%s: %w", relation, id, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return StorageError.Wrap(fmt.Errorf("updating %s/%s: %w", relation, id, ErrNotFound))
	}

	post, err := t.readRow(s, id)
	if err != nil {
		return err
	}
	t.changes = append(t.changes, stream.Change{
		Relation: relation,
		Kind:     stream.Updated,
		ID:       id,
		Row:      post,
		Seq:      seq,
		Origin:   t.origin,
	})
	return nil
}

// Delete removes one row and records a Deleted event. No tombstone row
// is retained.
func (t *Tx) Delete(relation, id string) error {
	s, err := t.c.Schema(relation)
	if err != nil {
		return err
	}

	del := fmt.Sprintf(`DELETE FROM %q WHERE %q = ?`, relation, s.PrimaryKey().Name)
	stmt, err := t.stmt(del)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(t.ctx, id)
	if err != nil {
		return StorageError.Wrap(fmt.Errorf("deleting %s/%s: %w", relation, id, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return StorageError.Wrap(fmt.Errorf("deleting %s/%s: %w", relation, id, ErrNotFound))
	}

	// allocate the sequence only after the row is known to exist, so a
	// swallowed not-found delete leaves no gap
	seq, err := t.nextSeq(relation)
	if err != nil {
		return err
	}

	t.changes = append(t.changes, stream.Change{
		Relation: relation,
		Kind:     stream.Deleted,
		ID:       id,
		Seq:      seq,
		Origin:   t.origin,
	})
	return nil
}

// Upsert inserts the row, or rewrites it in place when the id already
// exists. Used by sync pulls where the provider does not distinguish
// create from update.
func (t *Tx) Upsert(relation string, e *value.Entity) error {
	s, err := t.c.Schema(relation)
	if err != nil {
		return err
	}
	id, err := requireID(e, s)
	if err != nil {
		return err
	}
	_, err = t.readRow(s, id)
	switch {
	case err == nil:
		return t.Update(relation, id, e)
	case errors.Is(err, ErrNotFound):
		return t.Insert(relation, e)
	default:
		return err
	}
}

// SetSyncToken persists a provider's sync token inside this batch, so
// token and data commit atomically.
func (t *Tx) SetSyncToken(provider, token string) error {
	stmt, err := t.stmt(`INSERT INTO __sync_state (provider, token, updated_at) VALUES (?, ?, ?)
ON CONFLICT(provider) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(t.ctx, provider, token, time.Now().UnixMilli()); err != nil {
		return StorageError.Wrap(fmt.Errorf("persisting sync token for %s: %w", provider, err))
	}
	return nil
}

// readRow reads the post-image of one row inside the transaction.
func (t *Tx) readRow(s value.Schema, id string) (*value.Entity, error) {
	stmt, err := t.stmt(selectByPK(s))
	if err != nil {
		return nil, err
	}
	row := stmt.QueryRowContext(t.ctx, id)
	e, err := scanSchemaRow(row, s)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func requireID(e *value.Entity, s value.Schema) (string, error) {
	pk := s.PrimaryKey().Name
	v, ok := e.Get(pk)
	if !ok {
		return "", StorageError.New("relation %s: row lacks primary key %q", s.Relation, pk)
	}
	id, err := v.AsString()
	if err != nil {
		return "", StorageError.Wrap(err)
	}
	if id == "" {
		return "", StorageError.New("relation %s: empty primary key", s.Relation)
	}
	return id, nil
}

// projectRow narrows e to the schema fields, dropping extraneous
// entries so change events carry exactly the stored image.
func projectRow(e *value.Entity, s value.Schema) *value.Entity {
	out := value.NewEntity()
	for _, f := range s.Fields {
		out.Set(f.Name, e.GetOr(f.Name, value.Null()))
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
