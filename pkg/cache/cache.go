// Package cache implements the embedded relational cache: SQL execution
// with prepared statements, per-relation change tracking and the
// persisted system tables used by sync.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/errs"
	_ "modernc.org/sqlite"

	"github.com/nightscape/holon/pkg/stream"
	"github.com/nightscape/holon/pkg/value"
)

// StorageError is the class of errors produced by the cache.
var StorageError = errs.Class("storage")

// Sentinel errors surfaced through StorageError.
var (
	ErrUnknownRelation    = fmt.Errorf("unknown relation")
	ErrConstraintViolated = fmt.Errorf("constraint violated")
	ErrNotFound           = fmt.Errorf("row not found")
	ErrCompile            = fmt.Errorf("sql compile failed")
)

// Opts tunes the cache; zero values select defaults.
type Opts struct {
	// Stream configures the change broadcaster.
	Stream stream.BroadcasterOpts
}

// Cache is the embedded relational cache. One Cache owns one SQLite
// database file (or an in-memory database for tests) and the change
// broadcaster fed by its writes.
//
// Writes are serialized per relation through write locks; reads of a
// relation run in parallel under read locks. Cross-relation batches
// acquire locks in relation-name order.
type Cache struct {
	db    *sql.DB
	bcast *stream.Broadcaster

	mu      sync.Mutex
	schemas map[string]value.Schema
	locks   map[string]*sync.RWMutex
	seqs    map[string]int64
	stmts   map[string]*sql.Stmt
}

// Open opens (creating if needed) the workspace database at path. Use
// ":memory:" for an ephemeral cache.
func Open(path string, opts Opts) (*Cache, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, StorageError.Wrap(fmt.Errorf("open database: %w", err))
	}
	// a single connection keeps ":memory:" databases coherent and
	// serializes writers the way SQLite wants anyway
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, StorageError.Wrap(fmt.Errorf("ping database: %w", err))
	}

	c := &Cache{
		db:      db,
		bcast:   stream.NewBroadcaster(opts.Stream),
		schemas: make(map[string]value.Schema),
		locks:   make(map[string]*sync.RWMutex),
		seqs:    make(map[string]int64),
		stmts:   make(map[string]*sql.Stmt),
	}
	if err := c.initSystemTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

const systemDDL = `
CREATE TABLE IF NOT EXISTS __sync_state (
	provider TEXT PRIMARY KEY,
	token TEXT,
	updated_at INTEGER
);
CREATE TABLE IF NOT EXISTS __operation_queue (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT,
	op_json TEXT,
	attempts INTEGER,
	next_retry INTEGER
);
`

func (c *Cache) initSystemTables() error {
	if _, err := c.db.Exec(systemDDL); err != nil {
		return StorageError.Wrap(fmt.Errorf("creating system tables: %w", err))
	}
	return nil
}

// Close tears the cache down. Subscribers hold closed channels
// afterwards.
func (c *Cache) Close() error {
	c.mu.Lock()
	for _, stmt := range c.stmts {
		_ = stmt.Close()
	}
	c.stmts = make(map[string]*sql.Stmt)
	c.mu.Unlock()

	_, _ = c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return StorageError.Wrap(c.db.Close())
}

// Initialize creates the relation's table and indexes. It is
// idempotent; re-initializing with a different shape for an existing
// table fails with an incompatible-migration error.
func (c *Cache) Initialize(s value.Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := c.checkExisting(s); err != nil {
		return err
	}
	for _, stmt := range s.DDL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return StorageError.Wrap(fmt.Errorf("applying ddl for %s: %w", s.Relation, err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas[s.Relation] = s
	if _, ok := c.locks[s.Relation]; !ok {
		c.locks[s.Relation] = &sync.RWMutex{}
	}
	// resume the sequence counter from the persisted high-water mark
	var max sql.NullInt64
	row := c.db.QueryRow(fmt.Sprintf(`SELECT MAX(%s) FROM %q`, value.ChangeSeqColumn, s.Relation))
	if err := row.Scan(&max); err == nil && max.Valid && max.Int64 > c.seqs[s.Relation] {
		c.seqs[s.Relation] = max.Int64
	}
	return nil
}

// checkExisting compares an already-present table against the schema.
func (c *Cache) checkExisting(s value.Schema) error {
	rows, err := c.db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, s.Relation))
	if err != nil {
		return StorageError.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	existing := make(map[string]struct{})
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return StorageError.Wrap(err)
		}
		existing[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return StorageError.Wrap(err)
	}
	if len(existing) == 0 {
		return nil // fresh table
	}
	for _, f := range s.Fields {
		if _, ok := existing[f.Name]; !ok {
			return value.SchemaError.Wrap(fmt.Errorf(
				"relation %s: existing table lacks column %q: %w",
				s.Relation, f.Name, value.ErrIncompatibleMigration))
		}
	}
	return nil
}

// Schema returns the registered schema for a relation.
func (c *Cache) Schema(relation string) (value.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.schemas[relation]
	if !ok {
		return value.Schema{}, StorageError.Wrap(fmt.Errorf("%s: %w", relation, ErrUnknownRelation))
	}
	return s, nil
}

// Relations returns the names of all initialized relations, sorted.
func (c *Cache) Relations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.schemas))
	for name := range c.schemas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RowChanges subscribes to change batches for the given relations (nil
// means all) from the given position.
func (c *Cache) RowChanges(relations []string, since stream.Position, kind stream.SubscriberKind) *stream.Subscriber {
	return c.bcast.Subscribe(relations, kind, since)
}

// Broadcaster exposes the change broadcaster, e.g. for synthetic
// diagnostic events.
func (c *Cache) Broadcaster() *stream.Broadcaster { return c.bcast }

// relationLock returns the lock of an initialized relation.
func (c *Cache) relationLock(relation string) (*sync.RWMutex, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[relation]
	if !ok {
		return nil, StorageError.Wrap(fmt.Errorf("%s: %w", relation, ErrUnknownRelation))
	}
	return l, nil
}

// stmt returns a cached prepared statement for the SQL text.
func (c *Cache) stmt(sqlText string) (*sql.Stmt, error) {
	c.mu.Lock()
	if s, ok := c.stmts[sqlText]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	s, err := c.db.Prepare(sqlText)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, StorageError.Wrap(fmt.Errorf("%s: %w", err.Error(), ErrUnknownRelation))
		}
		return nil, StorageError.Wrap(fmt.Errorf("%v: %w", err, ErrCompile))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prior, ok := c.stmts[sqlText]; ok {
		_ = s.Close()
		return prior, nil
	}
	c.stmts[sqlText] = s
	return s, nil
}

// isConstraintErr classifies SQLite constraint failures.
func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}

// Insert writes one row and emits a Created event.
func (c *Cache) Insert(ctx context.Context, relation string, e *value.Entity, origin stream.Origin) error {
	return c.Apply(ctx, origin, []string{relation}, func(tx *Tx) error {
		return tx.Insert(relation, e)
	})
}

// Update writes named columns of one row and emits an Updated event
// carrying the post-image row only.
func (c *Cache) Update(ctx context.Context, relation, id string, partial *value.Entity, origin stream.Origin) error {
	return c.Apply(ctx, origin, []string{relation}, func(tx *Tx) error {
		return tx.Update(relation, id, partial)
	})
}

// Delete removes one row and emits a Deleted event.
func (c *Cache) Delete(ctx context.Context, relation, id string, origin stream.Origin) error {
	return c.Apply(ctx, origin, []string{relation}, func(tx *Tx) error {
		return tx.Delete(relation, id)
	})
}

// Apply runs fn inside one transaction covering the named relations.
// All events emitted by the batch share one sequence boundary and are
// delivered to subscribers as a single batch. On error the transaction
// rolls back and no events are emitted.
func (c *Cache) Apply(ctx context.Context, origin stream.Origin, relations []string, fn func(tx *Tx) error) error {
	locks, err := c.acquireWrite(relations)
	if err != nil {
		return err
	}
	defer release(locks)

	dbTx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return StorageError.Wrap(err)
	}

	tx := &Tx{
		c:      c,
		tx:     dbTx,
		ctx:    ctx,
		origin: origin,
		seqs:   c.snapshotSeqs(relations),
	}
	if err := fn(tx); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	if err := dbTx.Commit(); err != nil {
		_ = dbTx.Rollback()
		return StorageError.Wrap(err)
	}

	c.commitSeqs(tx.seqs)
	if len(tx.changes) > 0 {
		c.bcast.Publish(stream.Batch{Changes: tx.changes})
	}
	return nil
}

// acquireWrite takes the write locks of the named relations in
// relation-name order.
func (c *Cache) acquireWrite(relations []string) ([]*sync.RWMutex, error) {
	names := append([]string(nil), relations...)
	sort.Strings(names)
	var locks []*sync.RWMutex
	for i, name := range names {
		if i > 0 && names[i-1] == name {
			continue
		}
		l, err := c.relationLock(name)
		if err != nil {
			release(locks)
			return nil, err
		}
		l.Lock()
		locks = append(locks, l)
	}
	return locks, nil
}

func release(locks []*sync.RWMutex) {
	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].Unlock()
	}
}

func (c *Cache) snapshotSeqs(relations []string) map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(relations))
	for _, r := range relations {
		out[r] = c.seqs[r]
	}
	return out
}

func (c *Cache) commitSeqs(seqs map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for r, s := range seqs {
		if s > c.seqs[r] {
			c.seqs[r] = s
		}
	}
}

// Query executes a (typically compiler-produced) SQL statement with
// bound parameters and returns the rows as entities. Relations named in
// readLocks are read-locked for the duration of the query.
func (c *Cache) Query(ctx context.Context, sqlText string, params []value.Value, readLocks ...string) ([]*value.Entity, error) {
	names := append([]string(nil), readLocks...)
	sort.Strings(names)
	var held []*sync.RWMutex
	for i, name := range names {
		if i > 0 && names[i-1] == name {
			continue
		}
		l, err := c.relationLock(name)
		if err != nil {
			for _, h := range held {
				h.RUnlock()
			}
			return nil, err
		}
		l.RLock()
		held = append(held, l)
	}
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].RUnlock()
		}
	}()

	stmt, err := c.stmt(sqlText)
	if err != nil {
		return nil, err
	}
	args := make([]interface{}, len(params))
	for i, p := range params {
		args[i] = p.SQLParam()
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, StorageError.Wrap(err)
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows)
}

// scanRows maps driver values onto entities using driver-level types:
// INTEGER -> integer, REAL -> float, TEXT/BLOB -> string, NULL -> null.
// Callers that know the schema can re-type fields afterwards.
func scanRows(rows *sql.Rows) ([]*value.Entity, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, StorageError.Wrap(err)
	}
	var out []*value.Entity
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, StorageError.Wrap(err)
		}
		e := value.NewEntity()
		for i, col := range cols {
			v, err := genericValue(raw[i])
			if err != nil {
				return nil, err
			}
			e.Set(col, v)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, StorageError.Wrap(err)
	}
	return out, nil
}

func genericValue(raw interface{}) (value.Value, error) {
	switch v := raw.(type) {
	case nil:
		return value.Null(), nil
	case int64:
		return value.Integer(v), nil
	case float64:
		return value.Float(v)
	case string:
		return value.String(v), nil
	case []byte:
		return value.String(string(v)), nil
	case bool:
		return value.Boolean(v), nil
	}
	return value.Value{}, StorageError.New("unsupported driver value %T", raw)
}

// Get reads one row by primary key, typed by the relation schema. The
// entity includes the change-origin system column.
func (c *Cache) Get(ctx context.Context, relation, id string) (*value.Entity, error) {
	s, err := c.Schema(relation)
	if err != nil {
		return nil, err
	}
	l, err := c.relationLock(relation)
	if err != nil {
		return nil, err
	}
	l.RLock()
	defer l.RUnlock()

	stmt, err := c.stmt(selectByPK(s))
	if err != nil {
		return nil, err
	}
	row := stmt.QueryRowContext(ctx, id)
	e, err := scanSchemaRow(row, s)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// All reads every row of the relation, typed by its schema, ordered by
// primary key.
func (c *Cache) All(ctx context.Context, relation string) ([]*value.Entity, error) {
	s, err := c.Schema(relation)
	if err != nil {
		return nil, err
	}
	l, err := c.relationLock(relation)
	if err != nil {
		return nil, err
	}
	l.RLock()
	defer l.RUnlock()

	stmt, err := c.stmt(selectAll(s))
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, StorageError.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*value.Entity
	for rows.Next() {
		e, err := scanSchemaRowFrom(rows, s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, StorageError.Wrap(err)
	}
	return out, nil
}

func selectByPK(s value.Schema) string {
	return fmt.Sprintf(`SELECT %s, %s FROM %q WHERE %q = ?`,
		quotedColumns(s), value.ChangeOriginColumn, s.Relation, s.PrimaryKey().Name)
}

func selectAll(s value.Schema) string {
	return fmt.Sprintf(`SELECT %s, %s FROM %q ORDER BY %q`,
		quotedColumns(s), value.ChangeOriginColumn, s.Relation, s.PrimaryKey().Name)
}

func quotedColumns(s value.Schema) string {
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = fmt.Sprintf("%q", f.Name)
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchemaRow(row *sql.Row, s value.Schema) (*value.Entity, error) {
	e, err := scanSchemaInto(row, s)
	if err == sql.ErrNoRows {
		return nil, StorageError.Wrap(fmt.Errorf("%s: %w", s.Relation, ErrNotFound))
	}
	return e, err
}

func scanSchemaRowFrom(rows *sql.Rows, s value.Schema) (*value.Entity, error) {
	return scanSchemaInto(rows, s)
}

func scanSchemaInto(scanner rowScanner, s value.Schema) (*value.Entity, error) {
	raw := make([]interface{}, len(s.Fields)+1)
	ptrs := make([]interface{}, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := scanner.Scan(ptrs...); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, StorageError.Wrap(err)
	}
	e := value.NewEntity()
	for i, f := range s.Fields {
		v, err := value.FromSQL(raw[i], f.Type)
		if err != nil {
			return nil, err
		}
		e.Set(f.Name, v)
	}
	origin, err := genericValue(raw[len(s.Fields)])
	if err != nil {
		return nil, err
	}
	e.Set(value.ChangeOriginColumn, origin)
	return e, nil
}
