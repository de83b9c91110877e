package cache

import (
	"context"
	"database/sql"
	"fmt"
)

// failedRetryMarker in next_retry marks an operation as permanently
// failed; it stays in the queue for status reporting until acknowledged.
const failedRetryMarker = -1

// QueuedOp is one pending operation in the persistent push queue.
type QueuedOp struct {
	Seq      int64
	Provider string
	OpJSON   []byte
	Attempts int
	// NextRetry is the epoch-millisecond earliest retry time, or -1
	// when the operation has permanently failed.
	NextRetry int64
}

// Failed reports whether the operation was marked permanently failed.
func (q QueuedOp) Failed() bool { return q.NextRetry == failedRetryMarker }

// SyncToken returns the persisted token for a provider, or "" when the
// provider has never completed a pull.
func (c *Cache) SyncToken(ctx context.Context, provider string) (string, error) {
	var token sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT token FROM __sync_state WHERE provider = ?`, provider).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", StorageError.Wrap(fmt.Errorf("reading sync token for %s: %w", provider, err))
	}
	return token.String, nil
}

// EnqueueOperation appends a serialized operation to the provider's
// push queue.
func (c *Cache) EnqueueOperation(ctx context.Context, provider string, opJSON []byte) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO __operation_queue (provider, op_json, attempts, next_retry) VALUES (?, ?, 0, 0)`,
		provider, string(opJSON))
	if err != nil {
		return 0, StorageError.Wrap(fmt.Errorf("enqueueing operation for %s: %w", provider, err))
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, StorageError.Wrap(err)
	}
	return seq, nil
}

// PeekOperation returns the oldest non-failed operation for the
// provider that is due at or before now (epoch milliseconds).
func (c *Cache) PeekOperation(ctx context.Context, provider string, now int64) (QueuedOp, bool, error) {
	var op QueuedOp
	var opJSON string
	err := c.db.QueryRowContext(ctx,
		`SELECT seq, provider, op_json, attempts, next_retry FROM __operation_queue
		 WHERE provider = ? AND next_retry >= 0 AND next_retry <= ?
		 ORDER BY seq LIMIT 1`,
		provider, now).Scan(&op.Seq, &op.Provider, &opJSON, &op.Attempts, &op.NextRetry)
	if err == sql.ErrNoRows {
		return QueuedOp{}, false, nil
	}
	if err != nil {
		return QueuedOp{}, false, StorageError.Wrap(fmt.Errorf("peeking queue for %s: %w", provider, err))
	}
	op.OpJSON = []byte(opJSON)
	return op, true, nil
}

// CompleteOperation removes an acknowledged operation from the queue.
func (c *Cache) CompleteOperation(ctx context.Context, seq int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM __operation_queue WHERE seq = ?`, seq)
	if err != nil {
		return StorageError.Wrap(fmt.Errorf("completing operation %d: %w", seq, err))
	}
	return nil
}

// RetryOperation re-schedules a retryable failure.
func (c *Cache) RetryOperation(ctx context.Context, seq int64, attempts int, nextRetry int64) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE __operation_queue SET attempts = ?, next_retry = ? WHERE seq = ?`,
		attempts, nextRetry, seq)
	if err != nil {
		return StorageError.Wrap(fmt.Errorf("rescheduling operation %d: %w", seq, err))
	}
	return nil
}

// FailOperation marks an operation permanently failed. It remains
// visible for status queries but is never retried.
func (c *Cache) FailOperation(ctx context.Context, seq int64) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE __operation_queue SET next_retry = ? WHERE seq = ?`, failedRetryMarker, seq)
	if err != nil {
		return StorageError.Wrap(fmt.Errorf("failing operation %d: %w", seq, err))
	}
	return nil
}

// QueueDepth counts pending (non-failed) operations for a provider.
func (c *Cache) QueueDepth(ctx context.Context, provider string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM __operation_queue WHERE provider = ? AND next_retry >= 0`,
		provider).Scan(&n)
	if err != nil {
		return 0, StorageError.Wrap(fmt.Errorf("counting queue for %s: %w", provider, err))
	}
	return n, nil
}

// FailedOperations lists permanently failed operations for a provider.
func (c *Cache) FailedOperations(ctx context.Context, provider string) ([]QueuedOp, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT seq, provider, op_json, attempts, next_retry FROM __operation_queue
		 WHERE provider = ? AND next_retry = ? ORDER BY seq`,
		provider, failedRetryMarker)
	if err != nil {
		return nil, StorageError.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []QueuedOp
	for rows.Next() {
		var op QueuedOp
		var opJSON string
		if err := rows.Scan(&op.Seq, &op.Provider, &opJSON, &op.Attempts, &op.NextRetry); err != nil {
			return nil, StorageError.Wrap(err)
		}
		op.OpJSON = []byte(opJSON)
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, StorageError.Wrap(err)
	}
	return out, nil
}
