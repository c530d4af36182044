package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteBackend persists items in the queue_items table so they survive restart.
type SQLiteBackend struct {
	DB          *sql.DB
	Now         func() time.Time
	MaxAttempts int
}

func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{DB: db}
}

func (b *SQLiteBackend) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

const itemColumns = `id, queue_name, world_id, correlation_id, payload_json, status, priority,
	attempts, max_attempts, error_message, scheduled_at, created_at, updated_at`

func (b *SQLiteBackend) Enqueue(ctx context.Context, q Name, n NewItem) (Item, error) {
	payload, err := n.encode()
	if err != nil {
		return Item{}, err
	}
	now := b.now()
	it := Item{
		ID:            uuid.NewString(),
		Queue:         q,
		WorldID:       n.WorldID,
		CorrelationID: n.CorrelationID,
		Payload:       payload,
		Status:        StatusPending,
		Priority:      n.Priority,
		MaxAttempts:   maxAttempts(n.MaxAttempts, b.MaxAttempts),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = b.DB.ExecContext(ctx, `INSERT INTO queue_items(`+itemColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, string(q), nullable(it.WorldID), nullable(it.CorrelationID), string(payload),
		string(it.Status), it.Priority, 0, it.MaxAttempts, nil, nil, formatTS(now), formatTS(now))
	if err != nil {
		return Item{}, fmt.Errorf("enqueue %s: %w", q, err)
	}
	return it, nil
}

func (b *SQLiteBackend) Dequeue(ctx context.Context, q Name) (Item, bool, error) {
	now := formatTS(b.now())
	var id string
	err := b.DB.QueryRowContext(ctx, `UPDATE queue_items
		SET status = ?, updated_at = ?, attempts = attempts + 1, scheduled_at = NULL
		WHERE id = (
			SELECT id FROM queue_items
			WHERE queue_name = ?
			AND (status = ? OR (status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)))
			ORDER BY priority DESC, created_at ASC, rowid ASC
			LIMIT 1
		)
		AND status IN (?, ?)
		RETURNING id`,
		string(StatusInProgress), now, string(q),
		string(StatusPending), string(StatusDelayed), now,
		string(StatusPending), string(StatusDelayed)).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, false, nil
		}
		return Item{}, false, fmt.Errorf("dequeue %s: %w", q, err)
	}
	it, err := b.Get(ctx, id)
	if err != nil {
		return Item{}, false, err
	}
	return it, true, nil
}

func (b *SQLiteBackend) update(ctx context.Context, id, query string, args ...any) error {
	res, err := b.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := b.Get(ctx, id); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

func (b *SQLiteBackend) Complete(ctx context.Context, id string) error {
	return b.update(ctx, id, `UPDATE queue_items SET status = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCompleted), formatTS(b.now()), id, string(StatusInProgress))
}

func (b *SQLiteBackend) Touch(ctx context.Context, id string) error {
	return b.update(ctx, id, `UPDATE queue_items SET updated_at = ? WHERE id = ? AND status = ?`,
		formatTS(b.now()), id, string(StatusInProgress))
}

func (b *SQLiteBackend) Fail(ctx context.Context, id, reason string) error {
	return b.update(ctx, id, `UPDATE queue_items SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), reason, formatTS(b.now()), id)
}

func (b *SQLiteBackend) Delay(ctx context.Context, id string, until time.Time) error {
	return b.update(ctx, id, `UPDATE queue_items SET status = ?, scheduled_at = ?, updated_at = ? WHERE id = ?`,
		string(StatusDelayed), formatTS(until), formatTS(b.now()), id)
}

func (b *SQLiteBackend) Get(ctx context.Context, id string) (Item, error) {
	row := b.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, err
	}
	return it, nil
}

func (b *SQLiteBackend) ListByStatus(ctx context.Context, q Name, status Status, limit int) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE queue_name = ? AND status = ?
		ORDER BY priority DESC, created_at ASC, rowid ASC`
	args := []any{string(q), string(status)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return b.list(ctx, query, args...)
}

func (b *SQLiteBackend) ListByWorld(ctx context.Context, q Name, worldID string) ([]Item, error) {
	return b.list(ctx, `SELECT `+itemColumns+` FROM queue_items
		WHERE queue_name = ? AND world_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at ASC, rowid ASC`,
		string(q), worldID, string(StatusPending), string(StatusInProgress), string(StatusDelayed))
}

func (b *SQLiteBackend) HistoryByWorld(ctx context.Context, q Name, worldID string, limit int) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items
		WHERE queue_name = ? AND world_id = ? AND status IN (?, ?, ?)
		ORDER BY updated_at DESC, rowid DESC`
	args := []any{string(q), worldID, string(StatusCompleted), string(StatusFailed), string(StatusExpired)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return b.list(ctx, query, args...)
}

func (b *SQLiteBackend) Stats(ctx context.Context, q Name) (Stats, error) {
	rows, err := b.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items WHERE queue_name = ? GROUP BY status`, string(q))
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	var s Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		s.add(Status(status), n)
	}
	return s, rows.Err()
}

func (b *SQLiteBackend) Recover(ctx context.Context, q Name, cutoff time.Time) (RecoverResult, error) {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return RecoverResult{}, err
	}
	defer tx.Rollback()
	now := formatTS(b.now())
	var res RecoverResult
	failed, err := tx.ExecContext(ctx, `UPDATE queue_items SET status = ?, error_message = ?, updated_at = ?
		WHERE queue_name = ? AND status = ? AND updated_at < ? AND attempts >= max_attempts`,
		string(StatusFailed), recoveredExhausted, now, string(q), string(StatusInProgress), formatTS(cutoff))
	if err != nil {
		return RecoverResult{}, err
	}
	requeued, err := tx.ExecContext(ctx, `UPDATE queue_items SET status = ?, updated_at = ?
		WHERE queue_name = ? AND status = ? AND updated_at < ?`,
		string(StatusPending), now, string(q), string(StatusInProgress), formatTS(cutoff))
	if err != nil {
		return RecoverResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RecoverResult{}, err
	}
	f, _ := failed.RowsAffected()
	r, _ := requeued.RowsAffected()
	res.Failed = int(f)
	res.Requeued = int(r)
	return res, nil
}

func (b *SQLiteBackend) ExpireOld(ctx context.Context, q Name, cutoff time.Time) (int, error) {
	res, err := b.DB.ExecContext(ctx, `UPDATE queue_items SET status = ?, updated_at = ?
		WHERE queue_name = ? AND status IN (?, ?) AND created_at < ?`,
		string(StatusExpired), formatTS(b.now()), string(q),
		string(StatusPending), string(StatusDelayed), formatTS(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *SQLiteBackend) Cleanup(ctx context.Context, q Name, cutoff time.Time) (int, error) {
	res, err := b.DB.ExecContext(ctx, `DELETE FROM queue_items
		WHERE queue_name = ? AND status IN (?, ?, ?) AND updated_at < ?`,
		string(q), string(StatusCompleted), string(StatusFailed), string(StatusExpired), formatTS(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *SQLiteBackend) CancelByCorrelation(ctx context.Context, worldID, correlationID string) (int, error) {
	res, err := b.DB.ExecContext(ctx, `UPDATE queue_items SET status = ?, error_message = ?, updated_at = ?
		WHERE COALESCE(world_id, '') = ? AND correlation_id = ? AND status IN (?, ?)`,
		string(StatusFailed), CancelledReason, formatTS(b.now()), worldID, correlationID,
		string(StatusPending), string(StatusDelayed))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *SQLiteBackend) list(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := b.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var it Item
	var queueName, status, payload, created, updated string
	var worldID, correlationID, errMsg, scheduled sql.NullString
	if err := row.Scan(&it.ID, &queueName, &worldID, &correlationID, &payload, &status, &it.Priority,
		&it.Attempts, &it.MaxAttempts, &errMsg, &scheduled, &created, &updated); err != nil {
		return Item{}, err
	}
	it.Queue = Name(queueName)
	it.Status = Status(status)
	it.Payload = []byte(payload)
	it.WorldID = worldID.String
	it.CorrelationID = correlationID.String
	it.Error = errMsg.String
	var err error
	if it.CreatedAt, err = parseTS(created); err != nil {
		return Item{}, fmt.Errorf("item %s created_at: %w", it.ID, err)
	}
	if it.UpdatedAt, err = parseTS(updated); err != nil {
		return Item{}, fmt.Errorf("item %s updated_at: %w", it.ID, err)
	}
	if scheduled.Valid && strings.TrimSpace(scheduled.String) != "" {
		t, err := parseTS(scheduled.String)
		if err != nil {
			return Item{}, fmt.Errorf("item %s scheduled_at: %w", it.ID, err)
		}
		it.ScheduledAt = &t
	}
	return it, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
