package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"edge-capture-agent/internal/models"
)

// ErrNotFound is returned when an operation targets an id the queue no longer holds.
var ErrNotFound = errors.New("queue item not found")

// ErrNotInFlight is returned when requeueing an item nobody has claimed.
var ErrNotInFlight = errors.New("queue item is not in flight")

const itemColumns = `id, event_key, kind, payload, status, attempts, next_eligible_at, lease_expires_at, last_error, created_at, updated_at`

// SQLiteQueue is the device-local durable event queue. Every write is a
// committed SQLite transaction with synchronous=FULL, so an item is on disk
// once Enqueue returns.
type SQLiteQueue struct {
	db            *sql.DB
	mu            sync.Mutex
	visibilityTTL time.Duration
	now           func() time.Time
	notify        chan struct{}
}

// Option customizes a queue at Open time.
type Option func(*SQLiteQueue)

// WithVisibilityTimeout sets how long a claim may stay in flight before
// RequeueExpired hands the item back out.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *SQLiteQueue) {
		if d > 0 {
			q.visibilityTTL = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *SQLiteQueue) { q.now = now }
}

// Open opens (or creates) the queue database at path and returns any
// items left in flight by a previous process to pending.
func Open(ctx context.Context, path string, opts ...Option) (*SQLiteQueue, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// One connection: claims and writes are serialized and an in-memory
	// database stays a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping queue db: %w", err)
	}

	q := &SQLiteQueue{
		db:            db,
		visibilityTTL: 2 * time.Minute,
		now:           time.Now,
		notify:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := q.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	recovered, err := q.recoverInFlight(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if recovered > 0 {
		log.Printf("queue: returned %d in-flight items to pending after restart", recovered)
	}
	return q, nil
}

// Close releases the database handle.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

// Notify fires after each successful Enqueue. It is edge-triggered and
// coalesces bursts into a single wakeup.
func (q *SQLiteQueue) Notify() <-chan struct{} {
	return q.notify
}

func (q *SQLiteQueue) recoverInFlight(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, lease_expires_at = NULL, updated_at = ?
		WHERE status = ?
	`, models.StatusPending, q.now().UnixMilli(), models.StatusInFlight)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Enqueue durably appends an event and returns its id.
func (q *SQLiteQueue) Enqueue(ctx context.Context, kind models.Kind, payload map[string]any) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("enqueue: unknown kind %q", kind)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	q.mu.Lock()
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_items (event_key, kind, payload, status, attempts, next_eligible_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`, uuid.New().String(), string(kind), string(payloadJSON), models.StatusPending, now, now, now)
	q.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("insert queue item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read queue item id: %w", err)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return id, nil
}

// ClaimNext atomically moves the oldest eligible pending item to in_flight
// and returns it. It returns nil when nothing is eligible.
func (q *SQLiteQueue) ClaimNext(ctx context.Context) (*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_items
		SET status = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM queue_items
			WHERE status = ? AND next_eligible_at <= ?
			ORDER BY created_at, id
			LIMIT 1
		) AND status = ?
		RETURNING `+itemColumns,
		models.StatusInFlight, now.Add(q.visibilityTTL).UnixMilli(), now.UnixMilli(),
		models.StatusPending, now.UnixMilli(), models.StatusPending)

	item, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	return &item, nil
}

// Ack removes a delivered item.
func (q *SQLiteQueue) Ack(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ? AND status != ?`, id, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("ack queue item %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ack queue item %d: %w", id, ErrNotFound)
	}
	return nil
}

// Requeue records a failed delivery of an in-flight item. The item goes
// back to pending after a backoff delay, or to failed once the policy's
// attempt budget is spent. The updated item is returned.
func (q *SQLiteQueue) Requeue(ctx context.Context, id int64, policy BackoffPolicy, cause error) (models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var attempts int
	var status string
	err := q.db.QueryRowContext(ctx, `SELECT attempts, status FROM queue_items WHERE id = ?`, id).Scan(&attempts, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueItem{}, fmt.Errorf("requeue queue item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("requeue queue item %d: %w", id, err)
	}
	if models.ItemStatus(status) != models.StatusInFlight {
		return models.QueueItem{}, fmt.Errorf("requeue queue item %d (%s): %w", id, status, ErrNotInFlight)
	}

	attempts++
	now := q.now()
	next := now.Add(policy.Delay(attempts))
	newStatus := models.StatusPending
	if policy.Exhausted(attempts) {
		newStatus = models.StatusFailed
		next = now
	}
	var lastErr *string
	if cause != nil {
		msg := cause.Error()
		lastErr = &msg
	}

	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_items
		SET status = ?, attempts = ?, next_eligible_at = ?, lease_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+itemColumns,
		newStatus, attempts, next.UnixMilli(), lastErr, now.UnixMilli(), id)
	item, err := scanItem(row.Scan)
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("requeue queue item %d: %w", id, err)
	}
	return item, nil
}

// RequeueExpired returns in-flight items whose lease has lapsed to pending.
// Attempts are not charged: the worker that held them never reported.
func (q *SQLiteQueue) RequeueExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, lease_expires_at = NULL, updated_at = ?
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
	`, models.StatusPending, now, models.StatusInFlight, now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Release hands an in-flight item back to pending without charging an
// attempt, for claims the worker could not act on.
func (q *SQLiteQueue) Release(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.StatusPending, q.now().UnixMilli(), id, models.StatusInFlight)
	if err != nil {
		return fmt.Errorf("release queue item %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release queue item %d: %w", id, ErrNotInFlight)
	}
	return nil
}

// RetryFailed gives every failed item a fresh attempt budget.
func (q *SQLiteQueue) RetryFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, attempts = 0, next_eligible_at = ?, updated_at = ?
		WHERE status = ?
	`, models.StatusPending, now, now, models.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return int(n), nil
}

// Get fetches a single item by id.
func (q *SQLiteQueue) Get(ctx context.Context, id int64) (models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	row := q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueItem{}, fmt.Errorf("get queue item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("get queue item %d: %w", id, err)
	}
	return item, nil
}

// PendingCount returns the number of items waiting for delivery, including
// those still in backoff.
func (q *SQLiteQueue) PendingCount(ctx context.Context) (int, error) {
	return q.countStatus(ctx, models.StatusPending)
}

// InFlightCount returns the number of claimed, unacknowledged items.
func (q *SQLiteQueue) InFlightCount(ctx context.Context) (int, error) {
	return q.countStatus(ctx, models.StatusInFlight)
}

// FailedCount returns the number of items that exhausted their retries.
func (q *SQLiteQueue) FailedCount(ctx context.Context) (int, error) {
	return q.countStatus(ctx, models.StatusFailed)
}

func (q *SQLiteQueue) countStatus(ctx context.Context, status models.ItemStatus) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE status = ?`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s items: %w", status, err)
	}
	return n, nil
}

// ListFailed returns up to limit failed items, newest failure first.
func (q *SQLiteQueue) ListFailed(ctx context.Context, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE status = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT ?
	`, models.StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed items: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ReferencedPaths returns every local file path named by an item that has
// not been acknowledged yet. Capture files in this set must not be deleted.
func (q *SQLiteQueue) ReferencedPaths(ctx context.Context) (map[string]struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rows, err := q.db.QueryContext(ctx, `
		SELECT payload FROM queue_items WHERE status IN (?, ?)
	`, models.StatusPending, models.StatusInFlight)
	if err != nil {
		return nil, fmt.Errorf("query referenced paths: %w", err)
	}
	defer rows.Close()

	refs := make(map[string]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan payload: %w", err)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		for _, key := range []string{models.FieldPath, models.FieldAudioPath} {
			if p, ok := payload[key].(string); ok && p != "" {
				refs[filepath.Clean(p)] = struct{}{}
			}
		}
	}
	return refs, rows.Err()
}

func scanItem(scan func(dest ...any) error) (models.QueueItem, error) {
	var (
		item        models.QueueItem
		kind        string
		status      string
		payloadJSON string
		nextMillis  int64
		createdMs   int64
		updatedMs   int64
		lease       sql.NullInt64
		lastErr     sql.NullString
	)
	if err := scan(&item.ID, &item.EventKey, &kind, &payloadJSON, &status, &item.Attempts,
		&nextMillis, &lease, &lastErr, &createdMs, &updatedMs); err != nil {
		return models.QueueItem{}, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &item.Payload); err != nil {
		return models.QueueItem{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	item.Kind = models.Kind(kind)
	item.Status = models.ItemStatus(status)
	item.NextEligibleAt = time.UnixMilli(nextMillis)
	item.CreatedAt = time.UnixMilli(createdMs)
	item.UpdatedAt = time.UnixMilli(updatedMs)
	if lease.Valid {
		t := time.UnixMilli(lease.Int64)
		item.LeaseExpiresAt = &t
	}
	if lastErr.Valid {
		item.LastError = &lastErr.String
	}
	return item, nil
}
