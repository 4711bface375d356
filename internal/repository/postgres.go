// Package repository provides PostgreSQL-backed persistence for forms,
// courses, submissions, API keys and change events. It also handles
// LISTEN/NOTIFY-based cache invalidation so the service layer stays fresh
// without polling the database.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel  = "formz_events"
	defaultEventBatchSize = 1000
)

// Entity types carried by events and audit entries.
const (
	EntityForm   = "form"
	EntityCourse = "course"
)

// PostgresRepository implements form, course, submission, API key and event
// persistence backed by a pgxpool connection pool.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithNotifyChannel sets the LISTEN/NOTIFY channel used for change events.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

// WithEventBatchSize caps the number of events returned by a single
// [PostgresRepository.ListEventsSince] call. Non-positive values are ignored.
func WithEventBatchSize(size int) Option {
	return func(r *PostgresRepository) {
		if size > 0 {
			r.eventBatchSize = size
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "formz_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		notifyChannel:  defaultNotifyChannel,
		eventBatchSize: defaultEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Event is a change to a form or course, stored in the events table and used
// to drive SSE streaming and cache invalidation.
type Event struct {
	EventID    int64           `json:"eventId"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	EventType  string          `json:"eventType"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Invalidation identifies the cached entity a notification refers to.
type Invalidation struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

// PublishEvent inserts an event and sends a PostgreSQL NOTIFY on the
// configured channel within a single transaction.
func (r *PostgresRepository) PublishEvent(ctx context.Context, event Event) (Event, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created Event
	if err := tx.QueryRow(ctx, `
		INSERT INTO events (entity_type, entity_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, entity_type, entity_id, event_type, payload, created_at
	`,
		event.EntityType,
		event.EntityID,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.EntityType,
		&created.EntityID,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return Event{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return Event{}, fmt.Errorf("notify event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Event{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// ListEventsSince returns up to the configured batch size of events with IDs
// greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, entity_type, entity_id, event_type, payload, created_at
		FROM events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var event Event
		if err := rows.Scan(
			&event.EventID,
			&event.EntityType,
			&event.EntityID,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// SubscribeInvalidation returns a channel that receives the entity named by
// every event notification arriving on the LISTEN channel. A notification
// whose payload cannot be decoded is delivered as a zero Invalidation, which
// callers treat as "invalidate everything". The listener reconnects until ctx
// is done, then closes the channel.
func (r *PostgresRepository) SubscribeInvalidation(ctx context.Context) (<-chan Invalidation, error) {
	invalidations := make(chan Invalidation, 16)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- Invalidation) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- Invalidation) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for event notification: %w", err)
		}

		select {
		case invalidations <- parseNotifyPayload(notification.Payload):
		case <-ctx.Done():
			return nil
		}
	}
}

func requireRows(commandTag pgconn.CommandTag, operation string) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", operation, pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(event Event) (string, error) {
	serialized, err := json.Marshal(struct {
		Invalidation
		EventType string `json:"eventType"`
	}{
		Invalidation: Invalidation{EntityType: event.EntityType, EntityID: event.EntityID},
		EventType:    event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}

func parseNotifyPayload(payload string) Invalidation {
	var invalidation Invalidation
	if err := json.Unmarshal([]byte(payload), &invalidation); err != nil {
		return Invalidation{}
	}
	return invalidation
}
