package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// IntentStatus is the delivery lifecycle state of an outbox intent.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentProcessing IntentStatus = "processing"
	IntentCompleted  IntentStatus = "completed"
	IntentFailed     IntentStatus = "failed"
)

// Intent is one durable record of "notify the external system that X
// happened". Intents are never deleted, preserving a replayable audit
// trail of every notification ever attempted.
type Intent struct {
	ID             string
	IdempotencyKey string
	Payload        []byte
	Status         IntentStatus
	RetryCount     int
	MaxRetries     int
	LastError      string
	CreatedAt      time.Time
	DeliveredAt    *time.Time
}

// InsertIntent stores a new intent. If an intent with the same
// idempotency key already exists, the existing intent's id is returned
// and no duplicate row is created.
func (s *Store) InsertIntent(ctx context.Context, in *Intent) (string, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return "", err
	}
	defer s.put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO outbox_intents (id, idempotency_key, payload, status,
		                             retry_count, max_retries, last_error, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, '', ?)
		 ON CONFLICT(idempotency_key) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{
				in.ID, in.IdempotencyKey, string(in.Payload), string(IntentPending),
				in.MaxRetries, in.CreatedAt.UnixNano(),
			},
		})
	if err != nil {
		return "", fmt.Errorf("store: insert intent: %w", err)
	}
	if conn.Changes() > 0 {
		return in.ID, nil
	}

	// Key collision: return the existing intent id.
	var existing string
	err = sqlitex.Execute(conn,
		`SELECT id FROM outbox_intents WHERE idempotency_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{in.IdempotencyKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				existing = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("store: lookup existing intent: %w", err)
	}
	if existing == "" {
		return "", fmt.Errorf("store: intent conflict but no existing row for key %s", in.IdempotencyKey)
	}
	return existing, nil
}

// PendingIntents returns up to limit deliverable intents, oldest first.
// Intents that have exhausted their retries are excluded.
func (s *Store) PendingIntents(ctx context.Context, limit int) ([]Intent, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.put(conn)

	var intents []Intent
	err = sqlitex.Execute(conn,
		`SELECT id, idempotency_key, payload, status, retry_count, max_retries,
		        last_error, created_at, delivered_at
		 FROM outbox_intents
		 WHERE status = ? AND retry_count < max_retries
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(IntentPending), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				intents = append(intents, scanIntent(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: query pending intents: %w", err)
	}
	return intents, nil
}

// ClaimIntent advances an intent from pending to processing. The
// transition is a conditional update guarded by the current status, so
// two workers polling the same table never both claim one intent.
// Returns false if the intent was already claimed (or is not pending).
func (s *Store) ClaimIntent(ctx context.Context, id string) (bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return false, err
	}
	defer s.put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE outbox_intents SET status = ? WHERE id = ? AND status = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(IntentProcessing), id, string(IntentPending)},
		})
	if err != nil {
		return false, fmt.Errorf("store: claim intent: %w", err)
	}
	return conn.Changes() > 0, nil
}

// CompleteIntent marks a processing intent as delivered.
func (s *Store) CompleteIntent(ctx context.Context, id string, deliveredAt time.Time) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE outbox_intents SET status = ?, delivered_at = ?
		 WHERE id = ? AND status = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(IntentCompleted), deliveredAt.UnixNano(), id, string(IntentProcessing)},
		})
	if err != nil {
		return fmt.Errorf("store: complete intent: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: complete intent: %s is not processing", id)
	}
	return nil
}

// ReleaseIntent records a failed delivery attempt. The retry count is
// incremented; the intent goes back to pending while retries remain,
// or to failed permanently once they are exhausted.
func (s *Store) ReleaseIntent(ctx context.Context, id, lastError string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE outbox_intents
		 SET retry_count = retry_count + 1,
		     last_error = ?,
		     status = CASE WHEN retry_count + 1 < max_retries THEN ? ELSE ? END
		 WHERE id = ? AND status = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				lastError, string(IntentPending), string(IntentFailed),
				id, string(IntentProcessing),
			},
		})
	if err != nil {
		return fmt.Errorf("store: release intent: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: release intent: %s is not processing", id)
	}
	return nil
}

// GetIntent returns an intent by id, or nil if not found.
func (s *Store) GetIntent(ctx context.Context, id string) (*Intent, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.put(conn)

	var intent *Intent
	err = sqlitex.Execute(conn,
		`SELECT id, idempotency_key, payload, status, retry_count, max_retries,
		        last_error, created_at, delivered_at
		 FROM outbox_intents WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				in := scanIntent(stmt)
				intent = &in
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: query intent: %w", err)
	}
	return intent, nil
}

func scanIntent(stmt *sqlite.Stmt) Intent {
	in := Intent{
		ID:             stmt.ColumnText(0),
		IdempotencyKey: stmt.ColumnText(1),
		Payload:        []byte(stmt.ColumnText(2)),
		Status:         IntentStatus(stmt.ColumnText(3)),
		RetryCount:     int(stmt.ColumnInt64(4)),
		MaxRetries:     int(stmt.ColumnInt64(5)),
		LastError:      stmt.ColumnText(6),
		CreatedAt:      time.Unix(0, stmt.ColumnInt64(7)).UTC(),
	}
	if stmt.ColumnType(8) != sqlite.TypeNull {
		t := time.Unix(0, stmt.ColumnInt64(8)).UTC()
		in.DeliveredAt = &t
	}
	return in
}
