// Package outbox durably records intents to notify an external system
// and delivers them asynchronously with bounded retries. It provides
// at-least-once delivery attempts with durable intent — not
// exactly-once network delivery; the receiver de-duplicates by the
// idempotency token carried in each payload.
package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mergegate/mergegate/internal/model"
	"github.com/mergegate/mergegate/internal/store"
)

// Defaults for delivery behavior.
const (
	DefaultMaxRetries      = 5
	DefaultDeliveryTimeout = 10 * time.Second
)

// Notification is the message delivered for one intent. The receiver
// is expected to be idempotent on (run id, stage, status); the
// idempotency token is included so it can de-duplicate retried
// deliveries.
type Notification struct {
	RunID            string           `json:"run_id"`
	Repository       string           `json:"repository"`
	Stage            model.StageName  `json:"stage,omitempty"`
	Status           string           `json:"status"`
	Conclusion       model.Conclusion `json:"conclusion,omitempty"`
	Details          json.RawMessage  `json:"details,omitempty"`
	IdempotencyToken string           `json:"idempotency_token"`
}

// Notifier delivers one notification payload to the external system.
// Implementations must honor ctx cancellation; a timed-out attempt is
// treated as a failure and follows the normal retry path.
type Notifier interface {
	Deliver(ctx context.Context, payload []byte) error
}

// Config holds the outbox dependencies and tunables.
type Config struct {
	Store    *store.Store
	Notifier Notifier
	Logger   *slog.Logger

	// MaxRetries bounds delivery attempts per intent. Defaults to 5.
	MaxRetries int

	// DeliveryTimeout caps a single delivery attempt. Defaults to 10s.
	DeliveryTimeout time.Duration

	// Now supplies timestamps; defaults to time.Now. Tests inject a
	// fixed clock for deterministic freshness tokens.
	Now func() time.Time
}

// Outbox creates intents and runs the delivery loop.
type Outbox struct {
	store      *store.Store
	notifier   Notifier
	logger     *slog.Logger
	maxRetries int
	timeout    time.Duration
	now        func() time.Time
}

// New creates an outbox. Store and Notifier are required.
func New(cfg Config) (*Outbox, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("outbox: Store is required")
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("outbox: Notifier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	timeout := cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Outbox{
		store:      cfg.Store,
		notifier:   cfg.Notifier,
		logger:     logger,
		maxRetries: maxRetries,
		timeout:    timeout,
		now:        now,
	}, nil
}

// IdempotencyKey derives the intent key from the logical status change
// plus a freshness token. The guarantee is within one creation call:
// the orchestrator calls CreateIntent once per stage transition, so
// the same logical event is never enqueued twice.
func IdempotencyKey(runID string, stage model.StageName, status string, freshness int64) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d", runID, stage, status, freshness))
	return "sha256:" + hex.EncodeToString(h[:])
}

// CreateIntent durably records an intent to deliver the notification.
// A zero freshness token means "this is a new event": a fine-grained
// timestamp is taken so the key never collides with a prior event.
// Returns the intent id; creating twice with an identical key returns
// the existing id without a duplicate row.
func (o *Outbox) CreateIntent(ctx context.Context, n Notification, freshness int64) (string, error) {
	if n.RunID == "" || n.Status == "" {
		return "", fmt.Errorf("outbox: notification requires run id and status")
	}
	if freshness == 0 {
		freshness = o.now().UnixNano()
	}
	n.IdempotencyToken = IdempotencyKey(n.RunID, n.Stage, n.Status, freshness)

	payload, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("outbox: marshal notification: %w", err)
	}

	id, err := o.store.InsertIntent(ctx, &store.Intent{
		ID:             uuid.NewString(),
		IdempotencyKey: n.IdempotencyToken,
		Payload:        payload,
		MaxRetries:     o.maxRetries,
		CreatedAt:      o.now(),
	})
	if err != nil {
		return "", err
	}

	o.logger.Debug("intent created",
		"intent", id,
		"run", n.RunID,
		"stage", n.Stage,
		"status", n.Status,
	)
	return id, nil
}

// ProcessPending delivers up to limit pending intents, oldest first.
// Each intent is claimed with a conditional pending→processing update
// before delivery, so concurrent workers never double-deliver one
// intent. Returns the number of successful deliveries.
//
// Per-run intents are scheduled oldest-first, but a retried intent can
// arrive after a later one succeeded — receivers must key off each
// notification's own stage and status, not arrival order.
func (o *Outbox) ProcessPending(ctx context.Context, limit int) (int, error) {
	intents, err := o.store.PendingIntents(ctx, limit)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, intent := range intents {
		claimed, err := o.store.ClaimIntent(ctx, intent.ID)
		if err != nil {
			return delivered, err
		}
		if !claimed {
			// Another worker got there first.
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
		deliverErr := o.notifier.Deliver(attemptCtx, intent.Payload)
		cancel()

		if deliverErr == nil {
			if err := o.store.CompleteIntent(ctx, intent.ID, o.now()); err != nil {
				return delivered, err
			}
			delivered++
			o.logger.Info("intent delivered", "intent", intent.ID)
			continue
		}

		if err := o.store.ReleaseIntent(ctx, intent.ID, deliverErr.Error()); err != nil {
			return delivered, err
		}
		o.logger.Warn("delivery attempt failed",
			"intent", intent.ID,
			"attempt", intent.RetryCount+1,
			"max_retries", intent.MaxRetries,
			"error", deliverErr,
		)
	}
	return delivered, nil
}
