package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mergegate/mergegate/internal/model"
	"github.com/mergegate/mergegate/internal/store"
)

// fakeNotifier records delivered payloads and fails on demand.
type fakeNotifier struct {
	mu        sync.Mutex
	delivered [][]byte
	err       error
}

func (f *fakeNotifier) Deliver(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, payload)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func newTestOutbox(t *testing.T, n Notifier, maxRetries int) (*Outbox, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	// Each clock read advances one second so created_at ordering is
	// well defined.
	var mu sync.Mutex
	tick := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	o, err := New(Config{
		Store:      s,
		Notifier:   n,
		MaxRetries: maxRetries,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			tick = tick.Add(time.Second)
			return tick
		},
	})
	if err != nil {
		t.Fatalf("new outbox: %v", err)
	}
	return o, s
}

func testNotification() Notification {
	return Notification{
		RunID:      "run-1",
		Repository: "repo-1",
		Stage:      model.StageReviewGuard,
		Status:     "succeeded",
	}
}

func TestIdempotencyKeyStable(t *testing.T) {
	a := IdempotencyKey("run-1", model.StageReviewGuard, "succeeded", 42)
	b := IdempotencyKey("run-1", model.StageReviewGuard, "succeeded", 42)
	if a != b {
		t.Error("expected identical inputs to derive the same key")
	}
	if IdempotencyKey("run-1", model.StageReviewGuard, "succeeded", 43) == a {
		t.Error("expected different freshness tokens to derive different keys")
	}
	if IdempotencyKey("run-1", model.StageReviewGuard, "failed", 42) == a {
		t.Error("expected different statuses to derive different keys")
	}
}

func TestDuplicateIntentNotEnqueued(t *testing.T) {
	o, _ := newTestOutbox(t, &fakeNotifier{}, 3)
	ctx := context.Background()

	first, err := o.CreateIntent(ctx, testNotification(), 42)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := o.CreateIntent(ctx, testNotification(), 42)
	if err != nil {
		t.Fatalf("create duplicate: %v", err)
	}
	if first != second {
		t.Errorf("expected duplicate creation to return existing intent id, got %s and %s", first, second)
	}

	delivered, err := o.ProcessPending(ctx, 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if delivered != 1 {
		t.Errorf("expected exactly 1 delivery for the duplicate pair, got %d", delivered)
	}
}

func TestSuccessfulDeliveryCompletesIntent(t *testing.T) {
	n := &fakeNotifier{}
	o, s := newTestOutbox(t, n, 3)
	ctx := context.Background()

	id, err := o.CreateIntent(ctx, testNotification(), 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	delivered, err := o.ProcessPending(ctx, 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if delivered != 1 || n.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d (notifier saw %d)", delivered, n.count())
	}

	intent, err := s.GetIntent(ctx, id)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.Status != store.IntentCompleted {
		t.Errorf("expected completed, got %s", intent.Status)
	}
	if intent.DeliveredAt == nil {
		t.Error("expected delivered_at to be set")
	}

	var n2 Notification
	if err := json.Unmarshal(intent.Payload, &n2); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if n2.IdempotencyToken == "" {
		t.Error("expected payload to carry the idempotency token")
	}
}

func TestFailedDeliveryRetriesThenFailsPermanently(t *testing.T) {
	n := &fakeNotifier{err: errors.New("receiver down")}
	o, s := newTestOutbox(t, n, 3)
	ctx := context.Background()

	id, err := o.CreateIntent(ctx, testNotification(), 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Each poll makes one attempt; three attempts exhaust the budget.
	for i := 0; i < 3; i++ {
		delivered, err := o.ProcessPending(ctx, 10)
		if err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		if delivered != 0 {
			t.Fatalf("expected no deliveries, got %d", delivered)
		}
	}

	intent, err := s.GetIntent(ctx, id)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.Status != store.IntentFailed {
		t.Errorf("expected failed after retry exhaustion, got %s", intent.Status)
	}
	if intent.RetryCount != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", intent.RetryCount)
	}
	if intent.LastError != "receiver down" {
		t.Errorf("expected last error preserved, got %q", intent.LastError)
	}

	// Exhausted intent must never be offered again.
	pending, err := s.PendingIntents(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending intents, got %d", len(pending))
	}
}

func TestRecoveredReceiverDrainsRetries(t *testing.T) {
	n := &fakeNotifier{err: errors.New("receiver down")}
	o, _ := newTestOutbox(t, n, 5)
	ctx := context.Background()

	if _, err := o.CreateIntent(ctx, testNotification(), 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := o.ProcessPending(ctx, 10); err != nil {
		t.Fatalf("process: %v", err)
	}

	// Receiver comes back; next poll delivers the retried intent.
	n.mu.Lock()
	n.err = nil
	n.mu.Unlock()

	delivered, err := o.ProcessPending(ctx, 10)
	if err != nil {
		t.Fatalf("process after recovery: %v", err)
	}
	if delivered != 1 {
		t.Errorf("expected retried intent to deliver, got %d", delivered)
	}
}

func TestClaimPreventsDoubleDelivery(t *testing.T) {
	o, s := newTestOutbox(t, &fakeNotifier{}, 3)
	ctx := context.Background()

	id, err := o.CreateIntent(ctx, testNotification(), 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := s.ClaimIntent(ctx, id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed {
		t.Fatal("expected first claim to succeed")
	}

	again, err := s.ClaimIntent(ctx, id)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again {
		t.Error("expected second claim to lose the race")
	}

	// A poll sees nothing: the intent is already processing.
	delivered, err := o.ProcessPending(ctx, 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if delivered != 0 {
		t.Errorf("expected claimed intent not to be redelivered, got %d", delivered)
	}
}

func TestOldestIntentFirst(t *testing.T) {
	n := &fakeNotifier{}
	o, _ := newTestOutbox(t, n, 3)
	ctx := context.Background()

	for i, status := range []string{"running", "succeeded", "completed"} {
		nt := testNotification()
		nt.Status = status
		if _, err := o.CreateIntent(ctx, nt, int64(i+1)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	if _, err := o.ProcessPending(ctx, 10); err != nil {
		t.Fatalf("process: %v", err)
	}
	if n.count() != 3 {
		t.Fatalf("expected 3 deliveries, got %d", n.count())
	}

	var first Notification
	if err := json.Unmarshal(n.delivered[0], &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.Status != "running" {
		t.Errorf("expected oldest intent first, got status %s", first.Status)
	}
}

func TestCreateIntentRequiresRunAndStatus(t *testing.T) {
	o, _ := newTestOutbox(t, &fakeNotifier{}, 3)
	if _, err := o.CreateIntent(context.Background(), Notification{Status: "running"}, 1); err == nil {
		t.Error("expected missing run id to be rejected")
	}
	if _, err := o.CreateIntent(context.Background(), Notification{RunID: "run-1"}, 1); err == nil {
		t.Error("expected missing status to be rejected")
	}
}
