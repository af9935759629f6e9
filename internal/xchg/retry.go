package xchg

import (
	"sync"
	"time"
)

// OrderOutcome is the terminal state of a tracked order submission.
type OrderOutcome string

const (
	OrderOutcomeAccepted OrderOutcome = "accepted"
	OrderOutcomeRejected OrderOutcome = "rejected"
)

// TrackedSubmission records one place-order call for observability: when
// it was submitted, the order-link id used as its idempotency key, and
// its outcome once the client's internal retry loop settles. Unlike the
// teacher's order tracker this does not poll exchange order status after
// submission — that assumed a public order-status endpoint outside this
// client's contract surface — it only records what PlaceOrder itself
// observed.
type TrackedSubmission struct {
	OrderLinkID string
	Symbol      string
	SubmittedAt time.Time
	Outcome     OrderOutcome
	OrderID     string
	Err         error
}

// Tracker keeps the most recent submissions in memory, keyed by
// order-link id, so callers (tests, maintenance sweeps) can inspect what
// the engine last attempted for a given trade/suffix.
type Tracker struct {
	mu          sync.RWMutex
	submissions map[string]*TrackedSubmission
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{submissions: make(map[string]*TrackedSubmission)}
}

// Track submits body through place (the caller's order-placement call,
// typically a PlaceOrder bound to whatever ExchangeClient is in use) and
// records the outcome under body.OrderLinkID. It takes a func rather than
// a concrete *Client so it can sit behind the engine's ExchangeClient
// interface without pinning callers to one implementation.
func (t *Tracker) Track(body OrderRequest, place func(OrderRequest) (string, error)) (string, error) {
	rec := &TrackedSubmission{
		OrderLinkID: body.OrderLinkID,
		Symbol:      body.Symbol,
		SubmittedAt: time.Now(),
	}

	orderID, err := place(body)
	if err != nil {
		rec.Outcome = OrderOutcomeRejected
		rec.Err = err
	} else {
		rec.Outcome = OrderOutcomeAccepted
		rec.OrderID = orderID
	}

	t.mu.Lock()
	t.submissions[body.OrderLinkID] = rec
	t.mu.Unlock()

	return orderID, err
}

// Get returns the last recorded submission for orderLinkID, if any.
func (t *Tracker) Get(orderLinkID string) (*TrackedSubmission, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.submissions[orderLinkID]
	return rec, ok
}
