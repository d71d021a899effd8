// Package cancelreg tracks in-flight cancellation requests for pending sends.
package cancelreg

import (
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/internal/schema"
)

// Tracker records which (transaction, room) pairs the user asked to cancel.
// Stages consult it cooperatively at entry; nothing is preempted mid-call.
//
// The set is process-local and deliberately not persisted: a restart loses
// pending cancellations, so a cancelled-but-already-queued send may still
// complete if the restart races the cancellation.
type Tracker struct {
	mu       sync.Mutex
	requests []schema.CancelRequest
}

// NewTracker creates an empty cancellation tracker.
func NewTracker() *Tracker {
	tracker := new(Tracker)
	tracker.requests = make([]schema.CancelRequest, 0)
	return tracker
}

// RequestCancel idempotently records a cancel request for the pair.
func (t *Tracker) RequestCancel(transactionID string, roomID id.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, req := range t.requests {
		if req.TransactionID == transactionID && req.RoomID == roomID {
			return
		}
	}
	t.requests = append(t.requests, schema.CancelRequest{TransactionID: transactionID, RoomID: roomID})
}

// IsCancelRequested reports whether a cancel request is pending for the pair.
func (t *Tracker) IsCancelRequested(transactionID string, roomID id.RoomID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, req := range t.requests {
		if req.TransactionID == transactionID && req.RoomID == roomID {
			return true
		}
	}
	return false
}

// MarkHonored removes the request once a stage stopped processing because of it.
func (t *Tracker) MarkHonored(transactionID string, roomID id.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.requests[:0]
	for _, req := range t.requests {
		if req.TransactionID == transactionID && req.RoomID == roomID {
			continue
		}
		kept = append(kept, req)
	}
	t.requests = kept
}

// Pending returns the number of outstanding cancel requests.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}
