// Package events provides the structured event log for external observers
// (indexers, UIs, audit tooling). Engines emit exactly one event per
// successful state transition, after the state is committed, carrying the
// same identifiers and amounts recorded in state.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Type classifies a registry event.
type Type string

const (
	ListingCreated   Type = "listing.created"
	ListingPurchased Type = "listing.purchased"
	ListingCancelled Type = "listing.cancelled"

	Staked           Type = "staking.staked"
	Unstaked         Type = "staking.unstaked"
	YieldClaimed     Type = "staking.yield_claimed"
	YieldDistributed Type = "staking.yield_distributed"

	Minted Type = "issuance.minted"

	ValidatorRegistered   Type = "validator.registered"
	ValidatorUnregistered Type = "validator.unregistered"
	ProofSubmitted        Type = "validator.proof_submitted"
	RewardClaimed         Type = "validator.reward_claimed"
)

// Event is one record in the registry event log.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Subject   string            `json:"subject,omitempty"` // listing id, participant, validator, commitment
	Amount    int64             `json:"amount,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// String returns the JSON form.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they are published.
type Handler func(Event)

// Log is the interface engines publish through.
type Log interface {
	Publish(event Event)
	Subscribe(handler Handler) func()
	Recent(n int) []Event
	RecentByType(t Type, n int) []Event
}

// RingBuffer is a thread-safe circular event buffer.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	seq      int64
	handlers map[int64]Handler
	nextSub  int64
}

var _ Log = (*RingBuffer)(nil)

// NewRingBuffer creates a buffer holding the most recent size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events:   make([]Event, size),
		size:     size,
		handlers: make(map[int64]Handler),
	}
}

// Publish appends the event and notifies subscribers outside the lock.
func (rb *RingBuffer) Publish(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		rb.seq++
		event.ID = fmt.Sprintf("%d-%d", event.Timestamp.UnixNano(), rb.seq)
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]Handler, 0, len(rb.handlers))
	for _, h := range rb.handlers {
		handlers = append(handlers, h)
	}
	rb.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// Subscribe registers a handler and returns its unsubscribe function.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextSub
	rb.nextSub++
	rb.handlers[id] = handler
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		delete(rb.handlers, id)
	}
}

// Recent returns the most recent n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		result[i] = rb.events[idx]
	}
	return result
}

// RecentByType returns the most recent n events of one type, newest first.
func (rb *RingBuffer) RecentByType(t Type, n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if rb.events[idx].Type == t {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of buffered events.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// NoOpLog discards all events.
type NoOpLog struct{}

var _ Log = NoOpLog{}

func (NoOpLog) Publish(Event)                  {}
func (NoOpLog) Subscribe(Handler) func()       { return func() {} }
func (NoOpLog) Recent(int) []Event             { return nil }
func (NoOpLog) RecentByType(Type, int) []Event { return nil }
