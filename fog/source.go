package fog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FixSource delivers raw fixes for an explorer.
type FixSource interface {
	// Subscribe opens a stream of fixes for explorerID with a queue of
	// queueSize. Delivery blocks when the queue is full.
	Subscribe(explorerID string, queueSize int) (*Subscription, error)
}

// Subscription is a cancellable, ordered, bounded stream of raw fixes.
// Fixes are delivered in arrival order; a producer blocks while the queue
// is full.
type Subscription struct {
	ch       chan RawFix
	done     chan struct{}
	onCancel func()

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewSubscription returns a subscription with a queue of size entries.
// onCancel runs once when the subscription is cancelled.
func NewSubscription(size int, onCancel func()) *Subscription {
	if size <= 0 {
		size = 1
	}
	return &Subscription{
		ch:       make(chan RawFix, size),
		done:     make(chan struct{}),
		onCancel: onCancel,
	}
}

// C returns the fix channel. It is closed after Cancel, once every fix
// already queued has been received.
func (s *Subscription) C() <-chan RawFix {
	return s.ch
}

// Deliver queues f, blocking until there is room, the subscription is
// cancelled or ctx is done. It reports whether f was queued.
func (s *Subscription) Deliver(ctx context.Context, f RawFix) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- f:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Cancel stops delivery. Fixes already queued stay readable from C.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		// Wait for in-flight Deliver calls to leave before closing ch.
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// subscriptionSet tracks the live subscription per explorer for push-style
// transports.
type subscriptionSet struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{subs: make(map[string]*Subscription)}
}

func (s *subscriptionSet) add(explorerID string, queueSize int, onCancel func()) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[explorerID]; exists {
		return nil, fmt.Errorf("explorer %s already has an active subscription", explorerID)
	}
	var sub *Subscription
	sub = NewSubscription(queueSize, func() {
		s.remove(explorerID, sub)
		if onCancel != nil {
			onCancel()
		}
	})
	s.subs[explorerID] = sub
	return sub, nil
}

func (s *subscriptionSet) remove(explorerID string, sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[explorerID] == sub {
		delete(s.subs, explorerID)
	}
}

func (s *subscriptionSet) get(explorerID string) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[explorerID]
	return sub, ok
}

// ErrNoSubscriber is returned by Push when nobody is tracking the explorer.
var ErrNoSubscriber = errors.New("no active subscription")

// PushSource is an in-process FixSource fed by Push, used by the HTTP
// ingestion endpoint.
type PushSource struct {
	set *subscriptionSet
}

// NewPushSource returns an empty PushSource.
func NewPushSource() *PushSource {
	return &PushSource{set: newSubscriptionSet()}
}

func (p *PushSource) Subscribe(explorerID string, queueSize int) (*Subscription, error) {
	return p.set.add(explorerID, queueSize, nil)
}

// Push delivers f to the explorer's subscription, blocking while its queue
// is full.
func (p *PushSource) Push(ctx context.Context, explorerID string, f RawFix) error {
	sub, ok := p.set.get(explorerID)
	if !ok {
		return fmt.Errorf("%w for explorer %s", ErrNoSubscriber, explorerID)
	}
	if !sub.Deliver(ctx, f) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w for explorer %s", ErrNoSubscriber, explorerID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Payload decoding
// ---------------------------------------------------------------------------

// fixPayload accepts OwnTracks location messages ({"_type":"location",
// "lat":..,"lon":..,"tst":..}) and a plain {"longitude":..,"latitude":..,
// "timestamp":..} form.
type fixPayload struct {
	Type      string     `json:"_type"`
	Lat       *float64   `json:"lat"`
	Lon       *float64   `json:"lon"`
	Tst       int64      `json:"tst"`
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Timestamp *time.Time `json:"timestamp"`
}

// DecodeFixPayload parses a fix message. now is used when the message
// carries no timestamp. Range checking is left to the Sanitizer.
func DecodeFixPayload(payload []byte, now time.Time) (RawFix, error) {
	var p fixPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return RawFix{}, fmt.Errorf("decoding fix payload: %w", err)
	}
	if p.Type != "" && p.Type != "location" {
		return RawFix{}, fmt.Errorf("ignoring %q message", p.Type)
	}

	f := RawFix{Timestamp: now}
	switch {
	case p.Lat != nil && p.Lon != nil:
		f.Lat, f.Lon = *p.Lat, *p.Lon
	case p.Latitude != nil && p.Longitude != nil:
		f.Lat, f.Lon = *p.Latitude, *p.Longitude
	default:
		return RawFix{}, fmt.Errorf("fix payload has no coordinates")
	}

	switch {
	case p.Tst > 0:
		f.Timestamp = time.Unix(p.Tst, 0).UTC()
	case p.Timestamp != nil:
		f.Timestamp = p.Timestamp.UTC()
	}
	return f, nil
}

// Control states published on an explorer's state topic.
const (
	StateStart       = "start"
	StateStop        = "stop"
	StateUnavailable = "unavailable"
)

// ControlHandler is called when an explorer's state topic changes.
type ControlHandler func(explorerID, state string)

// statePayload represents the JSON form of a state message.
type statePayload struct {
	Value string `json:"value"`
}

// DecodeStatePayload accepts {"value":"start"}, "start" (JSON string) or a
// raw string, and returns the lower-cased state.
func DecodeStatePayload(payload []byte) string {
	var state statePayload
	if err := json.Unmarshal(payload, &state); err == nil && state.Value != "" {
		return strings.ToLower(strings.TrimSpace(state.Value))
	}
	var plain string
	if err := json.Unmarshal(payload, &plain); err == nil {
		return strings.ToLower(strings.TrimSpace(plain))
	}
	return strings.ToLower(strings.TrimSpace(string(payload)))
}
