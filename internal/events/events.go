// Package events defines the notifications the timer engine publishes to its
// host and a small observer bus to deliver them.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/timeflow/internal/timer"
)

// Kind names a notification.
type Kind string

const (
	KindStarted           Kind = "started"
	KindStopped           Kind = "stopped"
	KindPaused            Kind = "paused"
	KindResumed           Kind = "resumed"
	KindReset             Kind = "reset"
	KindContextUpdated    Kind = "context-updated"
	KindAccuracyWarning   Kind = "accuracy-warning"
	KindClockJump         Kind = "clock-jump"
	KindSessionRecovered  Kind = "session-recovered"
	KindSaveError         Kind = "save-error"
	KindInvalidTransition Kind = "invalid-transition"
)

// Event is a single notification. Only the fields relevant to Kind are set.
// Duration, DriftSeconds and GapSeconds are pointers so a zero value is still
// written for the kinds that carry them.
type Event struct {
	Kind      Kind      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Context  *timer.Context `json:"context,omitempty"`
	Duration *int64         `json:"duration,omitempty"`

	DriftSeconds *int64 `json:"drift,omitempty"`
	JumpSeconds  int64  `json:"jumpSeconds,omitempty"`

	PreviousSessionID string `json:"previousSessionId,omitempty"`
	GapSeconds        *int64 `json:"gapSeconds,omitempty"`
	Policy            string `json:"policy,omitempty"`

	Tier  string `json:"tier,omitempty"`
	Error string `json:"error,omitempty"`

	Op   timer.Op     `json:"op,omitempty"`
	From timer.Status `json:"from,omitempty"`
}

// Seconds returns a pointer to v for the optional numeric fields of Event.
func Seconds(v int64) *int64 {
	return &v
}

// Handler receives published events.
type Handler func(Event)

// Bus fans events out to registered handlers and channels. The zero value
// is ready to use.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler
	channels map[uint64]chan Event
	dropped  atomic.Uint64
}

// Subscribe registers h and returns a function that removes it. Handlers
// run synchronously on the publishing goroutine; their relative order is
// unspecified.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers == nil {
		b.handlers = make(map[uint64]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Channel returns a buffered channel receiving every event and a cancel
// function that unsubscribes and closes it. Events are dropped rather than
// blocking the publisher when the channel is full.
func (b *Bus) Channel(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channels == nil {
		b.channels = make(map[uint64]chan Event)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.channels[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.channels, id)
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	for _, ch := range b.channels {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Dropped returns how many channel deliveries were dropped because a
// subscriber was not keeping up.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
