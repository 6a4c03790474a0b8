// Package events carries status notifications from the engine to the host.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"urlsentry/internal/model"
)

const (
	SyncSuccess     = "sync.success"
	SyncError       = "sync.error"
	CheckCompleted  = "check.completed"
	DeliverySuccess = "delivery.success"
	DeliveryFailed  = "delivery.failed"
)

// Event is one notification. Only the fields relevant to Name are set.
type Event struct {
	Name        string                 `json:"type"`
	At          time.Time              `json:"at"`
	ChangeSet   *model.ChangeSet       `json:"changeSet,omitempty"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Reason      model.SyncReason       `json:"reason,omitempty"`
	Batch       *model.CheckBatch      `json:"batch,omitempty"`
	Attempt     *model.DeliveryAttempt `json:"attempt,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Sink receives events
type Sink interface {
	Emit(Event)
}

// Discard drops every event
type Discard struct{}

func (Discard) Emit(Event) {}

const defaultBuffer = 64

// Bus fans events out to subscribers. Emit never blocks; a full subscriber misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	buffer int
	logger zerolog.Logger
}

// NewBus creates a bus whose subscriber channels hold buffer events
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
		logger: log.Logger,
	}
}

// Subscribe returns a channel of events and a function that unsubscribes and closes it
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	b.logger.Debug().Int("subscriber", id).Int("total", len(b.subs)).Msg("[Events] Subscriber added")

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
		b.logger.Debug().Int("subscriber", id).Int("total", len(b.subs)).Msg("[Events] Subscriber removed")
	}
}

func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn().Int("subscriber", id).Str("event", e.Name).Msg("[Events] Subscriber channel full, dropping event")
		}
	}
}

// Subscribers reports how many subscribers are attached
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
