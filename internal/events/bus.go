package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventEnroll     EventType = "enroll"
	EventRefresh    EventType = "refresh"
	EventRateLimit  EventType = "ratelimit"
	EventQuota      EventType = "quota"
	EventDeactivate EventType = "deactivate"
	EventRecover    EventType = "recover"
	EventPause      EventType = "pause"
	EventResume     EventType = "resume"
	EventDelete     EventType = "delete"
	EventUsage      EventType = "usage"
)

type Event struct {
	Type      EventType `json:"type"`
	AccountID string    `json:"account_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

type Bus struct {
	mu          sync.RWMutex
	ring        []Event
	ringSize    int
	ringPos     int
	ringCount   int
	subscribers map[int]chan Event
	nextID      int
}

func NewBus(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = 200
	}
	return &Bus{
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
		subscribers: make(map[int]chan Event),
	}
}

// Emit is the short form used by components that only carry an account id
// and a human-readable message.
func (b *Bus) Emit(t EventType, accountID, message string) {
	b.Publish(Event{Type: t, AccountID: accountID, Message: message})
}

func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[b.ringPos] = e
	b.ringPos = (b.ringPos + 1) % b.ringSize
	if b.ringCount < b.ringSize {
		b.ringCount++
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Bus) Subscribe() (id int, ch <-chan Event, recent []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := make(chan Event, 64)
	id = b.nextID
	b.nextID++
	b.subscribers[id] = c

	recent = b.recentLocked()
	return id, c, recent
}

func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

func (b *Bus) recentLocked() []Event {
	if b.ringCount == 0 {
		return nil
	}
	result := make([]Event, b.ringCount)
	start := (b.ringPos - b.ringCount + b.ringSize) % b.ringSize
	for i := range b.ringCount {
		result[i] = b.ring[(start+i)%b.ringSize]
	}
	return result
}
