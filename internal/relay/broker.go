// Package relay fans agent events out to server-sent-event subscribers.
// Events are grouped into named feeds; a short backlog lets a reconnecting
// subscriber resume from the last id it saw.
package relay

import (
	"sync"
)

const (
	subscriberBufSize = 256
	defaultBacklog    = 64
)

// Event is one message on a feed. ID increases across all feeds.
type Event struct {
	ID      int64
	Feed    string
	Payload string
}

// Broker fans out events to all subscribed SSE clients.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextSub     int64
	lastID      int64
	backlog     []Event
	backlogSize int
}

// NewBroker creates a broker that remembers the last backlog events.
func NewBroker(backlog int) *Broker {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Broker{
		subscribers: make(map[int64]chan Event),
		backlogSize: backlog,
	}
}

// Subscribe registers a new client and returns the events it missed after
// lastSeen together with the live channel. The channel is buffered; slow
// consumers have events dropped.
func (b *Broker) Subscribe(lastSeen int64) (int64, []Event, <-chan Event) {
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.subscribers[id] = ch

	var missed []Event
	if lastSeen > 0 {
		for _, evt := range b.backlog {
			if evt.ID > lastSeen {
				missed = append(missed, evt)
			}
		}
	}
	return id, missed, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish stamps evt with the next id, records it in the backlog and sends
// it to every subscriber without blocking.
func (b *Broker) Publish(feed, payload string) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastID++
	evt := Event{ID: b.lastID, Feed: feed, Payload: payload}
	b.backlog = append(b.backlog, evt)
	if over := len(b.backlog) - b.backlogSize; over > 0 {
		b.backlog = append(b.backlog[:0], b.backlog[over:]...)
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
	return evt
}

// Latest returns the most recent event on feed.
func (b *Broker) Latest(feed string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := len(b.backlog) - 1; i >= 0; i-- {
		if b.backlog[i].Feed == feed {
			return b.backlog[i], true
		}
	}
	return Event{}, false
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
