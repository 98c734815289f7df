// Package events fans out per-query events to control plane subscribers.
package events

import (
	"sync"
	"time"
)

// subscriberBufSize is the per-subscriber channel capacity.  A subscriber
// that falls further behind loses messages silently.
const subscriberBufSize = 256

// Query is the JSON-shaped event published after each handled query.
type Query struct {
	Time      time.Time `json:"time"`
	ClientIP  string    `json:"client_ip"`
	Question  string    `json:"question"`
	QType     string    `json:"qtype"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
}

// Broadcaster delivers events to any number of subscribers.  Publishing is
// fire-and-forget and never blocks the caller.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Query]struct{}
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() (b *Broadcaster) {
	return &Broadcaster{
		subs: map[chan Query]struct{}{},
	}
}

// Subscribe registers and returns a new subscriber channel.
func (b *Broadcaster) Subscribe() (ch chan Query) {
	ch = make(chan Query, subscriberBufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[ch] = struct{}{}

	return ch
}

// Unsubscribe removes ch and closes it.
func (b *Broadcaster) Unsubscribe(ch chan Query) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish sends ev to every subscriber, skipping those whose buffers are
// full.
func (b *Broadcaster) Publish(ev Query) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber, skip.
		}
	}
}
