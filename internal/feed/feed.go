// Package feed carries change notifications for live queries. A
// notification carries no data: subscribers reload the full record and
// treat it as a replacement of whatever they held before.
package feed

import (
	"context"
	"sync"
)

// Event tells a subscriber to reload. Resync is set when the subscription
// was (re)established, so anything published while it was down is
// covered too.
type Event struct {
	Resync bool
}

type Feed interface {
	Publish(ctx context.Context, topic string) error
	// Subscribe delivers events until ctx is done, then closes the channel.
	// The first event is always a Resync.
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
}

func ConversationTopic(id string) string { return "conversation:" + id }
func MessagesTopic(id string) string     { return "messages:" + id }

// notify coalesces: a pending event already forces a full reload.
func notify(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
	}
}

// Memory is an in-process Feed for single-instance deployments and tests.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[chan Event]struct{})}
}

func (m *Memory) Publish(ctx context.Context, topic string) error {
	m.broadcast(topic, Event{})
	return nil
}

// Resync simulates the transport reconnecting every subscriber of topic.
func (m *Memory) Resync(topic string) {
	m.broadcast(topic, Event{Resync: true})
}

func (m *Memory) broadcast(topic string, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs[topic] {
		notify(ch, ev)
	}
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, 1)
	ch <- Event{Resync: true}

	m.mu.Lock()
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[chan Event]struct{})
	}
	m.subs[topic][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs[topic], ch)
		if len(m.subs[topic]) == 0 {
			delete(m.subs, topic)
		}
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// Subscribers reports how many live subscriptions topic has.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}
