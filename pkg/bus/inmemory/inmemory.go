// In-process bus for tests and single-binary dev mode.
//
// Semantics mirror the JetStream implementation: FIFO per subject, durable
// groups, explicit ack/nack with redelivery, delivery counting.
package inmemory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/opst/gpuplane/pkg/bus"
)

type Bus struct {
	mu     sync.Mutex
	groups map[groupKey]*group
	closed bool
}

type groupKey struct {
	subject string
	durable string
}

type group struct {
	mu      sync.Mutex
	pending []*message
}

var _ bus.Bus = &Bus{}

func New() *Bus {
	return &Bus{groups: map[groupKey]*group{}}
}

func (b *Bus) Publish(_ context.Context, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for key, g := range b.groups {
		if key.subject != subject {
			continue
		}
		g.mu.Lock()
		g.pending = append(g.pending, &message{subject: subject, data: data, group: g})
		g.mu.Unlock()
	}
	return nil
}

func (b *Bus) Subscribe(subject string, durable string) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := groupKey{subject: subject, durable: durable}
	g, ok := b.groups[key]
	if !ok {
		g = &group{}
		b.groups[key] = g
	}
	return &subscription{group: g}, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type subscription struct {
	group *group
}

var _ bus.Subscription = &subscription{}

func (s *subscription) Fetch(ctx context.Context, batch int, wait time.Duration) ([]bus.Message, error) {
	deadline := time.Now().Add(wait)

	for {
		msgs := s.group.take(batch)
		if len(msgs) > 0 {
			return msgs, nil
		}

		if !time.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *subscription) Close() error {
	return nil
}

func (g *group) take(batch int) []bus.Message {
	g.mu.Lock()
	defer g.mu.Unlock()

	taken := []bus.Message{}
	for _, m := range g.pending {
		if m.inFlight {
			continue
		}
		m.inFlight = true
		m.deliveries += 1
		taken = append(taken, m)
		if len(taken) == batch {
			break
		}
	}
	return taken
}

type message struct {
	subject    string
	data       []byte
	deliveries int
	inFlight   bool
	group      *group
}

var _ bus.Message = &message{}

func (m *message) Subject() string {
	return m.subject
}

func (m *message) Data() []byte {
	return m.data
}

func (m *message) Deliveries() int {
	return m.deliveries
}

func (m *message) Ack() error {
	g := m.group
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, p := range g.pending {
		if p == m {
			g.pending = append(g.pending[:i], g.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (m *message) Nak() error {
	g := m.group
	g.mu.Lock()
	defer g.mu.Unlock()

	m.inFlight = false
	return nil
}
