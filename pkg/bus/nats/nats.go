// NATS JetStream implementation of the event bus.
//
// Streams are file-backed work queues, one per subject family, created at
// connect. Multiple services may race on creation; "already exists" is fine.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opst/gpuplane/pkg/bus"
	xe "github.com/opst/gpuplane/pkg/errors"
)

var defaultStreams = []struct {
	name     string
	subjects []string
}{
	{name: "GPUPLANE_GPU", subjects: []string{"gpu.jobs.>"}},
	{name: "GPUPLANE_SERVING", subjects: []string{"serving.>"}},
}

type Bus struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

var _ bus.Bus = &Bus{}

func New(url string) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, xe.Wrap(err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, xe.Wrap(err)
	}

	if err := ensureStreams(js); err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{nc: nc, js: js}, nil
}

func ensureStreams(js nats.JetStreamContext) error {
	for _, s := range defaultStreams {
		if _, err := js.StreamInfo(s.name); err == nil {
			continue
		}

		_, err := js.AddStream(&nats.StreamConfig{
			Name:      s.name,
			Subjects:  s.subjects,
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
			MaxAge:    7 * 24 * time.Hour,
		})
		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			// likely created by another service concurrently; re-check.
			if _, infoErr := js.StreamInfo(s.name); infoErr != nil {
				return xe.Wrap(err)
			}
		}
	}
	return nil
}

func (b *Bus) Publish(_ context.Context, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return xe.Wrap(err)
	}
	if _, err := b.js.Publish(subject, data); err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (b *Bus) Subscribe(subject string, durable string) (bus.Subscription, error) {
	sub, err := b.js.PullSubscribe(subject, durable, nats.AckExplicit())
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return &subscription{sub: sub}, nil
}

func (b *Bus) Close() error {
	return b.nc.Drain()
}

type subscription struct {
	sub *nats.Subscription
}

var _ bus.Subscription = &subscription{}

func (s *subscription) Fetch(ctx context.Context, batch int, wait time.Duration) ([]bus.Message, error) {
	msgs, err := s.sub.Fetch(batch, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xe.Wrap(err)
	}

	wrapped := make([]bus.Message, 0, len(msgs))
	for _, m := range msgs {
		wrapped = append(wrapped, &message{msg: m})
	}
	return wrapped, nil
}

func (s *subscription) Close() error {
	return s.sub.Unsubscribe()
}

type message struct {
	msg *nats.Msg
}

var _ bus.Message = &message{}

func (m *message) Subject() string {
	return m.msg.Subject
}

func (m *message) Data() []byte {
	return m.msg.Data
}

func (m *message) Deliveries() int {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

func (m *message) Ack() error {
	return m.msg.Ack()
}

func (m *message) Nak() error {
	return m.msg.Nak()
}
