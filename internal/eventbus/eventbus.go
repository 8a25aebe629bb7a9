// Package eventbus publishes recording-window transitions on a Redis
// channel so external tooling (a dashboard, a second control agent) can
// observe begin/end boundaries without polling GET /dump.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

const channel = "nbdtrace:recorder:transitions"

// Transition is the payload published whenever the Recorder moves
// between Idle and Recording.
type Transition struct {
	Recording bool      `json:"recording"`
	At        time.Time `json:"at"`
}

// Publisher publishes Transition events to Redis. A nil *Publisher is
// valid and every method becomes a no-op, so the event bus can be left
// unconfigured without special-casing callers.
type Publisher struct {
	client *redis.Client
}

// NewPublisher wraps client for publishing recorder transitions. Passing
// a nil client is permitted and yields a Publisher whose Publish calls
// are no-ops.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish announces a recording-window transition. Errors are returned
// to the caller rather than swallowed, since the caller (the control
// endpoint) already has request-scoped logging and a deadline to attach
// them to.
func (p *Publisher) Publish(ctx context.Context, recording bool) error {
	if p == nil || p.client == nil {
		return nil
	}
	payload, err := json.Marshal(Transition{Recording: recording, At: time.Now()})
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a channel of Transition events observed on the bus.
// The subscription is cancelled, and the channel closed, when ctx is
// done. Used by external observers to watch recording-window
// boundaries.
func Subscribe(ctx context.Context, client *redis.Client) <-chan Transition {
	out := make(chan Transition, 8)
	if client == nil {
		close(out)
		return out
	}

	sub := client.Subscribe(ctx, channel)
	go func() {
		defer close(out)
		defer sub.Close()
		msgCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var t Transition
				if err := json.Unmarshal([]byte(msg.Payload), &t); err != nil {
					continue
				}
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
