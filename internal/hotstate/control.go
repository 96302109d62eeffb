package hotstate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Control message types on the shared control channel.
const (
	ControlShutdown      = "SHUTDOWN"
	ControlRestart       = "RESTART"
	ControlConfigChanged = "CONFIG_CHANGED"
)

// ControlMessage is the pub/sub envelope. An empty PairID on SHUTDOWN means
// broadcast.
type ControlMessage struct {
	Type   string `json:"type"`
	PairID string `json:"pairId,omitempty"`
}

// AppliesTo reports whether the message targets the given pair.
func (m ControlMessage) AppliesTo(pairID string) bool {
	return m.PairID == "" || m.PairID == pairID
}

// PublishControl sends a control message to every subscriber.
func (c *Client) PublishControl(ctx context.Context, msg ControlMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	return c.rdb.Publish(ctx, ControlChannel, payload).Err()
}

// ControlSub is a live subscription to the control channel.
type ControlSub struct {
	pubsub *redis.PubSub
	ch     chan ControlMessage
}

// SubscribeControl opens a subscription and starts decoding messages.
// Malformed payloads are logged and dropped.
func (c *Client) SubscribeControl(ctx context.Context) (*ControlSub, error) {
	pubsub := c.rdb.Subscribe(ctx, ControlChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe control channel: %w", err)
	}

	sub := &ControlSub{pubsub: pubsub, ch: make(chan ControlMessage, 16)}
	go func() {
		defer close(sub.ch)
		for msg := range pubsub.Channel() {
			var cm ControlMessage
			if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
				log.Warn().Err(err).Str("payload", msg.Payload).Msg("dropping malformed control message")
				continue
			}
			sub.ch <- cm
		}
	}()
	return sub, nil
}

// Messages yields decoded control messages until Close.
func (s *ControlSub) Messages() <-chan ControlMessage {
	return s.ch
}

// Close tears down the subscription.
func (s *ControlSub) Close() error {
	return s.pubsub.Close()
}

// SubscribeState follows the WorkerState relay channel; payloads are
// WorkerState JSON. The websocket endpoint fans these out to clients.
func (c *Client) SubscribeState(ctx context.Context) (<-chan []byte, func(), error) {
	pubsub := c.rdb.Subscribe(ctx, StateChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe state channel: %w", err)
	}
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	return out, func() { pubsub.Close() }, nil
}
