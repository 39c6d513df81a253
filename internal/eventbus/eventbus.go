// Package eventbus implements the cross-process event bus bridge (§4.8):
// worker-side fire-and-forget publish on a well-known pub/sub channel,
// API-side dedicated subscriber dispatching to local WebSocket rooms.
package eventbus

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/lexai-io/contract-intel/internal/kv"
)

// Channel is the well-known pub/sub channel name (§6).
const Channel = "lexai:socket:events"

// Envelope is the wire shape carried on Channel.
type Envelope struct {
	Event   string          `json:"event"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// Publisher is the worker-side half: a fire-and-forget publish. Failures
// are logged and dropped; clients pull the authoritative Analysis row
// instead of depending on delivery (§4.8, §7).
type Publisher struct {
	store *kv.Store
	log   zerolog.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(store *kv.Store, log zerolog.Logger) *Publisher {
	return &Publisher{store: store, log: log.With().Str("component", "eventbus.publisher").Logger()}
}

// Publish encodes payload and fires it at room over Channel. Errors are
// logged, never returned to the caller — this is a fire-and-forget
// collaborator by design.
func (p *Publisher) Publish(ctx context.Context, room, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn().Err(err).Str("event", event).Msg("eventbus: failed to marshal payload")
		return
	}
	env := Envelope{Event: event, Room: room, Payload: raw}
	body, err := json.Marshal(env)
	if err != nil {
		p.log.Warn().Err(err).Msg("eventbus: failed to marshal envelope")
		return
	}
	if err := p.store.Publish(ctx, Channel, string(body)); err != nil {
		p.log.Warn().Err(err).Str("room", room).Str("event", event).Msg("eventbus: publish failed")
	}
}

// RoomEmitter is the local dispatch target the Bridge feeds; satisfied by
// *ws.Hub.
type RoomEmitter interface {
	Emit(room, event string, payload json.RawMessage)
}

// Bridge is the API-side half: owns a dedicated subscribe connection
// (never shared with command traffic, per §9) and turns inbound messages
// into local hub dispatches.
type Bridge struct {
	store *kv.Store
	hub   RoomEmitter
	log   zerolog.Logger
}

// NewBridge constructs a Bridge.
func NewBridge(store *kv.Store, hub RoomEmitter, log zerolog.Logger) *Bridge {
	return &Bridge{store: store, hub: hub, log: log.With().Str("component", "eventbus.bridge").Logger()}
}

// Run subscribes to Channel and dispatches until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.store.Subscribe(ctx, Channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn().Err(err).Msg("eventbus: malformed envelope, dropping")
				continue
			}
			b.hub.Emit(env.Room, env.Event, env.Payload)
		}
	}
}
