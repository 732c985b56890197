// internal/events/bus.go
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Deliverer hands events to the connections held by this instance.
type Deliverer interface {
	Deliver(playerIDs []string, ev Event)
	DeliverAll(ev Event)
}

// envelope is the wire form of an event on the pub/sub channel.
type envelope struct {
	Origin    string   `json:"origin"`
	Targets   []string `json:"targets,omitempty"`
	Broadcast bool     `json:"broadcast,omitempty"`
	Event     Event    `json:"event"`
}

// Bus fans events out to every instance over Redis pub/sub, since the player a match was
// formed for may be connected to a different instance.
type Bus struct {
	rdb     redis.UniversalClient
	channel string
	local   Deliverer
	origin  string
	log     logrus.FieldLogger
}

// NewBus returns a Bus publishing on channel and delivering through local.
func NewBus(rdb redis.UniversalClient, channel string, local Deliverer, log logrus.FieldLogger) *Bus {
	return &Bus{rdb: rdb, channel: channel, local: local, origin: uuid.NewString(), log: log}
}

// Send publishes ev for the given players.
func (b *Bus) Send(ctx context.Context, playerIDs []string, ev Event) {
	if len(playerIDs) == 0 {
		return
	}
	b.publish(ctx, envelope{Origin: b.origin, Targets: playerIDs, Event: ev})
}

// Broadcast publishes ev for every connected player.
func (b *Bus) Broadcast(ctx context.Context, ev Event) {
	b.publish(ctx, envelope{Origin: b.origin, Broadcast: true, Event: ev})
}

func (b *Bus) publish(ctx context.Context, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		b.log.WithError(err).WithField("event", env.Event.Type).Error("Failed to marshal event envelope")
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		// Local players still get the event; remote ones miss it.
		b.log.WithError(err).WithField("event", env.Event.Type).Warn("Publish failed, delivering locally only")
		b.deliver(env)
	}
}

func (b *Bus) deliver(env envelope) {
	if env.Broadcast {
		b.local.DeliverAll(env.Event)
		return
	}
	b.local.Deliver(env.Targets, env.Event)
}

// Run subscribes to the channel and delivers incoming envelopes until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so no publish is missed after Run returns control.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.WithField("channel", b.channel).Info("Event bus subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("event bus subscription closed")
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.WithError(err).Warn("Dropping malformed event envelope")
				continue
			}
			b.deliver(env)
		}
	}
}
