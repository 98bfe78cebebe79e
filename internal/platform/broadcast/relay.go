package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RelayChannel is the redis channel shared by every instance.
const RelayChannel = "medsafety:broadcast"

type envelope struct {
	Origin  string          `json:"origin"`
	Rooms   []string        `json:"rooms"`
	Message json.RawMessage `json:"message"`
}

// RedisRelay delivers broadcasts to local clients and republishes them over
// redis so observers connected to other instances receive them too.
type RedisRelay struct {
	hub    *Hub
	client *redis.Client
	origin string
	logger zerolog.Logger
}

func NewRedisRelay(hub *Hub, client *redis.Client, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{hub: hub, client: client, origin: uuid.New().String(), logger: logger}
}

// Broadcast delivers locally before publishing. A publish failure is
// returned, but local observers have already been served.
func (r *RedisRelay) Broadcast(ctx context.Context, room, event string, payload interface{}) error {
	return r.BroadcastRooms(ctx, []string{room}, event, payload)
}

// BroadcastRooms relays one frame for several rooms in a single envelope so
// every instance dedupes its own clients.
func (r *RedisRelay) BroadcastRooms(ctx context.Context, rooms []string, event string, payload interface{}) error {
	data, err := Encode(event, payload)
	if err != nil {
		r.hub.metrics.Broadcast(event, err)
		return err
	}
	r.hub.Deliver(data, rooms...)

	body, err := json.Marshal(envelope{Origin: r.origin, Rooms: rooms, Message: data})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, RelayChannel, body).Err(); err != nil {
		r.hub.metrics.Broadcast(event, err)
		return fmt.Errorf("relay %s to %s: %w", event, strings.Join(rooms, ","), err)
	}
	r.hub.metrics.Broadcast(event, nil)
	return nil
}

// Run consumes relayed broadcasts from other instances until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, RelayChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", RelayChannel, err)
	}
	r.logger.Info().Str("channel", RelayChannel).Msg("broadcast relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Msg("discarding malformed relay message")
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.hub.Deliver(env.Message, env.Rooms...)
}
