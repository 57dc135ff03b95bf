package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the channel events are republished on.
const DefaultRedisChannel = "quorum.events"

// RedisBridge republishes bus events on a Redis pub/sub channel so that
// out-of-process consumers (orchestrators, dashboards) can follow the engine.
type RedisBridge struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisBridge wraps an existing client.
func NewRedisBridge(client redis.UniversalClient, channel string) *RedisBridge {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBridge{client: client, channel: channel}
}

// DialRedisBridge creates a bridge backed by a new single-node client.
func DialRedisBridge(addr, password string, db int, channel string) *RedisBridge {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisBridge(rdb, channel)
}

// Channel returns the target channel name.
func (b *RedisBridge) Channel() string {
	return b.channel
}

// Ping checks connectivity.
func (b *RedisBridge) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Handle implements Handler.
func (b *RedisBridge) Handle(ctx context.Context, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close releases the underlying client.
func (b *RedisBridge) Close() error {
	return b.client.Close()
}

// Encode renders an event as JSON for external transports.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.Type, err)
	}
	return data, nil
}

// Decode parses an event produced by Encode. Payload is left as generic JSON.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
