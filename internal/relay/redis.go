// Package relay fans room events out across server processes over Redis
// pub/sub. Every process publishes to one channel and delivers what it
// receives to its own connections.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "roomchat:rooms"

// Envelope is the wire form of one room event on the channel.
type Envelope struct {
	Room int64           `json:"room"`
	Data json.RawMessage `json:"data"`
}

// DeliverFunc hands an event to the local connections of a room.
type DeliverFunc func(roomID int64, data []byte)

type Redis struct {
	client  *redis.Client
	channel string
	logger  *log.Logger
}

// NewRedis connects to the server at url (redis://host:port/db) and checks
// it is reachable.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return New(client, DefaultChannel), nil
}

func New(client *redis.Client, channel string) *Redis {
	return &Redis{
		client:  client,
		channel: channel,
		logger:  log.New(os.Stdout, "[RELAY] ", log.LstdFlags|log.Lshortfile),
	}
}

func (r *Redis) Publish(ctx context.Context, roomID int64, data []byte) error {
	payload, err := json.Marshal(Envelope{Room: roomID, Data: data})
	if err != nil {
		return fmt.Errorf("relay marshal error: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay publish error: %w", err)
	}
	return nil
}

// Subscribe delivers every event published on the channel until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, deliver DeliverFunc) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting ready.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe error: %w", err)
	}
	r.logger.Printf("Subscribed to %s", r.channel)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Println("Relay subscription stopped")
			return nil

		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("relay subscription closed")
			}
			var envelope Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				r.logger.Printf("Dropping malformed relay event: %v", err)
				continue
			}
			deliver(envelope.Room, envelope.Data)
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
