package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requires Redis running on localhost:6379
const testRedisAddr = "localhost:6379"

func setupTestRelay(t *testing.T, channel string) *Redis {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}
	t.Cleanup(func() { client.Close() })
	return New(client, channel)
}

type delivery struct {
	room int64
	data []byte
}

func TestPublishSubscribe(t *testing.T) {
	publisher := setupTestRelay(t, "roomchat:test:"+t.Name())
	subscriber := setupTestRelay(t, "roomchat:test:"+t.Name())

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan delivery, 4)
	done := make(chan error, 1)
	go func() {
		done <- subscriber.Subscribe(ctx, func(roomID int64, data []byte) {
			received <- delivery{room: roomID, data: data}
		})
	}()

	// Publish until the subscriber is ready to receive.
	event := []byte(`{"type":"receiveMessage","payload":{"text":"hi"}}`)
	var got delivery
	require.Eventually(t, func() bool {
		assert.NoError(t, publisher.Publish(ctx, 7, event))
		select {
		case got = <-received:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(7), got.room)
	assert.JSONEq(t, string(event), string(got.data))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestEnvelopeKeepsEventBytes(t *testing.T) {
	raw, err := json.Marshal(Envelope{Room: 3, Data: []byte(`{"type":"joined"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"room":3,"data":{"type":"joined"}}`, string(raw))
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not-a-url")
	assert.Error(t, err)
}
