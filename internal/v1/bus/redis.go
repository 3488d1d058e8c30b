// Package bus provides Redis pub/sub fanout so replicas hosting the same
// logical room can mirror broadcasts to their local connections.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/roomkit-dev/roomkit/internal/v1/logging"
	"github.com/roomkit-dev/roomkit/internal/v1/metrics"
)

// Envelope is the standardized container for messages moving between replicas.
type Envelope struct {
	RoomID   string          `json:"roomId"`
	Event    string          `json:"event"`            // "sync", "user_offline", custom types
	Payload  json.RawMessage `json:"payload"`          // the serialized message body
	SenderID string          `json:"senderId"`         // replica id, used to suppress echo
	TargetID string          `json:"targetId,omitempty"` // optional per-client routing
}

// Service handles cross-replica messaging over Redis pub/sub.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewService wraps an existing Redis client with a circuit breaker. A nil
// client yields a no-op service (single-instance mode).
func NewService(client *redis.Client) *Service {
	if client == nil {
		return nil
	}
	st := gobreaker.Settings{
		Name:        "redis-bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}
	return &Service{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

func channelFor(roomID string) string {
	return fmt.Sprintf("roomkit:room:%s", roomID)
}

// Publish broadcasts a message to all other replicas watching this room.
func (s *Service) Publish(ctx context.Context, roomID, event string, payload []byte, senderID string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		msg := Envelope{
			RoomID:   roomID,
			Event:    event,
			Payload:  payload,
			SenderID: senderID,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, channelFor(roomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "redis circuit breaker open, dropping publish", zap.String("room_id", roomID))
			return nil // Graceful degradation: drop message, don't crash caller
		}
		logging.Error(ctx, "redis publish failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}

	return nil
}

// Subscribe starts a background goroutine that listens for messages from
// other replicas. handler runs for every valid message received.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	channel := channelFor(roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "subscribed to redis channel", zap.String("channel", channel))

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return // Stop listening when the room closes
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "redis subscription channel closed", zap.String("channel", channel))
					return
				}

				var payload Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					logging.Error(ctx, "failed to unmarshal redis message", zap.Error(err))
					continue
				}

				handler(payload)
			}
		}
	}()
}

// Ping checks Redis connectivity. Used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
