// Package bus implements the optional cross-instance frame relay on Redis
// pub/sub. Frames are opaque, already-serialized packet bytes; the relay never
// inspects or rewrites them.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcinema/watchparty/internal/v1/ident"
	"github.com/couchcinema/watchparty/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// frameEnvelope is the wire format moved between instances.
type frameEnvelope struct {
	RoomID   string `json:"roomId"`
	Frame    []byte `json:"frame"`
	SenderID string `json:"senderId"` // instance id, used to prevent echo
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection and verifies it immediately.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
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

	slog.Info("Connected to Redis Pub/Sub", "addr", addr)
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: ident.New().String(),
	}, nil
}

func channelFor(roomID string) string {
	return "watch:room:" + roomID
}

// PublishFrame broadcasts a frame to all other instances watching this room.
func (s *Service) PublishFrame(ctx context.Context, roomID string, frame []byte) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(frameEnvelope{
			RoomID:   roomID,
			Frame:    frame,
			SenderID: s.instanceID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal frame envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, channelFor(roomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping frame", "roomID", roomID)
			return nil // Graceful degradation: drop frame, don't crash caller
		}
		slog.Error("Redis frame publish failed", "roomID", roomID, "error", err)
		return err
	}

	return nil
}

// SubscribeFrames starts a background listener for frames published by OTHER
// instances. Own frames are filtered out to prevent echo loops.
func (s *Service) SubscribeFrames(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(frame []byte)) {
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

		slog.Info("Subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return // Stop listening when the room closes
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}

				var envelope frameEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
					slog.Error("Failed to unmarshal Redis frame", "error", err, "raw", msg.Payload)
					continue
				}
				if envelope.SenderID == s.instanceID {
					continue
				}

				handler(envelope.Frame)
			}
		}
	}()
}

// Ping checks Redis connectivity using the PING command.
// Used by health checks to verify Redis is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
