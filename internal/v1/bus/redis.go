// Package bus implements the Exchange Bus: room-scoped Redis pub/sub
// fanout of control and module events between every controller node
// holding a local session for a room, plus per-participant inbox channels
// for directed delivery to a session living on another node.
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

	"github.com/lumenrelay/signalcore/internal/v1/logging"
	"github.com/lumenrelay/signalcore/internal/v1/metrics"
)

// PubSubPayload is the envelope carried on every bus channel. SenderID is
// the publishing node's id; subscribers drop their own publishes so an
// event delivered locally before the publish is not delivered twice.
type PubSubPayload struct {
	RoomID   string          `json:"roomId,omitempty"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

// drainTimeout bounds how long an ending subscription keeps delivering
// buffered messages before dropping the rest with a logged count.
const drainTimeout = 2 * time.Second

func roomChannel(roomID string) string        { return fmt.Sprintf("signal:room:%s", roomID) }
func inboxChannel(participantID string) string { return fmt.Sprintf("signal:participant:%s", participantID) }

// Service is the Redis-backed bus. A nil *Service (single-instance mode,
// no Redis configured) is valid: every method degrades to a no-op so the
// room coordinator does not branch on cluster mode at each call site.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client, shared with the rate limiter.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService dials Redis and verifies connectivity before returning.
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
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "connected to Redis pub/sub", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish broadcasts an event to every controller node subscribed to the
// room's channel, this node included (subscribers use SenderID to drop the
// echo). Callers publish only after the originating store transaction has
// committed, which is what keeps state mutations and their bus events in
// order for every observer.
func (s *Service) Publish(ctx context.Context, roomID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := encodeEnvelope(PubSubPayload{RoomID: roomID, Event: event, SenderID: senderID}, payload)
		if err != nil {
			return nil, err
		}
		return nil, s.client.Publish(ctx, roomChannel(roomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open: dropping publish", zap.String("room_id", roomID))
			return nil
		}
		logging.Error(ctx, "redis publish failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}

	metrics.BusMessagesPublished.WithLabelValues("room").Inc()
	return nil
}

// PublishDirect delivers an event to one participant's inbox channel,
// reaching whichever controller node currently holds that participant's
// session.
func (s *Service) PublishDirect(ctx context.Context, targetParticipantID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := encodeEnvelope(PubSubPayload{Event: event, SenderID: senderID}, payload)
		if err != nil {
			return nil, err
		}
		return nil, s.client.Publish(ctx, inboxChannel(targetParticipantID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open: dropping direct message", zap.String("participant_id", targetParticipantID))
			return nil
		}
		logging.Error(ctx, "redis publish direct failed", zap.String("participant_id", targetParticipantID), zap.String("event", event), zap.Error(err))
		return err
	}

	metrics.BusMessagesPublished.WithLabelValues("participant").Inc()
	return nil
}

func encodeEnvelope(msg PubSubPayload, payload any) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
	}
	msg.Payload = inner
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
	}
	return data, nil
}

// Subscribe listens on a room's channel until ctx is cancelled, invoking
// handler for every decoded envelope. Messages published by this node come
// back too; the handler is responsible for the SenderID echo check.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	s.subscribe(ctx, roomChannel(roomID), wg, handler)
}

// SubscribeDirect listens on one participant's inbox channel, used by the
// room coordinator to route directed frames to a session it hosts.
func (s *Service) SubscribeDirect(ctx context.Context, participantID string, handler func(PubSubPayload)) {
	s.subscribe(ctx, inboxChannel(participantID), nil, handler)
}

func (s *Service) subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "subscribed to bus channel", zap.String("channel", channel))

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				s.drain(ch, channel, handler)
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "bus subscription channel closed", zap.String("channel", channel))
					return
				}
				deliver(ctx, msg, channel, handler)
			}
		}
	}()
}

// drain keeps delivering buffered messages for up to drainTimeout after the
// subscription's context ends, then drops whatever is left with a logged
// count, so a coordinator shutdown does not silently lose in-flight events.
func (s *Service) drain(ch <-chan *redis.Message, channel string, handler func(PubSubPayload)) {
	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			deliver(context.Background(), msg, channel, handler)
		case <-deadline.C:
			if dropped := len(ch); dropped > 0 {
				logging.Warn(context.Background(), "dropping undrained bus messages at shutdown",
					zap.String("channel", channel), zap.Int("dropped", dropped))
			}
			return
		default:
			// Buffer is empty right now; nothing more will arrive once the
			// pubsub closes, so stop instead of waiting out the deadline.
			if len(ch) == 0 {
				return
			}
		}
	}
}

func deliver(ctx context.Context, msg *redis.Message, channel string, handler func(PubSubPayload)) {
	var payload PubSubPayload
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		logging.Error(ctx, "failed to unmarshal bus message", zap.Error(err), zap.String("channel", channel))
		return
	}
	handler(payload)
}

// Ping checks Redis connectivity, used by the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
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

// Close releases the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
