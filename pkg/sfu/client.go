// Package sfu talks to the media server that actually moves audio/video.
// Implementations may target LiveKit-class servers; this client wraps the
// LiveKit Go SDK behind the same circuit-breaker discipline as the other
// external collaborators.
package sfu

import (
	"context"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/sony/gobreaker"

	"github.com/lumenrelay/signalcore/internal/v1/metrics"
)

// GrantKind distinguishes the media capabilities minted into a participant's
// access token. A subscriber-only grant is used for waiting-room observers
// and for participants whose publish rights have been revoked mid-call.
type GrantKind int

const (
	GrantPublishSubscribe GrantKind = iota
	GrantSubscribeOnly
)

// roomServiceAPI is the subset of lksdk.RoomServiceClient this package
// calls, narrowed to an interface so tests can substitute a mock.
type roomServiceAPI interface {
	UpdateParticipant(ctx context.Context, req *livekit.UpdateParticipantRequest) (*livekit.ParticipantInfo, error)
	RemoveParticipant(ctx context.Context, req *livekit.RoomParticipantIdentity) (*livekit.RemoveParticipantResponse, error)
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
	ListParticipants(ctx context.Context, req *livekit.ListParticipantsRequest) (*livekit.ListParticipantsResponse, error)
	ListRooms(ctx context.Context, req *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error)
}

// Client mints room-scoped access tokens and drives room-lifecycle RPCs
// against the media server, with a breaker guarding every call.
type Client struct {
	roomClient roomServiceAPI
	apiKey     string
	apiSecret  string
	cb         *gobreaker.CircuitBreaker
}

// Config carries the connection details for the media server control plane.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
}

// NewClient builds a Client wrapping lksdk.RoomServiceClient, with a
// gobreaker.CircuitBreaker guarding outbound calls and reporting state
// transitions into Prometheus.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("sfu: incomplete media server configuration")
	}

	st := gobreaker.Settings{
		Name:        "livekit-sfu",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
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
			metrics.CircuitBreakerState.WithLabelValues("livekit-sfu").Set(stateVal)
		},
	}

	return &Client{
		roomClient: lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		cb:         gobreaker.NewCircuitBreaker(st),
	}, nil
}

// MintToken builds a JWT granting identity access to roomID. Callers hand
// this token to the client, which connects directly to the media server;
// this service never proxies SDP or ICE traffic itself.
func (c *Client) MintToken(identity, displayName, roomID string, kind GrantKind) (string, error) {
	canPublish := kind == GrantPublishSubscribe
	canSubscribe := true

	at := auth.NewAccessToken(c.apiKey, c.apiSecret).
		SetIdentity(identity).
		SetName(displayName).
		SetVideoGrant(&auth.VideoGrant{
			Room:         roomID,
			RoomJoin:     true,
			CanPublish:   &canPublish,
			CanSubscribe: &canSubscribe,
		}).
		SetValidFor(6 * time.Hour)

	return at.ToJWT()
}

// UpdatePublishRights revokes or restores a connected participant's publish
// capability without forcing a reconnect, used when screen-share presenter
// status changes or a moderator mutes a participant's camera/mic.
func (c *Client) UpdatePublishRights(ctx context.Context, roomID, identity string, canPublish bool) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return c.roomClient.UpdateParticipant(ctx, &livekit.UpdateParticipantRequest{
			Room:     roomID,
			Identity: identity,
			Permission: &livekit.ParticipantPermission{
				CanPublish:   canPublish,
				CanSubscribe: true,
			},
		})
	})
	return c.breakerErr(err)
}

// RemoveParticipant force-disconnects a participant's media session,
// invoked when a moderator kicks or bans a participant from the room.
func (c *Client) RemoveParticipant(ctx context.Context, roomID, identity string) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return c.roomClient.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
			Room:     roomID,
			Identity: identity,
		})
	})
	return c.breakerErr(err)
}

// DeleteRoom tears down the media-server room, used when a room's Coordinator
// is evicted or its closes_at deadline passes.
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return c.roomClient.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: roomID})
	})
	return c.breakerErr(err)
}

// ListParticipants returns the media server's view of who is currently
// connected to roomID, used by health checks and roster reconciliation.
func (c *Client) ListParticipants(ctx context.Context, roomID string) ([]*livekit.ParticipantInfo, error) {
	resp, err := c.cb.Execute(func() (interface{}, error) {
		return c.roomClient.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: roomID})
	})
	if err != nil {
		return nil, c.breakerErr(err)
	}
	return resp.(*livekit.ListParticipantsResponse).Participants, nil
}

// Healthy performs a cheap control-plane call to confirm the media server is
// reachable, used by the readiness probe.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return c.roomClient.ListRooms(ctx, &livekit.ListRoomsRequest{})
	})
	return c.breakerErr(err)
}

func (c *Client) breakerErr(err error) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		metrics.CircuitBreakerFailures.WithLabelValues("livekit-sfu").Inc()
		return fmt.Errorf("sfu: circuit open: %w", err)
	}
	return err
}
