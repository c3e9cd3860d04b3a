package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lumenrelay/signalcore/internal/v1/logging"
)

// InviteCodeResolver looks up which room an invite code admits to. The
// concrete resolver (backed by whatever store owns invite codes) is an
// external collaborator; this package only depends on the narrow interface.
type InviteCodeResolver interface {
	ResolveInviteCode(ctx context.Context, code string) (roomID string, ok bool)
}

// GuestIdentity is the ephemeral identity minted for an unauthenticated
// connection presenting a valid invite code.
type GuestIdentity struct {
	Subject     string
	DisplayName string
	RoomID      string
}

// GuestValidator authenticates guests via the X-Invite-Code header instead
// of a bearer token, mirroring the claims-construction idiom of
// MockValidator but keyed on invite codes.
type GuestValidator struct {
	Resolver InviteCodeResolver
}

// ErrInvalidInviteCode is returned when the invite code does not resolve to
// a room, per the admission error taxonomy.
var ErrInvalidInviteCode = errors.New("invalid or expired invite code")

// Authenticate resolves an invite code plus a caller-supplied display name
// into a GuestIdentity. The subject is a fresh random id scoped to this
// connection; guests never reuse a subject across reconnects.
func (g *GuestValidator) Authenticate(ctx context.Context, code, displayName string) (*GuestIdentity, error) {
	if g.Resolver == nil {
		return nil, fmt.Errorf("guest auth misconfigured: no invite code resolver")
	}

	roomID, ok := g.Resolver.ResolveInviteCode(ctx, code)
	if !ok {
		logging.Warn(ctx, "guest invite code rejected")
		return nil, ErrInvalidInviteCode
	}

	if displayName == "" {
		displayName = "Guest"
	}

	return &GuestIdentity{
		Subject:     "guest-" + uuid.New().String(),
		DisplayName: displayName,
		RoomID:      roomID,
	}, nil
}
