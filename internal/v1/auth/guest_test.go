package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeResolver struct {
	codes map[string]string
}

func (f *fakeResolver) ResolveInviteCode(ctx context.Context, code string) (string, bool) {
	room, ok := f.codes[code]
	return room, ok
}

func TestGuestValidator_Authenticate_Valid(t *testing.T) {
	gv := &GuestValidator{Resolver: &fakeResolver{codes: map[string]string{"abc123": "room-1"}}}

	id, err := gv.Authenticate(context.Background(), "abc123", "Alice")
	assert.NoError(t, err)
	assert.Equal(t, "room-1", id.RoomID)
	assert.Equal(t, "Alice", id.DisplayName)
	assert.Contains(t, id.Subject, "guest-")
}

func TestGuestValidator_Authenticate_DefaultsDisplayName(t *testing.T) {
	gv := &GuestValidator{Resolver: &fakeResolver{codes: map[string]string{"abc123": "room-1"}}}

	id, err := gv.Authenticate(context.Background(), "abc123", "")
	assert.NoError(t, err)
	assert.Equal(t, "Guest", id.DisplayName)
}

func TestGuestValidator_Authenticate_InvalidCode(t *testing.T) {
	gv := &GuestValidator{Resolver: &fakeResolver{codes: map[string]string{}}}

	_, err := gv.Authenticate(context.Background(), "nope", "Alice")
	assert.ErrorIs(t, err, ErrInvalidInviteCode)
}

func TestGuestValidator_Authenticate_MissingResolver(t *testing.T) {
	gv := &GuestValidator{}

	_, err := gv.Authenticate(context.Background(), "abc123", "Alice")
	assert.Error(t, err)
}
