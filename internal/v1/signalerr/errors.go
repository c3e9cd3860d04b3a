// Package signalerr defines the typed error taxonomy used across the
// signaling control plane, per the error-handling design: protocol,
// permission, admission, transient-infrastructure, permanent-infrastructure,
// and SFU-level errors are distinguished so the dispatcher can decide, for
// each, whether to send a wire error frame, drop the connection, or retry.
package signalerr

import "fmt"

// Kind categorizes an Error for dispatch-level handling.
type Kind string

const (
	KindProtocol             Kind = "protocol"
	KindPermission           Kind = "permission"
	KindAdmission            Kind = "admission"
	KindTransientInfra       Kind = "transient_infrastructure"
	KindPermanentInfra       Kind = "permanent_infrastructure"
	KindSFU                  Kind = "sfu"
)

// Error is the typed error value returned by module handlers and
// coordinators instead of a bare error or panic.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Msg, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Msg, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, code, msg string, wrapped error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: wrapped}
}

// Protocol errors: malformed frames, unknown events, bad payload shape.
func Protocol(code, msg string) *Error { return newErr(KindProtocol, code, msg, nil) }

// Permission errors: the caller's role does not authorize the operation.
func Permission(code, msg string) *Error { return newErr(KindPermission, code, msg, nil) }

// Admission errors: room full, room closed, banned, invalid invite.
func Admission(code, msg string) *Error { return newErr(KindAdmission, code, msg, nil) }

// TransientInfra errors: Redis/SFU temporarily unavailable; retryable.
func TransientInfra(code, msg string, err error) *Error {
	return newErr(KindTransientInfra, code, msg, err)
}

// PermanentInfra errors: configuration or programmer error; not retryable.
func PermanentInfra(code, msg string, err error) *Error {
	return newErr(KindPermanentInfra, code, msg, err)
}

// SFU errors: media-plane session/negotiation failures.
func SFU(code, msg string, err error) *Error { return newErr(KindSFU, code, msg, err) }

// Well-known wire codes referenced directly by tests and handlers.
const (
	CodeRoomFull         = "room_full"
	CodeRoomClosed       = "room_closed"
	CodeBanned           = "banned"
	CodeInvalidPayload   = "invalid_payload"
	CodeUnknownEvent     = "unknown_event"
	CodeNotAuthorized    = "not_authorized"
	CodeCannotBanGuest   = "cannot_ban_guest"
	CodeCannotDemoteOwner = "cannot_demote_owner"
	CodeNotPresenter     = "not_presenter"
	CodeCircuitOpen      = "circuit_open"
	CodeRateLimited      = "rate_limited"
)

// AsError reports whether err is (or wraps) a *Error, returning it if so.
func AsError(err error) (*Error, bool) {
	var se *Error
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Error); ok {
		return e, true
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return AsError(u.Unwrap())
	}
	return se, false
}
