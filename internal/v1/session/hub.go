// Package session - hub.go
//
// Hub is the Session Runtime's entrypoint: it authenticates an inbound
// websocket upgrade (JWT or guest invite code), resolves the room's tariff
// snapshot, gets-or-creates the room.Coordinator, and runs the join
// protocol before handing the connection off to its Client's read/write
// pumps. Authentication is dual-mode: bearer tokens for registered users,
// invite codes for guests, both unified into one identity before the Room
// Coordinator's moderation roles are assigned.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumenrelay/signalcore/internal/v1/auth"
	"github.com/lumenrelay/signalcore/internal/v1/logging"
	"github.com/lumenrelay/signalcore/internal/v1/metrics"
	"github.com/lumenrelay/signalcore/internal/v1/ratelimit"
	"github.com/lumenrelay/signalcore/internal/v1/room"
	"github.com/lumenrelay/signalcore/internal/v1/signalerr"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

// TokenValidator authenticates a bearer token into claims identifying the
// caller. Implemented by *auth.Validator in production, auth.MockValidator
// in development.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// DefaultTariffProvider hands out one fixed tariff to every room and treats
// the first caller to resolve a given room as its owner, since there is no
// administrative surface yet to have pre-registered one.
type DefaultTariffProvider struct {
	Tariff types.TariffSnapshot

	mu     sync.Mutex
	owners map[types.RoomIdType]types.UserIdType
}

// NewDefaultTariffProvider builds a provider handing out tariff to every
// room it resolves.
func NewDefaultTariffProvider(tariff types.TariffSnapshot) *DefaultTariffProvider {
	return &DefaultTariffProvider{Tariff: tariff, owners: make(map[types.RoomIdType]types.UserIdType)}
}

// TariffForRoom implements room.TariffLookup.
func (p *DefaultTariffProvider) TariffForRoom(ctx context.Context, roomID types.RoomIdType) (types.TariffSnapshot, types.UserIdType, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner, ok := p.owners[roomID]
	if !ok {
		return p.Tariff, "", nil
	}
	return p.Tariff, owner, nil
}

// claimOwner records userID as roomID's owner if the room has none yet,
// called by Hub immediately before the first Coordinator is created for a
// room. Guests carry no user id and never claim ownership.
func (p *DefaultTariffProvider) claimOwner(roomID types.RoomIdType, userID types.UserIdType) types.UserIdType {
	p.mu.Lock()
	defer p.mu.Unlock()
	if owner, ok := p.owners[roomID]; ok {
		return owner
	}
	if userID == "" {
		return ""
	}
	p.owners[roomID] = userID
	return userID
}

// Hub authenticates connections and hands them off to the Room Coordinator
// Manager. One Hub serves every room this controller node handles.
type Hub struct {
	validator      TokenValidator
	guest          *auth.GuestValidator
	manager        *room.Manager
	tariffs        room.TariffLookup
	defaultProv    *DefaultTariffProvider
	limiter        *ratelimit.RateLimiter
	allowedOrigins []string
}

// HubConfig bundles Hub's construction-time dependencies.
type HubConfig struct {
	Validator      TokenValidator
	Guest          *auth.GuestValidator
	Manager        *room.Manager
	Tariffs        room.TariffLookup
	Limiter        *ratelimit.RateLimiter
	AllowedOrigins []string
}

// NewHub constructs a Hub. If cfg.Tariffs is nil, a DefaultTariffProvider
// handing out a conservative development tariff is used.
func NewHub(cfg HubConfig) *Hub {
	h := &Hub{
		validator:      cfg.Validator,
		guest:          cfg.Guest,
		manager:        cfg.Manager,
		tariffs:        cfg.Tariffs,
		limiter:        cfg.Limiter,
		allowedOrigins: cfg.AllowedOrigins,
	}
	if h.tariffs == nil {
		h.defaultProv = NewDefaultTariffProvider(types.TariffSnapshot{
			MaxParticipants:    100,
			WaitingRoomDefault: false,
		})
		h.tariffs = h.defaultProv
	}
	if len(h.allowedOrigins) == 0 {
		h.allowedOrigins = []string{"http://localhost:3000"}
	}
	return h
}

// checkOrigin validates the Origin header against the configured allow
// list; an absent Origin header (non-browser client) is allowed through.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// authenticatedIdentity is the result of either JWT or guest authentication,
// unified before the join protocol so ServeWs does not branch on auth mode
// past this point.
type authenticatedIdentity struct {
	// userID is the durable account identity; empty for guests, which have
	// none. The per-session participant id is minted later, at join.
	userID types.UserIdType
	// subject keys per-identity rate limits: the token subject for users,
	// the resolved guest id for guests.
	subject     string
	displayName types.DisplayNameType
	kind        types.ParticipantKind
	// preAuthorizedModerator is set when the bearer token's scope claim
	// grants moderator standing in this room independently of ownership
	// (auth.CustomClaims.HasModeratorScope), e.g. a co-host invited ahead
	// of the call. Guests never carry this.
	preAuthorizedModerator bool
}

// authenticate tries bearer-token auth first, falling back to guest invite
// codes when a guest validator is configured and no token was presented.
// roomID scopes a token's moderator claim (auth.CustomClaims.HasModeratorScope)
// to the room being joined.
func (h *Hub) authenticate(c *gin.Context, roomID types.RoomIdType) (*authenticatedIdentity, bool) {
	tokenString := c.Query("token")
	if tokenString != "" {
		claims, err := h.validator.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return nil, false
		}
		displayName := c.Query("username")
		if displayName == "" {
			displayName = claims.Name
			if displayName == "" && claims.Email != "" {
				displayName = strings.Split(claims.Email, "@")[0]
			}
			if displayName == "" {
				displayName = claims.Subject
			}
		}
		return &authenticatedIdentity{
			userID:                 types.UserIdType(claims.Subject),
			subject:                claims.Subject,
			displayName:            types.DisplayNameType(displayName),
			kind:                   types.KindUser,
			preAuthorizedModerator: claims.HasModeratorScope(string(roomID)),
		}, true
	}

	if h.guest == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return nil, false
	}

	inviteCode := c.GetHeader("X-Invite-Code")
	if inviteCode == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token or invite code required"})
		return nil, false
	}
	guestIdentity, err := h.guest.Authenticate(c.Request.Context(), inviteCode, c.Query("username"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid invite code"})
		return nil, false
	}
	return &authenticatedIdentity{
		subject:     guestIdentity.Subject,
		displayName: types.DisplayNameType(guestIdentity.DisplayName),
		kind:        types.KindGuest,
	}, true
}

// ServeWs authenticates the caller, resolves the target room's tariff,
// upgrades the connection, and runs the join protocol. On success it
// starts the Client's read/write pumps. Failures before the upgrade answer
// with an HTTP error status; a join rejected after the upgrade gets a
// join_blocked frame (writeJoinBlocked) before the socket is closed.
func (h *Hub) ServeWs(c *gin.Context) {
	roomID := types.RoomIdType(c.Param("roomId"))
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	identity, ok := h.authenticate(c, roomID)
	if !ok {
		return
	}

	if h.limiter != nil {
		if !h.limiter.CheckWebSocket(c) {
			return
		}
		if err := h.limiter.CheckWebSocketUser(c.Request.Context(), identity.subject); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
	}

	tariff, ownerID, err := h.tariffs.TariffForRoom(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve room"})
		return
	}
	if ownerID == "" {
		if h.defaultProv != nil {
			ownerID = h.defaultProv.claimOwner(roomID, identity.userID)
		} else {
			ownerID = identity.userID
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade connection", zap.Error(err))
		return
	}

	// Each session gets a freshly minted participant id: the same user
	// joining from two devices is two distinct participants, and the account
	// identity travels separately on the roster entry.
	participantID := types.ParticipantIdType(uuid.New().String())

	coordinator := h.manager.GetOrCreate(roomID, ownerID, tariff)
	client := NewClient(conn, participantID, identity.displayName, identity.kind)
	if h.limiter != nil {
		client.SetFrameLimiter(h.limiter)
	}

	role := types.RoleParticipant
	if identity.preAuthorizedModerator {
		role = types.RoleModerator
	}
	if identity.userID != "" && identity.userID == ownerID {
		role = types.RoleOwner
	}

	result, err := coordinator.Join(c.Request.Context(), client, participantID, identity.userID, identity.displayName, identity.kind, role)
	if err != nil {
		logging.Warn(c.Request.Context(), "join rejected", zap.String("room_id", string(roomID)), zap.Error(err))
		writeJoinBlocked(conn, err)
		client.Close("join_rejected")
		conn.Close()
		return
	}
	client.bindRoom(coordinator)

	metrics.IncConnection()
	h.sendJoinResponse(client, result)

	go client.writePump()
	go client.readPump(func() { coordinator.Leave(participantID, "disconnect") })
}

// writeJoinBlocked delivers the final join_blocked frame straight to the
// socket: a rejected join never starts the client's pumps, so the frame is
// written synchronously before the connection is torn down. Admission
// errors carry their own reason; everything else (store down, lock lost)
// surfaces as service_unavailable per the error-handling contract.
func writeJoinBlocked(conn wsConnection, joinErr error) {
	reason := "service_unavailable"
	if se, ok := signalerr.AsError(joinErr); ok && se.Kind == signalerr.KindAdmission {
		reason = se.Code
		if se.Code == signalerr.CodeRoomFull {
			reason = "participant_limit_reached"
		}
	}
	data, err := json.Marshal(types.Frame{
		Namespace: types.ControlNamespace,
		Message:   types.MessageJoinBlocked,
		Reason:    reason,
	})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) sendJoinResponse(client *Client, result *room.JoinResult) {
	if !result.Admitted {
		body, _ := json.Marshal(result.State)
		client.Send(types.Frame{Namespace: types.ControlNamespace, Message: types.MessageInWaitingRoom, Payload: body})
		return
	}
	body, _ := json.Marshal(types.JoinSuccessBody{RoomState: result.State, Modules: result.JoinBody})
	client.Send(types.Frame{Namespace: types.ControlNamespace, Message: types.MessageJoinSuccess, Payload: body})
}

// GetAllowedOriginsFromEnv reads a comma-separated origin allow-list from
// the environment.
func GetAllowedOriginsFromEnv(envVarName string, defaultOrigins []string) []string {
	return auth.GetAllowedOriginsFromEnv(envVarName, defaultOrigins)
}
