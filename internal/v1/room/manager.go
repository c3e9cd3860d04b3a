package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumenrelay/signalcore/internal/v1/bus"
	"github.com/lumenrelay/signalcore/internal/v1/logging"
	"github.com/lumenrelay/signalcore/internal/v1/module"
	"github.com/lumenrelay/signalcore/internal/v1/store"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

// Manager owns the set of rooms this controller node currently has local
// sessions for, creating a Coordinator on first join and tearing it down
// once its grace period elapses with no rejoins. It is a standalone
// registry the Session Runtime's hub consults, independent of transport
// concerns.
type Manager struct {
	store     *store.Client
	bus       *bus.Service
	modules   []module.Module
	lockLease time.Duration
	grace     time.Duration

	mu    sync.Mutex
	rooms map[types.RoomIdType]*Coordinator
}

// TariffLookup resolves the tariff snapshot for a room at creation time.
// Implemented by whatever REST/administrative layer owns tariff plans;
// this package only consumes the narrow interface.
type TariffLookup interface {
	TariffForRoom(ctx context.Context, roomID types.RoomIdType) (types.TariffSnapshot, types.UserIdType, error)
}

// NewManager builds a Manager sharing one store/bus connection and one
// module set across every room it creates.
func NewManager(storeClient *store.Client, busService *bus.Service, modules []module.Module, lockLease, grace time.Duration) *Manager {
	gracePeriod = grace
	return &Manager{
		store:     storeClient,
		bus:       busService,
		modules:   modules,
		lockLease: lockLease,
		grace:     grace,
		rooms:     make(map[types.RoomIdType]*Coordinator),
	}
}

// GetOrCreate returns the existing local Coordinator for roomID, or
// constructs one using tariff/ownerID supplied by the caller (typically
// resolved from a TariffLookup before the first join of a cold room).
func (m *Manager) GetOrCreate(roomID types.RoomIdType, ownerID types.UserIdType, tariff types.TariffSnapshot) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.rooms[roomID]; ok {
		return c
	}

	c := New(Config{
		RoomID:    roomID,
		OwnerID:   ownerID,
		Tariff:    tariff,
		Modules:   m.modules,
		Store:     m.store,
		Bus:       m.bus,
		LockLease: m.lockLease,
		OnEmpty:   m.remove,
	})
	m.rooms[roomID] = c
	logging.Info(context.Background(), "room created", zap.String("room_id", string(roomID)))
	return c
}

// Lookup returns the local Coordinator for roomID, if this node currently
// has one (i.e. at least one local session has joined it).
func (m *Manager) Lookup(roomID types.RoomIdType) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rooms[roomID]
	return c, ok
}

// remove tears down and forgets roomID's Coordinator once its grace period
// has elapsed with the room still empty.
func (m *Manager) remove(roomID types.RoomIdType) {
	m.mu.Lock()
	c, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	c.Shutdown(context.Background())
	logging.Info(context.Background(), "room torn down after grace period", zap.String("room_id", string(roomID)))
}

// Count reports the number of rooms this node currently coordinates, for
// diagnostics and tests.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
