package module

import (
	"encoding/json"

	"github.com/lumenrelay/signalcore/internal/v1/signalerr"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

// Registry holds the modules enabled for one room, filtered once at room
// creation by the tariff snapshot captured at that time and used
// uniformly for the room lifetime. It is safe for concurrent read-only
// use; the room coordinator is the only writer of per-participant
// Handlers.
type Registry struct {
	modules    []Module
	byNS       map[string]Module
	subscribed map[string][]Module // namespace -> modules subscribing to it
}

// NewRegistry filters all to the subset enabled by tariff and builds the
// namespace/subscription indexes used for dispatch.
func NewRegistry(tariff types.TariffSnapshot, all []Module) *Registry {
	r := &Registry{
		byNS:       make(map[string]Module),
		subscribed: make(map[string][]Module),
	}
	for _, m := range all {
		if !tariff.ModuleEnabled(m.Namespace()) {
			continue
		}
		r.modules = append(r.modules, m)
		r.byNS[m.Namespace()] = m
		r.subscribed[m.Namespace()] = append(r.subscribed[m.Namespace()], m)
		for _, ns := range m.Subscriptions() {
			r.subscribed[ns] = append(r.subscribed[ns], m)
		}
	}
	return r
}

// Namespaces returns every enabled module's namespace, in registration
// order, for deterministic OnJoin fan-out.
func (r *Registry) Namespaces() []string {
	ns := make([]string, 0, len(r.modules))
	for _, m := range r.modules {
		ns = append(ns, m.Namespace())
	}
	return ns
}

// Lookup returns the module owning namespace, if enabled for this room.
func (r *Registry) Lookup(namespace string) (Module, bool) {
	m, ok := r.byNS[namespace]
	return m, ok
}

// Subscribers returns every module whose handlers should observe bus
// events published under namespace, own-namespace modules included.
func (r *Registry) Subscribers(namespace string) []Module {
	return r.subscribed[namespace]
}

// Handlers is the set of per-participant module Handler instances,
// created at join and torn down at leave, keyed by namespace.
type Handlers struct {
	registry *Registry
	byNS     map[string]Handler
}

// NewHandlers instantiates one Handler per enabled module for a newly
// joining participant.
func (r *Registry) NewHandlers() *Handlers {
	h := &Handlers{registry: r, byNS: make(map[string]Handler, len(r.modules))}
	for _, m := range r.modules {
		h.byNS[m.Namespace()] = m.NewHandler()
	}
	return h
}

// Join runs OnJoin across every module in registration order, collecting
// each module's published state (merged into the participant's snapshot)
// and join_success contribution (merged into the join_success payload).
func (h *Handlers) Join(ctx *Context) (published map[string]json.RawMessage, joinPayload map[string]json.RawMessage, err error) {
	published = make(map[string]json.RawMessage)
	joinPayload = make(map[string]json.RawMessage)
	for _, ns := range h.registry.Namespaces() {
		handler := h.byNS[ns]
		state, contribution, err := handler.OnJoin(ctx)
		if err != nil {
			return nil, nil, err
		}
		if state != nil {
			published[ns] = state
		}
		if contribution != nil {
			joinPayload[ns] = contribution
		}
	}
	return published, joinPayload, nil
}

// Dispatch routes one inbound frame to the module owning its namespace.
// Unrecognized namespaces are reported as a non-fatal protocol error,
// never as a panic or dropped silently.
func (h *Handlers) Dispatch(ctx *Context, namespace, action string, target types.ParticipantIdType, payload json.RawMessage) error {
	handler, ok := h.byNS[namespace]
	if !ok {
		return signalerr.Protocol(signalerr.CodeUnknownEvent, "unknown namespace "+namespace)
	}
	return handler.OnCommand(ctx, action, target, payload)
}

// Event delivers a bus event to every module subscribed to its namespace.
// Coordinator-level delivery errors are logged and dropped, never allowed
// to break the bus's ordering guarantees for other subscribers.
func (h *Handlers) Event(ctx *Context, event BusEvent) []error {
	var errs []error
	seen := make(map[string]bool)
	for _, m := range h.registry.Subscribers(event.Namespace) {
		ns := m.Namespace()
		if seen[ns] {
			continue
		}
		seen[ns] = true
		handler, ok := h.byNS[ns]
		if !ok {
			continue
		}
		if err := handler.OnEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Leave cascades OnLeave to every module handler for this participant.
func (h *Handlers) Leave(ctx *Context, reason string) {
	for _, ns := range h.registry.Namespaces() {
		h.byNS[ns].OnLeave(ctx, reason)
	}
}
