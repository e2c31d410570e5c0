package core

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lessonlink/realtime/internal/domain"
)

type connEntry struct {
	principal domain.Principal
	signal    SignalConnection
}

// Registry maps principals to their live transport connections and is
// the source of presence. It is an explicit instance wired in at
// startup, never ambient package state.
type Registry struct {
	mu          sync.RWMutex
	conns       map[ConnID]*connEntry
	byPrincipal map[domain.PrincipalID]map[ConnID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:       make(map[ConnID]*connEntry),
		byPrincipal: make(map[domain.PrincipalID]map[ConnID]struct{}),
	}
}

func (r *Registry) Register(p domain.Principal, sig SignalConnection) ConnID {
	id := ConnID(uuid.NewString())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connEntry{principal: p, signal: sig}
	set, ok := r.byPrincipal[p.ID]
	if !ok {
		set = make(map[ConnID]struct{})
		r.byPrincipal[p.ID] = set
	}
	set[id] = struct{}{}
	log.Info().Str("module", "core.registry").Str("conn", string(id)).Str("principal", string(p.ID)).Msg("connection registered")
	return id
}

// Unregister drops the connection; unknown ids are a no-op. It returns
// the principal the connection belonged to so the caller can clean up
// room membership.
func (r *Registry) Unregister(id ConnID) (domain.Principal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return domain.Principal{}, false
	}
	delete(r.conns, id)
	if set, ok := r.byPrincipal[e.principal.ID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byPrincipal, e.principal.ID)
		}
	}
	log.Info().Str("module", "core.registry").Str("conn", string(id)).Str("principal", string(e.principal.ID)).Msg("connection unregistered")
	return e.principal, true
}

func (r *Registry) ConnectionsFor(pid domain.PrincipalID) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnID, 0, len(r.byPrincipal[pid]))
	for id := range r.byPrincipal[pid] {
		out = append(out, id)
	}
	return out
}

// Online reports whether the principal holds at least one connection.
func (r *Registry) Online(pid domain.PrincipalID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPrincipal[pid]) > 0
}

func (r *Registry) PrincipalOf(id ConnID) (domain.Principal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.principal, true
	}
	return domain.Principal{}, false
}

func (r *Registry) Signal(id ConnID) (SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.signal, true
	}
	return nil, false
}
