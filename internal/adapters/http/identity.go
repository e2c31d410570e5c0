package http

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/domain"
)

// DevIdentity is the development stand-in for the platform's identity
// service. It treats the client token as the principal id, with an
// optional ":tutor" / ":admin" suffix to pick a role. The production
// resolver is injected in its place behind the same interface.
type DevIdentity struct {
	mu    sync.RWMutex
	known map[string]domain.Principal
}

var _ core.IdentityResolver = (*DevIdentity)(nil)

func NewDevIdentity() *DevIdentity {
	return &DevIdentity{known: make(map[string]domain.Principal)}
}

func (d *DevIdentity) Resolve(_ context.Context, token string) (domain.Principal, error) {
	if token == "" {
		return domain.Principal{}, fmt.Errorf("empty token: %w", domain.ErrForbidden)
	}
	d.mu.RLock()
	p, ok := d.known[token]
	d.mu.RUnlock()
	if ok {
		return p, nil
	}

	id, role := token, domain.RoleStudent
	if base, suffix, found := strings.Cut(token, ":"); found {
		switch domain.Role(suffix) {
		case domain.RoleTutor, domain.RoleAdmin:
			id, role = base, domain.Role(suffix)
		}
	}
	p = domain.Principal{ID: domain.PrincipalID(id), Role: role}

	d.mu.Lock()
	d.known[token] = p
	d.mu.Unlock()
	return p, nil
}
