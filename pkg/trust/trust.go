// Package trust resolves guardian and coordinator identities to the keys that authenticate them.
package trust

import (
	"sync"

	"github.com/fystack/mpcium-guardian/pkg/identity"
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/pkg/errors"
)

// Verifier checks that sig was made by the identity id over payload.
type Verifier interface {
	Verify(id string, sig, payload []byte) bool
}

// Registry resolves identities. Every Registry is also a Verifier.
type Registry interface {
	Verifier
	Lookup(id string) (identity.GuardianIdentity, error)
}

// StaticRegistry is a fixed set of identities, for tests and single-host deployments.
type StaticRegistry struct {
	mu         sync.RWMutex
	identities map[string]identity.GuardianIdentity
}

var _ Registry = (*StaticRegistry)(nil)

func NewStaticRegistry(ids ...identity.GuardianIdentity) *StaticRegistry {
	r := &StaticRegistry{identities: make(map[string]identity.GuardianIdentity, len(ids))}
	for _, g := range ids {
		r.identities[g.ID] = g
	}
	return r
}

func (r *StaticRegistry) Add(g identity.GuardianIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[g.ID] = g
}

func (r *StaticRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.identities, id)
}

func (r *StaticRegistry) Lookup(id string) (identity.GuardianIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.identities[id]
	if !ok {
		return identity.GuardianIdentity{}, errors.Wrapf(core.ErrNotFound, "identity %s", id)
	}
	return g, nil
}

func (r *StaticRegistry) Verify(id string, sig, payload []byte) bool {
	return verify(r, id, sig, payload)
}

func verify(r Registry, id string, sig, payload []byte) bool {
	if len(sig) == 0 {
		return false
	}
	g, err := r.Lookup(id)
	if err != nil {
		return false
	}
	return g.Verify(payload, sig)
}
