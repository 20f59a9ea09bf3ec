package trust

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/identity"
	"github.com/fystack/mpcium-guardian/pkg/infra"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
)

// PeerPrefix is the Consul KV prefix holding published guardian identities.
const PeerPrefix = "mpc_peers/"

const defaultCacheTTL = 30 * time.Second

type cached struct {
	identity identity.GuardianIdentity
	at       time.Time
}

// ConsulRegistry reads identities published under PeerPrefix, caching each for a short while so a
// revoked identity stops verifying soon after it is deleted.
type ConsulRegistry struct {
	kv  infra.ConsulKV
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

var _ Registry = (*ConsulRegistry)(nil)

func NewConsulRegistry(kv infra.ConsulKV) *ConsulRegistry {
	return &ConsulRegistry{kv: kv, ttl: defaultCacheTTL, now: time.Now, cache: map[string]cached{}}
}

func (r *ConsulRegistry) key(id string) string { return PeerPrefix + id }

// Register publishes g. Re-registering an id with a different key is refused.
func (r *ConsulRegistry) Register(g identity.GuardianIdentity) error {
	if _, err := g.VerifyingKey(); err != nil {
		return err
	}
	existing, _, err := r.kv.Get(r.key(g.ID), nil)
	if err != nil {
		return errors.Wrapf(err, "check existing identity %s", g.ID)
	}
	if existing != nil {
		var prev identity.GuardianIdentity
		if err := json.Unmarshal(existing.Value, &prev); err == nil && prev.PublicKey != g.PublicKey {
			return errors.Wrapf(core.ErrConflict, "identity %s already registered with another key", g.ID)
		}
	}
	data, err := json.Marshal(g)
	if err != nil {
		return errors.Wrap(err, "marshal identity")
	}
	if _, err := r.kv.Put(&api.KVPair{Key: r.key(g.ID), Value: data}, nil); err != nil {
		return errors.Wrapf(err, "store identity %s", g.ID)
	}
	r.forget(g.ID)
	logger.Info("Registered guardian identity", "id", g.ID, "name", g.Name)
	return nil
}

// Revoke removes the identity so its signatures are rejected.
func (r *ConsulRegistry) Revoke(id string) error {
	if _, err := r.kv.Delete(r.key(id), nil); err != nil {
		return errors.Wrapf(err, "revoke identity %s", id)
	}
	r.forget(id)
	return nil
}

func (r *ConsulRegistry) forget(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

func (r *ConsulRegistry) Lookup(id string) (identity.GuardianIdentity, error) {
	r.mu.Lock()
	c, ok := r.cache[id]
	r.mu.Unlock()
	if ok && r.now().Sub(c.at) < r.ttl {
		return c.identity, nil
	}

	pair, _, err := r.kv.Get(r.key(id), nil)
	if err != nil {
		return identity.GuardianIdentity{}, errors.Wrapf(err, "lookup identity %s", id)
	}
	if pair == nil {
		return identity.GuardianIdentity{}, errors.Wrapf(core.ErrNotFound, "identity %s", id)
	}
	var g identity.GuardianIdentity
	if err := json.Unmarshal(pair.Value, &g); err != nil {
		return identity.GuardianIdentity{}, errors.Wrapf(err, "decode identity %s", id)
	}

	r.mu.Lock()
	r.cache[id] = cached{identity: g, at: r.now()}
	r.mu.Unlock()
	return g, nil
}

// List returns every published identity.
func (r *ConsulRegistry) List() ([]identity.GuardianIdentity, error) {
	pairs, _, err := r.kv.List(PeerPrefix, nil)
	if err != nil {
		return nil, errors.Wrap(err, "list identities")
	}
	out := make([]identity.GuardianIdentity, 0, len(pairs))
	for _, p := range pairs {
		var g identity.GuardianIdentity
		if err := json.Unmarshal(p.Value, &g); err != nil {
			logger.Warn("Skipping malformed identity record", "key", p.Key)
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func (r *ConsulRegistry) Verify(id string, sig, payload []byte) bool {
	return verify(r, id, sig, payload)
}
