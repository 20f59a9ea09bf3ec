// Package sharestore keeps this guardian's secret shares. Every version of a share is a separate sealed
// record, so a reshare adds a version and flips metadata instead of overwriting key material.
package sharestore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/kvstore"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// meta tracks the versions of one (key_id, guardian_index) share.
type meta struct {
	Active   int                      `json:"active,omitempty"`
	Staged   int                      `json:"staged,omitempty"`
	Versions map[int]core.ShareStatus `json:"versions"`
}

func (m *meta) latest() int {
	v := 0
	for k := range m.Versions {
		v = max(v, k)
	}
	return v
}

type VersionInfo struct {
	Version int              `json:"version"`
	Status  core.ShareStatus `json:"status"`
}

// Holding is one (key_id, guardian_index) share held by this guardian and its versions.
type Holding struct {
	KeyID    string        `json:"key_id"`
	Index    int           `json:"guardian_index"`
	Versions []VersionInfo `json:"versions"`
}

type Store struct {
	kv   kvstore.Store
	aead cipher.AEAD
	now  func() time.Time

	mu        sync.Mutex
	locks     map[string]*sync.RWMutex
	resharing map[string]bool
	// staging holds the shares staged by this process; any other staged record was left by a crash.
	staging map[string]bool
}

// New seals records with a key derived from secret. The secret itself is never written to kv.
func New(kv kvstore.Store, secret []byte) (*Store, error) {
	if len(secret) == 0 {
		return nil, errors.New("share store secret not provided")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("guardian share sealing v1")), key); err != nil {
		return nil, errors.Wrap(err, "derive sealing key")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "create sealing cipher")
	}
	return &Store{
		kv:        kv,
		aead:      aead,
		now:       time.Now,
		locks:     map[string]*sync.RWMutex{},
		resharing: map[string]bool{},
		staging:   map[string]bool{},
	}, nil
}

func shareKey(keyID string, index, version int) string {
	return fmt.Sprintf("share/%s/%d/v%d", keyID, index, version)
}

const metaPrefix = "meta/"

func metaKey(keyID string, index int) string {
	return fmt.Sprintf("%s%s/%d", metaPrefix, keyID, index)
}

// parseMetaKey splits "meta/<key_id>/<index>".
func parseMetaKey(k string) (string, int, bool) {
	rest, ok := strings.CutPrefix(k, metaPrefix)
	if !ok {
		return "", 0, false
	}
	i := strings.LastIndex(rest, "/")
	if i <= 0 {
		return "", 0, false
	}
	index, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return "", 0, false
	}
	return rest[:i], index, true
}

func (s *Store) lock(keyID string, index int) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fmt.Sprintf("%s/%d", keyID, index)
	l, ok := s.locks[k]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[k] = l
	}
	return l
}

func (s *Store) seal(key string, ks *core.KeyShare) ([]byte, error) {
	plain, err := json.Marshal(ks)
	if err != nil {
		return nil, errors.Wrap(err, "encode share")
	}
	defer clear(plain)
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "share nonce")
	}
	return s.aead.Seal(nonce, nonce, plain, []byte(key)), nil
}

func (s *Store) open(key string, sealed []byte) (*core.KeyShare, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.Errorf("share record %s truncated", key)
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(key))
	if err != nil {
		return nil, errors.Wrapf(err, "unseal share record %s", key)
	}
	defer clear(plain)
	var ks core.KeyShare
	if err := json.Unmarshal(plain, &ks); err != nil {
		return nil, errors.Wrapf(err, "decode share record %s", key)
	}
	return &ks, nil
}

func readMeta(txn kvstore.Txn, keyID string, index int) (*meta, error) {
	raw, err := txn.Get(metaKey(keyID, index))
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return &meta{Versions: map[int]core.ShareStatus{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "decode share metadata")
	}
	if m.Versions == nil {
		m.Versions = map[int]core.ShareStatus{}
	}
	return &m, nil
}

func writeMeta(txn kvstore.Txn, keyID string, index int, m *meta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode share metadata")
	}
	return txn.Put(metaKey(keyID, index), raw)
}

// view runs fn against a read-only snapshot of the metadata.
func (s *Store) view(keyID string, index int, fn func(txn kvstore.Txn, m *meta) error) error {
	return s.kv.Update(func(txn kvstore.Txn) error {
		m, err := readMeta(txn, keyID, index)
		if err != nil {
			return err
		}
		return fn(txn, m)
	})
}

func (s *Store) write(txn kvstore.Txn, ks *core.KeyShare) error {
	if ks.CreatedAt.IsZero() {
		ks.CreatedAt = s.now().UTC()
	}
	key := shareKey(ks.KeyID, ks.Index, ks.Version)
	if _, err := txn.Get(key); err == nil {
		return errors.Wrapf(core.ErrConflict, "share version %d of %s/%d already stored", ks.Version, ks.KeyID, ks.Index)
	}
	sealed, err := s.seal(key, ks)
	if err != nil {
		return err
	}
	return txn.Put(key, sealed)
}

// Put stores the first share of a key, typically a DKG result.
func (s *Store) Put(ks *core.KeyShare) error {
	if ks.Version == 0 {
		ks.Version = core.DefaultVersion
	}
	l := s.lock(ks.KeyID, ks.Index)
	l.Lock()
	defer l.Unlock()

	return s.view(ks.KeyID, ks.Index, func(txn kvstore.Txn, m *meta) error {
		for v, st := range m.Versions {
			if st == core.ShareActive || st == core.ShareInvalidated {
				return errors.Wrapf(core.ErrConflict, "key %s index %d already holds version %d (%s)", ks.KeyID, ks.Index, v, st)
			}
		}
		if err := s.write(txn, ks); err != nil {
			return err
		}
		m.Active = ks.Version
		m.Versions[ks.Version] = core.ShareActive
		return writeMeta(txn, ks.KeyID, ks.Index, m)
	})
}

// Get returns the current share. An invalidated share is kept for audit but reported as ErrShareInvalidated.
func (s *Store) Get(keyID string, index int) (*core.KeyShare, error) {
	l := s.lock(keyID, index)
	l.RLock()
	defer l.RUnlock()
	return s.current(keyID, index)
}

func (s *Store) current(keyID string, index int) (*core.KeyShare, error) {
	var out *core.KeyShare
	err := s.view(keyID, index, func(txn kvstore.Txn, m *meta) error {
		if m.Active == 0 {
			return errors.Wrapf(core.ErrNotFound, "share %s/%d", keyID, index)
		}
		if m.Versions[m.Active] == core.ShareInvalidated {
			return errors.Wrapf(core.ErrShareInvalidated, "share %s/%d version %d", keyID, index, m.Active)
		}
		ks, err := s.load(txn, keyID, index, m.Active)
		out = ks
		return err
	})
	return out, err
}

func (s *Store) load(txn kvstore.Txn, keyID string, index, version int) (*core.KeyShare, error) {
	key := shareKey(keyID, index, version)
	sealed, err := txn.Get(key)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, errors.Wrapf(core.ErrNotFound, "share record %s", key)
	}
	if err != nil {
		return nil, err
	}
	return s.open(key, sealed)
}

// Version returns any stored version regardless of status, for audit.
func (s *Store) Version(keyID string, index, version int) (*core.KeyShare, core.ShareStatus, error) {
	var (
		out    *core.KeyShare
		status core.ShareStatus
	)
	err := s.view(keyID, index, func(txn kvstore.Txn, m *meta) error {
		st, ok := m.Versions[version]
		if !ok {
			return errors.Wrapf(core.ErrNotFound, "share %s/%d version %d", keyID, index, version)
		}
		ks, err := s.load(txn, keyID, index, version)
		out, status = ks, st
		return err
	})
	return out, status, err
}

// History lists every version of the share in ascending order.
func (s *Store) History(keyID string, index int) ([]VersionInfo, error) {
	var out []VersionInfo
	err := s.view(keyID, index, func(_ kvstore.Txn, m *meta) error {
		if len(m.Versions) == 0 {
			return errors.Wrapf(core.ErrNotFound, "share %s/%d", keyID, index)
		}
		for v, st := range m.Versions {
			out = append(out, VersionInfo{Version: v, Status: st})
		}
		slices.SortFunc(out, func(a, b VersionInfo) int { return a.Version - b.Version })
		return nil
	})
	return out, err
}

// Holdings lists every share this guardian holds, ordered by key id and index. Secret material is not read.
func (s *Store) Holdings() ([]Holding, error) {
	keys, err := s.kv.Keys(metaPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "list share metadata")
	}
	out := make([]Holding, 0, len(keys))
	for _, k := range keys {
		keyID, index, ok := parseMetaKey(k)
		if !ok {
			continue
		}
		history, err := s.History(keyID, index)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "history of %s/%d", keyID, index)
		}
		out = append(out, Holding{KeyID: keyID, Index: index, Versions: history})
	}
	slices.SortFunc(out, func(a, b Holding) int {
		if c := strings.Compare(a.KeyID, b.KeyID); c != 0 {
			return c
		}
		return a.Index - b.Index
	})
	return out, nil
}

// Invalidate marks the current share unusable. The record stays on disk.
func (s *Store) Invalidate(keyID string, index int) error {
	l := s.lock(keyID, index)
	l.Lock()
	defer l.Unlock()

	return s.view(keyID, index, func(txn kvstore.Txn, m *meta) error {
		if m.Active == 0 {
			return errors.Wrapf(core.ErrNotFound, "share %s/%d", keyID, index)
		}
		if m.Versions[m.Active] == core.ShareInvalidated {
			return nil
		}
		m.Versions[m.Active] = core.ShareInvalidated
		logger.Warn("Share invalidated", "key_id", keyID, "index", index, "version", m.Active)
		return writeMeta(txn, keyID, index, m)
	})
}

// Stage durably stores a share produced by a reshare without making it authoritative. A staged version left by
// an earlier process is dropped first.
func (s *Store) Stage(ks *core.KeyShare) error {
	l := s.lock(ks.KeyID, ks.Index)
	l.Lock()
	defer l.Unlock()

	lk := metaKey(ks.KeyID, ks.Index)
	err := s.view(ks.KeyID, ks.Index, func(txn kvstore.Txn, m *meta) error {
		if m.Staged != 0 {
			if s.isStaging(lk) {
				return errors.Wrapf(core.ErrConflict, "share %s/%d already has staged version %d", ks.KeyID, ks.Index, m.Staged)
			}
			logger.Warn("Dropping staged share left by an interrupted reshare", "key_id", ks.KeyID, "index", ks.Index, "version", m.Staged)
			if err := txn.Delete(shareKey(ks.KeyID, ks.Index, m.Staged)); err != nil {
				return err
			}
			delete(m.Versions, m.Staged)
			m.Staged = 0
		}
		if ks.Version <= m.latest() {
			return errors.Wrapf(core.ErrConflict, "staged version %d not above %d", ks.Version, m.latest())
		}
		if err := s.write(txn, ks); err != nil {
			return err
		}
		m.Staged = ks.Version
		m.Versions[ks.Version] = core.ShareStaged
		return writeMeta(txn, ks.KeyID, ks.Index, m)
	})
	if err == nil {
		s.setStaging(lk, true)
	}
	return err
}

func (s *Store) isStaging(k string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staging[k]
}

func (s *Store) setStaging(k string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.staging[k] = true
	} else {
		delete(s.staging, k)
	}
}

// Commit makes the staged share authoritative and supersedes the previous one in a single transaction.
// It waits for in-flight signing steps on the share to finish.
func (s *Store) Commit(keyID string, index int) error {
	l := s.lock(keyID, index)
	l.Lock()
	defer l.Unlock()
	defer s.setStaging(metaKey(keyID, index), false)

	return s.view(keyID, index, func(txn kvstore.Txn, m *meta) error {
		if m.Staged == 0 {
			return errors.Wrapf(core.ErrNotFound, "no staged share for %s/%d", keyID, index)
		}
		if m.Active != 0 && m.Versions[m.Active] == core.ShareActive {
			m.Versions[m.Active] = core.ShareSuperseded
		}
		m.Active = m.Staged
		m.Versions[m.Staged] = core.ShareActive
		m.Staged = 0
		return writeMeta(txn, keyID, index, m)
	})
}

// Discard drops a staged share that never became authoritative.
func (s *Store) Discard(keyID string, index int) error {
	l := s.lock(keyID, index)
	l.Lock()
	defer l.Unlock()
	defer s.setStaging(metaKey(keyID, index), false)

	return s.view(keyID, index, func(txn kvstore.Txn, m *meta) error {
		if m.Staged == 0 {
			return nil
		}
		if err := txn.Delete(shareKey(keyID, index, m.Staged)); err != nil {
			return err
		}
		delete(m.Versions, m.Staged)
		m.Staged = 0
		if len(m.Versions) == 0 {
			return txn.Delete(metaKey(keyID, index))
		}
		return writeMeta(txn, keyID, index, m)
	})
}

// UseShare runs fn while holding the share for reading, provided version is still the active, valid share.
// Commit and Invalidate wait for fn to return.
func (s *Store) UseShare(keyID string, index, version int, fn func() error) error {
	l := s.lock(keyID, index)
	l.RLock()
	defer l.RUnlock()

	err := s.view(keyID, index, func(_ kvstore.Txn, m *meta) error {
		st, ok := m.Versions[version]
		if !ok {
			return errors.Wrapf(core.ErrNotFound, "share %s/%d version %d", keyID, index, version)
		}
		if m.Active != version || st != core.ShareActive {
			return errors.Wrapf(core.ErrShareInvalidated, "share %s/%d version %d is %s", keyID, index, version, st)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return fn()
}

// BeginReshare reserves keyID for one reshare. The returned release must be called when it ends.
func (s *Store) BeginReshare(keyID string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resharing[keyID] {
		return nil, errors.Wrapf(core.ErrReshareInProgress, "key %s", keyID)
	}
	s.resharing[keyID] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.resharing, keyID)
			s.mu.Unlock()
		})
	}, nil
}
