// Package keyinfo publishes the public facts about a key: its group public key, threshold, participants
// and current share version. Nothing secret is stored here.
package keyinfo

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/infra"
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
)

type KeyInfo struct {
	KeyID        string             `json:"key_id"`
	PublicKey    string             `json:"public_key"`
	Threshold    int                `json:"threshold"`
	Participants []core.Participant `json:"participants"`
	Version      int                `json:"version"`
	Protocol     string             `json:"protocol"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// FromShare extracts the public key information recorded with a share.
func FromShare(ks *core.KeyShare) *KeyInfo {
	return &KeyInfo{
		KeyID:        ks.KeyID,
		PublicKey:    hex.EncodeToString(ks.PublicKey),
		Threshold:    ks.Threshold,
		Participants: ks.Participants,
		Version:      ks.Version,
		Protocol:     ks.ProtocolVersion,
		UpdatedAt:    time.Now().UTC(),
	}
}

func (k *KeyInfo) Policy() core.ThresholdPolicy {
	return core.ThresholdPolicy{
		TotalParticipants: len(k.Participants),
		Threshold:         k.Threshold,
		Participants:      k.Participants,
	}
}

type Store interface {
	Get(keyID string) (*KeyInfo, error)
	Save(info *KeyInfo) error
}

type consulStore struct {
	consulKV infra.ConsulKV
}

var _ Store = (*consulStore)(nil)

// NewConsulStore stores key information under threshold_keyinfo/ in Consul KV.
func NewConsulStore(consulKV infra.ConsulKV) Store {
	return &consulStore{consulKV: consulKV}
}

func (s *consulStore) Get(keyID string) (*KeyInfo, error) {
	pair, _, err := s.consulKV.Get(s.composeKey(keyID), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get key info")
	}
	if pair == nil {
		return nil, errors.Wrapf(core.ErrNotFound, "key info %s", keyID)
	}
	info := &KeyInfo{}
	if err := json.Unmarshal(pair.Value, info); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal key info")
	}
	return info, nil
}

// Save records info. Every guardian of a key saves the same record, so equal versions are accepted;
// an older version never replaces a newer one.
func (s *consulStore) Save(info *KeyInfo) error {
	existing, err := s.Get(info.KeyID)
	switch {
	case errors.Is(err, core.ErrNotFound):
	case err != nil:
		return err
	case existing.Version > info.Version:
		return errors.Wrapf(core.ErrConflict, "key info %s at version %d, refusing %d", info.KeyID, existing.Version, info.Version)
	case existing.PublicKey != info.PublicKey:
		return errors.Wrapf(core.ErrConflict, "key info %s public key differs", info.KeyID)
	}

	bytes, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "failed to marshal key info")
	}
	if _, err := s.consulKV.Put(&api.KVPair{Key: s.composeKey(info.KeyID), Value: bytes}, nil); err != nil {
		return errors.Wrap(err, "failed to save key info")
	}
	return nil
}

func (s *consulStore) composeKey(keyID string) string {
	return fmt.Sprintf("threshold_keyinfo/%s", keyID)
}
