package core

import (
	"fmt"
	"time"
)

const DefaultVersion = 1

type ShareStatus string

const (
	ShareActive      ShareStatus = "active"
	ShareStaged      ShareStatus = "staged"
	ShareSuperseded  ShareStatus = "superseded"
	ShareInvalidated ShareStatus = "invalidated"
)

// KeyShare is this guardian's secret share of one key. Share never leaves the node.
type KeyShare struct {
	KeyID        string        `json:"key_id"`
	Index        int           `json:"guardian_index"`
	Version      int           `json:"version"`
	Threshold    int           `json:"threshold"`
	Participants []Participant `json:"participants"`

	Share              []byte         `json:"share_material"`
	PublicKey          []byte         `json:"public_key"`
	PublicKeyFragment  []byte         `json:"public_key_fragment"`
	VerificationShares map[int][]byte `json:"verification_shares"`

	ProtocolVersion string    `json:"protocol_version"`
	CreatedAt       time.Time `json:"created_at"`
}

// Policy reconstructs the signing policy recorded with the share.
func (k *KeyShare) Policy() ThresholdPolicy {
	return ThresholdPolicy{
		TotalParticipants: len(k.Participants),
		Threshold:         k.Threshold,
		Participants:      append([]Participant(nil), k.Participants...),
	}
}

// Zero wipes the secret material held in memory.
func (k *KeyShare) Zero() {
	if k == nil {
		return
	}
	for i := range k.Share {
		k.Share[i] = 0
	}
}

func (k *KeyShare) String() string {
	return fmt.Sprintf("KeyShare{key=%s index=%d version=%d}", k.KeyID, k.Index, k.Version)
}

func KeyIDWithVersion(keyID string, version int) string {
	return fmt.Sprintf("%s_v%d", keyID, version)
}
