package core

import (
	"slices"
)

// Participant binds a guardian identity to its share index for one key.
type Participant struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
}

// ThresholdPolicy is supplied per session by the coordinator.
type ThresholdPolicy struct {
	TotalParticipants int           `json:"total_participants"`
	Threshold         int           `json:"threshold"`
	Participants      []Participant `json:"participants"`
	// Aggregator is the index combining signature fragments. Zero means every signer combines.
	Aggregator int `json:"aggregator,omitempty"`
}

// Indices returns the participant indices in ascending order.
func (p ThresholdPolicy) Indices() []int {
	out := make([]int, 0, len(p.Participants))
	for _, pt := range p.Participants {
		out = append(out, pt.Index)
	}
	slices.Sort(out)
	return out
}

func (p ThresholdPolicy) IDs() []string {
	out := make([]string, 0, len(p.Participants))
	for _, pt := range p.Participants {
		out = append(out, pt.ID)
	}
	return out
}

func (p ThresholdPolicy) IndexOf(id string) (int, bool) {
	for _, pt := range p.Participants {
		if pt.ID == id {
			return pt.Index, true
		}
	}
	return 0, false
}

func (p ThresholdPolicy) ByIndex(index int) (Participant, bool) {
	for _, pt := range p.Participants {
		if pt.Index == index {
			return pt, true
		}
	}
	return Participant{}, false
}

func (p ThresholdPolicy) Contains(id string) bool {
	_, ok := p.IndexOf(id)
	return ok
}

// RecoveryRequest drives a reshare that swaps the guardian at ReplacedIndex for NewGuardian.
type RecoveryRequest struct {
	KeyID         string          `json:"key_id"`
	ReplacedIndex int             `json:"replaced_guardian_index"`
	NewGuardian   Participant     `json:"new_guardian"`
	OldPolicy     ThresholdPolicy `json:"old_policy"`
	NewPolicy     ThresholdPolicy `json:"new_policy"`
	// PublicKey is the key's group public key, checked by the incoming guardian.
	PublicKey []byte `json:"public_key,omitempty"`
}

// Dealers returns the old participants that keep their shares through the reshare.
func (r RecoveryRequest) Dealers() []int {
	return slices.DeleteFunc(r.OldPolicy.Indices(), func(i int) bool { return i == r.ReplacedIndex })
}
