package types

import "github.com/fystack/mpcium-guardian/pkg/mpc/core"

// ResharingMessage replaces one guardian of a key. KeyID must equal Recovery.KeyID.
type ResharingMessage struct {
	SessionParams
	Recovery  core.RecoveryRequest `json:"recovery"`
	Initiator string               `json:"initiator_id"`
	Signature []byte               `json:"signature,omitempty"`
}

func (m *ResharingMessage) Raw() ([]byte, error) {
	return raw(m, func(c *ResharingMessage) { c.Signature = nil })
}

func (m *ResharingMessage) Sig() []byte {
	return m.Signature
}

func (m *ResharingMessage) InitiatorID() string {
	return m.Initiator
}
