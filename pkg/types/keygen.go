package types

import "github.com/fystack/mpcium-guardian/pkg/mpc/core"

type KeygenMessage struct {
	SessionParams
	Policy    core.ThresholdPolicy `json:"policy"`
	Initiator string               `json:"initiator_id"`
	Signature []byte               `json:"signature,omitempty"`
}

func (m *KeygenMessage) Raw() ([]byte, error) {
	return raw(m, func(c *KeygenMessage) { c.Signature = nil })
}

func (m *KeygenMessage) Sig() []byte {
	return m.Signature
}

func (m *KeygenMessage) InitiatorID() string {
	return m.Initiator
}
