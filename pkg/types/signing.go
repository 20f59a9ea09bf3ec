package types

import "github.com/fystack/mpcium-guardian/pkg/mpc/core"

type SigningMessage struct {
	SessionParams
	Policy core.ThresholdPolicy `json:"policy"`
	// TxID names the transaction; concurrent signing sessions of one key need distinct TxIDs.
	TxID      string `json:"tx_id"`
	Tx        []byte `json:"tx"`
	Initiator string `json:"initiator_id"`
	Signature []byte `json:"signature,omitempty"`
}

func (m *SigningMessage) Raw() ([]byte, error) {
	return raw(m, func(c *SigningMessage) { c.Signature = nil })
}

func (m *SigningMessage) Sig() []byte {
	return m.Signature
}

func (m *SigningMessage) InitiatorID() string {
	return m.Initiator
}
