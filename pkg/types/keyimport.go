package types

import "github.com/fystack/mpcium-guardian/pkg/mpc/core"

// ImportMessage installs a dealer-split share of a key generated elsewhere. Every guardian of Policy receives
// its own message under one session id; Share is the guardian's core.KeyShare sealed to its age recipient.
type ImportMessage struct {
	SessionParams
	Policy    core.ThresholdPolicy `json:"policy"`
	Share     []byte               `json:"share"`
	Initiator string               `json:"initiator_id"`
	Signature []byte               `json:"signature,omitempty"`
}

func (m *ImportMessage) Raw() ([]byte, error) {
	return raw(m, func(c *ImportMessage) { c.Signature = nil })
}

func (m *ImportMessage) Sig() []byte { return m.Signature }

func (m *ImportMessage) InitiatorID() string { return m.Initiator }
