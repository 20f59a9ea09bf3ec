package types

// AbortMessage cancels a running session.
type AbortMessage struct {
	SessionID string `json:"session_id"`
	Initiator string `json:"initiator_id"`
	Signature []byte `json:"signature,omitempty"`
}

func (m *AbortMessage) Raw() ([]byte, error) {
	return raw(m, func(c *AbortMessage) { c.Signature = nil })
}

func (m *AbortMessage) Sig() []byte { return m.Signature }

func (m *AbortMessage) InitiatorID() string { return m.Initiator }

// InvalidateMessage retires the guardian's share of a key, typically after the guardian was replaced.
// SessionID identifies the request so the result can be matched.
type InvalidateMessage struct {
	SessionID     string `json:"session_id"`
	KeyID         string `json:"key_id"`
	GuardianIndex int    `json:"guardian_index"`
	Initiator     string `json:"initiator_id"`
	Signature     []byte `json:"signature,omitempty"`
}

func (m *InvalidateMessage) Raw() ([]byte, error) {
	return raw(m, func(c *InvalidateMessage) { c.Signature = nil })
}

func (m *InvalidateMessage) Sig() []byte { return m.Signature }

func (m *InvalidateMessage) InitiatorID() string { return m.Initiator }

// KeyshareInfoMessage asks a guardian which shares it holds. The answer lists key ids, indices, versions and
// their status, never material.
type KeyshareInfoMessage struct {
	SessionID string `json:"session_id"`
	Initiator string `json:"initiator_id"`
	Signature []byte `json:"signature,omitempty"`
}

func (m *KeyshareInfoMessage) Raw() ([]byte, error) {
	return raw(m, func(c *KeyshareInfoMessage) { c.Signature = nil })
}

func (m *KeyshareInfoMessage) Sig() []byte { return m.Signature }

func (m *KeyshareInfoMessage) InitiatorID() string { return m.Initiator }
