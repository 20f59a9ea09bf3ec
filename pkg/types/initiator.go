package types

import (
	"encoding/json"
	"time"
)

// InitiatorMessage is anything that carries a payload to verify and its signature.
type InitiatorMessage interface {
	// Raw returns the canonical byte‐slice that was signed.
	Raw() ([]byte, error)
	// Sig returns the signature over Raw().
	Sig() []byte
	// InitiatorID returns the ID whose public key we have to look up.
	InitiatorID() string
}

// SessionParams are the fields every session-opening request carries.
type SessionParams struct {
	SessionID string `json:"session_id"`
	KeyID     string `json:"key_id"`
	// Protocol and Rounds must match the guardian's scheme when set.
	Protocol       string `json:"protocol,omitempty"`
	Rounds         int    `json:"rounds,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (p SessionParams) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// raw marshals a copy of m whose signature has been cleared by strip.
func raw[T any](m *T, strip func(*T)) ([]byte, error) {
	c := *m
	strip(&c)
	return json.Marshal(&c)
}
