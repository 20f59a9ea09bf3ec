package core

import (
	"encoding/json"
)

type Operation string

const (
	OperationDKG     Operation = "dkg"
	OperationSign    Operation = "sign"
	OperationReshare Operation = "reshare"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationDKG, OperationSign, OperationReshare:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

type MessageKind string

const (
	KindRound MessageKind = "round"
	KindAbort MessageKind = "abort"
)

// RoundMessage is one guardian's contribution to a session round, or an abort notice.
type RoundMessage struct {
	SessionID string      `json:"session_id"`
	Operation Operation   `json:"operation"`
	Protocol  string      `json:"protocol"`
	Kind      MessageKind `json:"kind"`
	Round     int         `json:"round_number"`
	Sender    string      `json:"sender_id"`
	Recipient string      `json:"recipient_id"`
	Payload   []byte      `json:"payload"`
	// Private payloads are encrypted to the recipient on the wire.
	Private   bool   `json:"private"`
	Signature []byte `json:"signature,omitempty"`
}

// Raw returns the canonical bytes covered by Signature.
func (m *RoundMessage) Raw() ([]byte, error) {
	c := *m
	c.Signature = nil
	return json.Marshal(&c)
}
