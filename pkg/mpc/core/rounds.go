package core

import "crypto/cipher"

// Outgoing is a payload produced by a transition. To == 0 addresses every other participant.
type Outgoing struct {
	To      int
	Payload []byte
	Private bool
}

// RoundInputs holds one complete round buffer keyed by sender index.
type RoundInputs map[int][]byte

type ArtifactKind string

const (
	ArtifactKeyShare          ArtifactKind = "key_share"
	ArtifactSignature         ArtifactKind = "signature"
	ArtifactSignatureFragment ArtifactKind = "signature_fragment"
)

type Artifact struct {
	Kind      ArtifactKind
	KeyShare  *KeyShare
	Signature []byte
	Fragment  []byte
	PublicKey []byte
}

// Transition is the effect of one protocol step. A non-final transition may carry an artifact that has to
// be staged durably before Outbound leaves the node.
type Transition struct {
	Outbound []Outgoing
	Artifact *Artifact
	Final    bool
}

// State is the protocol state of one session at a round boundary.
type State interface {
	Operation() Operation
	// Round is the round whose inputs are awaited. Zero before the session started.
	Round() int
	Rounds() int
	Self() int
	// Expected lists the sender indices whose messages complete round.
	Expected(round int) []int
}

// Step is the discriminant of the transition table.
type Step struct {
	Operation Operation
	Round     int
}

type TransitionFunc func(st State, in RoundInputs) (State, Transition, error)

type ReshareParams struct {
	Dealers   []int
	PublicKey []byte
	Version   int
}

// Params carries everything a protocol needs to build its initial state.
type Params struct {
	SessionID string
	KeyID     string
	Self      int
	Policy    ThresholdPolicy
	Share     *KeyShare
	Message   []byte
	Reshare   *ReshareParams
	Rand      cipher.Stream
}
