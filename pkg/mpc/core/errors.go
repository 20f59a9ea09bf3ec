package core

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrPolicyInvalid      = errors.New("policy invalid")
	ErrDuplicateSession   = errors.New("duplicate session")
	ErrUnknownSession     = errors.New("unknown session")
	ErrStaleRound         = errors.New("stale round")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrProtocolMismatch   = errors.New("protocol mismatch")
	ErrVerificationFailed = errors.New("verification failed")
	ErrTimeout            = errors.New("session timed out")
	ErrReshareInProgress  = errors.New("reshare in progress")
	ErrShareInvalidated   = errors.New("share invalidated")
	ErrConflict           = errors.New("share conflict")
	ErrNotFound           = errors.New("not found")

	ErrPeerAborted = errors.New("aborted by participant")
	ErrCancelled   = errors.New("session cancelled")
)

// ProtocolError is an integrity failure attributed to specific guardian indices.
type ProtocolError struct {
	Err      error
	Culprits []int
	Message  string
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Culprits) > 0 {
		fmt.Fprintf(&b, " (culprits %v)", e.Culprits)
	}
	return b.String()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Blame builds a ProtocolError for kind naming the misbehaving indices.
func Blame(kind error, culprits []int, format string, args ...any) error {
	return &ProtocolError{Err: kind, Culprits: culprits, Message: fmt.Sprintf(format, args...)}
}

// Culprits returns the indices blamed by err, if any.
func Culprits(err error) []int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Culprits
	}
	return nil
}

type AbortReason string

const (
	ReasonTimeout            AbortReason = "timeout"
	ReasonProtocolMismatch   AbortReason = "protocol_mismatch"
	ReasonVerificationFailed AbortReason = "verification_failed"
	ReasonShareInvalidated   AbortReason = "share_invalidated"
	ReasonConflict           AbortReason = "conflict"
	ReasonPeerAborted        AbortReason = "peer_aborted"
	ReasonCancelled          AbortReason = "cancelled"
	ReasonInternal           AbortReason = "internal"
)

// ReasonFor maps an error from a session step onto the abort reason reported to the coordinator.
func ReasonFor(err error) AbortReason {
	switch {
	case errors.Is(err, ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrProtocolMismatch):
		return ReasonProtocolMismatch
	case errors.Is(err, ErrVerificationFailed):
		return ReasonVerificationFailed
	case errors.Is(err, ErrShareInvalidated):
		return ReasonShareInvalidated
	case errors.Is(err, ErrConflict):
		return ReasonConflict
	case errors.Is(err, ErrPeerAborted):
		return ReasonPeerAborted
	case errors.Is(err, ErrCancelled):
		return ReasonCancelled
	}
	return ReasonInternal
}

// Err returns the taxonomy error matching the reason.
func (r AbortReason) Err() error {
	switch r {
	case ReasonTimeout:
		return ErrTimeout
	case ReasonProtocolMismatch:
		return ErrProtocolMismatch
	case ReasonVerificationFailed:
		return ErrVerificationFailed
	case ReasonShareInvalidated:
		return ErrShareInvalidated
	case ReasonConflict:
		return ErrConflict
	case ReasonPeerAborted:
		return ErrPeerAborted
	case ReasonCancelled:
		return ErrCancelled
	}
	return errors.New(string(r))
}
