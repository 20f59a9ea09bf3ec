package types

import (
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/pkg/errors"
)

type ErrorCode string

const (
	ErrorCodePolicyInvalid       ErrorCode = "ERROR_POLICY_INVALID"
	ErrorCodeDuplicateSession    ErrorCode = "ERROR_DUPLICATE_SESSION"
	ErrorCodeUnknownSession      ErrorCode = "ERROR_UNKNOWN_SESSION"
	ErrorCodeStaleRound          ErrorCode = "ERROR_STALE_ROUND"
	ErrorCodeUnauthorized        ErrorCode = "ERROR_UNAUTHORIZED"
	ErrorCodeProtocolMismatch    ErrorCode = "ERROR_PROTOCOL_MISMATCH"
	ErrorCodeVerificationFailed  ErrorCode = "ERROR_VERIFICATION_FAILED"
	ErrorCodeTimeout             ErrorCode = "ERROR_TIMEOUT"
	ErrorCodeReshareInProgress   ErrorCode = "ERROR_RESHARE_IN_PROGRESS"
	ErrorCodeShareInvalidated    ErrorCode = "ERROR_SHARE_INVALIDATED"
	ErrorCodeConflict            ErrorCode = "ERROR_CONFLICT"
	ErrorCodeNotFound            ErrorCode = "ERROR_NOT_FOUND"
	ErrorCodePeerAborted         ErrorCode = "ERROR_PEER_ABORTED"
	ErrorCodeCancelled           ErrorCode = "ERROR_CANCELLED"
	ErrorCodeUnmarshalFailure    ErrorCode = "ERROR_UNMARSHAL_FAILURE"
	ErrorCodeMaxDeliveryAttempts ErrorCode = "ERROR_MAX_DELIVERY_ATTEMPTS"
	ErrorCodeInternal            ErrorCode = "ERROR_INTERNAL"
)

// ErrMaxDeliveryAttempts is reported for requests the queue stopped redelivering.
var ErrMaxDeliveryAttempts = errors.New("maximum delivery attempts exceeded")

var codes = []struct {
	err  error
	code ErrorCode
}{
	{core.ErrPolicyInvalid, ErrorCodePolicyInvalid},
	{core.ErrDuplicateSession, ErrorCodeDuplicateSession},
	{core.ErrUnknownSession, ErrorCodeUnknownSession},
	{core.ErrStaleRound, ErrorCodeStaleRound},
	{core.ErrUnauthorized, ErrorCodeUnauthorized},
	{core.ErrProtocolMismatch, ErrorCodeProtocolMismatch},
	{core.ErrVerificationFailed, ErrorCodeVerificationFailed},
	{core.ErrTimeout, ErrorCodeTimeout},
	{core.ErrReshareInProgress, ErrorCodeReshareInProgress},
	{core.ErrShareInvalidated, ErrorCodeShareInvalidated},
	{core.ErrConflict, ErrorCodeConflict},
	{core.ErrNotFound, ErrorCodeNotFound},
	{core.ErrPeerAborted, ErrorCodePeerAborted},
	{core.ErrCancelled, ErrorCodeCancelled},
	{ErrMaxDeliveryAttempts, ErrorCodeMaxDeliveryAttempts},
}

// ErrorCodeFor maps err onto the code reported to the coordinator.
func ErrorCodeFor(err error) ErrorCode {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ErrorCodeInternal
}

// Err returns the taxonomy error for a reported code, so a coordinator can use errors.Is on results.
func (c ErrorCode) Err() error {
	for _, e := range codes {
		if e.code == c {
			return e.err
		}
	}
	return errors.New(string(c))
}
