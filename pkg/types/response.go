package types

import "github.com/fystack/mpcium-guardian/pkg/mpc/core"

type ResponseStatus string

const (
	StatusCompleted ResponseStatus = "completed"
	StatusAborted   ResponseStatus = "aborted"
	// StatusRejected means the request never became a session.
	StatusRejected ResponseStatus = "rejected"
)

// Response is what a guardian reports on its result subject for each request. It never carries share
// material. Responses are signed by the reporting guardian.
type Response struct {
	Type       RequestType    `json:"type"`
	SessionID  string         `json:"session_id"`
	KeyID      string         `json:"key_id,omitempty"`
	TxID       string         `json:"tx_id,omitempty"`
	GuardianID string         `json:"guardian_id"`
	Status     ResponseStatus `json:"status"`

	PublicKey    []byte `json:"public_key,omitempty"`
	Signature    []byte `json:"signature,omitempty"`
	Fragment     []byte `json:"fragment,omitempty"`
	ShareVersion int    `json:"share_version,omitempty"`
	// Holdings answers a keyshare_info request.
	Holdings []ShareHolding `json:"holdings,omitempty"`

	ErrorCode   ErrorCode `json:"error_code,omitempty"`
	ErrorReason string    `json:"error_reason,omitempty"`
	IsTimeout   bool      `json:"is_timeout,omitempty"`
	Culprits    []int     `json:"culprits,omitempty"`

	GuardianSignature []byte `json:"guardian_signature,omitempty"`
}

// ShareHolding is one stored version of a share a guardian holds.
type ShareHolding struct {
	KeyID   string           `json:"key_id"`
	Index   int              `json:"guardian_index"`
	Version int              `json:"version"`
	Status  core.ShareStatus `json:"status"`
}

// Fail fills the error fields from err.
func (r *Response) Fail(status ResponseStatus, err error) {
	r.Status = status
	r.ErrorCode = ErrorCodeFor(err)
	r.ErrorReason = err.Error()
	r.IsTimeout = r.ErrorCode == ErrorCodeTimeout
	r.Culprits = core.Culprits(err)
}

func (r *Response) Raw() ([]byte, error) {
	return raw(r, func(c *Response) { c.GuardianSignature = nil })
}

func (r *Response) Sig() []byte { return r.GuardianSignature }

func (r *Response) InitiatorID() string { return r.GuardianID }
