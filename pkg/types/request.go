package types

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type RequestType string

const (
	RequestKeygen     RequestType = "keygen"
	RequestSign       RequestType = "sign"
	RequestReshare    RequestType = "reshare"
	RequestAbort      RequestType = "abort"
	RequestInvalidate RequestType = "invalidate"
	RequestImport     RequestType = "import"
	RequestKeyshares  RequestType = "keyshare_info"
)

// Request is the envelope a coordinator publishes on a guardian's request subject.
type Request struct {
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeRequest wraps a signed message into its envelope.
func EncodeRequest(m InitiatorMessage) ([]byte, error) {
	var t RequestType
	switch m.(type) {
	case *KeygenMessage:
		t = RequestKeygen
	case *SigningMessage:
		t = RequestSign
	case *ResharingMessage:
		t = RequestReshare
	case *AbortMessage:
		t = RequestAbort
	case *InvalidateMessage:
		t = RequestInvalidate
	case *ImportMessage:
		t = RequestImport
	case *KeyshareInfoMessage:
		t = RequestKeyshares
	default:
		return nil, errors.Errorf("unsupported request %T", m)
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	return json.Marshal(Request{Type: t, Payload: payload})
}

// DecodeRequest unwraps an envelope into the concrete message for its type.
func DecodeRequest(data []byte) (RequestType, InitiatorMessage, error) {
	var env Request
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, errors.Wrap(err, "unmarshal request")
	}
	var m InitiatorMessage
	switch env.Type {
	case RequestKeygen:
		m = &KeygenMessage{}
	case RequestSign:
		m = &SigningMessage{}
	case RequestReshare:
		m = &ResharingMessage{}
	case RequestAbort:
		m = &AbortMessage{}
	case RequestInvalidate:
		m = &InvalidateMessage{}
	case RequestImport:
		m = &ImportMessage{}
	case RequestKeyshares:
		m = &KeyshareInfoMessage{}
	default:
		return env.Type, nil, errors.Errorf("unknown request type %q", env.Type)
	}
	if err := json.Unmarshal(env.Payload, m); err != nil {
		return env.Type, nil, errors.Wrapf(err, "unmarshal %s request", env.Type)
	}
	return env.Type, m, nil
}
