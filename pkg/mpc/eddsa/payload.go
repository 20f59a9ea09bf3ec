package eddsa

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/pkg/errors"
)

type dealing struct {
	Commitments [][]byte `cbor:"1,keyasint"`
	Share       []byte   `cbor:"2,keyasint"`
	ProofR      []byte   `cbor:"3,keyasint,omitempty"`
	ProofMu     []byte   `cbor:"4,keyasint,omitempty"`
	PublicKey   []byte   `cbor:"5,keyasint,omitempty"`
}

type confirmation struct {
	Digest []byte `cbor:"1,keyasint"`
}

type nonceCommitment struct {
	D []byte `cbor:"1,keyasint"`
	E []byte `cbor:"2,keyasint"`
}

type response struct {
	Z []byte `cbor:"1,keyasint"`
}

var decMode, _ = cbor.DecOptions{
	MaxArrayElements: 1024,
	MaxMapPairs:      16,
}.DecMode()

func encode(v any) []byte {
	b, err := cbor.Marshal(v)
	if err != nil {
		// payload structs only hold byte slices
		panic(err)
	}
	return b
}

func decode(sender int, b []byte, v any) error {
	if err := decMode.Unmarshal(b, v); err != nil {
		return core.Blame(core.ErrVerificationFailed, []int{sender}, "malformed payload: %v", errors.Cause(err))
	}
	return nil
}
