package eddsa

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha512"
	"slices"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
)

// DealShares splits an existing Ed25519 key, given by its 32-byte seed, among the participants of p. A nil seed
// deals a fresh key. The dealer sees the whole key; this is the import path for keys generated elsewhere.
func DealShares(keyID string, p core.ThresholdPolicy, seed []byte, rand cipher.Stream) (map[int]*core.KeyShare, error) {
	if rand == nil {
		rand = suite.RandomStream()
	}
	var secret kyber.Scalar
	if seed != nil {
		s, err := seedScalar(seed)
		if err != nil {
			return nil, err
		}
		secret = s
	}
	poly := share.NewPriPoly(suite, p.Threshold, secret, rand)
	_, commits := poly.Commit(nil).Info()

	verification := map[int][]byte{}
	for _, i := range p.Indices() {
		verification[i] = encodePoint(commitAt(commits, i))
	}
	publicKey := encodePoint(commits[0])

	out := make(map[int]*core.KeyShare, len(p.Participants))
	for _, i := range p.Indices() {
		out[i] = &core.KeyShare{
			KeyID:              keyID,
			Index:              i,
			Version:            core.DefaultVersion,
			Threshold:          p.Threshold,
			Participants:       append([]core.Participant(nil), p.Participants...),
			Share:              encodeScalar(evalAt(poly, i)),
			PublicKey:          publicKey,
			PublicKeyFragment:  verification[i],
			VerificationShares: verification,
			ProtocolVersion:    ProtocolID,
			CreatedAt:          time.Now().UTC(),
		}
	}
	return out, nil
}

// seedScalar derives the Ed25519 signing scalar from a private key seed as RFC 8032 does.
func seedScalar(seed []byte) (kyber.Scalar, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Wrapf(core.ErrPolicyInvalid, "ed25519 seed of %d bytes", len(seed))
	}
	digest := sha512.Sum512(seed)
	defer clear(digest[:])
	digest[0] &= 248
	digest[31] &= 127
	digest[31] |= 64
	return suite.Scalar().SetBytes(digest[:32]), nil
}

// VerifyShare checks a share received from a dealer before it is installed: the verification shares lie on one
// polynomial of degree threshold-1 whose constant term is the public key, and the secret share matches the
// guardian's own verification share.
func VerifyShare(ks *core.KeyShare) error {
	if ks.ProtocolVersion != ProtocolID {
		return errors.Wrapf(core.ErrProtocolMismatch, "share protocol %q", ks.ProtocolVersion)
	}
	secret, err := decodeScalar(ks.Share)
	if err != nil {
		return errors.Wrap(core.ErrVerificationFailed, err.Error())
	}
	publicKey, err := decodePoint(ks.PublicKey)
	if err != nil {
		return errors.Wrap(core.ErrVerificationFailed, err.Error())
	}
	verification, err := decodeVerification(ks.VerificationShares)
	if err != nil {
		return errors.Wrap(core.ErrVerificationFailed, err.Error())
	}
	indices := ks.Policy().Indices()
	if len(verification) != len(indices) || ks.Threshold < 1 || ks.Threshold > len(indices) {
		return errors.Wrapf(core.ErrVerificationFailed, "%d verification shares for %d participants", len(verification), len(indices))
	}

	pubShares := make([]*share.PubShare, 0, len(indices))
	for _, i := range indices {
		v, ok := verification[i]
		if !ok {
			return errors.Wrapf(core.ErrVerificationFailed, "no verification share for index %d", i)
		}
		pubShares = append(pubShares, &share.PubShare{I: i - 1, V: v})
	}
	poly, err := share.RecoverPubPoly(suite, pubShares, ks.Threshold, slices.Max(indices))
	if err != nil {
		return errors.Wrap(core.ErrVerificationFailed, err.Error())
	}
	if !poly.Commit().Equal(publicKey) {
		return core.Blame(core.ErrVerificationFailed, nil, "verification shares do not interpolate to the public key")
	}
	for _, i := range indices {
		if !poly.Eval(i - 1).V.Equal(verification[i]) {
			return core.Blame(core.ErrVerificationFailed, nil, "verification share %d off the dealt polynomial", i)
		}
	}
	own, ok := verification[ks.Index]
	if !ok || !suite.Point().Mul(secret, nil).Equal(own) {
		return core.Blame(core.ErrVerificationFailed, nil, "share %d does not match its verification share", ks.Index)
	}
	if frag, err := decodePoint(ks.PublicKeyFragment); err != nil || !frag.Equal(own) {
		return core.Blame(core.ErrVerificationFailed, nil, "public key fragment of share %d", ks.Index)
	}
	return nil
}
