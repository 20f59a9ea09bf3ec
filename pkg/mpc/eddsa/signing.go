package eddsa

import (
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	edsig "go.dedis.ch/kyber/v3/sign/eddsa"
)

const signingRounds = 2

type nonces struct {
	d, e kyber.Point
}

// SigningState is the FROST signing state of one guardian.
type SigningState struct {
	params core.Params
	round  int

	signers      []int
	secret       kyber.Scalar
	publicKey    kyber.Point
	verification map[int]kyber.Point

	d, e        kyber.Scalar
	commitments map[int]nonces
	rho         map[int]kyber.Scalar
	r           kyber.Point
	c           kyber.Scalar
	z           kyber.Scalar
}

func newSigningState(p core.Params) (*SigningState, error) {
	if p.Share == nil {
		return nil, errors.Wrap(core.ErrNotFound, "signing requires a key share")
	}
	if p.Share.Index != p.Self {
		return nil, errors.Wrapf(core.ErrPolicyInvalid, "share index %d does not match guardian index %d", p.Share.Index, p.Self)
	}
	secret, err := decodeScalar(p.Share.Share)
	if err != nil {
		return nil, err
	}
	publicKey, err := decodePoint(p.Share.PublicKey)
	if err != nil {
		return nil, err
	}
	verification, err := decodeVerification(p.Share.VerificationShares)
	if err != nil {
		return nil, err
	}
	signers := p.Policy.Indices()
	for _, i := range signers {
		if _, ok := verification[i]; !ok {
			return nil, errors.Wrapf(core.ErrPolicyInvalid, "signer %d holds no share of key %s", i, p.Share.KeyID)
		}
	}
	return &SigningState{
		params:       p,
		signers:      signers,
		secret:       secret,
		publicKey:    publicKey,
		verification: verification,
	}, nil
}

func (s *SigningState) Operation() core.Operation { return core.OperationSign }
func (s *SigningState) Round() int                { return s.round }
func (s *SigningState) Rounds() int               { return signingRounds }
func (s *SigningState) Self() int                 { return s.params.Self }

// Expected lists the other signers. Below the key's threshold the commitment round also waits on the holders
// outside the signing set; they are not session participants, so the round can only end at the deadline.
func (s *SigningState) Expected(round int) []int {
	if round == 2 && !s.aggregates() {
		return nil
	}
	if round == 1 && len(s.signers) < s.params.Share.Threshold {
		return without(sortedKeys(s.verification), s.params.Self)
	}
	return without(s.signers, s.params.Self)
}

func (s *SigningState) aggregates() bool {
	a := s.params.Policy.Aggregator
	return a == 0 || a == s.params.Self
}

// signCommit samples single-use nonces and publishes their commitments.
func signCommit(st core.State, _ core.RoundInputs) (core.State, core.Transition, error) {
	s := st.(*SigningState)
	d := suite.Scalar().Pick(s.params.Rand)
	e := suite.Scalar().Pick(s.params.Rand)
	own := nonces{d: suite.Point().Mul(d, nil), e: suite.Point().Mul(e, nil)}

	next := *s
	next.round = 1
	next.d, next.e = d, e
	next.commitments = map[int]nonces{s.params.Self: own}
	return &next, core.Transition{
		Outbound: []core.Outgoing{{Payload: encode(&nonceCommitment{D: encodePoint(own.d), E: encodePoint(own.e)})}},
	}, nil
}

func bindingFactors(msg []byte, commitments map[int]nonces) map[int]kyber.Scalar {
	list := newTranscript("frost-commitment-list")
	for _, i := range sortedKeys(commitments) {
		list.index(i).point(commitments[i].d).point(commitments[i].e)
	}
	encoded := list.sum()

	rho := make(map[int]kyber.Scalar, len(commitments))
	for i := range commitments {
		rho[i] = newTranscript("frost-rho").index(i).bytes(msg).bytes(encoded).scalar()
	}
	return rho
}

// signRespond computes the group commitment and this guardian's response z_i.
func signRespond(st core.State, in core.RoundInputs) (core.State, core.Transition, error) {
	s := st.(*SigningState)
	p := s.params

	commitments := map[int]nonces{p.Self: s.commitments[p.Self]}
	var culprits []int
	for _, j := range sortedKeys(in) {
		var nc nonceCommitment
		if err := decode(j, in[j], &nc); err != nil {
			culprits = append(culprits, j)
			continue
		}
		d, errD := decodePoint(nc.D)
		e, errE := decodePoint(nc.E)
		if errD != nil || errE != nil || isIdentity(d) || isIdentity(e) {
			culprits = append(culprits, j)
			continue
		}
		commitments[j] = nonces{d: d, e: e}
	}
	if len(culprits) > 0 {
		return nil, core.Transition{}, core.Blame(core.ErrVerificationFailed, culprits, "invalid nonce commitment")
	}

	rho := bindingFactors(p.Message, commitments)
	r := suite.Point().Null()
	for i, nc := range commitments {
		r.Add(r, suite.Point().Add(nc.d, suite.Point().Mul(rho[i], nc.e)))
	}
	c := challenge(r, s.publicKey, p.Message)

	lambda := lagrange(p.Self, s.signers)
	z := suite.Scalar().Mul(s.e, rho[p.Self])
	z.Add(z, s.d)
	z.Add(z, suite.Scalar().Mul(suite.Scalar().Mul(lambda, s.secret), c))

	to := 0
	if !s.aggregates() {
		to = p.Policy.Aggregator
	}

	next := *s
	next.round = 2
	next.d, next.e = nil, nil
	next.commitments = commitments
	next.rho = rho
	next.r = r
	next.c = c
	next.z = z
	return &next, core.Transition{
		Outbound: []core.Outgoing{{To: to, Payload: encode(&response{Z: encodeScalar(z)})}},
	}, nil
}

// signAggregate verifies every response, combines them and checks the signature against the group key.
// Guardians that are not the aggregator finish with their own fragment.
func signAggregate(st core.State, in core.RoundInputs) (core.State, core.Transition, error) {
	s := st.(*SigningState)
	p := s.params

	next := *s
	next.round = signingRounds + 1
	next.secret = nil

	if !s.aggregates() {
		return &next, core.Transition{
			Final: true,
			Artifact: &core.Artifact{
				Kind:      core.ArtifactSignatureFragment,
				Fragment:  encodeScalar(s.z),
				PublicKey: encodePoint(s.publicKey),
			},
		}, nil
	}

	z := suite.Scalar().Set(s.z)
	var culprits []int
	for _, j := range sortedKeys(in) {
		var resp response
		if err := decode(j, in[j], &resp); err != nil {
			culprits = append(culprits, j)
			continue
		}
		zj, err := decodeScalar(resp.Z)
		if err != nil {
			culprits = append(culprits, j)
			continue
		}
		nc := s.commitments[j]
		expected := suite.Point().Add(nc.d, suite.Point().Mul(s.rho[j], nc.e))
		lc := suite.Scalar().Mul(lagrange(j, s.signers), s.c)
		expected.Add(expected, suite.Point().Mul(lc, s.verification[j]))
		if !suite.Point().Mul(zj, nil).Equal(expected) {
			culprits = append(culprits, j)
			continue
		}
		z.Add(z, zj)
	}
	if len(culprits) > 0 {
		return nil, core.Transition{}, core.Blame(core.ErrVerificationFailed, culprits, "invalid signature share")
	}

	sig := append(encodePoint(s.r), encodeScalar(z)...)
	if err := edsig.Verify(s.publicKey, p.Message, sig); err != nil {
		return nil, core.Transition{}, core.Blame(core.ErrVerificationFailed, nil, "aggregate signature rejected: %v", err)
	}

	return &next, core.Transition{
		Final: true,
		Artifact: &core.Artifact{
			Kind:      core.ArtifactSignature,
			Signature: sig,
			PublicKey: encodePoint(s.publicKey),
		},
	}, nil
}
