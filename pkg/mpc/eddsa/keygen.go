package eddsa

import (
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
)

const keygenRounds = 2

// KeygenState is the DKG state of one guardian.
type KeygenState struct {
	params core.Params
	round  int

	poly    *share.PriPoly
	commits []kyber.Point

	secret       kyber.Scalar
	publicKey    kyber.Point
	verification map[int]kyber.Point
	digest       []byte
}

func newKeygenState(p core.Params) (*KeygenState, error) {
	return &KeygenState{params: p}, nil
}

func (s *KeygenState) Operation() core.Operation { return core.OperationDKG }
func (s *KeygenState) Round() int                { return s.round }
func (s *KeygenState) Rounds() int               { return keygenRounds }
func (s *KeygenState) Self() int                 { return s.params.Self }

func (s *KeygenState) Expected(int) []int {
	return without(s.params.Policy.Indices(), s.params.Self)
}

func pokChallenge(sessionID string, index int, a0, r kyber.Point) kyber.Scalar {
	return newTranscript("frost-dkg-pok").bytes([]byte(sessionID)).index(index).point(a0).point(r).scalar()
}

// keygenDeal samples f_i, proves knowledge of f_i(0) and deals f_i(j) to every other guardian.
func keygenDeal(st core.State, _ core.RoundInputs) (core.State, core.Transition, error) {
	s := st.(*KeygenState)
	p := s.params

	a0 := suite.Scalar().Pick(p.Rand)
	poly := share.NewPriPoly(suite, p.Policy.Threshold, a0, p.Rand)
	_, commits := poly.Commit(nil).Info()

	k := suite.Scalar().Pick(p.Rand)
	r := suite.Point().Mul(k, nil)
	c := pokChallenge(p.SessionID, p.Self, commits[0], r)
	mu := suite.Scalar().Add(k, suite.Scalar().Mul(a0, c))

	encoded := encodePoints(commits)
	var out []core.Outgoing
	for _, j := range s.Expected(1) {
		out = append(out, core.Outgoing{
			To: j,
			Payload: encode(&dealing{
				Commitments: encoded,
				Share:       encodeScalar(evalAt(poly, j)),
				ProofR:      encodePoint(r),
				ProofMu:     encodeScalar(mu),
			}),
			Private: true,
		})
	}

	next := *s
	next.round = 1
	next.poly = poly
	next.commits = commits
	return &next, core.Transition{Outbound: out}, nil
}

// keygenVerify checks every dealing and derives the local share and the group key.
func keygenVerify(st core.State, in core.RoundInputs) (core.State, core.Transition, error) {
	s := st.(*KeygenState)
	p := s.params
	t := p.Policy.Threshold

	dealers := map[int][]kyber.Point{p.Self: s.commits}
	secret := suite.Scalar().Set(evalAt(s.poly, p.Self))

	var culprits []int
	for _, j := range sortedKeys(in) {
		var d dealing
		if err := decode(j, in[j], &d); err != nil {
			culprits = append(culprits, j)
			continue
		}
		commits, err := decodePoints(d.Commitments)
		if err != nil || len(commits) != t {
			culprits = append(culprits, j)
			continue
		}
		r, errR := decodePoint(d.ProofR)
		mu, errMu := decodeScalar(d.ProofMu)
		if errR != nil || errMu != nil {
			culprits = append(culprits, j)
			continue
		}
		c := pokChallenge(p.SessionID, j, commits[0], r)
		lhs := suite.Point().Mul(mu, nil)
		rhs := suite.Point().Add(r, suite.Point().Mul(c, commits[0]))
		if !lhs.Equal(rhs) {
			culprits = append(culprits, j)
			continue
		}
		sh, err := decodeScalar(d.Share)
		if err != nil || !checkShare(commits, p.Self, sh) {
			culprits = append(culprits, j)
			continue
		}
		secret.Add(secret, sh)
		dealers[j] = commits
	}
	if len(culprits) > 0 {
		return nil, core.Transition{}, core.Blame(core.ErrVerificationFailed, culprits, "dkg dealing rejected")
	}

	publicKey := suite.Point().Null()
	for _, commits := range dealers {
		publicKey.Add(publicKey, commits[0])
	}
	verification := make(map[int]kyber.Point, len(p.Policy.Participants))
	for _, k := range p.Policy.Indices() {
		yk := suite.Point().Null()
		for _, commits := range dealers {
			yk.Add(yk, commitAt(commits, k))
		}
		verification[k] = yk
	}
	if !verification[p.Self].Equal(suite.Point().Mul(secret, nil)) {
		return nil, core.Transition{}, core.Blame(core.ErrVerificationFailed, nil, "local share does not match commitments")
	}

	digest := commitmentDigest("frost-dkg-transcript", p.SessionID, dealers)

	next := *s
	next.round = 2
	next.poly = nil
	next.commits = nil
	next.secret = secret
	next.publicKey = publicKey
	next.verification = verification
	next.digest = digest
	return &next, core.Transition{
		Outbound: []core.Outgoing{{Payload: encode(&confirmation{Digest: digest})}},
	}, nil
}

// keygenFinalize confirms every guardian saw the same commitments and emits the key share.
func keygenFinalize(st core.State, in core.RoundInputs) (core.State, core.Transition, error) {
	s := st.(*KeygenState)
	p := s.params

	if culprits := mismatchedDigests(in, s.digest); len(culprits) > 0 {
		return nil, core.Transition{}, core.Blame(core.ErrVerificationFailed, culprits, "dkg transcript mismatch")
	}

	ks := &core.KeyShare{
		KeyID:              p.KeyID,
		Index:              p.Self,
		Version:            core.DefaultVersion,
		Threshold:          p.Policy.Threshold,
		Participants:       append([]core.Participant(nil), p.Policy.Participants...),
		Share:              encodeScalar(s.secret),
		PublicKey:          encodePoint(s.publicKey),
		PublicKeyFragment:  encodePoint(s.verification[p.Self]),
		VerificationShares: encodeVerification(s.verification),
		ProtocolVersion:    ProtocolID,
	}

	next := *s
	next.round = keygenRounds + 1
	next.secret = nil
	return &next, core.Transition{
		Final:    true,
		Artifact: &core.Artifact{Kind: core.ArtifactKeyShare, KeyShare: ks, PublicKey: ks.PublicKey},
	}, nil
}

func encodeVerification(v map[int]kyber.Point) map[int][]byte {
	out := make(map[int][]byte, len(v))
	for k, p := range v {
		out[k] = encodePoint(p)
	}
	return out
}

func decodeVerification(v map[int][]byte) (map[int]kyber.Point, error) {
	out := make(map[int]kyber.Point, len(v))
	for k, b := range v {
		p, err := decodePoint(b)
		if err != nil {
			return nil, err
		}
		out[k] = p
	}
	return out, nil
}
