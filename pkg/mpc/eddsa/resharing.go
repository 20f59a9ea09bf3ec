package eddsa

import (
	"bytes"
	"slices"

	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
)

const resharingRounds = 3

// ResharingState moves a key onto a new participant set without changing its public key.
// Dealers are the surviving holders of the old key; the incoming guardian only receives.
type ResharingState struct {
	params core.Params
	round  int

	dealers      []int
	participants []int
	version      int

	oldSecret       kyber.Scalar
	oldPublicKey    kyber.Point
	oldVerification map[int]kyber.Point

	poly    *share.PriPoly
	commits []kyber.Point

	secret       kyber.Scalar
	publicKey    kyber.Point
	verification map[int]kyber.Point
	digest       []byte
	staged       *core.KeyShare
}

func newResharingState(p core.Params) (*ResharingState, error) {
	if p.Reshare == nil {
		return nil, errors.Wrap(core.ErrPolicyInvalid, "reshare parameters missing")
	}
	dealers := slices.Sorted(slices.Values(p.Reshare.Dealers))
	if len(dealers) < p.Policy.Threshold {
		return nil, errors.Wrapf(core.ErrPolicyInvalid, "%d dealers cannot reshare a %d-threshold key", len(dealers), p.Policy.Threshold)
	}
	st := &ResharingState{
		params:       p,
		dealers:      dealers,
		participants: p.Policy.Indices(),
		version:      p.Reshare.Version,
	}
	if len(p.Reshare.PublicKey) > 0 {
		pk, err := decodePoint(p.Reshare.PublicKey)
		if err != nil {
			return nil, err
		}
		st.oldPublicKey = pk
	}

	if !slices.Contains(dealers, p.Self) {
		return st, nil
	}
	if p.Share == nil || p.Share.Index != p.Self {
		return nil, errors.Wrapf(core.ErrNotFound, "dealer %d has no share to reshare", p.Self)
	}
	secret, err := decodeScalar(p.Share.Share)
	if err != nil {
		return nil, err
	}
	pk, err := decodePoint(p.Share.PublicKey)
	if err != nil {
		return nil, err
	}
	if st.oldPublicKey != nil && !st.oldPublicKey.Equal(pk) {
		return nil, errors.Wrap(core.ErrPolicyInvalid, "recovery request names a different public key")
	}
	verification, err := decodeVerification(p.Share.VerificationShares)
	if err != nil {
		return nil, err
	}
	for _, i := range dealers {
		if _, ok := verification[i]; !ok {
			return nil, errors.Wrapf(core.ErrPolicyInvalid, "dealer %d holds no share of key %s", i, p.Share.KeyID)
		}
	}
	st.oldSecret = secret
	st.oldPublicKey = pk
	st.oldVerification = verification
	return st, nil
}

func (s *ResharingState) Operation() core.Operation { return core.OperationReshare }
func (s *ResharingState) Round() int                { return s.round }
func (s *ResharingState) Rounds() int               { return resharingRounds }
func (s *ResharingState) Self() int                 { return s.params.Self }

func (s *ResharingState) Expected(round int) []int {
	if round == 1 {
		return without(s.dealers, s.params.Self)
	}
	return without(s.participants, s.params.Self)
}

func (s *ResharingState) isDealer() bool {
	return s.oldSecret != nil
}

// reshareDeal shares λ_i·x_i with a fresh polynomial to every new participant.
func reshareDeal(st core.State, _ core.RoundInputs) (core.State, core.Transition, error) {
	s := st.(*ResharingState)
	next := *s
	next.round = 1
	if !s.isDealer() {
		return &next, core.Transition{}, nil
	}

	p := s.params
	w := suite.Scalar().Mul(lagrange(p.Self, s.dealers), s.oldSecret)
	poly := share.NewPriPoly(suite, p.Policy.Threshold, w, p.Rand)
	_, commits := poly.Commit(nil).Info()

	encoded := encodePoints(commits)
	publicKey := encodePoint(s.oldPublicKey)
	var out []core.Outgoing
	for _, j := range without(s.participants, p.Self) {
		out = append(out, core.Outgoing{
			To: j,
			Payload: encode(&dealing{
				Commitments: encoded,
				Share:       encodeScalar(evalAt(poly, j)),
				PublicKey:   publicKey,
			}),
			Private: true,
		})
	}

	next.oldSecret = nil
	next.poly = poly
	next.commits = commits
	return &next, core.Transition{Outbound: out}, nil
}

// reshareVerify checks every dealing, derives the new share and confirms the group key is unchanged.
func reshareVerify(st core.State, in core.RoundInputs) (core.State, core.Transition, error) {
	s := st.(*ResharingState)
	p := s.params
	t := p.Policy.Threshold

	dealers := map[int][]kyber.Point{}
	secret := suite.Scalar().Zero()
	if s.poly != nil {
		dealers[p.Self] = s.commits
		secret.Set(evalAt(s.poly, p.Self))
	}

	expectedKey := s.oldPublicKey
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
		if s.oldVerification != nil {
			// a dealer may only share its own Lagrange-weighted share
			want := suite.Point().Mul(lagrange(j, s.dealers), s.oldVerification[j])
			if !commits[0].Equal(want) {
				culprits = append(culprits, j)
				continue
			}
		}
		reported, err := decodePoint(d.PublicKey)
		if err != nil {
			culprits = append(culprits, j)
			continue
		}
		if expectedKey == nil {
			expectedKey = reported
		} else if !expectedKey.Equal(reported) {
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
		return nil, core.Transition{}, core.Blame(core.ErrVerificationFailed, culprits, "reshare dealing rejected")
	}

	publicKey := suite.Point().Null()
	for _, commits := range dealers {
		publicKey.Add(publicKey, commits[0])
	}
	if expectedKey == nil || !publicKey.Equal(expectedKey) {
		return nil, core.Transition{}, core.Blame(core.ErrVerificationFailed, nil, "reshare changes the public key")
	}

	verification := make(map[int]kyber.Point, len(s.participants))
	for _, k := range s.participants {
		yk := suite.Point().Null()
		for _, commits := range dealers {
			yk.Add(yk, commitAt(commits, k))
		}
		verification[k] = yk
	}
	if !verification[p.Self].Equal(suite.Point().Mul(secret, nil)) {
		return nil, core.Transition{}, core.Blame(core.ErrVerificationFailed, nil, "new share does not match commitments")
	}

	digest := commitmentDigest("frost-reshare-transcript", p.SessionID, dealers)

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

// reshareStage emits the new share for durable staging and announces the staging to everyone.
func reshareStage(st core.State, in core.RoundInputs) (core.State, core.Transition, error) {
	s := st.(*ResharingState)
	p := s.params

	if culprits := mismatchedDigests(in, s.digest); len(culprits) > 0 {
		return nil, core.Transition{}, core.Blame(core.ErrVerificationFailed, culprits, "reshare transcript mismatch")
	}

	staged := &core.KeyShare{
		KeyID:              p.KeyID,
		Index:              p.Self,
		Version:            s.version,
		Threshold:          p.Policy.Threshold,
		Participants:       append([]core.Participant(nil), p.Policy.Participants...),
		Share:              encodeScalar(s.secret),
		PublicKey:          encodePoint(s.publicKey),
		PublicKeyFragment:  encodePoint(s.verification[p.Self]),
		VerificationShares: encodeVerification(s.verification),
		ProtocolVersion:    ProtocolID,
	}

	next := *s
	next.round = 3
	next.secret = nil
	next.staged = staged
	return &next, core.Transition{
		Artifact: &core.Artifact{Kind: core.ArtifactKeyShare, KeyShare: staged, PublicKey: staged.PublicKey},
		Outbound: []core.Outgoing{{Payload: encode(&confirmation{Digest: s.digest})}},
	}, nil
}

// reshareCommit completes once every participant confirmed it staged its share.
func reshareCommit(st core.State, in core.RoundInputs) (core.State, core.Transition, error) {
	s := st.(*ResharingState)
	if culprits := mismatchedDigests(in, s.digest); len(culprits) > 0 {
		return nil, core.Transition{}, core.Blame(core.ErrVerificationFailed, culprits, "reshare confirmation mismatch")
	}
	next := *s
	next.round = resharingRounds + 1
	return &next, core.Transition{
		Final:    true,
		Artifact: &core.Artifact{Kind: core.ArtifactKeyShare, KeyShare: s.staged, PublicKey: s.staged.PublicKey},
	}, nil
}

func mismatchedDigests(in core.RoundInputs, digest []byte) []int {
	var culprits []int
	for _, j := range sortedKeys(in) {
		var c confirmation
		if err := decode(j, in[j], &c); err != nil || !bytes.Equal(c.Digest, digest) {
			culprits = append(culprits, j)
		}
	}
	return culprits
}
