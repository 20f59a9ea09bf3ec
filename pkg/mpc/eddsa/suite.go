package eddsa

import (
	"crypto/sha512"
	"encoding/binary"
	"slices"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/share"
)

// ProtocolID names the scheme and payload layout. Guardians refuse to mix versions.
const ProtocolID = "frost-ed25519/v1"

var suite = edwards25519.NewBlakeSHA256Ed25519()

func encodePoint(p kyber.Point) []byte {
	b, _ := p.MarshalBinary()
	return b
}

func decodePoint(b []byte) (kyber.Point, error) {
	p := suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, errors.Wrap(err, "decode point")
	}
	return p, nil
}

func encodeScalar(s kyber.Scalar) []byte {
	b, _ := s.MarshalBinary()
	return b
}

func decodeScalar(b []byte) (kyber.Scalar, error) {
	s := suite.Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, errors.Wrap(err, "decode scalar")
	}
	return s, nil
}

func encodePoints(ps []kyber.Point) [][]byte {
	out := make([][]byte, len(ps))
	for i, p := range ps {
		out[i] = encodePoint(p)
	}
	return out
}

func decodePoints(bs [][]byte) ([]kyber.Point, error) {
	out := make([]kyber.Point, len(bs))
	for i, b := range bs {
		p, err := decodePoint(b)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// evalAt evaluates a secret polynomial at a 1-based guardian index.
func evalAt(poly *share.PriPoly, index int) kyber.Scalar {
	return poly.Eval(index - 1).V
}

// commitAt evaluates Feldman commitments at a 1-based guardian index.
func commitAt(commits []kyber.Point, index int) kyber.Point {
	return share.NewPubPoly(suite, nil, commits).Eval(index - 1).V
}

func checkShare(commits []kyber.Point, index int, v kyber.Scalar) bool {
	return share.NewPubPoly(suite, nil, commits).Check(&share.PriShare{I: index - 1, V: v})
}

// lagrange returns the coefficient of index i for interpolation at zero over set.
func lagrange(i int, set []int) kyber.Scalar {
	num := suite.Scalar().One()
	den := suite.Scalar().One()
	xi := suite.Scalar().SetInt64(int64(i))
	for _, j := range set {
		if j == i {
			continue
		}
		xj := suite.Scalar().SetInt64(int64(j))
		num.Mul(num, xj)
		den.Mul(den, suite.Scalar().Sub(xj, xi))
	}
	return num.Div(num, den)
}

type transcript struct {
	h *blake3.Hasher
}

func newTranscript(domain string) *transcript {
	t := &transcript{h: blake3.New()}
	t.bytes([]byte(domain))
	return t
}

func (t *transcript) bytes(b []byte) *transcript {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	_, _ = t.h.Write(l[:])
	_, _ = t.h.Write(b)
	return t
}

func (t *transcript) index(i int) *transcript {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(i))
	return t.bytes(b[:])
}

func (t *transcript) point(p kyber.Point) *transcript {
	return t.bytes(encodePoint(p))
}

func (t *transcript) sum() []byte {
	return t.h.Sum(nil)
}

// scalar squeezes 64 bytes and reduces them modulo the group order.
func (t *transcript) scalar() kyber.Scalar {
	out := make([]byte, 64)
	_, _ = t.h.Digest().Read(out)
	return suite.Scalar().SetBytes(out)
}

// commitmentDigest binds every dealer's commitments in index order.
func commitmentDigest(domain, sessionID string, commits map[int][]kyber.Point) []byte {
	t := newTranscript(domain).bytes([]byte(sessionID))
	for _, i := range sortedKeys(commits) {
		t.index(i)
		for _, c := range commits[i] {
			t.point(c)
		}
	}
	return t.sum()
}

// challenge is the Ed25519 challenge SHA-512(R || A || M) reduced modulo the group order.
func challenge(r, pub kyber.Point, msg []byte) kyber.Scalar {
	h := sha512.New()
	_, _ = h.Write(encodePoint(r))
	_, _ = h.Write(encodePoint(pub))
	_, _ = h.Write(msg)
	return suite.Scalar().SetBytes(h.Sum(nil))
}

func sortedKeys[V any](m map[int]V) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func without(set []int, self int) []int {
	return slices.DeleteFunc(slices.Clone(set), func(i int) bool { return i == self })
}

func isIdentity(p kyber.Point) bool {
	return p.Equal(suite.Point().Null())
}
