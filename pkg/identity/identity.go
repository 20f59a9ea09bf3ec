// Package identity holds guardian identities: an ed25519 key authenticating every message a guardian
// sends and an age X25519 key receiving private payloads.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"io"
	"time"

	"filippo.io/age"
	"github.com/fystack/mpcium-guardian/pkg/security"
	"github.com/pkg/errors"
)

// GuardianIdentity is the public half of a guardian identity, as published to the trust registry.
type GuardianIdentity struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	PublicKey     string `json:"public_key"`     // hex ed25519
	EncryptionKey string `json:"encryption_key"` // age X25519 recipient
	CreatedAt     string `json:"created_at"`
}

func (g GuardianIdentity) VerifyingKey() (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(g.PublicKey)
	if err != nil {
		return nil, errors.Wrapf(err, "guardian %s public key", g.ID)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, errors.Errorf("guardian %s public key has %d bytes", g.ID, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// Verify reports whether sig is this guardian's signature over payload.
func (g GuardianIdentity) Verify(payload, sig []byte) bool {
	pk, err := g.VerifyingKey()
	if err != nil {
		return false
	}
	return ed25519.Verify(pk, payload, sig)
}

// Encrypt seals plaintext so that only this guardian can read it.
func (g GuardianIdentity) Encrypt(plaintext []byte) ([]byte, error) {
	recipient, err := age.ParseX25519Recipient(g.EncryptionKey)
	if err != nil {
		return nil, errors.Wrapf(err, "guardian %s encryption key", g.ID)
	}
	var out bytes.Buffer
	w, err := age.Encrypt(&out, recipient)
	if err != nil {
		return nil, errors.Wrap(err, "age encrypt")
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, errors.Wrap(err, "age encrypt")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "age encrypt")
	}
	return out.Bytes(), nil
}

// LocalIdentity is this guardian's own identity including its private keys.
type LocalIdentity struct {
	GuardianIdentity
	signingKey ed25519.PrivateKey
	decryption *age.X25519Identity
}

// Generate creates a fresh identity for guardian id.
func Generate(id, name string) (*LocalIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate signing key")
	}
	x, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, errors.Wrap(err, "generate encryption key")
	}
	return &LocalIdentity{
		GuardianIdentity: GuardianIdentity{
			ID:            id,
			Name:          name,
			PublicKey:     hex.EncodeToString(pub),
			EncryptionKey: x.Recipient().String(),
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		},
		signingKey: priv,
		decryption: x,
	}, nil
}

func newLocalIdentity(public GuardianIdentity, signingKeyHex, ageIdentity string) (*LocalIdentity, error) {
	key, err := hex.DecodeString(signingKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "invalid private key format")
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.Errorf("private key has %d bytes", len(key))
	}
	priv := ed25519.PrivateKey(key)
	if hex.EncodeToString(priv.Public().(ed25519.PublicKey)) != public.PublicKey {
		security.ZeroBytes(key)
		return nil, errors.Errorf("private key does not match public key of %s", public.ID)
	}
	x, err := age.ParseX25519Identity(ageIdentity)
	if err != nil {
		return nil, errors.Wrap(err, "invalid encryption key")
	}
	if x.Recipient().String() != public.EncryptionKey {
		return nil, errors.Errorf("encryption key does not match recipient of %s", public.ID)
	}
	return &LocalIdentity{GuardianIdentity: public, signingKey: priv, decryption: x}, nil
}

func (l *LocalIdentity) Public() GuardianIdentity { return l.GuardianIdentity }

func (l *LocalIdentity) Sign(payload []byte) []byte {
	return ed25519.Sign(l.signingKey, payload)
}

// Decrypt opens a payload sealed with Encrypt for this guardian.
func (l *LocalIdentity) Decrypt(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), l.decryption)
	if err != nil {
		return nil, errors.Wrap(err, "age decrypt")
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "age decrypt")
	}
	return out, nil
}

// Zero wipes the signing key.
func (l *LocalIdentity) Zero() {
	security.ZeroBytes(l.signingKey)
}
