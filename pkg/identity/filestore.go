package identity

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/fystack/mpcium-guardian/pkg/filesystem"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/fystack/mpcium-guardian/pkg/security"
	"github.com/pkg/errors"
)

// Passphrase supplies the passphrase protecting an age-encrypted private key file. The loader zeroes the
// returned slice once the key is decrypted.
type Passphrase func() ([]byte, error)

type privateKeyFile struct {
	SigningKey  string `json:"signing_key"`
	AgeIdentity string `json:"age_identity"`
}

func identityFileName(name string) string   { return fmt.Sprintf("%s_identity.json", name) }
func privateKeyFileName(name string) string { return fmt.Sprintf("%s_private.key", name) }

// LoadPublic reads the public identity file of guardian name.
func LoadPublic(dir, name string) (GuardianIdentity, error) {
	path, err := filesystem.SafePath(dir, identityFileName(name))
	if err != nil {
		return GuardianIdentity{}, errors.Wrapf(err, "invalid identity file path for %s", name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return GuardianIdentity{}, errors.Wrapf(err, "missing identity file for %s", name)
	}
	var g GuardianIdentity
	if err := json.Unmarshal(data, &g); err != nil {
		return GuardianIdentity{}, errors.Wrapf(err, "failed to parse identity file for %s", name)
	}
	if _, err := g.VerifyingKey(); err != nil {
		return GuardianIdentity{}, err
	}
	return g, nil
}

// Load reads guardian name's identity and private keys from dir. A non-nil passphrase selects the
// age-encrypted key file.
func Load(dir, name string, passphrase Passphrase) (*LocalIdentity, error) {
	public, err := LoadPublic(dir, name)
	if err != nil {
		return nil, err
	}
	raw, err := loadPrivateKey(dir, name, passphrase)
	if err != nil {
		return nil, err
	}
	defer security.ZeroBytes(raw)

	var pk privateKeyFile
	if err := json.Unmarshal(raw, &pk); err != nil {
		return nil, errors.Wrap(err, "failed to parse private key file")
	}
	local, err := newLocalIdentity(public, pk.SigningKey, pk.AgeIdentity)
	security.ZeroString(&pk.SigningKey)
	security.ZeroString(&pk.AgeIdentity)
	return local, err
}

func loadPrivateKey(dir, name string, passphrase Passphrase) ([]byte, error) {
	plainPath, err := filesystem.SafePath(dir, privateKeyFileName(name))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid private key path for %s", name)
	}
	if passphrase == nil {
		data, err := os.ReadFile(plainPath)
		if err != nil {
			return nil, errors.Wrapf(err, "no unencrypted private key found for %s", name)
		}
		return data, nil
	}

	encrypted, err := os.Open(plainPath + ".age")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open encrypted private key for %s", name)
	}
	defer encrypted.Close()
	logger.Infof("Using age-encrypted private key for %s", name)

	secret, err := passphrase()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read passphrase")
	}
	defer security.ZeroBytes(secret)
	password := string(secret)
	id, err := age.NewScryptIdentity(password)
	security.ZeroString(&password)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create identity for decryption")
	}
	r, err := age.Decrypt(encrypted, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt private key")
	}
	return io.ReadAll(r)
}

// Save writes the identity files of l into dir. A non-empty passphrase encrypts the private key with age.
func Save(dir string, l *LocalIdentity, passphrase string, overwrite bool) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.Wrap(err, "failed to create identity directory")
	}
	identityPath, err := filesystem.SafePath(dir, identityFileName(l.Name))
	if err != nil {
		return err
	}
	keyPath, err := filesystem.SafePath(dir, privateKeyFileName(l.Name))
	if err != nil {
		return err
	}
	if passphrase != "" {
		keyPath += ".age"
	}
	for _, p := range []string{identityPath, keyPath} {
		if _, err := os.Stat(p); err == nil && !overwrite {
			return errors.Errorf("%s already exists", p)
		}
	}

	public, err := json.MarshalIndent(l.GuardianIdentity, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal identity")
	}
	private, err := json.Marshal(privateKeyFile{
		SigningKey:  hex.EncodeToString(l.signingKey),
		AgeIdentity: l.decryption.String(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal private key")
	}
	defer security.ZeroBytes(private)

	if passphrase != "" {
		recipient, err := age.NewScryptRecipient(passphrase)
		if err != nil {
			return errors.Wrap(err, "failed to create scrypt recipient")
		}
		var sealed bytes.Buffer
		w, err := age.Encrypt(&sealed, recipient)
		if err != nil {
			return errors.Wrap(err, "failed to create age encryption writer")
		}
		if _, err := w.Write(private); err != nil {
			return errors.Wrap(err, "failed to write encrypted private key")
		}
		if err := w.Close(); err != nil {
			return errors.Wrap(err, "failed to finalize age encryption")
		}
		private = sealed.Bytes()
	}

	if err := filesystem.WriteFileAtomic(keyPath, private, 0600); err != nil {
		return errors.Wrap(err, "failed to write private key")
	}
	return filesystem.WriteFileAtomic(identityPath, public, 0600)
}
