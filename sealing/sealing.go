package sealing

import (
	"crypto/rand"
	"io"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of a sealing key.
const KeySize = chacha20poly1305.KeySize

// ErrCiphertextTooShort is returned when a sealed blob is shorter than its nonce.
var ErrCiphertextTooShort = errors.New("sealed data is too short")

// Sealer encrypts and integrity-protects data for storage outside of the enclave.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Unseal(ciphertext []byte) ([]byte, error)
}

// AEADSealer seals data with XChaCha20-Poly1305. Each sealed blob is the random
// nonce followed by the ciphertext.
type AEADSealer struct {
	key  []byte
	rand io.Reader
}

var _ Sealer = (*AEADSealer)(nil)

// NewAEADSealer creates a sealer from a 32-byte key.
func NewAEADSealer(key []byte) (*AEADSealer, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("expected sealing key of %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &AEADSealer{key: k, rand: rand.Reader}, nil
}

// Seal encrypts the plaintext.
func (a *AEADSealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(a.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(a.rand, nonce); err != nil {
		return nil, errors.Wrap(err, "could not generate nonce")
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Unseal decrypts and authenticates the ciphertext.
func (a *AEADSealer) Unseal(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(a.key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not unseal data")
	}
	return plaintext, nil
}

// LoadOrCreateKey reads the sealing key from path, generating and writing a
// new one if the file doesn't exist yet.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := ioutil.ReadFile(path)
	if err == nil {
		if len(key) != KeySize {
			return nil, errors.Errorf("sealing key at %s has invalid length %d", path, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "could not read sealing key at %s", path)
	}

	key = make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}

	if err := ioutil.WriteFile(path, key, 0600); err != nil {
		return nil, errors.Wrapf(err, "could not write sealing key to %s", path)
	}

	logrus.WithField("path", path).Info("generated new state sealing key")

	return key, nil
}
