package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/nacl/sign"
)

const (
	PublicKeySize  = 32
	PrivateKeySize = 64
	SignatureSize  = sign.Overhead
)

var ErrInvalidKey = errors.New("crypto: invalid key")

// KeyPair holds an Ed25519 signing key pair. The private key embeds the public
// key in its last 32 bytes.
type KeyPair struct {
	Public  *[PublicKeySize]byte
	Private *[PrivateKeySize]byte
}

// GenerateKeyPair creates a new signing key pair
func GenerateKeyPair() (*KeyPair, error) {
	public, private, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: public, Private: private}, nil
}

// KeyPairFromPrivate rebuilds a key pair from its 64-byte private key.
func KeyPairFromPrivate(b []byte) (*KeyPair, error) {
	if len(b) != PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrInvalidKey, len(b))
	}
	priv := new([PrivateKeySize]byte)
	copy(priv[:], b)
	pub := new([PublicKeySize]byte)
	copy(pub[:], b[32:])
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Sign returns message with a 64-byte signature prepended.
func (k *KeyPair) Sign(message []byte) []byte {
	return sign.Sign(nil, message, k.Private)
}

// Open verifies signed against pub and returns the embedded message.
func Open(signed []byte, pub *[PublicKeySize]byte) ([]byte, bool) {
	if len(signed) < SignatureSize {
		return nil, false
	}
	return sign.Open(nil, signed, pub)
}

// PublicKeyFromBytes validates and copies a raw public key.
func PublicKeyFromBytes(b []byte) (*[PublicKeySize]byte, error) {
	if len(b) != PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(b))
	}
	pub := new([PublicKeySize]byte)
	copy(pub[:], b)
	return pub, nil
}

// KeyID returns the hex encoding of a public key, used as a token subject.
func KeyID(pub *[PublicKeySize]byte) string {
	return hex.EncodeToString(pub[:])
}

// Save writes the private key as hex, readable only by the owner.
func (k *KeyPair) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(k.Private[:])+"\n"), 0o600)
}

// LoadKeyPair reads a key file written by Save.
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, path, err)
	}
	return KeyPairFromPrivate(b)
}

// LoadOrGenerate loads the key at path, or generates and saves one when the
// file does not exist. An empty path yields an ephemeral key.
func LoadOrGenerate(path string) (*KeyPair, error) {
	if path == "" {
		return GenerateKeyPair()
	}
	k, err := LoadKeyPair(path)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	k, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := k.Save(path); err != nil {
		return nil, err
	}
	return k, nil
}
