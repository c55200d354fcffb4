// Package security manages the ed25519 keys that sign audit ledger blocks.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	PublicKeyFile  = "ledger.pub"
	PrivateKeyFile = "ledger.priv"
)

// GenerateKeyPair creates a new ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key pair: %w", err)
	}
	return pub, priv, nil
}

// SaveKeyPair writes both keys hex encoded, readable by the owner only.
func SaveKeyPair(pub ed25519.PublicKey, priv ed25519.PrivateKey, pubPath, privPath string) error {
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
		return err
	}
	return nil
}

// EnsureKeyPair loads the key pair stored in dir, generating it on first use.
// The boolean reports whether a new pair was created.
func EnsureKeyPair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, bool, error) {
	pubPath := filepath.Join(dir, PublicKeyFile)
	privPath := filepath.Join(dir, PrivateKeyFile)

	if _, err := os.Stat(privPath); errors.Is(err, os.ErrNotExist) {
		pub, priv, err := GenerateKeyPair()
		if err != nil {
			return nil, nil, false, err
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, false, err
		}
		if err := SaveKeyPair(pub, priv, pubPath, privPath); err != nil {
			return nil, nil, false, err
		}
		return pub, priv, true, nil
	}

	priv, err := LoadPrivateKey(privPath)
	if err != nil {
		return nil, nil, false, fmt.Errorf("load private key: %w", err)
	}
	pub, err := LoadPublicKey(pubPath)
	if err != nil {
		return nil, nil, false, fmt.Errorf("load public key: %w", err)
	}
	if !pub.Equal(priv.Public()) {
		return nil, nil, false, fmt.Errorf("%s does not belong to %s", pubPath, privPath)
	}
	return pub, priv, false, nil
}

// LoadPrivateKey loads a hex encoded ed25519 private key.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	keyBytes, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return ed25519.PrivateKey(keyBytes), nil
}

// LoadPublicKey loads a hex encoded ed25519 public key.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	keyBytes, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key size")
	}
	return ed25519.PublicKey(keyBytes), nil
}

func readHex(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimSpace(string(data)))
}

// SignData signs data and returns the hex encoded signature.
func SignData(priv ed25519.PrivateKey, data []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, data))
}

// VerifySignature checks a hex encoded signature of data.
func VerifySignature(pub ed25519.PublicKey, data []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// VerifySignatureFromHex is VerifySignature for a hex encoded public key.
func VerifySignatureFromHex(pubHex string, data []byte, sigHex string) (bool, error) {
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, err
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, errors.New("invalid public key size")
	}
	return VerifySignature(ed25519.PublicKey(pubBytes), data, sigHex)
}
