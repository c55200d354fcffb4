package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureKeyPair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	pub, priv, created, err := EnsureKeyPair(dir)
	if err != nil || !created {
		t.Fatalf("EnsureKeyPair = %v, %v", created, err)
	}
	info, err := os.Stat(filepath.Join(dir, PrivateKeyFile))
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Errorf("private key mode = %v, %v", info, err)
	}

	pub2, priv2, created, err := EnsureKeyPair(dir)
	if err != nil || created {
		t.Fatalf("second EnsureKeyPair = %v, %v", created, err)
	}
	if !pub.Equal(pub2) || !priv.Equal(priv2) {
		t.Errorf("reloaded keys differ")
	}
}

func TestEnsureKeyPairMismatch(t *testing.T) {
	dir := t.TempDir()
	if _, _, _, err := EnsureKeyPair(dir); err != nil {
		t.Fatal(err)
	}
	other, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	// swap in an unrelated public key
	_, priv, _ := GenerateKeyPair()
	if err := SaveKeyPair(other, priv, filepath.Join(dir, PublicKeyFile), filepath.Join(t.TempDir(), "unused")); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := EnsureKeyPair(dir); err == nil {
		t.Error("expected mismatch error")
	}
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	sig := SignData(priv, []byte("block"))
	if ok, err := VerifySignature(pub, []byte("block"), sig); !ok || err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if ok, _ := VerifySignature(pub, []byte("tampered"), sig); ok {
		t.Errorf("signature accepted for other data")
	}
	if _, err := VerifySignature(pub, []byte("block"), "zz"); err == nil {
		t.Errorf("expected error for malformed signature")
	}
	if _, err := VerifySignatureFromHex("abcd", []byte("block"), sig); err == nil {
		t.Errorf("expected error for short public key")
	}
}

func TestLoadKeyRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("abcd\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPrivateKey(path); err == nil {
		t.Errorf("expected size error")
	}
	if _, err := LoadPublicKey(path); err == nil {
		t.Errorf("expected size error")
	}
}
