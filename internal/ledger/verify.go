package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"stagerun/internal/security"
)

// VerifyError locates the first broken block.
type VerifyError struct {
	Index  int
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("ledger block %d: %s", e.Index, e.Reason)
}

// VerifyChain re-computes each block hash, link and signature to detect
// tampering. With a non nil trusted key every block must be signed by it;
// otherwise the key embedded in each block is used.
func (l *Ledger) VerifyChain(trusted ed25519.PublicKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, b := range l.blocks {
		if b.Index != i {
			return &VerifyError{Index: i, Reason: fmt.Sprintf("index mismatch: expected %d got %d", i, b.Index)}
		}
		h, err := b.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", i, err)
		}
		if h != b.Hash {
			return &VerifyError{Index: i, Reason: "hash mismatch"}
		}
		if i > 0 && b.PrevHash != l.blocks[i-1].Hash {
			return &VerifyError{Index: i, Reason: "previous hash mismatch"}
		}
		if i == 0 && b.PrevHash != "" {
			return &VerifyError{Index: i, Reason: "first block has a previous hash"}
		}

		pubHex := b.PubKey
		if trusted != nil {
			if pubHex != hex.EncodeToString(trusted) {
				return &VerifyError{Index: i, Reason: "signed by an untrusted key"}
			}
		}
		ok, err := security.VerifySignatureFromHex(pubHex, []byte(b.Hash), b.Signature)
		if err != nil {
			return &VerifyError{Index: i, Reason: "malformed signature: " + err.Error()}
		}
		if !ok {
			return &VerifyError{Index: i, Reason: "invalid signature"}
		}
	}
	return nil
}
