package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Ledger is an append-only chain of blocks persisted as JSON lines.
type Ledger struct {
	mu     sync.Mutex
	blocks []*Block
	path   string
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
}

// Open loads the ledger at path, creating an empty file when missing. priv
// signs appended blocks and may be nil for a read-only ledger.
func Open(path string, priv ed25519.PrivateKey) (*Ledger, error) {
	l := &Ledger{path: path, priv: priv}
	if len(priv) == ed25519.PrivateKeySize {
		l.pub = priv.Public().(ed25519.PublicKey)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		_ = f.Close()
		return l, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var blk Block
		if err := dec.Decode(&blk); err != nil {
			return nil, fmt.Errorf("decode ledger entry %d: %w", len(l.blocks), err)
		}
		l.blocks = append(l.blocks, &blk)
	}
	return l, nil
}

// Append chains e after the last block, signs it and persists it.
func (l *Ledger) Append(e Entry) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.priv) == 0 {
		return nil, errors.New("private key is empty, cannot sign block")
	}
	prev := ""
	if n := len(l.blocks); n > 0 {
		prev = l.blocks[n-1].Hash
	}
	b, err := NewBlock(len(l.blocks), e, prev)
	if err != nil {
		return nil, err
	}
	b.Signature = hex.EncodeToString(ed25519.Sign(l.priv, []byte(b.Hash)))
	b.PubKey = hex.EncodeToString(l.pub)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(b); err != nil {
		return nil, fmt.Errorf("write ledger file: %w", err)
	}

	l.blocks = append(l.blocks, b)
	return b, nil
}

// Blocks returns copies of every block in chain order.
func (l *Ledger) Blocks() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Block, len(l.blocks))
	for i, b := range l.blocks {
		out[i] = *b
	}
	return out
}

// RunBlocks returns the blocks recorded for runID.
func (l *Ledger) RunBlocks(runID string) []Block {
	var out []Block
	for _, b := range l.Blocks() {
		if b.RunID == runID {
			out = append(out, b)
		}
	}
	return out
}

// Len is the number of blocks.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocks)
}

// LastHash returns the last block hash (or empty if none).
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.blocks) == 0 {
		return ""
	}
	return l.blocks[len(l.blocks)-1].Hash
}

// PublicKey is the key blocks appended by this ledger are signed with.
func (l *Ledger) PublicKey() ed25519.PublicKey { return l.pub }
