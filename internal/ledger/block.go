// Package ledger keeps a hash-chained, signed audit trail of stage results.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Block is a tamper-evident record of one finished stage.
type Block struct {
	Index       int    `json:"index"`
	Timestamp   string `json:"timestamp"`
	RunID       string `json:"runId"`
	PipelineID  string `json:"pipelineId"`
	StageID     string `json:"stageId"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	BuildNumber int64  `json:"buildNumber,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	LogDir      string `json:"logDir,omitempty"`
	LogHash     string `json:"logHash"`
	PrevHash    string `json:"prevHash"`
	Hash        string `json:"hash"`
	Signature   string `json:"signature"`
	PubKey      string `json:"pubKey"`
}

// canonicalData returns the JSON bytes the block hash covers: every field
// except Hash, Signature and PubKey.
func (b *Block) canonicalData() ([]byte, error) {
	view := struct {
		Index       int    `json:"index"`
		Timestamp   string `json:"timestamp"`
		RunID       string `json:"runId"`
		PipelineID  string `json:"pipelineId"`
		StageID     string `json:"stageId"`
		Status      string `json:"status"`
		Reason      string `json:"reason"`
		BuildNumber int64  `json:"buildNumber"`
		AgentID     string `json:"agentId"`
		LogDir      string `json:"logDir"`
		LogHash     string `json:"logHash"`
		PrevHash    string `json:"prevHash"`
	}{
		Index:       b.Index,
		Timestamp:   b.Timestamp,
		RunID:       b.RunID,
		PipelineID:  b.PipelineID,
		StageID:     b.StageID,
		Status:      b.Status,
		Reason:      b.Reason,
		BuildNumber: b.BuildNumber,
		AgentID:     b.AgentID,
		LogDir:      b.LogDir,
		LogHash:     b.LogHash,
		PrevHash:    b.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData.
func (b *Block) ComputeHash() (string, error) {
	data, err := b.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Entry is the content of a block before it is chained.
type Entry struct {
	RunID       string
	PipelineID  string
	StageID     string
	Status      string
	Reason      string
	BuildNumber int64
	AgentID     string
	LogDir      string
	LogHash     string
}

// NewBlock builds and hashes a block for e (no signature yet).
func NewBlock(index int, e Entry, prevHash string) (*Block, error) {
	blk := &Block{
		Index:       index,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		RunID:       e.RunID,
		PipelineID:  e.PipelineID,
		StageID:     e.StageID,
		Status:      e.Status,
		Reason:      e.Reason,
		BuildNumber: e.BuildNumber,
		AgentID:     e.AgentID,
		LogDir:      e.LogDir,
		LogHash:     e.LogHash,
		PrevHash:    prevHash,
	}
	h, err := blk.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute block hash: %w", err)
	}
	blk.Hash = h
	return blk, nil
}
