// Package audit provides a tamper-evident, hash-chained event log. Each
// entry's hash covers the previous entry's hash, so any rewrite of history
// breaks verification from that point on.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// LogEntry is a single link in the audit chain.
type LogEntry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger appends hash-chained entries and retains them for export
// and verification.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	entries      []*LogEntry
}

// NewChainLogger starts a chain anchored at the zero hash.
func NewChainLogger() *ChainLogger {
	return &ChainLogger{
		previousHash: strings.Repeat("0", 64),
	}
}

// Append links a new payload into the chain.
func (c *ChainLogger) Append(payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry.PreviousHash, entry.Timestamp, entry.Payload)

	c.previousHash = entry.Hash
	c.entries = append(c.entries, entry)
}

// Entries returns a copy of the chain so far.
func (c *ChainLogger) Entries() []*LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*LogEntry, len(c.entries))
	for i, e := range c.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}

func entryHash(previousHash, timestamp, payload string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", previousHash, timestamp, payload)))
	return hex.EncodeToString(sum[:])
}

// VerifyChain reports whether entries form an unbroken, untampered chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		if i > 0 && entry.PreviousHash != entries[i-1].Hash {
			return false
		}
		if entryHash(entry.PreviousHash, entry.Timestamp, entry.Payload) != entry.Hash {
			return false
		}
	}
	return true
}
