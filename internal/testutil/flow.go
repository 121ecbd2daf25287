package testutil

import (
	"fmt"
	"sync"
)

// SequenceTokenGenerator generates "prefix-1", "prefix-2", ... correlation
// tokens.
//
// This enables deterministic test execution and golden snapshot comparison.
// The same scenario with the same generator produces byte-identical traces.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequenceTokenGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceTokenGenerator creates a token generator.
// If prefix is empty, tokens are "corr-N".
func NewSequenceTokenGenerator(prefix string) *SequenceTokenGenerator {
	if prefix == "" {
		prefix = "corr"
	}
	return &SequenceTokenGenerator{prefix: prefix}
}

// Generate returns the next token.
//
// Implements id.TokenGenerator.
func (g *SequenceTokenGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
