// Package id generates the identifiers used for ledger transactions, cart
// lines, gateway references, correlation tokens and trace events.
//
// Entity ids are TypeIDs ("txn_01h2xcejqtf2nbrexx3vqjhp41"): K-sortable,
// globally unique and prefixed with the entity kind. Correlation and trace
// ids are plain UUIDv7 strings.
package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity kind encoded in a TypeID.
type Prefix string

const (
	PrefixTransaction Prefix = "txn"  // Ledger transaction
	PrefixCartLine    Prefix = "line" // Cart line
	PrefixGateway     Prefix = "gw"   // Gateway transaction reference
)

// Generator mints entity ids.
// Implemented by TypeIDGenerator (production) and SequenceGenerator (tests).
type Generator interface {
	New(prefix Prefix) string
}

// TypeIDGenerator generates random TypeIDs.
//
// Thread-safety: stateless and safe for concurrent use.
type TypeIDGenerator struct{}

// New generates a TypeID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func (TypeIDGenerator) New(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// Parse validates a TypeID string and returns its prefix.
func Parse(s string) (Prefix, error) {
	if s == "" {
		return "", fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("id: parse %q: %w", s, err)
	}
	return Prefix(tid.Prefix()), nil
}

// SequenceGenerator returns "prefix-N" ids with a per-prefix counter.
//
// This enables deterministic tests and golden trace comparison.
// Thread-safety: safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu   sync.Mutex
	next map[Prefix]int
}

// NewSequenceGenerator creates a generator whose first id per prefix ends in 1.
func NewSequenceGenerator() *SequenceGenerator {
	return &SequenceGenerator{next: make(map[Prefix]int)}
}

// New returns the next id for prefix, e.g. "txn-3".
func (g *SequenceGenerator) New(prefix Prefix) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next[prefix]++
	return fmt.Sprintf("%s-%d", prefix, g.next[prefix])
}

// NewUUID returns a time-sortable UUIDv7 string.
//
// Panics if UUID generation fails (should never happen in practice).
func NewUUID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// TokenGenerator produces opaque tokens such as correlation ids.
type TokenGenerator interface {
	Generate() string
}

// UUIDGenerator generates UUIDv7 tokens.
type UUIDGenerator struct{}

// Generate implements TokenGenerator.
func (UUIDGenerator) Generate() string { return NewUUID() }
