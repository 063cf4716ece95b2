package ids

import "github.com/google/uuid"

// Generator produces collision-resistant identifiers. Injected wherever
// entities are created so tests can substitute deterministic sequences.
type Generator interface {
	NewID() string
}

// UUID generates random version-4 identifiers.
type UUID struct{}

// NewID returns a fresh UUID string.
func (UUID) NewID() string {
	return uuid.NewString()
}

var _ Generator = UUID{}
