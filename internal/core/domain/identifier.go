package domain

import "github.com/google/uuid"

// IdentifierGenerator produces opaque names for containers and networks.
// Identifiers double as DNS names inside a shared network.
type IdentifierGenerator interface {
	Next() string
}

// RandomIdentifiers renders random v4 UUIDs.
type RandomIdentifiers struct{}

// Next returns a fresh identifier.
func (RandomIdentifiers) Next() string {
	return uuid.NewString()
}
