package testutil

import "github.com/google/uuid"

// IDGenerator hands out run identifiers.
type IDGenerator interface {
	Generate() string
}

// FixedIDs returns the same id every time, so that reports of repeated
// runs compare equal.
type FixedIDs struct {
	id string
}

// NewFixedIDs returns a generator of id. Empty means "run-default".
func NewFixedIDs(id string) FixedIDs {
	if id == "" {
		id = "run-default"
	}
	return FixedIDs{id: id}
}

func (g FixedIDs) Generate() string { return g.id }

// UUIDv7 generates time-ordered UUIDs.
type UUIDv7 struct{}

func (UUIDv7) Generate() string { return uuid.Must(uuid.NewV7()).String() }
