// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID strings for run IDs and temporary file names.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string. Run IDs sort by creation time.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewRandomID returns a UUIDv4 string, used where names must not leak timing.
func (Generator) NewRandomID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return id.String(), nil
}

// Parse validates a run ID received from a caller.
func Parse(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse uuid: %w", err)
	}
	return id, nil
}

// RandomGenerator hands out UUIDv4 strings from NewID. Archive names use it.
type RandomGenerator struct{}

// NewRandom creates a RandomGenerator.
func NewRandom() RandomGenerator {
	return RandomGenerator{}
}

// NewID returns a UUIDv4 string.
func (RandomGenerator) NewID() (string, error) {
	return Generator{}.NewRandomID()
}
