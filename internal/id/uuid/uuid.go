// Package uuid generates crawl identifiers.
package uuid

import (
	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings so crawl IDs sort by start time.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID v7 string, or a random v4 when the v7 clock source fails.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err == nil {
		return id.String(), nil
	}
	v4, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return v4.String(), nil
}
