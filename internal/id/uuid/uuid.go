// Package uuid generates worker and event identifiers.
package uuid

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 identifiers.
type Generator struct{}

// NewUUIDGenerator returns a Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// WorkerID returns "<host>-<uuid7>", identifying one worker process
// in task rows and lock values.
func (g Generator) WorkerID() (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, id), nil
}
