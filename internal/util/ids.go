package util

import (
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// NewID returns a short public identifier for documents, chunks, nodes
// and edges. Safe for use inside citation markers.
func NewID() (string, error) {
	return gonanoid.New()
}

// MustNewID is NewID for call sites that cannot propagate an error.
// Nanoid generation only fails when the OS entropy source does.
func MustNewID() string {
	return gonanoid.Must()
}

// NewCorrelationID returns the identifier that ties one ingestion job
// across queue messages, lease locks and log lines.
func NewCorrelationID() string {
	return uuid.NewString()
}
