package common

import (
	"errors"
	"fmt"
)

// InvalidDocumentError marks input that can never ingest: empty,
// undecodable or unparseable documents. Fatal, not retried.
type InvalidDocumentError struct {
	DocumentID string
	Reason     string
}

func (e *InvalidDocumentError) Error() string {
	if e.DocumentID == "" {
		return fmt.Sprintf("invalid document: %s", e.Reason)
	}
	return fmt.Sprintf("invalid document %s: %s", e.DocumentID, e.Reason)
}

// ExternalCallError wraps a transient collaborator failure after the
// retry policy was exhausted. Attempts records how often the call ran.
type ExternalCallError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("external call %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExternalCallError) Unwrap() error {
	return e.Err
}

// MergeConflictError reports that the optimistic version check failed
// on every merge attempt for one node or edge.
type MergeConflictError struct {
	Kind     string
	ID       string
	Attempts int
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on %s %s after %d attempts", e.Kind, e.ID, e.Attempts)
}

// IngestionInProgressError rejects a trigger for a document whose state
// machine is already running. The rejected trigger changes nothing.
type IngestionInProgressError struct {
	DocumentID string
	State      DocumentState
}

func (e *IngestionInProgressError) Error() string {
	return fmt.Sprintf("ingestion already in progress for document %s (state %s)", e.DocumentID, e.State)
}

// SynthesisError reports a query-time generation failure. The caller
// receives it verbatim; no partial answer is fabricated.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("answer synthesis failed: %v", e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// NotFoundError reports an unknown document, node or chunk identifier.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsInvalidDocument reports whether err is an InvalidDocumentError.
func IsInvalidDocument(err error) bool {
	var target *InvalidDocumentError
	return errors.As(err, &target)
}

// IsIngestionInProgress reports whether err is an IngestionInProgressError.
func IsIngestionInProgress(err error) bool {
	var target *IngestionInProgressError
	return errors.As(err, &target)
}

// IsMergeConflict reports whether err is a MergeConflictError.
func IsMergeConflict(err error) bool {
	var target *MergeConflictError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsSynthesisFailure reports whether err is a SynthesisError.
func IsSynthesisFailure(err error) bool {
	var target *SynthesisError
	return errors.As(err, &target)
}
