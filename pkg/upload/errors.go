package upload

import (
	"errors"
	"fmt"
)

// Kind classifies upload errors so callers can distinguish parameter
// mistakes, retryable resource failures, and state signals without
// matching on message strings.
type Kind string

const (
	KindMissingParameter    Kind = "missing_parameter"
	KindInvalidParameter    Kind = "invalid_parameter"
	KindChunkTooLarge       Kind = "chunk_too_large"
	KindFileTooLarge        Kind = "file_too_large"
	KindIOFailure           Kind = "io_failure"
	KindNoChunksFound       Kind = "no_chunks_found"
	KindMergeInProgress     Kind = "merge_in_progress"
	KindPartialChunkMissing Kind = "partial_chunk_missing"
	KindNotFound            Kind = "not_found"
)

// Error carries a machine-distinguishable kind plus enough context
// (which hash, which chunk) for a client to pinpoint what to resend.
type Error struct {
	Kind     Kind
	Message  string
	FileHash string
	ChunkID  string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.FileHash != "" {
		msg += fmt.Sprintf(" (fileHash=%s", e.FileHash)
		if e.ChunkID != "" {
			msg += fmt.Sprintf(", chunk=%s", e.ChunkID)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or KindIOFailure for errors that did
// not originate in this package.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindIOFailure
}

// IsKind reports whether err is an upload error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Kind == kind
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
