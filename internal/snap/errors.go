package snap

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds. Callers test for them with errors.Is.
var (
	ErrRepositoryNotConfigured = errors.New("repository not configured")
	ErrValidation              = errors.New("validation failed")
	ErrSnapshotNotFoundLocally = errors.New("snapshot not found locally")
	ErrSnapshotNotFoundRemote  = errors.New("snapshot not found in repository")
	ErrBlockNotFound           = errors.New("block not found")
	ErrPackaging               = errors.New("packaging failed")
	ErrScrub                   = errors.New("scrub failed")
	ErrNetwork                 = errors.New("network error")
	ErrRemoteConflict          = errors.New("snapshot already registered with different content")
	ErrCacheConflict           = errors.New("snapshot already cached with different content")
	ErrSmallNotConfirmed       = errors.New("small mode modifies the local database and was not confirmed")
)

// OpError records the operation, snapshot and repository a failure happened in,
// so the whole command can be retried with the same arguments.
type OpError struct {
	Op         string // "create", "push", "pull", "checkout"
	ID         string
	Repository string
	Err        error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.ID != "" {
		fmt.Fprintf(&b, " %s", e.ID)
	}
	if e.Repository != "" {
		fmt.Fprintf(&b, " (repository %s)", e.Repository)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *OpError) Unwrap() error { return e.Err }

// ValidationError describes a rejected user input. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// packagingError wraps err so it matches both ErrPackaging and err.
func packagingError(format string, args ...any) error {
	return &kindError{kind: ErrPackaging, err: fmt.Errorf(format, args...)}
}

// networkError marks err as a network failure after retries were exhausted.
func networkError(err error) error {
	if err == nil || errors.Is(err, ErrNetwork) {
		return err
	}
	return &kindError{kind: ErrNetwork, err: err}
}

// kindError attaches a failure kind to an underlying error without hiding it.
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%v: %v", e.kind, e.err) }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }
