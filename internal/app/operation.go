package app

import "strings"

// Operation statuses recorded in the cache index.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation tracks a CLI run that may change the cache or a repository.
// Operations are created in memory with ID=0. Only mutating commands
// persist them (giving them an auto-increment ID from the cache index).
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
}

// NewOperation creates a new in-memory operation. Non-empty params are joined
// with spaces into the recorded parameter string.
func NewOperation(operation string, params ...string) *Operation {
	var kept []string
	for _, p := range params {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return &Operation{
		Operation:  operation,
		Parameters: strings.Join(kept, " "),
		Status:     StatusSuccess,
	}
}

// Persisted returns true if this operation has been saved to the cache index.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Record marks the operation failed when err is non-nil and returns err.
func (op *Operation) Record(err error) error {
	if err != nil {
		op.Status = StatusError
	}
	return err
}
