package app

import (
	"errors"
	"testing"
)

func TestNewOperation(t *testing.T) {
	tests := []struct {
		name       string
		operation  string
		params     []string
		wantParams string
	}{
		{
			name:       "with parameters",
			operation:  "Push",
			params:     []string{"snap-1", "team"},
			wantParams: "snap-1 team",
		},
		{
			name:       "empty values dropped",
			operation:  "Pull",
			params:     []string{"snap-1", ""},
			wantParams: "snap-1",
		},
		{
			name:       "empty parameters",
			operation:  "Prune",
			wantParams: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation(tt.operation, tt.params...)

			if op.Operation != tt.operation {
				t.Errorf("Operation = %q, want %q", op.Operation, tt.operation)
			}
			if op.Parameters != tt.wantParams {
				t.Errorf("Parameters = %q, want %q", op.Parameters, tt.wantParams)
			}
			if op.Status != StatusSuccess {
				t.Errorf("Status = %q, want %q", op.Status, StatusSuccess)
			}
			if op.ID != 0 {
				t.Errorf("ID = %d, want 0", op.ID)
			}
		})
	}
}

func TestOperation_Persisted(t *testing.T) {
	tests := []struct {
		name string
		id   int64
		want bool
	}{
		{name: "not persisted when ID is 0", id: 0, want: false},
		{name: "persisted when ID is positive", id: 1, want: true},
		{name: "persisted when ID is large", id: 99999, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &Operation{ID: tt.id}
			if got := op.Persisted(); got != tt.want {
				t.Errorf("Persisted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOperation_Record(t *testing.T) {
	op := NewOperation("Push")
	if err := op.Record(nil); err != nil || op.Status != StatusSuccess {
		t.Fatalf("Record(nil) = %v, status %q", err, op.Status)
	}
	boom := errors.New("boom")
	if err := op.Record(boom); err != boom {
		t.Errorf("Record() returned %v, want the given error", err)
	}
	if op.Status != StatusError {
		t.Errorf("Status = %q, want %q", op.Status, StatusError)
	}
	_ = op.Record(nil)
	if op.Status != StatusError {
		t.Error("a later success cleared the failure")
	}
}
