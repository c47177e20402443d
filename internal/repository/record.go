// Package repository implements snap.Repository backends: memory, filesystem,
// s3 and http, plus an age sealing wrapper for block payloads.
package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"sitesnap/internal/model"
	"sitesnap/internal/snap"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// checkHash rejects anything that is not a hex sha256, so hashes are safe to
// use as object keys and file names.
func checkHash(hash string) error {
	if !hashPattern.MatchString(hash) {
		return fmt.Errorf("invalid block hash %q", hash)
	}
	return nil
}

// checkID rejects snapshot ids that would escape the snapshots namespace.
func checkID(id string) error {
	return snap.ValidateSnapshotID(id)
}

// blockKey is the relative location of a block: blocks/ab/<hash>.
func blockKey(hash string) string {
	return "blocks/" + hash[:2] + "/" + hash
}

// recordKey is the relative location of a registered snapshot record.
func recordKey(id string) string {
	return "snapshots/" + id + ".json"
}

func encodeRecord(record *model.Record) ([]byte, error) {
	if record == nil || record.Snapshot == nil {
		return nil, fmt.Errorf("record has no snapshot")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", record.Snapshot.ID, err)
	}
	return data, nil
}

func decodeRecord(id string, data []byte) (*model.Record, error) {
	var record model.Record
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", id, err)
	}
	return &record, nil
}

// sameRegistration resolves a register race against an existing record:
// identical content is success, anything else is a conflict.
func sameRegistration(existing, record *model.Record) error {
	if existing.ContentHash == record.ContentHash {
		return nil
	}
	return fmt.Errorf("%w: %s is registered with content %s, not %s",
		snap.ErrRemoteConflict, record.Snapshot.ID, existing.ContentHash, record.ContentHash)
}
