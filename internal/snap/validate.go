package snap

import (
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateSlug accepts project slugs made of letters, numbers, '_' and '-'.
func ValidateSlug(slug string) error {
	if slug == "" {
		return &ValidationError{Field: "project slug", Value: slug, Reason: "must not be empty"}
	}
	if !slugPattern.MatchString(slug) {
		return &ValidationError{Field: "project slug", Value: slug, Reason: "only letters, numbers, _ and - are allowed"}
	}
	return nil
}

// ValidateDescription accepts any description that is not blank.
func ValidateDescription(description string) error {
	if strings.TrimSpace(description) == "" {
		return &ValidationError{Field: "description", Value: description, Reason: "must not be empty"}
	}
	return nil
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateSnapshotID accepts ids that are safe as file names and object keys.
func ValidateSnapshotID(id string) error {
	if id == "" {
		return &ValidationError{Field: "snapshot id", Value: id, Reason: "must not be empty"}
	}
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return &ValidationError{Field: "snapshot id", Value: id, Reason: "only letters, numbers, '.', '_' and '-' are allowed"}
	}
	return nil
}
