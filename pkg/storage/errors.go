package storage

import "errors"

var (
	// ErrBucketNotFound is returned when a bucket id has no matching row.
	ErrBucketNotFound = errors.New("storage: bucket not found")

	// ErrEntryNotFound is returned when a queue-entry id has no matching row.
	ErrEntryNotFound = errors.New("storage: queue entry not found")

	// ErrDuplicateBucketName is returned when Insert/Update would violate
	// the unique constraint on bucket name.
	ErrDuplicateBucketName = errors.New("storage: bucket name already exists")
)
