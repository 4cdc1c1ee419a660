// Package upload archives driver artifacts to remote storage.
package upload

import "context"

// Uploader copies a run's artifact to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// Upload stores the artifact at path under a key derived from revision
	// and returns that key.
	Upload(ctx context.Context, revision, path string) (string, error)
}
