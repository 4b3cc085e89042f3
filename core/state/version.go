package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"purchain/storage"
)

// StateVersion identifies the expected on-disk schema layout. Increment it
// whenever the stored structure changes incompatibly. Version 2 introduced
// paginated OTS bitfields; version 1 stores still open because legacy
// account records are migrated as they are touched.
const StateVersion uint32 = 2

var (
	stateVersionKey = []byte("state:version")
	// ErrStateVersionMismatch indicates the stored schema version does not
	// match the version supported by the current binary.
	ErrStateVersionMismatch = errors.New("state: schema version mismatch")
)

// PutStateVersion queues the schema version into batch.
func PutStateVersion(batch *storage.Batch, version uint32) {
	batch.Put(stateVersionKey, binary.BigEndian.AppendUint64(nil, uint64(version)))
}

// ReadStateVersion returns the stored schema version and whether one was
// present.
func ReadStateVersion(db storage.Database) (uint32, bool, error) {
	raw, err := db.Get(stateVersionKey)
	if storage.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("state: schema version has %d bytes", len(raw))
	}
	stored := binary.BigEndian.Uint64(raw)
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("state: schema version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// EnsureStateVersion verifies that the on-disk state version matches the
// version supported by this binary. An empty store passes. When allowMigrate
// is true a version 1 store is accepted and migrated lazily.
func EnsureStateVersion(db storage.Database, allowMigrate bool) error {
	if db == nil {
		return fmt.Errorf("state: database must not be nil")
	}
	version, ok, err := ReadStateVersion(db)
	if err != nil {
		return err
	}
	if !ok || version == StateVersion {
		return nil
	}
	if allowMigrate && version == StateVersion-1 {
		return nil
	}
	return fmt.Errorf("%w: on-disk=%d expected=%d", ErrStateVersionMismatch, version, StateVersion)
}
