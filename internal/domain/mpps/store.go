package mpps

import (
	"context"

	"github.com/ehr/radiology/internal/platform/dicom"
)

// Store persists performed procedure step records keyed by SOP instance UID.
//
// A disabled store (no backing directory) accepts Create and Update without
// persisting anything, reports Exists as false, and answers Read and List
// with ErrPersistenceDisabled.
type Store interface {
	Enabled() bool
	Exists(ctx context.Context, instanceUID string) (bool, error)
	// Create fails with ErrDuplicateInstance if the instance is present.
	Create(ctx context.Context, instanceUID, sopClassUID string, attrs *dicom.Dataset) (*Record, error)
	// Read fails with ErrNotFound if the instance is absent.
	Read(ctx context.Context, instanceUID string) (*Record, error)
	// Update merges delta into the stored attributes: top-level tags in delta
	// replace or extend, absent tags are untouched.
	Update(ctx context.Context, instanceUID string, delta *dicom.Dataset) (*Record, error)
	// List returns the stored instance UIDs in lexical order.
	List(ctx context.Context) ([]string, error)
}
