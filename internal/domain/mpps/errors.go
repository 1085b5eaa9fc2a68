package mpps

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/radiology/internal/platform/dicom"
)

var (
	ErrDuplicateInstance   = errors.New("mpps: duplicate SOP instance")
	ErrNotFound            = errors.New("mpps: no such performed procedure step")
	ErrTerminalState       = errors.New("mpps: performed procedure step may no longer be updated")
	ErrStorageIO           = errors.New("mpps: storage I/O failure")
	ErrPersistenceDisabled = errors.New("mpps: persistence disabled")
	ErrInvalidInstanceUID  = errors.New("mpps: invalid SOP instance UID")
	ErrStudyNotFound       = errors.New("mpps: no study with that study instance UID")
)

// ValidationError reports structural violations of a request dataset.
type ValidationError struct {
	Profile    string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("mpps: %s validation failed: %s", e.Profile, strings.Join(parts, "; "))
}

// Class returns the class reported to the caller when violations are mixed:
// missing-required wins over forbidden-present, which wins over
// value-out-of-range.
func (e *ValidationError) Class() ViolationClass {
	best := ViolationClass("")
	for _, v := range e.Violations {
		if best == "" || v.Class.rank() < best.rank() {
			best = v.Class
		}
	}
	return best
}

// Tags returns the distinct offending tags of class c in violation order.
func (e *ValidationError) Tags(c ViolationClass) []dicom.Tag {
	seen := make(map[dicom.Tag]bool)
	var out []dicom.Tag
	for _, v := range e.Violations {
		if v.Class != c || seen[v.Tag] {
			continue
		}
		seen[v.Tag] = true
		out = append(out, v.Tag)
	}
	return out
}

// StorageError is a filesystem failure in the procedure step store.
// errors.Is(err, ErrStorageIO) holds for every StorageError.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("mpps: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageIO }
