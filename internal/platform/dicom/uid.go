package dicom

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Well-known UIDs (PS3.6 Annex A).
const (
	ApplicationContextUID = "1.2.840.10008.3.1.1.1"

	VerificationSOPClass                    = "1.2.840.10008.1.1"
	ModalityPerformedProcedureStepSOPClass  = "1.2.840.10008.3.1.2.3.3"
	ModalityPerformedProcedureStepRetrieve  = "1.2.840.10008.3.1.2.3.4"
	ModalityPerformedProcedureStepNotifySOP = "1.2.840.10008.3.1.2.3.5"

	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// ImplementationClassUID identifies this implementation in association
// negotiation and Part-10 file meta information.
const (
	ImplementationClassUIDValue = "2.25.92481035733513425623104519457139062411"
	ImplementationVersion       = "EHR_MPPS_1"
)

const maxUIDLength = 64

// IsValidUID reports whether s is a syntactically valid UID: dot separated
// numeric components, no leading zeros, at most 64 characters.
func IsValidUID(s string) bool {
	if s == "" || len(s) > maxUIDLength {
		return false
	}
	for _, comp := range strings.Split(s, ".") {
		if comp == "" {
			return false
		}
		if len(comp) > 1 && comp[0] == '0' {
			return false
		}
		for _, r := range comp {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// NewUID returns a UUID-derived UID under the 2.25 root (PS3.5 B.2).
func NewUID() string {
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])
	return "2.25." + n.String()
}

// TransferSyntaxName returns a short display name for a transfer syntax UID.
func TransferSyntaxName(uid string) string {
	switch uid {
	case ImplicitVRLittleEndian:
		return "Implicit VR Little Endian"
	case ExplicitVRLittleEndian:
		return "Explicit VR Little Endian"
	case ExplicitVRBigEndian:
		return "Explicit VR Big Endian"
	default:
		return uid
	}
}
