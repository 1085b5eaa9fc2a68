package mpps

import (
	"strings"

	"github.com/ehr/radiology/internal/platform/dicom"
)

// Status is the value of Performed Procedure Step Status (0040,0252).
type Status string

const (
	StatusInProgress   Status = "IN PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusDiscontinued Status = "DISCONTINUED"
)

// IsTerminal reports whether s is COMPLETED or DISCONTINUED.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDiscontinued
}

// Known reports whether s is one of the three statuses a step may hold.
func (s Status) Known() bool {
	return s == StatusInProgress || s.IsTerminal()
}

// Updatable reports whether a record in status s accepts N-SET. Only the
// exact IN PROGRESS literal qualifies; unrecognized values are final.
func (s Status) Updatable() bool {
	return s == StatusInProgress
}

// Downstream returns the status name used by order systems
// (IN_PROGRESS, COMPLETED, DISCONTINUED).
func (s Status) Downstream() string {
	return strings.ReplaceAll(string(s), " ", "_")
}

// Record is one stored performed procedure step.
type Record struct {
	InstanceUID       string         `json:"instance_uid"`
	SOPClassUID       string         `json:"sop_class_uid"`
	TransferSyntaxUID string         `json:"transfer_syntax_uid"`
	Status            Status         `json:"status"`
	StudyInstanceUID  string         `json:"study_instance_uid,omitempty"`
	Path              string         `json:"-"`
	Attributes        *dicom.Dataset `json:"attributes"`
}

// NewRecord builds a record and derives its status and study instance UID
// from attrs.
func NewRecord(instanceUID, sopClassUID string, attrs *dicom.Dataset) *Record {
	if attrs == nil {
		attrs = dicom.NewDataset()
	}
	r := &Record{
		InstanceUID:       instanceUID,
		SOPClassUID:       sopClassUID,
		TransferSyntaxUID: dicom.ExplicitVRLittleEndian,
		Attributes:        attrs,
	}
	r.derive()
	return r
}

func (r *Record) derive() {
	r.Status = StatusOf(r.Attributes)
	r.StudyInstanceUID = StudyInstanceUIDOf(r.Attributes)
}

// StatusOf returns the performed procedure step status held in ds, or "" if
// the attribute is absent.
func StatusOf(ds *dicom.Dataset) Status {
	if ds == nil {
		return ""
	}
	return Status(ds.StringOr(dicom.PerformedProcedureStepStatus, ""))
}

// StudyInstanceUIDOf returns the study the step was performed for: the first
// Scheduled Step Attributes item's Study Instance UID, else a top-level one.
func StudyInstanceUIDOf(ds *dicom.Dataset) string {
	if ds == nil {
		return ""
	}
	if items := ds.Sequence(dicom.ScheduledStepAttributesSequence); len(items) > 0 && items[0] != nil {
		if uid := items[0].StringOr(dicom.StudyInstanceUID, ""); uid != "" {
			return uid
		}
	}
	return ds.StringOr(dicom.StudyInstanceUID, "")
}
