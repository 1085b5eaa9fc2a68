package mpps

import (
	"context"
	"sync"

	"github.com/ehr/radiology/internal/platform/dicom"
)

const (
	testInstanceUID = "1.2.826.0.1.3680043.2.1545.1.2.1.7.20161007.1"
	testStudyUID    = "1.2.826.0.1.3680043.8.2186.1.1"
)

// inProgressDataset is a complete N-CREATE dataset accepted by the built-in
// profile.
func inProgressDataset(studyUID string) *dicom.Dataset {
	step := dicom.NewDataset()
	step.SetString(dicom.StudyInstanceUID, studyUID)
	step.SetSequence(dicom.ReferencedStudySequence)
	step.SetString(dicom.AccessionNumber, "ACC-1001")
	step.SetString(dicom.RequestedProcedureID, "RP-1")
	step.SetString(dicom.RequestedProcedureDescription, "CT Chest")
	step.SetString(dicom.ScheduledProcedureStepID, "SPS-1")
	step.SetString(dicom.ScheduledProcedureStepDescription, "CT Chest w/o contrast")
	step.SetSequence(dicom.ScheduledProtocolCodeSequence)

	ds := dicom.NewDataset()
	ds.SetSequence(dicom.ScheduledStepAttributesSequence, step)
	ds.SetString(dicom.PatientName, "Doe^Jane")
	ds.SetString(dicom.PatientID, "PID-100")
	ds.SetString(dicom.PatientBirthDate, "19700101")
	ds.SetString(dicom.PatientSex, "F")
	ds.SetSequence(dicom.ReferencedPatientSequence)
	ds.SetString(dicom.PerformedProcedureStepID, "PPS-1")
	ds.SetString(dicom.PerformedStationAETitle, "CT01")
	ds.SetString(dicom.PerformedStationName, "CT Room 1")
	ds.SetString(dicom.PerformedLocation, "Radiology")
	ds.SetString(dicom.PerformedProcedureStepStartDate, "20161007")
	ds.SetString(dicom.PerformedProcedureStepStartTime, "101500")
	ds.SetString(dicom.PerformedProcedureStepStatus, string(StatusInProgress))
	ds.SetString(dicom.PerformedProcedureStepDescription, "CT Chest")
	ds.SetString(dicom.PerformedProcedureTypeDescription, "")
	ds.SetSequence(dicom.ProcedureCodeSequence)
	ds.SetString(dicom.PerformedProcedureStepEndDate, "")
	ds.SetString(dicom.PerformedProcedureStepEndTime, "")
	ds.SetString(dicom.Modality, "CT")
	ds.SetString(dicom.StudyID, "S1")
	ds.SetSequence(dicom.PerformedProtocolCodeSequence)
	ds.SetSequence(dicom.PerformedSeriesSequence)
	return ds
}

// finalDataset is an N-SET modification list moving a step to status.
func finalDataset(status Status) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.SetString(dicom.PerformedProcedureStepStatus, string(status))
	ds.SetString(dicom.PerformedProcedureStepEndDate, "20161007")
	ds.SetString(dicom.PerformedProcedureStepEndTime, "103000")
	return ds
}

type notification struct {
	study  string
	status Status
}

// recordingBridge remembers every notification and can fail or panic.
type recordingBridge struct {
	mu    sync.Mutex
	calls []notification
	err   error
	panic bool
}

func (b *recordingBridge) Notify(_ context.Context, study string, status Status) error {
	b.mu.Lock()
	b.calls = append(b.calls, notification{study, status})
	b.mu.Unlock()
	if b.panic {
		panic("bridge exploded")
	}
	return b.err
}

func (b *recordingBridge) notifications() []notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]notification(nil), b.calls...)
}
