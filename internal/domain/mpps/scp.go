package mpps

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/ehr/radiology/internal/platform/dicom"
	"github.com/ehr/radiology/internal/platform/dimse"
)

// errorIDMayNoLongerBeUpdated is the Error ID sent with Processing Failure
// for an N-SET on a completed or discontinued step (PS3.4 F.7.2.2).
const errorIDMayNoLongerBeUpdated = 0xA710

// SCP adapts the Service to DIMSE: it decodes requests and turns outcomes
// into response statuses.
type SCP struct {
	svc    *Service
	logger zerolog.Logger
}

func NewSCP(svc *Service, logger zerolog.Logger) *SCP {
	return &SCP{svc: svc, logger: logger.With().Str("component", "mpps-scp").Logger()}
}

var _ dimse.Handler = (*SCP)(nil)

func (h *SCP) ServeDIMSE(ctx context.Context, req *dimse.Request) *dimse.Response {
	if req.SOPClassUID != dicom.ModalityPerformedProcedureStepSOPClass {
		return dimse.StatusResponse(dimse.StatusNoSuchSOPClass)
	}

	ds, err := req.DataSet()
	if err != nil {
		h.logger.Warn().Err(err).Str("sop_instance_uid", req.SOPInstanceUID).Msg("undecodable request dataset")
		return &dimse.Response{Status: dimse.StatusMistypedArgument, ErrorComment: "dataset could not be decoded"}
	}
	if ds == nil {
		ds = dicom.NewDataset()
	}

	r := Request{
		SOPClassUID: req.SOPClassUID,
		InstanceUID: req.SOPInstanceUID,
		Attributes:  ds,
	}
	if a := req.Association; a != nil {
		r.CallingAE = a.CallingAE
		r.RemoteAddr = a.RemoteAddr
	}

	switch req.Message.Field() {
	case dimse.NCreateRQ:
		assigned := ""
		if r.InstanceUID == "" {
			r.InstanceUID = dicom.NewUID()
			assigned = r.InstanceUID
		}
		if _, err := h.svc.Create(ctx, r); err != nil {
			return h.failure(err, r.InstanceUID)
		}
		return &dimse.Response{Status: dimse.StatusSuccess, AffectedSOPInstanceUID: assigned}
	case dimse.NSetRQ:
		if _, err := h.svc.Update(ctx, r); err != nil {
			return h.failure(err, r.InstanceUID)
		}
		return dimse.StatusResponse(dimse.StatusSuccess)
	}
	return dimse.StatusResponse(dimse.StatusUnrecognizedOperation)
}

// failure maps a service error to a DIMSE response.
func (h *SCP) failure(err error, instanceUID string) *dimse.Response {
	var verr *ValidationError
	if errors.As(err, &verr) {
		class := verr.Class()
		resp := &dimse.Response{AttributeIdentifiers: verr.Tags(class), ErrorComment: string(class)}
		switch class {
		case MissingRequired:
			resp.Status = dimse.StatusMissingAttribute
		case ForbiddenPresent:
			resp.Status = dimse.StatusNoSuchAttribute
		default:
			resp.Status = dimse.StatusInvalidAttributeValue
		}
		return resp
	}

	switch {
	case errors.Is(err, ErrInvalidInstanceUID):
		return &dimse.Response{Status: dimse.StatusInvalidObjectInstance, ErrorComment: "invalid SOP instance UID"}
	case errors.Is(err, ErrDuplicateInstance):
		return &dimse.Response{Status: dimse.StatusDuplicateSOPInstance, AffectedSOPInstanceUID: instanceUID}
	case errors.Is(err, ErrNotFound):
		return &dimse.Response{Status: dimse.StatusNoSuchObjectInstance, AffectedSOPInstanceUID: instanceUID}
	case errors.Is(err, ErrTerminalState):
		return &dimse.Response{
			Status:       dimse.StatusProcessingFailure,
			ErrorID:      errorIDMayNoLongerBeUpdated,
			ErrorComment: "Performed Procedure Step Object may no longer be updated",
		}
	}

	h.logger.Error().Err(err).Str("sop_instance_uid", instanceUID).Msg("procedure step processing failed")
	return &dimse.Response{Status: dimse.StatusProcessingFailure, ErrorComment: "processing failure"}
}
