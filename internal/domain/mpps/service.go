package mpps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/radiology/internal/platform/dicom"
	"github.com/ehr/radiology/internal/platform/telemetry"
)

const defaultBridgeTimeout = 5 * time.Second

// Request is one N-CREATE or N-SET as seen by the service.
type Request struct {
	CallingAE   string
	RemoteAddr  string
	SOPClassUID string
	InstanceUID string
	Attributes  *dicom.Dataset
}

// Service implements the performed procedure step state machine:
// absent -> IN PROGRESS -> COMPLETED | DISCONTINUED, each step at most once.
type Service struct {
	store         Store
	bridge        StatusBridge
	createProfile *Profile
	updateProfile *Profile
	bridgeTimeout time.Duration
	logger        zerolog.Logger
	metrics       *telemetry.TelemetryProvider
	locks         *keyedMutex
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithProfiles replaces the built-in validation profiles. A nil profile
// disables that validation.
func WithProfiles(create, update *Profile) ServiceOption {
	return func(s *Service) {
		s.createProfile = create
		s.updateProfile = update
	}
}

// WithBridgeTimeout bounds each StatusBridge call.
func WithBridgeTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.bridgeTimeout = d
		}
	}
}

// WithMetrics counts operations and bridge notifications.
func WithMetrics(tp *telemetry.TelemetryProvider) ServiceOption {
	return func(s *Service) { s.metrics = tp }
}

// NewService wires the store and bridge. A nil bridge disables notifications.
func NewService(store Store, bridge StatusBridge, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:         store,
		bridge:        bridge,
		createProfile: CreateProfile(),
		updateProfile: UpdateProfile(),
		bridgeTimeout: defaultBridgeTimeout,
		logger:        logger.With().Str("component", "mpps").Logger(),
		locks:         newKeyedMutex(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create handles N-CREATE. Nothing is stored when validation fails, and the
// status bridge is not called.
func (s *Service) Create(ctx context.Context, req Request) (rec *Record, err error) {
	defer func() { s.metrics.ProcedureStepOperation("create", outcome(err)) }()

	if err := checkUID(req.InstanceUID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(req.InstanceUID)
	defer unlock()

	if v := Validate(req.Attributes, s.createProfile); len(v) > 0 {
		return nil, &ValidationError{Profile: "N-CREATE", Violations: v}
	}

	if !s.store.Enabled() {
		s.logger.Info().
			Str("calling_ae", req.CallingAE).
			Str("remote", req.RemoteAddr).
			Str("sop_instance_uid", req.InstanceUID).
			Msg("N-CREATE accepted, persistence disabled")
		return NewRecord(req.InstanceUID, req.SOPClassUID, req.Attributes.Clone()), nil
	}

	exists, err := s.store.Exists(ctx, req.InstanceUID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateInstance, req.InstanceUID)
	}

	rec, err = s.store.Create(ctx, req.InstanceUID, req.SOPClassUID, req.Attributes)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("calling_ae", req.CallingAE).
		Str("remote", req.RemoteAddr).
		Str("sop_instance_uid", req.InstanceUID).
		Str("path", rec.Path).
		Msg("M-WRITE")
	return rec, nil
}

// Update handles N-SET. Only records whose stored status is exactly
// IN PROGRESS may change. A transition into COMPLETED or DISCONTINUED is
// reported to the status bridge after the record is stored.
func (s *Service) Update(ctx context.Context, req Request) (rec *Record, err error) {
	defer func() { s.metrics.ProcedureStepOperation("update", outcome(err)) }()

	if err := checkUID(req.InstanceUID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(req.InstanceUID)
	defer unlock()

	if !s.store.Enabled() {
		if v := Validate(req.Attributes, s.updateProfile); len(v) > 0 {
			return nil, &ValidationError{Profile: "N-SET", Violations: v}
		}
		s.logger.Info().
			Str("calling_ae", req.CallingAE).
			Str("remote", req.RemoteAddr).
			Str("sop_instance_uid", req.InstanceUID).
			Msg("N-SET accepted, persistence disabled")
		return NewRecord(req.InstanceUID, req.SOPClassUID, req.Attributes.Clone()), nil
	}

	cur, err := s.store.Read(ctx, req.InstanceUID)
	if err != nil {
		return nil, err
	}
	if !cur.Status.Updatable() {
		return nil, fmt.Errorf("%w: %s is %q", ErrTerminalState, req.InstanceUID, cur.Status)
	}
	if v := Validate(req.Attributes, s.updateProfile); len(v) > 0 {
		return nil, &ValidationError{Profile: "N-SET", Violations: v}
	}
	if v := checkStatusChange(req.Attributes); v != nil {
		return nil, &ValidationError{Profile: "N-SET", Violations: v}
	}

	rec, err = s.store.Update(ctx, req.InstanceUID, req.Attributes)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("calling_ae", req.CallingAE).
		Str("remote", req.RemoteAddr).
		Str("sop_instance_uid", req.InstanceUID).
		Str("path", rec.Path).
		Str("status", string(rec.Status)).
		Msg("M-UPDATE")

	if rec.Status.IsTerminal() {
		s.notify(ctx, rec)
	}
	return rec, nil
}

// notify calls the bridge; failures are logged and swallowed.
func (s *Service) notify(ctx context.Context, rec *Record) {
	if s.bridge == nil {
		return
	}
	log := s.logger.With().
		Str("sop_instance_uid", rec.InstanceUID).
		Str("study_instance_uid", rec.StudyInstanceUID).
		Str("status", string(rec.Status)).
		Logger()
	if rec.StudyInstanceUID == "" {
		log.Warn().Msg("no study instance UID on record, status bridge skipped")
		s.metrics.BridgeNotification(rec.Status.Downstream(), "skipped")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.bridgeTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("status bridge panic")
			s.metrics.BridgeNotification(rec.Status.Downstream(), "panic")
		}
	}()

	if err := s.bridge.Notify(ctx, rec.StudyInstanceUID, rec.Status); err != nil {
		log.Error().Err(err).Msg("status bridge notification failed")
		s.metrics.BridgeNotification(rec.Status.Downstream(), "error")
		return
	}
	s.metrics.BridgeNotification(rec.Status.Downstream(), "ok")
}

// Get returns a stored record.
func (s *Service) Get(ctx context.Context, instanceUID string) (*Record, error) {
	if err := checkUID(instanceUID); err != nil {
		return nil, err
	}
	return s.store.Read(ctx, instanceUID)
}

// List returns one page of stored instance UIDs and the total count.
func (s *Service) List(ctx context.Context, limit, offset int) ([]string, int, error) {
	uids, err := s.store.List(ctx)
	if err != nil {
		return nil, 0, err
	}
	total := len(uids)
	if offset >= total {
		return []string{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return uids[offset:end], total, nil
}

// checkStatusChange holds the state machine regardless of the configured
// profile: a delta that carries a status must carry a known one.
func checkStatusChange(delta *dicom.Dataset) []Violation {
	if delta == nil {
		return nil
	}
	if _, ok := delta.Get(dicom.PerformedProcedureStepStatus); !ok {
		return nil
	}
	if StatusOf(delta).Known() {
		return nil
	}
	return []Violation{{Tag: dicom.PerformedProcedureStepStatus, Class: ValueOutOfRange}}
}

func outcome(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &verr):
		return "invalid"
	case errors.Is(err, ErrDuplicateInstance):
		return "duplicate"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTerminalState):
		return "terminal"
	}
	return "error"
}
