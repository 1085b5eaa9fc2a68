package mpps

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/radiology/internal/platform/dicom"
	"github.com/ehr/radiology/internal/platform/telemetry"
)

func newTestService(t *testing.T, bridge StatusBridge, opts ...ServiceOption) (*Service, *FileStore) {
	t.Helper()
	store := newTestStore(t)
	return NewService(store, bridge, zerolog.Nop(), opts...), store
}

func createRequest(uid string, attrs *dicom.Dataset) Request {
	return Request{
		CallingAE:   "CT01",
		RemoteAddr:  "10.0.0.5:40112",
		SOPClassUID: dicom.ModalityPerformedProcedureStepSOPClass,
		InstanceUID: uid,
		Attributes:  attrs,
	}
}

// =========== Create Tests ===========

func TestService_CreateValid(t *testing.T) {
	ctx := context.Background()
	bridge := &recordingBridge{}
	svc, store := newTestService(t, bridge)

	rec, err := svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Status != StatusInProgress {
		t.Errorf("expected IN PROGRESS, got %q", rec.Status)
	}
	if ok, _ := store.Exists(ctx, testInstanceUID); !ok {
		t.Error("expected record to exist after create")
	}
	if n := len(bridge.notifications()); n != 0 {
		t.Errorf("expected no bridge call on create, got %d", n)
	}
}

func TestService_CreateTwiceIsDuplicate(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil)

	first := inProgressDataset(testStudyUID)
	if _, err := svc.Create(ctx, createRequest(testInstanceUID, first)); err != nil {
		t.Fatal(err)
	}
	second := inProgressDataset(testStudyUID)
	second.SetString(dicom.PerformedStationName, "CT Room 2")
	_, err := svc.Create(ctx, createRequest(testInstanceUID, second))
	if !errors.Is(err, ErrDuplicateInstance) {
		t.Fatalf("expected ErrDuplicateInstance, got %v", err)
	}

	got, err := store.Read(ctx, testInstanceUID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Attributes.Equal(first) {
		t.Error("expected stored record to equal the first create")
	}
}

func TestService_CreateInvalidPersistsNothing(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil)

	attrs := inProgressDataset(testStudyUID)
	attrs.Sequence(dicom.ScheduledStepAttributesSequence)[0].Remove(dicom.StudyInstanceUID)

	_, err := svc.Create(ctx, createRequest(testInstanceUID, attrs))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if tags := verr.Tags(MissingRequired); len(tags) != 1 || tags[0] != dicom.StudyInstanceUID {
		t.Errorf("expected missing StudyInstanceUID, got %v", tags)
	}
	if ok, _ := store.Exists(ctx, testInstanceUID); ok {
		t.Error("expected no record after failed validation")
	}
}

func TestService_CreateInvalidUID(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Create(context.Background(), createRequest("1.2.x", inProgressDataset(testStudyUID)))
	if !errors.Is(err, ErrInvalidInstanceUID) {
		t.Errorf("expected ErrInvalidInstanceUID, got %v", err)
	}
}

// =========== Update Tests ===========

func TestService_UpdateUnknownIsNotFound(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Update(context.Background(), createRequest(testInstanceUID, finalDataset(StatusCompleted)))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_CompleteNotifiesBridgeOnce(t *testing.T) {
	ctx := context.Background()
	bridge := &recordingBridge{}
	svc, store := newTestService(t, bridge)

	if _, err := svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID))); err != nil {
		t.Fatal(err)
	}
	rec, err := svc.Update(ctx, createRequest(testInstanceUID, finalDataset(StatusCompleted)))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %q", rec.Status)
	}

	got, err := store.Read(ctx, testInstanceUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attributes.StringOr(dicom.PerformedProcedureStepEndDate, "") != "20161007" ||
		got.Attributes.StringOr(dicom.PerformedProcedureStepEndTime, "") != "103000" {
		t.Error("expected end date and time persisted")
	}

	calls := bridge.notifications()
	if len(calls) != 1 {
		t.Fatalf("expected exactly 1 bridge call, got %d", len(calls))
	}
	if calls[0].study != testStudyUID || calls[0].status != StatusCompleted {
		t.Errorf("unexpected notification %+v", calls[0])
	}
}

func TestService_TerminalRecordIsFrozen(t *testing.T) {
	ctx := context.Background()
	bridge := &recordingBridge{}
	svc, store := newTestService(t, bridge)

	if _, err := svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID))); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(ctx, createRequest(testInstanceUID, finalDataset(StatusCompleted))); err != nil {
		t.Fatal(err)
	}
	before, err := store.Read(ctx, testInstanceUID)
	if err != nil {
		t.Fatal(err)
	}

	for _, delta := range []*dicom.Dataset{
		finalDataset(StatusDiscontinued),
		finalDataset(StatusInProgress),
		finalDataset(StatusCompleted),
	} {
		if _, err := svc.Update(ctx, createRequest(testInstanceUID, delta)); !errors.Is(err, ErrTerminalState) {
			t.Errorf("expected ErrTerminalState, got %v", err)
		}
	}

	after, err := store.Read(ctx, testInstanceUID)
	if err != nil {
		t.Fatal(err)
	}
	if !after.Attributes.Equal(before.Attributes) {
		t.Error("expected terminal record unchanged")
	}
	if n := len(bridge.notifications()); n != 1 {
		t.Errorf("expected a single bridge call overall, got %d", n)
	}
}

func TestService_TerminalCheckedBeforeValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	if _, err := svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID))); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(ctx, createRequest(testInstanceUID, finalDataset(StatusDiscontinued))); err != nil {
		t.Fatal(err)
	}

	bad := finalDataset(StatusCompleted)
	bad.SetString(dicom.PatientSex, "M")
	if _, err := svc.Update(ctx, createRequest(testInstanceUID, bad)); !errors.Is(err, ErrTerminalState) {
		t.Errorf("expected ErrTerminalState to win over validation, got %v", err)
	}
}

func TestService_UnrecognizedStoredStatusIsFinal(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil, WithProfiles(nil, nil))

	attrs := inProgressDataset(testStudyUID)
	attrs.SetString(dicom.PerformedProcedureStepStatus, "in progress")
	if _, err := store.Create(ctx, testInstanceUID, dicom.ModalityPerformedProcedureStepSOPClass, attrs); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(ctx, createRequest(testInstanceUID, finalDataset(StatusCompleted))); !errors.Is(err, ErrTerminalState) {
		t.Errorf("expected only the exact IN PROGRESS literal to be updatable, got %v", err)
	}
}

func TestService_UpdateInvalidLeavesRecord(t *testing.T) {
	ctx := context.Background()
	bridge := &recordingBridge{}
	svc, store := newTestService(t, bridge)
	if _, err := svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID))); err != nil {
		t.Fatal(err)
	}

	bad := finalDataset(StatusCompleted)
	bad.SetString(dicom.PatientSex, "M")
	_, err := svc.Update(ctx, createRequest(testInstanceUID, bad))
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Class() != ForbiddenPresent {
		t.Fatalf("expected forbidden-present ValidationError, got %v", err)
	}

	got, _ := store.Read(ctx, testInstanceUID)
	if got.Status != StatusInProgress {
		t.Errorf("expected record still IN PROGRESS, got %q", got.Status)
	}
	if len(bridge.notifications()) != 0 {
		t.Error("expected no bridge call for rejected update")
	}
}

func TestService_InProgressUpdateDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	bridge := &recordingBridge{}
	svc, _ := newTestService(t, bridge)
	if _, err := svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID))); err != nil {
		t.Fatal(err)
	}

	delta := dicom.NewDataset()
	delta.SetString(dicom.CommentsOnThePerformedProcedureStep, "contrast delayed")
	rec, err := svc.Update(ctx, createRequest(testInstanceUID, delta))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusInProgress {
		t.Errorf("expected IN PROGRESS, got %q", rec.Status)
	}
	if len(bridge.notifications()) != 0 {
		t.Error("expected no bridge call without a terminal transition")
	}
}

func TestService_EmptyStatusKeepsStepUpdatable(t *testing.T) {
	tests := []struct {
		name string
		opts []ServiceOption
	}{
		{"built-in profiles", nil},
		{"no profiles", []ServiceOption{WithProfiles(nil, nil)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			bridge := &recordingBridge{}
			svc, store := newTestService(t, bridge, tt.opts...)
			if _, err := svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID))); err != nil {
				t.Fatal(err)
			}

			_, err := svc.Update(ctx, createRequest(testInstanceUID, finalDataset("")))
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Class() != ValueOutOfRange {
				t.Fatalf("expected value-out-of-range for empty status, got %v", err)
			}
			if tags := verr.Tags(ValueOutOfRange); len(tags) != 1 || tags[0] != dicom.PerformedProcedureStepStatus {
				t.Errorf("expected status tag reported, got %v", tags)
			}
			if got, _ := store.Read(ctx, testInstanceUID); got.Status != StatusInProgress {
				t.Fatalf("expected record still IN PROGRESS, got %q", got.Status)
			}

			if _, err := svc.Update(ctx, createRequest(testInstanceUID, finalDataset(StatusCompleted))); err != nil {
				t.Fatalf("expected COMPLETED to be accepted afterwards, got %v", err)
			}
			if calls := bridge.notifications(); len(calls) != 1 || calls[0].status != StatusCompleted {
				t.Errorf("expected one COMPLETED notification, got %+v", calls)
			}
		})
	}
}

func TestService_UnknownStatusRejectedWithoutProfile(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil, WithProfiles(nil, nil))
	if _, err := svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID))); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Update(ctx, createRequest(testInstanceUID, finalDataset("PAUSED")))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if got, _ := store.Read(ctx, testInstanceUID); got.Status != StatusInProgress {
		t.Errorf("expected record still IN PROGRESS, got %q", got.Status)
	}
}

// =========== Status Bridge Isolation Tests ===========

func TestService_BridgeFailureDoesNotFailUpdate(t *testing.T) {
	tests := []struct {
		name   string
		bridge *recordingBridge
	}{
		{"error", &recordingBridge{err: errors.New("order db down")}},
		{"panic", &recordingBridge{panic: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			svc, store := newTestService(t, tt.bridge)
			if _, err := svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID))); err != nil {
				t.Fatal(err)
			}
			if _, err := svc.Update(ctx, createRequest(testInstanceUID, finalDataset(StatusDiscontinued))); err != nil {
				t.Fatalf("expected update to succeed despite bridge failure, got %v", err)
			}
			got, _ := store.Read(ctx, testInstanceUID)
			if got.Status != StatusDiscontinued {
				t.Errorf("expected DISCONTINUED stored, got %q", got.Status)
			}
			if len(tt.bridge.notifications()) != 1 {
				t.Errorf("expected 1 bridge attempt, got %d", len(tt.bridge.notifications()))
			}
		})
	}
}

func TestService_BridgeTimeout(t *testing.T) {
	ctx := context.Background()
	slow := BridgeFunc(func(ctx context.Context, _ string, _ Status) error {
		<-ctx.Done()
		return ctx.Err()
	})
	svc, _ := newTestService(t, slow, WithBridgeTimeout(50*time.Millisecond))
	if _, err := svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID))); err != nil {
		t.Fatal(err)
	}

	begin := time.Now()
	if _, err := svc.Update(ctx, createRequest(testInstanceUID, finalDataset(StatusCompleted))); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Errorf("expected bridge call bounded by timeout, took %v", elapsed)
	}
}

func TestService_MetricsCountOutcomes(t *testing.T) {
	ctx := context.Background()
	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{})
	svc, _ := newTestService(t, &recordingBridge{}, WithMetrics(tp))

	svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID)))
	svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID)))
	svc.Update(ctx, createRequest(testInstanceUID, finalDataset(StatusCompleted)))

	want := `
# HELP mpps_operations_total Performed procedure step operations by outcome.
# TYPE mpps_operations_total counter
mpps_operations_total{environment="development",operation="create",outcome="duplicate",service="mpps-scp",version="0.0.0"} 1
mpps_operations_total{environment="development",operation="create",outcome="ok",service="mpps-scp",version="0.0.0"} 1
mpps_operations_total{environment="development",operation="update",outcome="ok",service="mpps-scp",version="0.0.0"} 1
`
	if err := testutil.GatherAndCompare(tp.Registry(), strings.NewReader(want), "mpps_operations_total"); err != nil {
		t.Error(err)
	}
	if n := testutil.CollectAndCount(tp.Registry(), "mpps_bridge_notifications_total"); n != 1 {
		t.Errorf("expected 1 bridge series, got %d", n)
	}
}

// =========== Disabled Persistence / Degraded Validation ===========

func TestService_PersistenceDisabled(t *testing.T) {
	ctx := context.Background()
	bridge := &recordingBridge{}
	svc := NewService(NewFileStore("", zerolog.Nop()), bridge, zerolog.Nop())

	if _, err := svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID))); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID))); err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if _, err := svc.Update(ctx, createRequest(testInstanceUID, finalDataset(StatusCompleted))); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(bridge.notifications()) != 0 {
		t.Error("expected no bridge call without persistence")
	}

	bad := finalDataset(StatusCompleted)
	bad.SetString(dicom.PatientSex, "M")
	var verr *ValidationError
	if _, err := svc.Update(ctx, createRequest(testInstanceUID, bad)); !errors.As(err, &verr) {
		t.Errorf("expected validation to still apply, got %v", err)
	}
}

func TestService_NilProfilesAcceptAnything(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil, WithProfiles(nil, nil))

	attrs := dicom.NewDataset()
	attrs.SetString(dicom.PerformedProcedureStepStatus, string(StatusInProgress))
	if _, err := svc.Create(ctx, createRequest(testInstanceUID, attrs)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	delta := finalDataset(StatusCompleted)
	delta.SetString(dicom.PatientSex, "O")
	if _, err := svc.Update(ctx, createRequest(testInstanceUID, delta)); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

// =========== Concurrency Tests ===========

func TestService_ConcurrentTerminalUpdatesNotifyOnce(t *testing.T) {
	ctx := context.Background()
	bridge := &recordingBridge{}
	svc, _ := newTestService(t, bridge)
	if _, err := svc.Create(ctx, createRequest(testInstanceUID, inProgressDataset(testStudyUID))); err != nil {
		t.Fatal(err)
	}

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, terminal := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := StatusCompleted
			if i%2 == 1 {
				st = StatusDiscontinued
			}
			_, err := svc.Update(ctx, createRequest(testInstanceUID, finalDataset(st)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrTerminalState):
				terminal++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 1 || terminal != n-1 {
		t.Errorf("expected 1 success and %d terminal rejections, got %d and %d", n-1, succeeded, terminal)
	}
	if len(bridge.notifications()) != 1 {
		t.Errorf("expected exactly 1 bridge call, got %d", len(bridge.notifications()))
	}
	if svc.locks.size() != 0 {
		t.Errorf("expected lock table drained, %d entries left", svc.locks.size())
	}
}

// =========== Query Tests ===========

func TestService_ListPages(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	for _, uid := range []string{"1.2.1", "1.2.2", "1.2.3"} {
		if _, err := svc.Create(ctx, createRequest(uid, inProgressDataset(testStudyUID))); err != nil {
			t.Fatal(err)
		}
	}

	page, total, err := svc.List(ctx, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(page) != 2 || page[0] != "1.2.1" {
		t.Errorf("unexpected first page %v (total %d)", page, total)
	}
	page, _, _ = svc.List(ctx, 2, 2)
	if len(page) != 1 || page[0] != "1.2.3" {
		t.Errorf("unexpected second page %v", page)
	}
	page, _, _ = svc.List(ctx, 2, 10)
	if len(page) != 0 {
		t.Errorf("expected empty page past the end, got %v", page)
	}
}
