package mpps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/radiology/internal/platform/dicom"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "mpps"), zerolog.Nop())
}

// =========== Create / Read Tests ===========

func TestFileStore_CreateRead_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	attrs := inProgressDataset(testStudyUID)

	if _, err := os.Stat(s.Dir()); !os.IsNotExist(err) {
		t.Fatalf("expected directory to be created lazily, stat err = %v", err)
	}

	created, err := s.Create(ctx, testInstanceUID, dicom.ModalityPerformedProcedureStepSOPClass, attrs)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Path != s.Path(testInstanceUID) {
		t.Errorf("expected path %s, got %s", s.Path(testInstanceUID), created.Path)
	}

	got, err := s.Read(ctx, testInstanceUID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !got.Attributes.Equal(attrs) {
		t.Error("expected stored attributes to equal the created ones")
	}
	if got.SOPClassUID != dicom.ModalityPerformedProcedureStepSOPClass {
		t.Errorf("expected SOP class header, got %q", got.SOPClassUID)
	}
	if got.TransferSyntaxUID != dicom.ExplicitVRLittleEndian {
		t.Errorf("expected explicit VR little endian file, got %q", got.TransferSyntaxUID)
	}
	if got.Status != StatusInProgress {
		t.Errorf("expected status IN PROGRESS, got %q", got.Status)
	}
	if got.StudyInstanceUID != testStudyUID {
		t.Errorf("expected study %s, got %s", testStudyUID, got.StudyInstanceUID)
	}
}

func TestFileStore_FileIsPart10(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create(context.Background(), testInstanceUID, dicom.ModalityPerformedProcedureStepSOPClass, inProgressDataset(testStudyUID)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f, err := os.Open(s.Path(testInstanceUID))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	pf, err := dicom.ReadFile(f)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := pf.Meta.StringOr(dicom.MediaStorageSOPInstanceUID, ""); got != testInstanceUID {
		t.Errorf("expected media storage instance %s, got %s", testInstanceUID, got)
	}
}

func TestFileStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	first := inProgressDataset(testStudyUID)
	if _, err := s.Create(ctx, testInstanceUID, dicom.ModalityPerformedProcedureStepSOPClass, first); err != nil {
		t.Fatalf("Create: %v", err)
	}

	second := inProgressDataset("1.2.3.4.5")
	_, err := s.Create(ctx, testInstanceUID, dicom.ModalityPerformedProcedureStepSOPClass, second)
	if !errors.Is(err, ErrDuplicateInstance) {
		t.Fatalf("expected ErrDuplicateInstance, got %v", err)
	}

	got, err := s.Read(ctx, testInstanceUID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Attributes.Equal(first) {
		t.Error("expected duplicate create to leave the first record untouched")
	}
}

func TestFileStore_ConcurrentCreateOneWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, testInstanceUID, dicom.ModalityPerformedProcedureStepSOPClass, inProgressDataset(testStudyUID))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok, dup := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateInstance):
			dup++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 || dup != n-1 {
		t.Errorf("expected 1 success and %d duplicates, got %d and %d", n-1, ok, dup)
	}
}

func TestFileStore_ReadMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Read(context.Background(), testInstanceUID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStore_ReadCorruptFile(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(s.Dir(), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(testInstanceUID), []byte("not dicom"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := s.Read(context.Background(), testInstanceUID)
	if !errors.Is(err, ErrStorageIO) {
		t.Fatalf("expected ErrStorageIO, got %v", err)
	}
	var serr *StorageError
	if !errors.As(err, &serr) || serr.Op != "decode" {
		t.Errorf("expected decode StorageError, got %v", err)
	}
}

func TestFileStore_RejectsInvalidUID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, uid := range []string{"", "../etc/passwd", "1.2.abc", "1..2"} {
		if _, err := s.Create(ctx, uid, "", inProgressDataset(testStudyUID)); !errors.Is(err, ErrInvalidInstanceUID) {
			t.Errorf("Create(%q): expected ErrInvalidInstanceUID, got %v", uid, err)
		}
		if _, err := s.Exists(ctx, uid); !errors.Is(err, ErrInvalidInstanceUID) {
			t.Errorf("Exists(%q): expected ErrInvalidInstanceUID, got %v", uid, err)
		}
	}
}

// =========== Update Tests ===========

func TestFileStore_UpdateMerges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.Create(ctx, testInstanceUID, dicom.ModalityPerformedProcedureStepSOPClass, inProgressDataset(testStudyUID)); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Update(ctx, testInstanceUID, finalDataset(StatusCompleted))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %q", rec.Status)
	}

	got, err := s.Read(ctx, testInstanceUID)
	if err != nil {
		t.Fatal(err)
	}
	if v := got.Attributes.StringOr(dicom.PerformedProcedureStepEndTime, ""); v != "103000" {
		t.Errorf("expected end time persisted, got %q", v)
	}
	if v := got.Attributes.StringOr(dicom.PatientName, ""); v != "Doe^Jane" {
		t.Errorf("expected untouched attributes kept, got PatientName %q", v)
	}
	if got.StudyInstanceUID != testStudyUID {
		t.Errorf("expected study UID from stored sequence, got %q", got.StudyInstanceUID)
	}
	if got.SOPClassUID != dicom.ModalityPerformedProcedureStepSOPClass {
		t.Errorf("expected SOP class kept, got %q", got.SOPClassUID)
	}
}

func TestFileStore_UpdateMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Update(context.Background(), testInstanceUID, finalDataset(StatusCompleted)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStore_ConcurrentUpdatesKeepAllFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.Create(ctx, testInstanceUID, dicom.ModalityPerformedProcedureStepSOPClass, inProgressDataset(testStudyUID)); err != nil {
		t.Fatal(err)
	}

	fields := []dicom.Tag{
		dicom.PerformedProcedureStepDescription,
		dicom.PerformedProcedureTypeDescription,
		dicom.CommentsOnThePerformedProcedureStep,
		dicom.PerformedProcedureStepEndDate,
		dicom.PerformedProcedureStepEndTime,
	}
	var wg sync.WaitGroup
	for i, tag := range fields {
		wg.Add(1)
		go func(i int, tag dicom.Tag) {
			defer wg.Done()
			delta := dicom.NewDataset()
			delta.SetString(tag, fmt.Sprintf("v%d", i))
			if _, err := s.Update(ctx, testInstanceUID, delta); err != nil {
				t.Errorf("Update %s: %v", tag, err)
			}
		}(i, tag)
	}
	wg.Wait()

	got, err := s.Read(ctx, testInstanceUID)
	if err != nil {
		t.Fatal(err)
	}
	for i, tag := range fields {
		if v := got.Attributes.StringOr(tag, ""); v != fmt.Sprintf("v%d", i) {
			t.Errorf("expected %s = v%d, got %q", tag, i, v)
		}
	}
	if s.locks.size() != 0 {
		t.Errorf("expected lock table drained, %d entries left", s.locks.size())
	}
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.Create(ctx, testInstanceUID, dicom.ModalityPerformedProcedureStepSOPClass, inProgressDataset(testStudyUID)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, testInstanceUID, dicom.ModalityPerformedProcedureStepSOPClass, inProgressDataset(testStudyUID)); err == nil {
		t.Fatal("expected duplicate")
	}
	if _, err := s.Update(ctx, testInstanceUID, finalDataset(StatusDiscontinued)); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != testInstanceUID {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only the record file, got %v", names)
	}
}

// =========== List / Disabled Tests ===========

func TestFileStore_List(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	uids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List on missing dir: %v", err)
	}
	if len(uids) != 0 {
		t.Errorf("expected empty list, got %v", uids)
	}

	for _, uid := range []string{"1.2.3", "1.2.10", "1.2.4"} {
		if _, err := s.Create(ctx, uid, dicom.ModalityPerformedProcedureStepSOPClass, inProgressDataset(testStudyUID)); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), ".1.2.5.123.tmp"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	uids, err = s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"1.2.10", "1.2.3", "1.2.4"}
	if fmt.Sprint(uids) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, uids)
	}
}

func TestFileStore_Disabled(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore("", zerolog.Nop())
	if s.Enabled() {
		t.Fatal("expected store without directory to be disabled")
	}

	rec, err := s.Create(ctx, testInstanceUID, dicom.ModalityPerformedProcedureStepSOPClass, inProgressDataset(testStudyUID))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Status != StatusInProgress {
		t.Errorf("expected derived status, got %q", rec.Status)
	}
	if ok, err := s.Exists(ctx, testInstanceUID); err != nil || ok {
		t.Errorf("expected Exists false, got %v, %v", ok, err)
	}
	if _, err := s.Update(ctx, testInstanceUID, finalDataset(StatusCompleted)); err != nil {
		t.Errorf("Update: %v", err)
	}
	if _, err := s.Read(ctx, testInstanceUID); !errors.Is(err, ErrPersistenceDisabled) {
		t.Errorf("expected ErrPersistenceDisabled from Read, got %v", err)
	}
	if _, err := s.List(ctx); !errors.Is(err, ErrPersistenceDisabled) {
		t.Errorf("expected ErrPersistenceDisabled from List, got %v", err)
	}
}

func TestFileStore_UnwritableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	parent := t.TempDir()
	if err := os.Chmod(parent, 0o500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(parent, 0o700) })

	s := NewFileStore(filepath.Join(parent, "mpps"), zerolog.Nop())
	_, err := s.Create(context.Background(), testInstanceUID, dicom.ModalityPerformedProcedureStepSOPClass, inProgressDataset(testStudyUID))
	if !errors.Is(err, ErrStorageIO) {
		t.Fatalf("expected ErrStorageIO, got %v", err)
	}
	if ok, _ := s.Exists(context.Background(), testInstanceUID); ok {
		t.Error("expected no record after failed create")
	}
}
