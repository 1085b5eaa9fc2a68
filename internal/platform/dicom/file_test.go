package dicom

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestFile_RoundTrip(t *testing.T) {
	ds := sampleDataset()
	f := NewFile(ModalityPerformedProcedureStepSOPClass, "1.2.3.4.5", ExplicitVRLittleEndian, ds)

	b, err := f.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(b[128:132], []byte("DICM")) {
		t.Fatalf("expected DICM prefix at offset 128")
	}

	got, err := ParseFile(b)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if got.TransferSyntax() != ExplicitVRLittleEndian {
		t.Errorf("expected explicit LE, got %q", got.TransferSyntax())
	}
	if s, _ := got.Meta.String(MediaStorageSOPInstanceUID); s != "1.2.3.4.5" {
		t.Errorf("expected media storage instance 1.2.3.4.5, got %q", s)
	}
	if s, _ := got.Meta.String(MediaStorageSOPClassUID); s != ModalityPerformedProcedureStepSOPClass {
		t.Errorf("expected MPPS class, got %q", s)
	}
	gl, ok := got.Meta.Int(FileMetaInformationGroupLength)
	if !ok || gl <= 0 {
		t.Errorf("expected positive group length, got %d", gl)
	}
	if !got.Dataset.Equal(ds) {
		t.Error("dataset differs after file round trip")
	}
}

func TestFile_BigEndianBody(t *testing.T) {
	ds := sampleDataset()
	b, err := NewFile(ModalityPerformedProcedureStepSOPClass, "1.2.3", ExplicitVRBigEndian, ds).Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	got, err := ReadFile(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !got.Dataset.Equal(ds) {
		t.Error("dataset differs after big endian round trip")
	}
}

func TestParseFile_NotPart10(t *testing.T) {
	_, err := ParseFile([]byte("short"))
	if !errors.Is(err, ErrNotPart10) {
		t.Errorf("expected ErrNotPart10, got %v", err)
	}
	_, err = ParseFile(make([]byte, 200))
	if !errors.Is(err, ErrNotPart10) {
		t.Errorf("expected ErrNotPart10 for zero bytes, got %v", err)
	}
}

// =========== JSON Tests ===========

func TestDataset_MarshalJSON(t *testing.T) {
	ds := NewDataset()
	ds.SetString(PatientName, "Doe^Jane")
	ds.SetString(PerformedProcedureStepStatus, "IN PROGRESS")
	ds.SetString(RequestedProcedureID, "")
	item := NewDataset()
	item.SetString(StudyInstanceUID, "1.2.3")
	ds.SetSequence(ScheduledStepAttributesSequence, item)

	b, err := json.Marshal(ds)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out map[string]map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	status := out["00400252"]
	if status["vr"] != "CS" {
		t.Errorf("expected vr CS, got %v", status["vr"])
	}
	if vals, _ := status["Value"].([]any); len(vals) != 1 || vals[0] != "IN PROGRESS" {
		t.Errorf("expected [IN PROGRESS], got %v", status["Value"])
	}

	name, _ := out["00100010"]["Value"].([]any)
	if len(name) != 1 {
		t.Fatalf("expected one PN value, got %v", name)
	}
	if pn, _ := name[0].(map[string]any); pn["Alphabetic"] != "Doe^Jane" {
		t.Errorf("expected Alphabetic Doe^Jane, got %v", name[0])
	}

	if _, ok := out["00401001"]["Value"]; ok {
		t.Error("expected empty attribute without Value")
	}

	if !strings.Contains(string(b), `"0020000D":{"vr":"UI","Value":["1.2.3"]}`) {
		t.Errorf("expected nested item in output, got %s", b)
	}
}

// =========== Tag and UID Tests ===========

func TestParseTag(t *testing.T) {
	tests := []struct {
		in   string
		want Tag
		ok   bool
	}{
		{"(0040,0252)", PerformedProcedureStepStatus, true},
		{"0040,0252", PerformedProcedureStepStatus, true},
		{"00400252", PerformedProcedureStepStatus, true},
		{"PerformedProcedureStepStatus", PerformedProcedureStepStatus, true},
		{"0020000d", StudyInstanceUID, true},
		{"NotAKeyword", Tag{}, false},
		{"(zzzz,0000)", Tag{}, false},
	}
	for _, tt := range tests {
		got, err := ParseTag(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseTag(%q): unexpected error state %v", tt.in, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseTag(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestTag_String(t *testing.T) {
	if got := StudyInstanceUID.String(); got != "(0020,000D)" {
		t.Errorf("expected (0020,000D), got %s", got)
	}
	if got := StudyInstanceUID.Hex(); got != "0020000D" {
		t.Errorf("expected 0020000D, got %s", got)
	}
}

func TestIsValidUID(t *testing.T) {
	tests := map[string]bool{
		"1.2.840.10008.3.1.2.3.3": true,
		"2.25.1234":               true,
		"":                        false,
		"1..2":                    false,
		"1.02":                    false,
		"1.2.a":                   false,
		"../etc/passwd":           false,
		"1.2.3.":                  false,
		strings.Repeat("1", 65):   false,
	}
	for uid, want := range tests {
		if got := IsValidUID(uid); got != want {
			t.Errorf("IsValidUID(%q) = %v, want %v", uid, got, want)
		}
	}
}

func TestNewUID(t *testing.T) {
	a, b := NewUID(), NewUID()
	if a == b {
		t.Error("expected distinct UIDs")
	}
	if !strings.HasPrefix(a, "2.25.") || !IsValidUID(a) {
		t.Errorf("expected valid 2.25 UID, got %q", a)
	}
}
