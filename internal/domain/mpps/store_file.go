package mpps

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ehr/radiology/internal/platform/dicom"
)

// FileStore keeps one DICOM Part-10 file per instance under a directory.
// Files are written to a temporary name, synced, and then linked (create) or
// renamed (update) into place, so readers only ever see complete files.
type FileStore struct {
	dir    string
	logger zerolog.Logger
	locks  *keyedMutex
}

// NewFileStore returns a store rooted at dir. An empty dir disables
// persistence. The directory is created on first write.
func NewFileStore(dir string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "mpps-store").Logger(),
		locks:  newKeyedMutex(),
	}
}

func (s *FileStore) Enabled() bool { return s.dir != "" }

// Dir returns the storage directory.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the file backing instanceUID.
func (s *FileStore) Path(instanceUID string) string {
	return filepath.Join(s.dir, instanceUID)
}

func checkUID(uid string) error {
	if !dicom.IsValidUID(uid) {
		return fmt.Errorf("%w: %q", ErrInvalidInstanceUID, uid)
	}
	return nil
}

func (s *FileStore) Exists(_ context.Context, instanceUID string) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	if err := checkUID(instanceUID); err != nil {
		return false, err
	}
	_, err := os.Stat(s.Path(instanceUID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &StorageError{Op: "stat", Path: s.Path(instanceUID), Err: err}
}

func (s *FileStore) Create(_ context.Context, instanceUID, sopClassUID string, attrs *dicom.Dataset) (*Record, error) {
	if err := checkUID(instanceUID); err != nil {
		return nil, err
	}
	rec := NewRecord(instanceUID, sopClassUID, attrs.Clone())
	if !s.Enabled() {
		return rec, nil
	}

	unlock := s.locks.Lock(instanceUID)
	defer unlock()

	path := s.Path(instanceUID)
	tmp, err := s.writeTemp(rec)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateInstance, instanceUID)
		}
		return nil, &StorageError{Op: "link", Path: path, Err: err}
	}
	rec.Path = path
	s.logger.Debug().Str("path", path).Msg("procedure step created")
	return rec, nil
}

func (s *FileStore) Read(_ context.Context, instanceUID string) (*Record, error) {
	if !s.Enabled() {
		return nil, ErrPersistenceDisabled
	}
	if err := checkUID(instanceUID); err != nil {
		return nil, err
	}
	return s.read(instanceUID)
}

func (s *FileStore) read(instanceUID string) (*Record, error) {
	path := s.Path(instanceUID)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceUID)
		}
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}
	f, err := dicom.ParseFile(b)
	if err != nil {
		return nil, &StorageError{Op: "decode", Path: path, Err: err}
	}
	rec := NewRecord(instanceUID, f.Meta.StringOr(dicom.MediaStorageSOPClassUID, ""), f.Dataset)
	rec.TransferSyntaxUID = f.TransferSyntax()
	rec.Path = path
	return rec, nil
}

func (s *FileStore) Update(_ context.Context, instanceUID string, delta *dicom.Dataset) (*Record, error) {
	if err := checkUID(instanceUID); err != nil {
		return nil, err
	}
	if !s.Enabled() {
		return NewRecord(instanceUID, "", delta.Clone()), nil
	}

	unlock := s.locks.Lock(instanceUID)
	defer unlock()

	cur, err := s.read(instanceUID)
	if err != nil {
		return nil, err
	}
	merged := cur.Attributes.Clone()
	if delta != nil {
		merged.Merge(delta)
	}
	rec := NewRecord(instanceUID, cur.SOPClassUID, merged)

	path := s.Path(instanceUID)
	tmp, err := s.writeTemp(rec)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, &StorageError{Op: "rename", Path: path, Err: err}
	}
	rec.Path = path
	s.logger.Debug().Str("path", path).Str("status", string(rec.Status)).Msg("procedure step updated")
	return rec, nil
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	if !s.Enabled() {
		return nil, ErrPersistenceDisabled
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, &StorageError{Op: "list", Path: s.dir, Err: err}
	}
	uids := make([]string, 0, len(entries))
	for _, e := range entries {
		// temp files start with a dot and never parse as UIDs
		if e.Type().IsRegular() && dicom.IsValidUID(e.Name()) {
			uids = append(uids, e.Name())
		}
	}
	sort.Strings(uids)
	return uids, nil
}

// writeTemp encodes rec into a synced temporary file in the storage
// directory and returns its path. The caller owns the file.
func (s *FileStore) writeTemp(rec *Record) (string, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", &StorageError{Op: "mkdir", Path: s.dir, Err: err}
	}
	b, err := dicom.NewFile(rec.SOPClassUID, rec.InstanceUID, rec.TransferSyntaxUID, rec.Attributes).Bytes()
	if err != nil {
		return "", &StorageError{Op: "encode", Path: s.Path(rec.InstanceUID), Err: err}
	}

	f, err := os.CreateTemp(s.dir, "."+rec.InstanceUID+".*.tmp")
	if err != nil {
		return "", &StorageError{Op: "create", Path: s.dir, Err: err}
	}
	tmp := f.Name()
	fail := func(op string, err error) (string, error) {
		f.Close()
		os.Remove(tmp)
		return "", &StorageError{Op: op, Path: tmp, Err: err}
	}
	if _, err := f.Write(b); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", &StorageError{Op: "close", Path: tmp, Err: err}
	}
	return tmp, nil
}
