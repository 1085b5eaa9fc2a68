package dicom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const preambleLength = 128

var magic = []byte("DICM")

// ErrNotPart10 is returned when input lacks the 128 byte preamble and DICM
// prefix.
var ErrNotPart10 = errors.New("dicom: not a Part-10 file")

// File is a Part-10 object: file meta information plus the dataset.
type File struct {
	Meta    *Dataset
	Dataset *Dataset
}

// TransferSyntax returns the transfer syntax recorded in the meta group.
func (f *File) TransferSyntax() string {
	return f.Meta.StringOr(TransferSyntaxUID, "")
}

// NewFile builds the meta information for ds stored under the given SOP class
// and instance in transfer syntax tsUID.
func NewFile(sopClassUID, sopInstanceUID, tsUID string, ds *Dataset) *File {
	meta := NewDataset()
	meta.SetBytes(FileMetaInformationVersion, VROB, []byte{0x00, 0x01})
	meta.SetString(MediaStorageSOPClassUID, sopClassUID)
	meta.SetString(MediaStorageSOPInstanceUID, sopInstanceUID)
	meta.SetString(TransferSyntaxUID, tsUID)
	meta.SetString(ImplementationClassUID, ImplementationClassUIDValue)
	meta.SetString(ImplementationVersionName, ImplementationVersion)
	return &File{Meta: meta, Dataset: ds}
}

// WriteTo writes the preamble, meta group and dataset to w.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	ts := f.TransferSyntax()
	if ts == "" {
		return 0, fmt.Errorf("dicom: file meta has no transfer syntax")
	}
	body, err := Encode(f.Dataset, ts)
	if err != nil {
		return 0, err
	}

	meta := f.Meta.Clone()
	meta.Remove(FileMetaInformationGroupLength)
	metaBody, err := Encode(meta, ExplicitVRLittleEndian)
	if err != nil {
		return 0, err
	}
	groupLen := NewDataset()
	groupLen.SetInt(FileMetaInformationGroupLength, int64(len(metaBody)))
	glBytes, err := Encode(groupLen, ExplicitVRLittleEndian)
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	buf.Grow(preambleLength + len(magic) + len(glBytes) + len(metaBody) + len(body))
	buf.Write(make([]byte, preambleLength))
	buf.Write(magic)
	buf.Write(glBytes)
	buf.Write(metaBody)
	buf.Write(body)
	return buf.WriteTo(w)
}

// Bytes returns the encoded file.
func (f *File) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseFile decodes a Part-10 file.
func ParseFile(b []byte) (*File, error) {
	if len(b) < preambleLength+len(magic) || !bytes.Equal(b[preambleLength:preambleLength+len(magic)], magic) {
		return nil, ErrNotPart10
	}
	r := &reader{buf: b, pos: preambleLength + len(magic), syn: explicitLE}

	// Meta elements run until the first tag outside group 0002.
	meta := NewDataset()
	for r.remaining() >= 4 {
		if explicitLE.Order.Uint16(r.buf[r.pos:]) != 0x0002 {
			break
		}
		t, err := r.tag()
		if err != nil {
			return nil, err
		}
		e, err := r.readElement(t)
		if err != nil {
			return nil, fmt.Errorf("dicom: file meta %s: %w", t, err)
		}
		meta.Put(e)
	}

	ts, ok := meta.String(TransferSyntaxUID)
	if !ok {
		return nil, fmt.Errorf("dicom: file meta missing %s", TransferSyntaxUID)
	}
	ds, err := Decode(b[r.pos:], ts)
	if err != nil {
		return nil, err
	}
	return &File{Meta: meta, Dataset: ds}, nil
}

// ReadFile reads and decodes a Part-10 stream.
func ReadFile(rd io.Reader) (*File, error) {
	b, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}
	return ParseFile(b)
}
