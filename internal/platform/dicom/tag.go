// Package dicom provides the DICOM data primitives used by the MPPS service
// provider: tags, value representations, UIDs, ordered datasets, the three
// uncompressed transfer syntax codecs, and Part-10 file framing.
package dicom

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag identifies a DICOM data element by group and element number.
type Tag struct {
	Group   uint16
	Element uint16
}

// NewTag creates a Tag.
func NewTag(group, element uint16) Tag {
	return Tag{Group: group, Element: element}
}

// Uint32 returns the tag packed as gggg eeee, the form used in Attribute
// Identifier Lists and DICOM JSON keys.
func (t Tag) Uint32() uint32 {
	return uint32(t.Group)<<16 | uint32(t.Element)
}

// TagFromUint32 unpacks a gggg eeee value.
func TagFromUint32(v uint32) Tag {
	return Tag{Group: uint16(v >> 16), Element: uint16(v)}
}

// String renders the tag as "(gggg,eeee)".
func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// Hex renders the tag as "ggggeeee" (DICOM JSON key form).
func (t Tag) Hex() string {
	return fmt.Sprintf("%04X%04X", t.Group, t.Element)
}

// IsPrivate reports whether the tag belongs to an odd (private) group.
func (t Tag) IsPrivate() bool {
	return t.Group%2 == 1
}

// IsGroupLength reports whether the tag is a group length element (gggg,0000).
func (t Tag) IsGroupLength() bool {
	return t.Element == 0x0000
}

// Less orders tags ascending by group then element.
func (t Tag) Less(o Tag) bool {
	if t.Group != o.Group {
		return t.Group < o.Group
	}
	return t.Element < o.Element
}

// ParseTag accepts "(gggg,eeee)", "gggg,eeee", "ggggeeee", or a dictionary
// keyword such as "PatientID".
func ParseTag(s string) (Tag, error) {
	raw := strings.TrimSpace(s)
	if t, ok := TagForKeyword(raw); ok {
		return t, nil
	}
	h := strings.NewReplacer("(", "", ")", "", ",", "", " ", "").Replace(raw)
	if len(h) != 8 {
		return Tag{}, fmt.Errorf("dicom: malformed tag %q", s)
	}
	g, err := strconv.ParseUint(h[:4], 16, 16)
	if err != nil {
		return Tag{}, fmt.Errorf("dicom: malformed tag group %q: %w", s, err)
	}
	e, err := strconv.ParseUint(h[4:], 16, 16)
	if err != nil {
		return Tag{}, fmt.Errorf("dicom: malformed tag element %q: %w", s, err)
	}
	return Tag{Group: uint16(g), Element: uint16(e)}, nil
}

// Item and delimitation tags used in sequence encoding.
var (
	ItemTag                 = Tag{0xFFFE, 0xE000}
	ItemDelimitationTag     = Tag{0xFFFE, 0xE00D}
	SequenceDelimitationTag = Tag{0xFFFE, 0xE0DD}
)

// Command group (PS3.7 Annex E).
var (
	CommandGroupLength        = Tag{0x0000, 0x0000}
	AffectedSOPClassUID       = Tag{0x0000, 0x0002}
	RequestedSOPClassUID      = Tag{0x0000, 0x0003}
	CommandField              = Tag{0x0000, 0x0100}
	MessageID                 = Tag{0x0000, 0x0110}
	MessageIDBeingRespondedTo = Tag{0x0000, 0x0120}
	CommandDataSetType        = Tag{0x0000, 0x0800}
	Status                    = Tag{0x0000, 0x0900}
	OffendingElement          = Tag{0x0000, 0x0901}
	ErrorComment              = Tag{0x0000, 0x0902}
	ErrorID                   = Tag{0x0000, 0x0903}
	AffectedSOPInstanceUID    = Tag{0x0000, 0x1000}
	RequestedSOPInstanceUID   = Tag{0x0000, 0x1001}
	AttributeIdentifierList   = Tag{0x0000, 0x1005}
)

// File meta information group.
var (
	FileMetaInformationGroupLength = Tag{0x0002, 0x0000}
	FileMetaInformationVersion     = Tag{0x0002, 0x0001}
	MediaStorageSOPClassUID        = Tag{0x0002, 0x0002}
	MediaStorageSOPInstanceUID     = Tag{0x0002, 0x0003}
	TransferSyntaxUID              = Tag{0x0002, 0x0010}
	ImplementationClassUID         = Tag{0x0002, 0x0012}
	ImplementationVersionName      = Tag{0x0002, 0x0013}
)

// Patient, study, and performed procedure step attributes.
var (
	SpecificCharacterSet                           = Tag{0x0008, 0x0005}
	SOPClassUID                                    = Tag{0x0008, 0x0016}
	SOPInstanceUID                                 = Tag{0x0008, 0x0018}
	AccessionNumber                                = Tag{0x0008, 0x0050}
	RetrieveAETitle                                = Tag{0x0008, 0x0054}
	Modality                                       = Tag{0x0008, 0x0060}
	CodeValue                                      = Tag{0x0008, 0x0100}
	CodingSchemeDesignator                         = Tag{0x0008, 0x0102}
	CodeMeaning                                    = Tag{0x0008, 0x0104}
	SeriesDescription                              = Tag{0x0008, 0x103E}
	ProcedureCodeSequence                          = Tag{0x0008, 0x1032}
	PerformingPhysicianName                        = Tag{0x0008, 0x1050}
	OperatorsName                                  = Tag{0x0008, 0x1070}
	ReferencedStudySequence                        = Tag{0x0008, 0x1110}
	ReferencedPatientSequence                      = Tag{0x0008, 0x1120}
	ReferencedImageSequence                        = Tag{0x0008, 0x1140}
	ReferencedSOPClassUID                          = Tag{0x0008, 0x1150}
	ReferencedSOPInstanceUID                       = Tag{0x0008, 0x1155}
	PatientName                                    = Tag{0x0010, 0x0010}
	PatientID                                      = Tag{0x0010, 0x0020}
	IssuerOfPatientID                              = Tag{0x0010, 0x0021}
	PatientBirthDate                               = Tag{0x0010, 0x0030}
	PatientSex                                     = Tag{0x0010, 0x0040}
	ProtocolName                                   = Tag{0x0018, 0x1030}
	StudyInstanceUID                               = Tag{0x0020, 0x000D}
	SeriesInstanceUID                              = Tag{0x0020, 0x000E}
	StudyID                                        = Tag{0x0020, 0x0010}
	RequestedProcedureDescription                  = Tag{0x0032, 0x1060}
	ScheduledProcedureStepDescription              = Tag{0x0040, 0x0007}
	ScheduledProtocolCodeSequence                  = Tag{0x0040, 0x0008}
	ScheduledProcedureStepID                       = Tag{0x0040, 0x0009}
	ReferencedNonImageCompositeSOPInstanceSequence = Tag{0x0040, 0x0220}
	PerformedStationAETitle                        = Tag{0x0040, 0x0241}
	PerformedStationName                           = Tag{0x0040, 0x0242}
	PerformedLocation                              = Tag{0x0040, 0x0243}
	PerformedProcedureStepStartDate                = Tag{0x0040, 0x0244}
	PerformedProcedureStepStartTime                = Tag{0x0040, 0x0245}
	PerformedProcedureStepEndDate                  = Tag{0x0040, 0x0250}
	PerformedProcedureStepEndTime                  = Tag{0x0040, 0x0251}
	PerformedProcedureStepStatus                   = Tag{0x0040, 0x0252}
	PerformedProcedureStepID                       = Tag{0x0040, 0x0253}
	PerformedProcedureStepDescription              = Tag{0x0040, 0x0254}
	PerformedProcedureTypeDescription              = Tag{0x0040, 0x0255}
	PerformedProtocolCodeSequence                  = Tag{0x0040, 0x0260}
	ScheduledStepAttributesSequence                = Tag{0x0040, 0x0270}
	CommentsOnThePerformedProcedureStep            = Tag{0x0040, 0x0280}
	PerformedSeriesSequence                        = Tag{0x0040, 0x0340}
	RequestedProcedureID                           = Tag{0x0040, 0x1001}

	PerformedProcedureStepDiscontinuationReasonCodeSequence = Tag{0x0040, 0x0281}
)
