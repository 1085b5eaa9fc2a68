package dimse

import (
	"fmt"

	"github.com/ehr/radiology/internal/platform/dicom"
)

// CommandField is the value of (0000,0100).
type CommandField uint16

const (
	CEchoRQ    CommandField = 0x0030
	CEchoRSP   CommandField = 0x8030
	NCreateRQ  CommandField = 0x0140
	NCreateRSP CommandField = 0x8140
	NSetRQ     CommandField = 0x0120
	NSetRSP    CommandField = 0x8120
)

func (c CommandField) String() string {
	switch c {
	case CEchoRQ:
		return "C-ECHO-RQ"
	case CEchoRSP:
		return "C-ECHO-RSP"
	case NCreateRQ:
		return "N-CREATE-RQ"
	case NCreateRSP:
		return "N-CREATE-RSP"
	case NSetRQ:
		return "N-SET-RQ"
	case NSetRSP:
		return "N-SET-RSP"
	default:
		return fmt.Sprintf("0x%04X", uint16(c))
	}
}

// Name returns the service name without the RQ/RSP suffix, e.g. "N-SET".
func (c CommandField) Name() string {
	switch c &^ 0x8000 {
	case CEchoRQ:
		return "C-ECHO"
	case NCreateRQ:
		return "N-CREATE"
	case NSetRQ:
		return "N-SET"
	default:
		return fmt.Sprintf("0x%04X", uint16(c&^0x8000))
	}
}

// IsResponse reports whether c is a response command.
func (c CommandField) IsResponse() bool { return c&0x8000 != 0 }

// Response returns the matching response command field.
func (c CommandField) Response() CommandField { return c | 0x8000 }

// CommandDataSetType values.
const (
	DataSetPresent uint16 = 0x0000
	NoDataSet      uint16 = 0x0101
)

// Message is one DIMSE message: a command set and an optional dataset still
// encoded in the presentation context's transfer syntax.
type Message struct {
	ContextID byte
	Command   *dicom.Dataset
	Data      []byte
}

// Field returns the command field.
func (m *Message) Field() CommandField {
	v, _ := m.Command.Int(dicom.CommandField)
	return CommandField(v)
}

// MessageID returns (0000,0110), or (0000,0120) for responses.
func (m *Message) MessageID() uint16 {
	if v, ok := m.Command.Int(dicom.MessageID); ok {
		return uint16(v)
	}
	v, _ := m.Command.Int(dicom.MessageIDBeingRespondedTo)
	return uint16(v)
}

// HasDataSet reports whether the command announces a dataset.
func (m *Message) HasDataSet() bool {
	v, ok := m.Command.Int(dicom.CommandDataSetType)
	return ok && uint16(v) != NoDataSet
}

// Status returns the response status.
func (m *Message) Status() Status {
	v, _ := m.Command.Int(dicom.Status)
	return Status(v)
}

// SOPClassUID returns the affected SOP class, falling back to the requested
// SOP class.
func (m *Message) SOPClassUID() string {
	if s, ok := m.Command.String(dicom.AffectedSOPClassUID); ok && s != "" {
		return s
	}
	return m.Command.StringOr(dicom.RequestedSOPClassUID, "")
}

// SOPInstanceUID returns the affected SOP instance, falling back to the
// requested SOP instance.
func (m *Message) SOPInstanceUID() string {
	if s, ok := m.Command.String(dicom.AffectedSOPInstanceUID); ok && s != "" {
		return s
	}
	return m.Command.StringOr(dicom.RequestedSOPInstanceUID, "")
}

// EncodeCommand serializes a command set in Implicit VR Little Endian with a
// freshly computed (0000,0000) group length.
func EncodeCommand(cmd *dicom.Dataset) ([]byte, error) {
	body := cmd.Clone()
	body.Remove(dicom.CommandGroupLength)
	b, err := dicom.Encode(body, dicom.ImplicitVRLittleEndian)
	if err != nil {
		return nil, fmt.Errorf("dimse: encode command: %w", err)
	}
	gl := dicom.NewDataset()
	gl.SetInt(dicom.CommandGroupLength, int64(len(b)))
	hdr, err := dicom.Encode(gl, dicom.ImplicitVRLittleEndian)
	if err != nil {
		return nil, fmt.Errorf("dimse: encode command group length: %w", err)
	}
	return append(hdr, b...), nil
}

// DecodeCommand parses an Implicit VR Little Endian command set.
func DecodeCommand(b []byte) (*dicom.Dataset, error) {
	cmd, err := dicom.Decode(b, dicom.ImplicitVRLittleEndian)
	if err != nil {
		return nil, fmt.Errorf("dimse: decode command: %w", err)
	}
	if _, ok := cmd.Int(dicom.CommandField); !ok {
		return nil, fmt.Errorf("dimse: command set without %s", dicom.CommandField)
	}
	return cmd, nil
}

// newRequest builds a request command set.
func newRequest(field CommandField, msgID uint16, sopClass, sopInstance string, withData bool) *dicom.Dataset {
	cmd := dicom.NewDataset()
	cmd.SetInt(dicom.CommandField, int64(field))
	cmd.SetInt(dicom.MessageID, int64(msgID))
	switch field {
	case NSetRQ:
		cmd.SetString(dicom.RequestedSOPClassUID, sopClass)
		cmd.SetString(dicom.RequestedSOPInstanceUID, sopInstance)
	default:
		cmd.SetString(dicom.AffectedSOPClassUID, sopClass)
		if sopInstance != "" {
			cmd.SetString(dicom.AffectedSOPInstanceUID, sopInstance)
		}
	}
	dsType := NoDataSet
	if withData {
		dsType = DataSetPresent
	}
	cmd.SetInt(dicom.CommandDataSetType, int64(dsType))
	return cmd
}

// Response is what a Handler returns for a request. The server turns it into
// a response command set.
type Response struct {
	Status Status
	// AffectedSOPInstanceUID overrides the instance echoed from the request
	// (N-CREATE with an SCP-assigned UID).
	AffectedSOPInstanceUID string
	ErrorComment           string
	ErrorID                uint16
	AttributeIdentifiers   []dicom.Tag
	Data                   *dicom.Dataset
}

// StatusResponse returns a Response carrying only a status.
func StatusResponse(s Status) *Response {
	return &Response{Status: s}
}

// responseCommand builds the response command set answering rq.
func responseCommand(rq *Message, resp *Response) *dicom.Dataset {
	cmd := dicom.NewDataset()
	cmd.SetInt(dicom.CommandField, int64(rq.Field().Response()))
	cmd.SetInt(dicom.MessageIDBeingRespondedTo, int64(rq.MessageID()))
	if sc := rq.SOPClassUID(); sc != "" {
		cmd.SetString(dicom.AffectedSOPClassUID, sc)
	}
	inst := resp.AffectedSOPInstanceUID
	if inst == "" {
		inst = rq.SOPInstanceUID()
	}
	if inst != "" {
		cmd.SetString(dicom.AffectedSOPInstanceUID, inst)
	}
	cmd.SetInt(dicom.Status, int64(resp.Status))
	if resp.ErrorComment != "" {
		comment := resp.ErrorComment
		// LO is limited to 64 characters.
		if len(comment) > 64 {
			comment = comment[:64]
		}
		cmd.SetString(dicom.ErrorComment, comment)
	}
	if resp.ErrorID != 0 {
		cmd.SetInt(dicom.ErrorID, int64(resp.ErrorID))
	}
	if len(resp.AttributeIdentifiers) > 0 {
		cmd.SetTags(dicom.AttributeIdentifierList, resp.AttributeIdentifiers...)
	}
	dsType := NoDataSet
	if resp.Data != nil {
		dsType = DataSetPresent
	}
	cmd.SetInt(dicom.CommandDataSetType, int64(dsType))
	return cmd
}
