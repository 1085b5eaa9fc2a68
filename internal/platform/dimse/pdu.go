// Package dimse implements the parts of the DICOM upper layer protocol
// (PS3.8) and DIMSE message exchange (PS3.7) that a Modality Performed
// Procedure Step service provider needs: association negotiation, P-DATA
// fragmentation, C-ECHO, N-CREATE and N-SET, plus a matching client.
package dimse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PDUType identifies an upper layer protocol data unit.
type PDUType byte

const (
	PDUAssociateRQ PDUType = 0x01
	PDUAssociateAC PDUType = 0x02
	PDUAssociateRJ PDUType = 0x03
	PDUPData       PDUType = 0x04
	PDUReleaseRQ   PDUType = 0x05
	PDUReleaseRP   PDUType = 0x06
	PDUAbort       PDUType = 0x07
)

func (t PDUType) String() string {
	switch t {
	case PDUAssociateRQ:
		return "A-ASSOCIATE-RQ"
	case PDUAssociateAC:
		return "A-ASSOCIATE-AC"
	case PDUAssociateRJ:
		return "A-ASSOCIATE-RJ"
	case PDUPData:
		return "P-DATA-TF"
	case PDUReleaseRQ:
		return "A-RELEASE-RQ"
	case PDUReleaseRP:
		return "A-RELEASE-RP"
	case PDUAbort:
		return "A-ABORT"
	default:
		return fmt.Sprintf("PDU(0x%02X)", byte(t))
	}
}

// Variable item types.
const (
	itemApplicationContext   = 0x10
	itemPresentationContextR = 0x20
	itemPresentationContextA = 0x21
	itemAbstractSyntax       = 0x30
	itemTransferSyntax       = 0x40
	itemUserInformation      = 0x50
	itemMaxLength            = 0x51
	itemImplementationClass  = 0x52
	itemAsyncOpsWindow       = 0x53
	itemImplementationVer    = 0x55
)

// Presentation context results (PS3.8 9.3.3.2).
const (
	ContextAccepted                   byte = 0
	ContextUserRejection              byte = 1
	ContextNoReason                   byte = 2
	ContextAbstractSyntaxNotSupported byte = 3
	ContextTransferSyntaxNotSupported byte = 4
)

// A-ASSOCIATE-RJ result, source, and reason values (PS3.8 9.3.4).
const (
	RejectPermanent byte = 1
	RejectTransient byte = 2

	RejectSourceUser         byte = 1
	RejectSourceACSE         byte = 2
	RejectSourcePresentation byte = 3

	// service-user
	RejectReasonNoReason               byte = 1
	RejectReasonAppContextNotSupported byte = 2
	RejectReasonCallingAENotRecognized byte = 3
	RejectReasonCalledAENotRecognized  byte = 7

	// service-provider (ACSE)
	RejectReasonProtocolVersion byte = 2

	// service-provider (presentation)
	RejectReasonTemporaryCongestion byte = 1
	RejectReasonLocalLimitExceeded  byte = 2
)

// A-ABORT sources and reasons (PS3.8 9.3.8).
const (
	AbortSourceUser     byte = 0
	AbortSourceProvider byte = 2

	AbortReasonNotSpecified     byte = 0
	AbortReasonUnrecognizedPDU  byte = 1
	AbortReasonUnexpectedPDU    byte = 2
	AbortReasonInvalidParameter byte = 6
)

const (
	pduHeaderLength = 6
	protocolVersion = 0x0001
	aeTitleLength   = 16

	// upper bound on any received PDU regardless of negotiation
	maxPDUBodyLength = 64 << 20
)

// ErrPDUTooLarge is returned when a peer sends a PDU above the accepted size.
var ErrPDUTooLarge = errors.New("dimse: PDU exceeds maximum length")

// PresentationContext is one proposed (RQ) or answered (AC) presentation
// context. In an AC, TransferSyntaxes holds the single accepted syntax.
type PresentationContext struct {
	ID               byte
	Result           byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// Associate carries the fields shared by A-ASSOCIATE-RQ and -AC.
type Associate struct {
	CalledAE               string
	CallingAE              string
	ApplicationContext     string
	Contexts               []PresentationContext
	MaxPDULength           uint32
	ImplementationClassUID string
	ImplementationVersion  string
}

// Context returns the presentation context with the given id.
func (a *Associate) Context(id byte) (PresentationContext, bool) {
	for _, pc := range a.Contexts {
		if pc.ID == id {
			return pc, true
		}
	}
	return PresentationContext{}, false
}

// AssociateReject is the body of an A-ASSOCIATE-RJ.
type AssociateReject struct {
	Result byte
	Source byte
	Reason byte
}

func (r *AssociateReject) Error() string {
	kind := "permanent"
	if r.Result == RejectTransient {
		kind = "transient"
	}
	return fmt.Sprintf("dimse: association rejected (%s, source %d, reason %d)", kind, r.Source, r.Reason)
}

// Abort is the body of an A-ABORT.
type Abort struct {
	Source byte
	Reason byte
}

func (a *Abort) Error() string {
	return fmt.Sprintf("dimse: association aborted (source %d, reason %d)", a.Source, a.Reason)
}

// PDV is one presentation data value item of a P-DATA-TF.
type PDV struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

// ---------------------------------------------------------------------------
// Framing
// ---------------------------------------------------------------------------

// ReadPDU reads one PDU. maxLen bounds the body length (0 = internal cap).
func ReadPDU(r io.Reader, maxLen uint32) (PDUType, []byte, error) {
	var hdr [pduHeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[2:])
	limit := uint32(maxPDUBodyLength)
	if maxLen > 0 && maxLen < limit {
		limit = maxLen
	}
	if length > limit {
		return 0, nil, fmt.Errorf("%w: %d > %d", ErrPDUTooLarge, length, limit)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return PDUType(hdr[0]), body, nil
}

// WritePDU writes one PDU.
func WritePDU(w io.Writer, t PDUType, body []byte) error {
	buf := make([]byte, pduHeaderLength, pduHeaderLength+len(body))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[2:], uint32(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// ---------------------------------------------------------------------------
// A-ASSOCIATE-RQ / -AC
// ---------------------------------------------------------------------------

func padAE(ae string) []byte {
	b := bytes.Repeat([]byte{' '}, aeTitleLength)
	copy(b, ae)
	return b
}

func writeItem(buf *bytes.Buffer, typ byte, value []byte) {
	buf.WriteByte(typ)
	buf.WriteByte(0)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(value)))
	buf.Write(l[:])
	buf.Write(value)
}

// EncodeAssociate encodes a as the body of an RQ or AC PDU.
func EncodeAssociate(t PDUType, a *Associate) []byte {
	var buf bytes.Buffer
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], protocolVersion)
	buf.Write(v[:])
	buf.Write([]byte{0, 0})
	buf.Write(padAE(a.CalledAE))
	buf.Write(padAE(a.CallingAE))
	buf.Write(make([]byte, 32))

	writeItem(&buf, itemApplicationContext, []byte(a.ApplicationContext))

	for _, pc := range a.Contexts {
		var sub bytes.Buffer
		if t == PDUAssociateAC {
			sub.Write([]byte{pc.ID, 0, pc.Result, 0})
			ts := ""
			if len(pc.TransferSyntaxes) > 0 {
				ts = pc.TransferSyntaxes[0]
			}
			writeItem(&sub, itemTransferSyntax, []byte(ts))
			writeItem(&buf, itemPresentationContextA, sub.Bytes())
			continue
		}
		sub.Write([]byte{pc.ID, 0, 0, 0})
		writeItem(&sub, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			writeItem(&sub, itemTransferSyntax, []byte(ts))
		}
		writeItem(&buf, itemPresentationContextR, sub.Bytes())
	}

	var ui bytes.Buffer
	var ml [4]byte
	binary.BigEndian.PutUint32(ml[:], a.MaxPDULength)
	writeItem(&ui, itemMaxLength, ml[:])
	if a.ImplementationClassUID != "" {
		writeItem(&ui, itemImplementationClass, []byte(a.ImplementationClassUID))
	}
	if a.ImplementationVersion != "" {
		writeItem(&ui, itemImplementationVer, []byte(a.ImplementationVersion))
	}
	writeItem(&buf, itemUserInformation, ui.Bytes())
	return buf.Bytes()
}

type item struct {
	typ   byte
	value []byte
}

func splitItems(b []byte) ([]item, error) {
	var items []item
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("dimse: truncated item header")
		}
		l := int(binary.BigEndian.Uint16(b[2:]))
		if len(b) < 4+l {
			return nil, fmt.Errorf("dimse: item 0x%02X length %d exceeds PDU", b[0], l)
		}
		items = append(items, item{typ: b[0], value: b[4 : 4+l]})
		b = b[4+l:]
	}
	return items, nil
}

func trimUID(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}

// DecodeAssociate parses the body of an RQ or AC PDU.
func DecodeAssociate(t PDUType, body []byte) (*Associate, error) {
	if len(body) < 68 {
		return nil, fmt.Errorf("dimse: %s too short (%d bytes)", t, len(body))
	}
	a := &Associate{
		CalledAE:  strings.TrimSpace(string(body[4:20])),
		CallingAE: strings.TrimSpace(string(body[20:36])),
	}
	items, err := splitItems(body[68:])
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		switch it.typ {
		case itemApplicationContext:
			a.ApplicationContext = trimUID(it.value)
		case itemPresentationContextR, itemPresentationContextA:
			if len(it.value) < 4 {
				return nil, fmt.Errorf("dimse: presentation context item too short")
			}
			pc := PresentationContext{ID: it.value[0], Result: it.value[2]}
			subs, err := splitItems(it.value[4:])
			if err != nil {
				return nil, err
			}
			for _, s := range subs {
				switch s.typ {
				case itemAbstractSyntax:
					pc.AbstractSyntax = trimUID(s.value)
				case itemTransferSyntax:
					pc.TransferSyntaxes = append(pc.TransferSyntaxes, trimUID(s.value))
				}
			}
			a.Contexts = append(a.Contexts, pc)
		case itemUserInformation:
			subs, err := splitItems(it.value)
			if err != nil {
				return nil, err
			}
			for _, s := range subs {
				switch s.typ {
				case itemMaxLength:
					if len(s.value) == 4 {
						a.MaxPDULength = binary.BigEndian.Uint32(s.value)
					}
				case itemImplementationClass:
					a.ImplementationClassUID = trimUID(s.value)
				case itemImplementationVer:
					a.ImplementationVersion = strings.TrimSpace(string(s.value))
				case itemAsyncOpsWindow:
					// Not negotiated; operations are performed synchronously.
				}
			}
		}
	}
	return a, nil
}

// ---------------------------------------------------------------------------
// A-ASSOCIATE-RJ / A-ABORT / A-RELEASE
// ---------------------------------------------------------------------------

// EncodeReject returns the A-ASSOCIATE-RJ body.
func EncodeReject(r *AssociateReject) []byte {
	return []byte{0, r.Result, r.Source, r.Reason}
}

// DecodeReject parses an A-ASSOCIATE-RJ body.
func DecodeReject(body []byte) (*AssociateReject, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("dimse: A-ASSOCIATE-RJ too short")
	}
	return &AssociateReject{Result: body[1], Source: body[2], Reason: body[3]}, nil
}

// EncodeAbort returns the A-ABORT body.
func EncodeAbort(a *Abort) []byte {
	return []byte{0, 0, a.Source, a.Reason}
}

// DecodeAbort parses an A-ABORT body.
func DecodeAbort(body []byte) (*Abort, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("dimse: A-ABORT too short")
	}
	return &Abort{Source: body[2], Reason: body[3]}, nil
}

var releaseBody = []byte{0, 0, 0, 0}

// ---------------------------------------------------------------------------
// P-DATA-TF
// ---------------------------------------------------------------------------

// EncodePData returns the P-DATA-TF body for the given PDVs.
func EncodePData(pdvs ...PDV) []byte {
	var buf bytes.Buffer
	for _, p := range pdvs {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(p.Data)+2))
		buf.Write(l[:])
		var hdr byte
		if p.Command {
			hdr |= 0x01
		}
		if p.Last {
			hdr |= 0x02
		}
		buf.WriteByte(p.ContextID)
		buf.WriteByte(hdr)
		buf.Write(p.Data)
	}
	return buf.Bytes()
}

// DecodePData parses a P-DATA-TF body.
func DecodePData(body []byte) ([]PDV, error) {
	var pdvs []PDV
	for len(body) > 0 {
		if len(body) < 6 {
			return nil, fmt.Errorf("dimse: truncated PDV header")
		}
		l := binary.BigEndian.Uint32(body)
		if l < 2 || uint64(len(body)-4) < uint64(l) {
			return nil, fmt.Errorf("dimse: invalid PDV length %d", l)
		}
		hdr := body[5]
		pdvs = append(pdvs, PDV{
			ContextID: body[4],
			Command:   hdr&0x01 != 0,
			Last:      hdr&0x02 != 0,
			Data:      body[6 : 4+l],
		})
		body = body[4+l:]
	}
	return pdvs, nil
}
