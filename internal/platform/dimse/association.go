package dimse

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ehr/radiology/internal/platform/dicom"
)

var (
	// ErrReleaseRequested is returned by readMessage when the peer sends
	// A-RELEASE-RQ.
	ErrReleaseRequested = errors.New("dimse: release requested")

	// ErrReleased is returned when the peer answers with A-RELEASE-RP.
	ErrReleased = errors.New("dimse: association released")

	// ErrUnexpectedPDU is returned for a PDU that is invalid in the current
	// state.
	ErrUnexpectedPDU = errors.New("dimse: unexpected PDU")

	// ErrMessageTooLarge is returned when P-DATA-TF fragments add up to more
	// than the message size limit before the last fragment arrives.
	ErrMessageTooLarge = errors.New("dimse: message exceeds size limit")
)

// defaultFragmentLength is used when the peer announces no maximum (0).
const defaultFragmentLength = 1 << 20

// AssociationInfo describes an established association.
type AssociationInfo struct {
	ID         string
	CallingAE  string
	CalledAE   string
	RemoteAddr string
	// Contexts holds the accepted presentation contexts by ID.
	Contexts map[byte]PresentationContext
}

// TransferSyntax returns the accepted transfer syntax of a context.
func (a *AssociationInfo) TransferSyntax(contextID byte) (string, bool) {
	pc, ok := a.Contexts[contextID]
	if !ok || pc.Result != ContextAccepted || len(pc.TransferSyntaxes) == 0 {
		return "", false
	}
	return pc.TransferSyntaxes[0], true
}

// assocConn wraps a connection with PDU-level deadlines and DIMSE message
// assembly. It is used by both the server and the client.
type assocConn struct {
	conn net.Conn
	// largest PDU body we accept
	maxRecv uint32
	// largest PDU body the peer accepts (0 = no limit announced)
	maxSend uint32
	// largest reassembled message we accept (0 = no limit)
	maxMessage   int
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (a *assocConn) readPDU() (PDUType, []byte, error) {
	if a.readTimeout > 0 {
		a.conn.SetReadDeadline(time.Now().Add(a.readTimeout))
	}
	return ReadPDU(a.conn, a.maxRecv)
}

func (a *assocConn) writePDU(t PDUType, body []byte) error {
	if a.writeTimeout > 0 {
		a.conn.SetWriteDeadline(time.Now().Add(a.writeTimeout))
	}
	return WritePDU(a.conn, t, body)
}

func (a *assocConn) abort(source, reason byte) {
	a.writePDU(PDUAbort, EncodeAbort(&Abort{Source: source, Reason: reason}))
}

// sendMessage writes a command and optional dataset as P-DATA-TF PDUs,
// fragmenting to the peer's maximum PDU length.
func (a *assocConn) sendMessage(contextID byte, cmd *dicom.Dataset, data []byte) error {
	cmdBytes, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := a.sendFragments(contextID, true, cmdBytes); err != nil {
		return err
	}
	if data != nil {
		return a.sendFragments(contextID, false, data)
	}
	return nil
}

func (a *assocConn) sendFragments(contextID byte, command bool, b []byte) error {
	limit := defaultFragmentLength
	if a.maxSend > 0 {
		// PDV item length (4) + context id + control header
		limit = int(a.maxSend) - 6
	}
	if limit <= 0 {
		return fmt.Errorf("dimse: peer maximum PDU length %d too small", a.maxSend)
	}
	for {
		n := len(b)
		if n > limit {
			n = limit
		}
		pdv := PDV{ContextID: contextID, Command: command, Last: n == len(b), Data: b[:n]}
		if err := a.writePDU(PDUPData, EncodePData(pdv)); err != nil {
			return fmt.Errorf("dimse: write P-DATA-TF: %w", err)
		}
		b = b[n:]
		if pdv.Last {
			return nil
		}
	}
}

// readMessage reads P-DATA-TF PDUs until a complete DIMSE message has been
// received. Release and abort PDUs end the exchange with a sentinel error or
// *Abort.
func (a *assocConn) readMessage() (*Message, error) {
	var (
		cmdBuf, dataBuf []byte
		cmd             *dicom.Dataset
		contextID       byte
		haveContext     bool
		dataDone        bool
	)
	for {
		t, body, err := a.readPDU()
		if err != nil {
			return nil, err
		}
		switch t {
		case PDUPData:
		case PDUReleaseRQ:
			return nil, ErrReleaseRequested
		case PDUReleaseRP:
			return nil, ErrReleased
		case PDUAbort:
			ab, err := DecodeAbort(body)
			if err != nil {
				return nil, err
			}
			return nil, ab
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedPDU, t)
		}

		pdvs, err := DecodePData(body)
		if err != nil {
			return nil, err
		}
		for _, p := range pdvs {
			if a.maxMessage > 0 && len(cmdBuf)+len(dataBuf)+len(p.Data) > a.maxMessage {
				return nil, fmt.Errorf("%w: more than %d bytes", ErrMessageTooLarge, a.maxMessage)
			}
			if !haveContext {
				contextID, haveContext = p.ContextID, true
			} else if p.ContextID != contextID {
				return nil, fmt.Errorf("dimse: PDV context %d does not match message context %d", p.ContextID, contextID)
			}
			if p.Command {
				if cmd != nil {
					return nil, fmt.Errorf("dimse: command fragment after complete command")
				}
				cmdBuf = append(cmdBuf, p.Data...)
				if p.Last {
					cmd, err = DecodeCommand(cmdBuf)
					if err != nil {
						return nil, err
					}
				}
				continue
			}
			if cmd == nil {
				return nil, fmt.Errorf("dimse: dataset fragment before command")
			}
			dataBuf = append(dataBuf, p.Data...)
			if p.Last {
				dataDone = true
			}
		}

		if cmd == nil {
			continue
		}
		msg := &Message{ContextID: contextID, Command: cmd}
		if !msg.HasDataSet() {
			return msg, nil
		}
		if dataDone {
			msg.Data = dataBuf
			if msg.Data == nil {
				msg.Data = []byte{}
			}
			return msg, nil
		}
	}
}
