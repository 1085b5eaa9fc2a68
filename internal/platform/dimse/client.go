package dimse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ehr/radiology/internal/platform/dicom"
)

// ErrNoPresentationContext is returned when no accepted context carries the
// requested SOP class.
var ErrNoPresentationContext = errors.New("dimse: no accepted presentation context for SOP class")

// ClientConfig configures an association requestor.
type ClientConfig struct {
	CallingAE    string
	CalledAE     string
	MaxPDULength uint32
	// Timeout bounds dialing and each PDU exchange when the context carries
	// no deadline.
	Timeout time.Duration
	// Contexts to propose. IDs are assigned automatically (odd, ascending).
	Contexts []PresentationContext
}

// DefaultClientContexts proposes Verification and MPPS.
func DefaultClientContexts() []PresentationContext {
	return []PresentationContext{
		{AbstractSyntax: dicom.VerificationSOPClass, TransferSyntaxes: []string{dicom.ImplicitVRLittleEndian}},
		{AbstractSyntax: dicom.ModalityPerformedProcedureStepSOPClass, TransferSyntaxes: []string{
			dicom.ExplicitVRLittleEndian, dicom.ImplicitVRLittleEndian,
		}},
	}
}

func (c *ClientConfig) applyDefaults() {
	if c.CallingAE == "" {
		c.CallingAE = "MPPS_SCU"
	}
	if c.CalledAE == "" {
		c.CalledAE = "ANY-SCP"
	}
	if c.MaxPDULength == 0 {
		c.MaxPDULength = defaultMaxPDULength
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultAssociationTimeout
	}
	if len(c.Contexts) == 0 {
		c.Contexts = DefaultClientContexts()
	}
}

// Client is an established association on the requestor side. Requests are
// sent one at a time.
type Client struct {
	cfg      ClientConfig
	ac       *assocConn
	accepted map[byte]PresentationContext

	mu     sync.Mutex
	msgID  uint16
	closed bool
}

// Dial connects to addr and negotiates an association.
func Dial(ctx context.Context, addr string, cfg ClientConfig) (*Client, error) {
	cfg.applyDefaults()

	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dimse: dial %s: %w", addr, err)
	}

	ac := &assocConn{
		conn:         conn,
		readTimeout:  cfg.Timeout,
		writeTimeout: cfg.Timeout,
	}
	rq := &Associate{
		CalledAE:               cfg.CalledAE,
		CallingAE:              cfg.CallingAE,
		ApplicationContext:     dicom.ApplicationContextUID,
		MaxPDULength:           cfg.MaxPDULength,
		ImplementationClassUID: dicom.ImplementationClassUIDValue,
		ImplementationVersion:  dicom.ImplementationVersion,
	}
	proposed := make(map[byte]PresentationContext, len(cfg.Contexts))
	for i, pc := range cfg.Contexts {
		pc.ID = byte(2*i + 1)
		rq.Contexts = append(rq.Contexts, pc)
		proposed[pc.ID] = pc
	}

	// maxRecv stays 0 until negotiated: the A-ASSOCIATE-AC may exceed our
	// P-DATA limit.
	if err := ac.writePDU(PDUAssociateRQ, EncodeAssociate(PDUAssociateRQ, rq)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dimse: write A-ASSOCIATE-RQ: %w", err)
	}
	t, body, err := ac.readPDU()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dimse: read association response: %w", err)
	}
	ac.maxRecv = cfg.MaxPDULength

	switch t {
	case PDUAssociateAC:
	case PDUAssociateRJ:
		conn.Close()
		rj, err := DecodeReject(body)
		if err != nil {
			return nil, err
		}
		return nil, rj
	case PDUAbort:
		conn.Close()
		ab, err := DecodeAbort(body)
		if err != nil {
			return nil, err
		}
		return nil, ab
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: %s during negotiation", ErrUnexpectedPDU, t)
	}

	acPDU, err := DecodeAssociate(t, body)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ac.maxSend = acPDU.MaxPDULength

	accepted := make(map[byte]PresentationContext)
	for _, pc := range acPDU.Contexts {
		if pc.Result != ContextAccepted {
			continue
		}
		p, ok := proposed[pc.ID]
		if !ok {
			continue
		}
		pc.AbstractSyntax = p.AbstractSyntax
		accepted[pc.ID] = pc
	}

	return &Client{cfg: cfg, ac: ac, accepted: accepted}, nil
}

// Accepted returns the accepted presentation contexts.
func (c *Client) Accepted() []PresentationContext {
	out := make([]PresentationContext, 0, len(c.accepted))
	for _, pc := range c.accepted {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Client) contextFor(sopClass string) (PresentationContext, error) {
	for _, pc := range c.Accepted() {
		if pc.AbstractSyntax == sopClass {
			return pc, nil
		}
	}
	return PresentationContext{}, fmt.Errorf("%w %s", ErrNoPresentationContext, sopClass)
}

func (c *Client) applyDeadline(ctx context.Context) func() {
	if dl, ok := ctx.Deadline(); ok {
		c.ac.conn.SetDeadline(dl)
		saved := c.ac.readTimeout
		c.ac.readTimeout, c.ac.writeTimeout = 0, 0
		return func() {
			c.ac.readTimeout, c.ac.writeTimeout = saved, saved
			c.ac.conn.SetDeadline(time.Time{})
		}
	}
	return func() {}
}

// roundTrip sends one request and waits for its response.
func (c *Client) roundTrip(ctx context.Context, field CommandField, sopClass, sopInstance string, ds *dicom.Dataset) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, net.ErrClosed
	}

	pc, err := c.contextFor(sopClass)
	if err != nil {
		return nil, err
	}
	ts := pc.TransferSyntaxes[0]

	var data []byte
	if ds != nil {
		data, err = dicom.Encode(ds, ts)
		if err != nil {
			return nil, err
		}
	}

	defer c.applyDeadline(ctx)()

	c.msgID++
	cmd := newRequest(field, c.msgID, sopClass, sopInstance, ds != nil)
	if err := c.ac.sendMessage(pc.ID, cmd, data); err != nil {
		return nil, err
	}

	msg, err := c.ac.readMessage()
	if err != nil {
		return nil, err
	}
	if msg.Field() != field.Response() {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedPDU, msg.Field(), field.Response())
	}
	if got := msg.MessageID(); got != c.msgID {
		return nil, fmt.Errorf("dimse: response to message %d, want %d", got, c.msgID)
	}

	resp := &Response{
		Status:                 msg.Status(),
		AffectedSOPInstanceUID: msg.Command.StringOr(dicom.AffectedSOPInstanceUID, ""),
		ErrorComment:           msg.Command.StringOr(dicom.ErrorComment, ""),
	}
	if v, ok := msg.Command.Int(dicom.ErrorID); ok {
		resp.ErrorID = uint16(v)
	}
	if e, ok := msg.Command.Get(dicom.AttributeIdentifierList); ok {
		resp.AttributeIdentifiers = e.Tags
	}
	if msg.Data != nil {
		resp.Data, err = dicom.Decode(msg.Data, ts)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Echo sends C-ECHO-RQ.
func (c *Client) Echo(ctx context.Context) (Status, error) {
	resp, err := c.roundTrip(ctx, CEchoRQ, dicom.VerificationSOPClass, "", nil)
	if err != nil {
		return 0, err
	}
	return resp.Status, nil
}

// NCreate sends N-CREATE-RQ. An empty sopInstance lets the provider assign
// the UID, returned in the response.
func (c *Client) NCreate(ctx context.Context, sopClass, sopInstance string, ds *dicom.Dataset) (*Response, error) {
	return c.roundTrip(ctx, NCreateRQ, sopClass, sopInstance, ds)
}

// NSet sends N-SET-RQ with the modification list ds.
func (c *Client) NSet(ctx context.Context, sopClass, sopInstance string, ds *dicom.Dataset) (*Response, error) {
	return c.roundTrip(ctx, NSetRQ, sopClass, sopInstance, ds)
}

// Release performs an orderly A-RELEASE and closes the connection.
func (c *Client) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	defer c.ac.conn.Close()

	if err := c.ac.writePDU(PDUReleaseRQ, releaseBody); err != nil {
		return fmt.Errorf("dimse: write A-RELEASE-RQ: %w", err)
	}
	for {
		t, _, err := c.ac.readPDU()
		if err != nil {
			return fmt.Errorf("dimse: await A-RELEASE-RP: %w", err)
		}
		switch t {
		case PDUReleaseRP:
			return nil
		case PDUAbort:
			return &Abort{Source: AbortSourceProvider}
		}
	}
}

// Abort sends A-ABORT and closes the connection.
func (c *Client) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.ac.abort(AbortSourceUser, AbortReasonNotSpecified)
	return c.ac.conn.Close()
}
