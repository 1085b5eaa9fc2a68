package dimse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ehr/radiology/internal/platform/dicom"
	"github.com/ehr/radiology/internal/platform/telemetry"
)

const (
	defaultMaxAssociations    = 50
	defaultMaxPDULength       = 16384
	defaultAssociationTimeout = 30 * time.Second
	defaultIdleTimeout        = 60 * time.Second
	defaultWriteTimeout       = 10 * time.Second
	defaultStopTimeout        = 10 * time.Second
	defaultMaxMessageSize     = 64 << 20

	acceptRetryMin = 5 * time.Millisecond
	acceptRetryMax = time.Second
)

var (
	// ErrServerStarted is returned by Start on a running server.
	ErrServerStarted = errors.New("dimse: server already started")

	// ErrStopTimeout is returned by Stop when associations did not finish
	// within the stop timeout. The listener is closed regardless.
	ErrStopTimeout = errors.New("dimse: timed out waiting for associations to close")
)

// Config holds the listening and negotiation parameters of a Server.
type Config struct {
	// AETitle is the called AE title the server answers to; "*" accepts any.
	AETitle string
	Host    string
	Port    int

	MaxAssociations int
	// MaxPDULength is announced to requestors and bounds received PDUs.
	MaxPDULength uint32
	// MaxMessageSize bounds a reassembled command plus dataset.
	MaxMessageSize int

	// AssociationTimeout bounds the wait for the A-ASSOCIATE-RQ (ARTIM).
	AssociationTimeout time.Duration
	// IdleTimeout closes an association with no traffic.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	// StopTimeout bounds how long Stop waits for association teardown.
	StopTimeout time.Duration

	Capabilities Capabilities
}

func (c *Config) applyDefaults() {
	if c.AETitle == "" {
		c.AETitle = "*"
	}
	if c.MaxAssociations <= 0 {
		c.MaxAssociations = defaultMaxAssociations
	}
	if c.MaxPDULength == 0 {
		c.MaxPDULength = defaultMaxPDULength
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.AssociationTimeout <= 0 {
		c.AssociationTimeout = defaultAssociationTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.Capabilities == nil {
		c.Capabilities = DefaultCapabilities()
	}
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Request is one DIMSE request handed to a Handler.
type Request struct {
	Association    *AssociationInfo
	Message        *Message
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
}

// DataSet decodes the request dataset in the negotiated transfer syntax.
// It returns nil when the request carries none.
func (r *Request) DataSet() (*dicom.Dataset, error) {
	if r.Message.Data == nil {
		return nil, nil
	}
	return dicom.Decode(r.Message.Data, r.TransferSyntax)
}

// Handler serves N-CREATE and N-SET requests. C-ECHO is answered by the
// server itself.
type Handler interface {
	ServeDIMSE(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// ServeDIMSE calls f.
func (f HandlerFunc) ServeDIMSE(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records association and DIMSE metrics.
func WithMetrics(tp *telemetry.TelemetryProvider) Option {
	return func(s *Server) { s.metrics = tp }
}

// run holds the state of one Start/Stop cycle so that a stopped server can be
// started again without sharing wait groups with stragglers.
type run struct {
	listener net.Listener
	conns    map[net.Conn]struct{}
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sem      *semaphore.Weighted
}

// Server is a DICOM service provider listening for associations over TCP.
type Server struct {
	cfg     Config
	handler Handler
	logger  zerolog.Logger
	metrics *telemetry.TelemetryProvider
	listen  func(network, addr string) (net.Listener, error)

	mu      sync.Mutex
	started bool
	cur     *run
}

// NewServer creates a server; it does not listen until Start.
func NewServer(cfg Config, handler Handler, logger zerolog.Logger, opts ...Option) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "dimse").Str("ae_title", cfg.AETitle).Logger(),
		listen:  net.Listen,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start binds the listening socket and begins accepting associations in a
// background goroutine. Bind errors (e.g. port in use) are returned as is,
// wrapped.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrServerStarted
	}

	addr := s.cfg.Address()
	ln, err := s.listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dimse: failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(int64(s.cfg.MaxAssociations)),
	}
	s.cur = r
	s.started = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		s.acceptLoop(r)
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("DICOM listener started")
	return nil
}

// Stop closes the listener, aborts active associations, and waits for their
// goroutines to exit, bounded by StopTimeout. Stop on a stopped server is a
// no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	r := s.cur
	s.started = false

	close(r.done)
	r.cancel()

	// Close the listener so acceptLoop unblocks.
	err := r.listener.Close()

	// Close every tracked connection.
	for conn := range r.conns {
		conn.Close()
	}
	s.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn().Dur("stop_timeout", s.cfg.StopTimeout).Msg("associations still running after stop timeout")
		return ErrStopTimeout
	}

	s.logger.Info().Msg("DICOM listener stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("dimse: close listener: %w", err)
	}
	return nil
}

// IsStarted reports the internal started flag.
func (s *Server) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// IsStopped reports the negation of the internal started flag.
func (s *Server) IsStopped() bool {
	return !s.IsStarted()
}

// Addr returns the listener address while started (useful with port 0), or
// the configured address otherwise.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return s.cur.listener.Addr().String()
	}
	return s.cfg.Address()
}

// acceptLoop runs until Stop. Accept failures other than a closed listener
// (EMFILE under load, for one) are retried with a capped backoff.
func (s *Server) acceptLoop(r *run) {
	var delay time.Duration
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			// Check if we are shutting down.
			select {
			case <-r.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Error().Err(err).Msg("listener closed outside Stop")
				return
			}
			if delay == 0 {
				delay = acceptRetryMin
			} else {
				delay *= 2
			}
			if delay > acceptRetryMax {
				delay = acceptRetryMax
			}
			s.logger.Error().Err(err).Dur("retry_in", delay).Msg("accept error")
			select {
			case <-r.done:
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		if !s.trackConn(r, conn) {
			conn.Close()
			return
		}
		go func() {
			defer r.wg.Done()
			defer s.untrackConn(r, conn)
			defer conn.Close()
			s.serveConn(r, conn)
		}()
	}
}

// trackConn registers conn and reserves a wait group slot for its goroutine.
// It fails once Stop has begun.
func (s *Server) trackConn(r *run, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-r.done:
		return false
	default:
	}
	r.conns[conn] = struct{}{}
	r.wg.Add(1)
	return true
}

func (s *Server) untrackConn(r *run, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(r.conns, conn)
}

// serveConn runs one association from A-ASSOCIATE-RQ to release or abort.
func (s *Server) serveConn(r *run, conn net.Conn) {
	assocID := uuid.NewString()
	log := s.logger.With().
		Str("association_id", assocID).
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	ac := &assocConn{
		conn:         conn,
		readTimeout:  s.cfg.AssociationTimeout,
		writeTimeout: s.cfg.WriteTimeout,
	}

	t, body, err := ac.readPDU()
	if err != nil {
		log.Debug().Err(err).Msg("no association request")
		return
	}
	if t != PDUAssociateRQ {
		log.Warn().Str("pdu", t.String()).Msg("expected A-ASSOCIATE-RQ")
		ac.abort(AbortSourceProvider, AbortReasonUnexpectedPDU)
		s.metrics.AssociationResult("aborted")
		return
	}
	rq, err := DecodeAssociate(t, body)
	if err != nil {
		log.Warn().Err(err).Msg("malformed A-ASSOCIATE-RQ")
		ac.abort(AbortSourceProvider, AbortReasonInvalidParameter)
		s.metrics.AssociationResult("aborted")
		return
	}
	log = log.With().Str("calling_ae", rq.CallingAE).Str("called_ae", rq.CalledAE).Logger()

	if !r.sem.TryAcquire(1) {
		log.Warn().Int("max_associations", s.cfg.MaxAssociations).Msg("association limit reached")
		ac.writePDU(PDUAssociateRJ, EncodeReject(&AssociateReject{
			Result: RejectTransient,
			Source: RejectSourcePresentation,
			Reason: RejectReasonLocalLimitExceeded,
		}))
		s.metrics.AssociationResult("limit")
		return
	}
	defer r.sem.Release(1)

	accept, reject := s.negotiate(rq)
	if reject != nil {
		log.Warn().Uint8("reason", reject.Reason).Msg("association rejected")
		ac.writePDU(PDUAssociateRJ, EncodeReject(reject))
		s.metrics.AssociationResult("rejected")
		return
	}
	if err := ac.writePDU(PDUAssociateAC, EncodeAssociate(PDUAssociateAC, accept)); err != nil {
		log.Warn().Err(err).Msg("write A-ASSOCIATE-AC")
		return
	}

	info := &AssociationInfo{
		ID:         assocID,
		CallingAE:  rq.CallingAE,
		CalledAE:   rq.CalledAE,
		RemoteAddr: conn.RemoteAddr().String(),
		Contexts:   make(map[byte]PresentationContext, len(accept.Contexts)),
	}
	for _, pc := range accept.Contexts {
		info.Contexts[pc.ID] = pc
	}
	s.metrics.AssociationResult("accepted")
	s.metrics.AssociationOpened()
	defer s.metrics.AssociationClosed()
	log.Info().Int("contexts", len(accept.Contexts)).Msg("association accepted")

	ac.readTimeout = s.cfg.IdleTimeout
	ac.maxRecv = s.cfg.MaxPDULength
	ac.maxMessage = s.cfg.MaxMessageSize
	ac.maxSend = rq.MaxPDULength

	for {
		msg, err := ac.readMessage()
		if err != nil {
			var ab *Abort
			var ne net.Error
			switch {
			case errors.Is(err, ErrReleaseRequested):
				ac.writePDU(PDUReleaseRP, releaseBody)
				log.Info().Msg("association released")
			case errors.As(err, &ab):
				log.Info().Uint8("source", ab.Source).Uint8("reason", ab.Reason).Msg("association aborted by peer")
			case errors.As(err, &ne) && ne.Timeout():
				log.Info().Dur("idle_timeout", s.cfg.IdleTimeout).Msg("association idle, aborting")
				ac.abort(AbortSourceProvider, AbortReasonNotSpecified)
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				log.Debug().Msg("connection closed")
			default:
				log.Warn().Err(err).Msg("protocol error, aborting")
				ac.abort(AbortSourceProvider, AbortReasonInvalidParameter)
			}
			return
		}

		if err := s.dispatch(r.ctx, ac, info, msg, log); err != nil {
			log.Warn().Err(err).Msg("aborting association")
			ac.abort(AbortSourceProvider, AbortReasonUnexpectedPDU)
			return
		}
	}
}

// negotiate answers an A-ASSOCIATE-RQ with either an AC or an RJ.
func (s *Server) negotiate(rq *Associate) (*Associate, *AssociateReject) {
	if rq.ApplicationContext != dicom.ApplicationContextUID {
		return nil, &AssociateReject{Result: RejectPermanent, Source: RejectSourceUser, Reason: RejectReasonAppContextNotSupported}
	}
	if s.cfg.AETitle != "*" && rq.CalledAE != s.cfg.AETitle {
		return nil, &AssociateReject{Result: RejectPermanent, Source: RejectSourceUser, Reason: RejectReasonCalledAENotRecognized}
	}
	ac := &Associate{
		CalledAE:               rq.CalledAE,
		CallingAE:              rq.CallingAE,
		ApplicationContext:     dicom.ApplicationContextUID,
		MaxPDULength:           s.cfg.MaxPDULength,
		ImplementationClassUID: dicom.ImplementationClassUIDValue,
		ImplementationVersion:  dicom.ImplementationVersion,
	}
	for _, pc := range rq.Contexts {
		ac.Contexts = append(ac.Contexts, s.cfg.Capabilities.Negotiate(pc))
	}
	return ac, nil
}

// dispatch answers one request. A returned error means the association must
// be aborted.
func (s *Server) dispatch(ctx context.Context, ac *assocConn, info *AssociationInfo, msg *Message, log zerolog.Logger) error {
	start := time.Now()
	field := msg.Field()
	if field.IsResponse() {
		return fmt.Errorf("%w: unsolicited %s", ErrUnexpectedPDU, field)
	}
	ts, ok := info.TransferSyntax(msg.ContextID)
	if !ok {
		return fmt.Errorf("dimse: message on unaccepted presentation context %d", msg.ContextID)
	}
	pc := info.Contexts[msg.ContextID]

	req := &Request{
		Association:    info,
		Message:        msg,
		SOPClassUID:    msg.SOPClassUID(),
		SOPInstanceUID: msg.SOPInstanceUID(),
		TransferSyntax: ts,
	}

	var resp *Response
	switch field {
	case CEchoRQ:
		resp = StatusResponse(StatusSuccess)
	case NCreateRQ, NSetRQ:
		if req.SOPClassUID != pc.AbstractSyntax || !s.cfg.Capabilities.Supports(req.SOPClassUID) {
			resp = StatusResponse(StatusNoSuchSOPClass)
			break
		}
		resp = s.serveHandler(ctx, req, log)
	default:
		resp = StatusResponse(StatusUnrecognizedOperation)
	}

	var data []byte
	if resp.Data != nil {
		b, err := dicom.Encode(resp.Data, ts)
		if err != nil {
			log.Error().Err(err).Msg("encode response dataset")
			resp = &Response{Status: StatusProcessingFailure, ErrorComment: "response encoding failed"}
		} else {
			data = b
		}
	}
	cmd := responseCommand(msg, resp)
	if err := ac.sendMessage(msg.ContextID, cmd, data); err != nil {
		return err
	}

	s.metrics.DIMSERequest(field.Name(), uint16(resp.Status), time.Since(start))
	log.Debug().
		Str("command", field.String()).
		Uint16("message_id", msg.MessageID()).
		Str("sop_instance_uid", req.SOPInstanceUID).
		Str("status", resp.Status.String()).
		Dur("elapsed", time.Since(start)).
		Msg("DIMSE request handled")
	return nil
}

func (s *Server) serveHandler(ctx context.Context, req *Request, log zerolog.Logger) (resp *Response) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("DIMSE handler panic")
			resp = &Response{Status: StatusProcessingFailure, ErrorComment: "internal error"}
		}
	}()
	if s.handler == nil {
		return StatusResponse(StatusUnrecognizedOperation)
	}
	resp = s.handler.ServeDIMSE(ctx, req)
	if resp == nil {
		resp = StatusResponse(StatusProcessingFailure)
	}
	return resp
}
