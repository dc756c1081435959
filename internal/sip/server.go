package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sipserv/sipserv/internal/call"
	"github.com/sipserv/sipserv/internal/config"
	"github.com/sipserv/sipserv/internal/media"
)

// eventQueueSize bounds the events waiting for the handler. Digits that do
// not fit are dropped; call lifecycle events wait for room.
const eventQueueSize = 256

// Stats is a snapshot of the SIP server counters.
type Stats struct {
	InvitesReceived uint64 `json:"invites_received"`
	InvitesRejected uint64 `json:"invites_rejected"`
	RateLimited     uint64 `json:"rate_limited"`
	CallsAnswered   uint64 `json:"calls_answered"`
	EventsDropped   uint64 `json:"events_dropped"`
	ActiveCalls     int    `json:"active_calls"`
	RTPPortsInUse   int    `json:"rtp_ports_in_use"`
}

// Server wraps the sipgo SIP stack: it registers the account, terminates
// the single inbound call and reports call events to a call.Handler. It
// implements call.Stack.
type Server struct {
	cfg       *config.Config
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	registrar *AccountRegistrar
	dialogs   *DialogManager
	ports     *media.PortPool
	limiter   *SourceLimiter
	tracer    *Tracer
	mediaIP   string
	contact   sip.Uri

	handler call.Handler
	events  chan call.Event
	errs    chan error

	invites     atomic.Uint64
	rejected    atomic.Uint64
	rateLimited atomic.Uint64
	answered    atomic.Uint64
	dropped     atomic.Uint64

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewServer creates a SIP server for account with all handlers registered.
// An account without a user skips registration.
func NewServer(cfg *config.Config, account Account) (*Server, error) {
	logger := slog.Default().With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("sipserv"),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	ports, err := media.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		client.Close()
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating rtp port pool: %w", err)
	}

	mediaIP := cfg.MediaIP()
	contact := sip.Uri{
		Scheme: "sip",
		User:   account.User,
		Host:   mediaIP,
		Port:   cfg.SIPPort,
	}

	s := &Server{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		client:  client,
		dialogs: NewDialogManager(),
		ports:   ports,
		limiter: NewSourceLimiter(DefaultRateLimitConfig()),
		tracer:  NewTracer(logger, ParseTraceMode(cfg.SIPLog)),
		mediaIP: mediaIP,
		contact: contact,
		events:  make(chan call.Event, eventQueueSize),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		logger:  logger,
	}

	if account.User != "" {
		s.registrar, err = NewAccountRegistrar(ua, account, cfg.SIPTransport, contact, logger)
		if err != nil {
			client.Close()
			srv.Close()
			ua.Close()
			return nil, err
		}
	}

	s.registerHandlers()
	return s, nil
}

// SetHandler sets the receiver of call events. It must be called before
// Start.
func (s *Server) SetHandler(h call.Handler) {
	s.handler = h
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnAck(s.handleACK)
	s.srv.OnBye(s.handleBye)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnOptions(s.handleOptions)
	s.srv.OnInfo(s.handleInfo)
}

// Start binds the configured transport and begins serving. A bind failure
// is returned; later listener failures are reported on Err.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)
	if err := probeListen(s.cfg.SIPTransport, addr); err != nil {
		s.cancel()
		return fmt.Errorf("binding sip %s listener on %s: %w", s.cfg.SIPTransport, addr, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.emitLoop(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip listener starting", "transport", s.cfg.SIPTransport, "addr", addr)
		err := s.srv.ListenAndServe(ctx, s.cfg.SIPTransport, addr)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("sip listener stopped", "error", err)
			select {
			case s.errs <- fmt.Errorf("sip listener: %w", err):
			default:
			}
		}
	}()

	if s.registrar != nil {
		s.registrar.Start(ctx)
	}
	return nil
}

// probeListen checks that addr can be bound so a busy port fails startup
// instead of surfacing later from the serving goroutine.
func probeListen(transport, addr string) error {
	if transport == "tcp" {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		return l.Close()
	}
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	return pc.Close()
}

// Err reports fatal listener errors after Start.
func (s *Server) Err() <-chan error {
	return s.errs
}

// Stop unregisters the account, shuts down the listener and waits for
// goroutines. Active calls should be hung up first with HangupAll.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.registrar != nil {
		s.registrar.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// Registration returns the account registration state.
func (s *Server) Registration() RegistrationState {
	if s.registrar == nil {
		return RegistrationState{Status: RegistrationUnregistered}
	}
	return s.registrar.State()
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	return Stats{
		InvitesReceived: s.invites.Load(),
		InvitesRejected: s.rejected.Load(),
		RateLimited:     s.rateLimited.Load(),
		CallsAnswered:   s.answered.Load(),
		EventsDropped:   s.dropped.Load(),
		ActiveCalls:     s.dialogs.Count(),
		RTPPortsInUse:   s.ports.InUse(),
	}
}

// emit queues ev for the handler. A lost disconnect would leave the line
// busy for good, so only digits may be dropped; other events wait until
// queued or the server stops.
func (s *Server) emit(ev call.Event) {
	if ev.Kind == call.EventDigit {
		select {
		case s.events <- ev:
		default:
			s.dropped.Add(1)
			s.logger.Warn("event queue full, dropping digit", "call_id", ev.CallID, "digit", ev.Digit)
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
		s.dropped.Add(1)
		s.logger.Warn("sip server stopped, dropping event", "kind", ev.Kind.String(), "call_id", ev.CallID)
	}
}

// emitLoop delivers events to the handler in order.
func (s *Server) emitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			if s.handler != nil {
				s.handler.HandleEvent(ev)
			}
		}
	}
}

// respond sends a response on tx, tracing and logging failures.
func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, res *sip.Response) {
	s.tracer.Send(res, req.Transport(), req.Source())
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send response",
			"method", req.Method.String(),
			"status", res.StatusCode,
			"error", err,
		)
	}
}

// handleACK confirms an answered dialog.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	s.tracer.Recv(req)
	callID := callIDOf(req)

	confirmed := false
	s.dialogs.Update(callID, func(d *Dialog) {
		if d.State == CallStateAnswered {
			d.State = CallStateConfirmed
			d.markAcked()
			confirmed = true
		}
	})
	if !confirmed {
		s.logger.Debug("sip ack for unknown or confirmed dialog", "call_id", callID, "source", req.Source())
		return
	}

	s.logger.Info("call confirmed", "call_id", callID)
	s.emit(call.Event{Kind: call.EventConfirmed, CallID: callID})
}

// handleBye ends the dialog at the caller's request.
func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	s.tracer.Recv(req)
	callID := callIDOf(req)

	if s.dialogs.Get(callID) == nil {
		s.respond(req, tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	s.respond(req, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
	s.logger.Info("caller hung up", "call_id", callID)
	s.endDialog(callID, CauseRemoteBye)
}

// handleCancel answers CANCELs the transaction layer could not match to a
// pending INVITE. Matched CANCELs terminate the INVITE transaction, which
// the INVITE handler observes.
func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	s.tracer.Recv(req)
	callID := callIDOf(req)

	d := s.dialogs.Get(callID)
	if d == nil {
		s.respond(req, tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	s.respond(req, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
	if s.finalResponse(callID, 487) {
		s.logger.Info("call cancelled by caller", "call_id", callID)
		s.endDialog(callID, CauseCancel)
	}
}

// handleOptions responds to SIP OPTIONS keepalives.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.tracer.Recv(req)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	s.respond(req, tx, res)
}

// handleInfo turns SIP INFO DTMF into digit events for endpoints that do
// not send RFC 2833 telephone-events.
func (s *Server) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	s.tracer.Recv(req)
	callID := callIDOf(req)

	if s.dialogs.Get(callID) == nil {
		s.respond(req, tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	ct := req.ContentType()
	if ct == nil {
		s.respond(req, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
		return
	}

	info, err := media.ParseSIPInfoDTMF(ct.Value(), req.Body())
	if err != nil {
		s.logger.Debug("sip info with unsupported content type",
			"content_type", ct.Value(),
			"call_id", callID,
		)
		s.respond(req, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
		return
	}

	s.respond(req, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))

	s.logger.Debug("sip info dtmf received", "signal", info.Signal, "duration", info.Duration, "call_id", callID)
	s.emitDigit(callID, info.Signal)
}

// emitDigit reports a 0-9 DTMF signal as a digit event. Other signals
// (*, #, A-D) have no digit value and are dropped.
func (s *Server) emitDigit(callID, signal string) {
	digit, ok := media.DigitValue(signal)
	if !ok {
		s.logger.Debug("ignoring non-numeric dtmf", "signal", signal, "call_id", callID)
		return
	}
	s.emit(call.Event{Kind: call.EventDigit, CallID: callID, Digit: digit})
}

const allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
