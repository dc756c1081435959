package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sipserv/sipserv/internal/call"
	"github.com/sipserv/sipserv/internal/media"
)

var (
	// ErrNoSuchCall is returned for operations on a Call-ID with no dialog.
	ErrNoSuchCall = errors.New("no such call")
	// ErrAlreadyAnswered is returned when the INVITE already has a final
	// response.
	ErrAlreadyAnswered = errors.New("call already has a final response")
)

const byeTimeout = 2 * time.Second

// handleInvite processes a new INVITE. The handler blocks until the INVITE
// has a final response (from Answer, the ring timer or a CANCEL) because
// sipgo terminates the server transaction when the handler returns.
func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	s.tracer.Recv(req)
	s.invites.Add(1)

	callID := callIDOf(req)
	logger := s.logger.With("call_id", callID, "source", req.Source())

	if !s.limiter.Allow(req.Source()) {
		s.rateLimited.Add(1)
		logger.Warn("invite rate limited")
		s.reject(req, tx, 503)
		return
	}

	if d := s.dialogs.Get(callID); d != nil {
		s.handleReInvite(d, req, tx)
		return
	}

	// Send 100 Trying immediately to stop UAC retransmissions.
	s.respond(req, tx, sip.NewResponseFromRequest(req, 100, "Trying", nil))

	offer, err := media.ParseOffer(req.Body())
	if err != nil {
		logger.Warn("rejecting invite with unusable sdp", "error", err)
		s.reject(req, tx, 488)
		return
	}
	codec, err := offer.SelectCodec()
	if err != nil {
		logger.Warn("rejecting invite without g711 codec", "error", err)
		s.reject(req, tx, 488)
		return
	}

	if s.dialogs.Count() > 0 {
		logger.Info("line busy, rejecting invite")
		s.reject(req, tx, 486)
		return
	}

	sockets, err := s.ports.Allocate()
	if err != nil {
		logger.Error("failed to allocate rtp ports", "error", err)
		s.reject(req, tx, 503)
		return
	}

	d := newDialog(req, tx, offer, codec)
	d.Sockets = sockets
	if !s.dialogs.Add(d) {
		s.ports.Release(sockets)
		logger.Info("line busy, rejecting invite")
		s.reject(req, tx, 486)
		return
	}

	s.respond(req, tx, d.response(180, "Ringing", nil))

	s.dialogs.Update(callID, func(dl *Dialog) {
		dl.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() {
			s.ringTimeout(callID)
		})
	})

	remoteInfo, localInfo := d.RemoteInfo(), d.LocalInfo()
	logger.Info("incoming call",
		"from", remoteInfo,
		"to", localInfo,
		"codec", codec.String(),
		"rtp_port", sockets.Ports.RTP,
	)
	s.emit(call.Event{
		Kind:       call.EventIncoming,
		CallID:     callID,
		RemoteInfo: remoteInfo,
		LocalInfo:  localInfo,
	})

	select {
	case <-d.final:
	case <-tx.Done():
		// The transaction ended before we sent a final response; the
		// transaction layer already answered a CANCEL with 487.
		if s.claimFinal(callID) {
			d.markFinal()
			logger.Info("call cancelled by caller")
			s.endDialog(callID, CauseCancel)
		}
	}
}

// handleReInvite refreshes an established dialog with the same answer.
// Media changes are not supported.
func (s *Server) handleReInvite(d *Dialog, req *sip.Request, tx sip.ServerTransaction) {
	var body []byte
	s.dialogs.Update(d.CallID, func(dl *Dialog) {
		if dl.OK != nil {
			body = dl.OK.Body()
		}
	})
	if body == nil {
		s.respond(req, tx, sip.NewResponseFromRequest(req, 491, "Request Pending", nil))
		return
	}

	res := d.tagged(sip.NewResponseFromRequest(req, 200, "OK", body))
	res.AppendHeader(&sip.ContactHeader{Address: s.contact})
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	s.respond(req, tx, res)
	s.logger.Debug("re-invite answered with existing sdp", "call_id", d.CallID)
}

// reject sends a final error response outside any dialog.
func (s *Server) reject(req *sip.Request, tx sip.ServerTransaction, code int) {
	s.rejected.Add(1)
	s.respond(req, tx, sip.NewResponseFromRequest(req, code, statusText(code), nil))
}

// claimFinal reserves the right to send the final INVITE response. Exactly
// one caller wins.
func (s *Server) claimFinal(callID string) bool {
	won := false
	s.dialogs.Update(callID, func(d *Dialog) {
		if !d.finalSent {
			d.finalSent = true
			won = true
		}
	})
	return won
}

// finalResponse sends a non-2xx final response to a ringing INVITE. It
// reports false when the INVITE already has (or is getting) one.
func (s *Server) finalResponse(callID string, code int) bool {
	d := s.dialogs.Get(callID)
	if d == nil || !s.claimFinal(callID) {
		return false
	}
	s.respond(d.Invite, d.InviteTx, d.response(code, statusText(code), nil))
	d.markFinal()
	return true
}

// ringTimeout rejects a call that was never answered.
func (s *Server) ringTimeout(callID string) {
	if s.finalResponse(callID, 480) {
		s.logger.Info("ring timeout, call not answered", "call_id", callID)
		s.endDialog(callID, CauseNoAnswer)
	}
}

// Answer sends the final response for the ringing call. 200 starts the
// media stream and emits media-active; any other status rejects the call
// and ends it.
func (s *Server) Answer(callID string, status int) error {
	d := s.dialogs.Get(callID)
	if d == nil {
		return ErrNoSuchCall
	}
	logger := s.logger.With("call_id", callID)

	if status != 200 {
		if !s.finalResponse(callID, status) {
			return ErrAlreadyAnswered
		}
		s.rejected.Add(1)
		logger.Info("call rejected", "status", status)
		s.endDialog(callID, CauseRejected)
		return nil
	}

	if !s.claimFinal(callID) {
		return ErrAlreadyAnswered
	}

	body, stream, err := s.startMedia(d, logger)
	if err != nil {
		logger.Error("failed to start media", "error", err)
		s.respond(d.Invite, d.InviteTx, d.response(500, statusText(500), nil))
		d.markFinal()
		s.endDialog(callID, CauseError)
		return fmt.Errorf("answering call: %w", err)
	}

	res := d.response(200, "OK", body)
	res.AppendHeader(&sip.ContactHeader{Address: s.contact})
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	now := time.Now()
	ok := s.dialogs.Update(callID, func(dl *Dialog) {
		dl.State = CallStateAnswered
		dl.AnswerTime = &now
		dl.OK = res
		dl.Stream = stream
		if dl.ringTimer != nil {
			dl.ringTimer.Stop()
		}
	})
	if !ok {
		stream.Stop()
		d.markFinal()
		return ErrNoSuchCall
	}

	s.answered.Add(1)
	s.emit(call.Event{Kind: call.EventMediaActive, CallID: callID})

	s.respond(d.Invite, d.InviteTx, res)
	d.markFinal()
	if !sip.IsReliable(d.Invite.Transport()) {
		go s.retransmitOK(d, res)
	}

	logger.Info("call answered", "codec", d.Codec.String(), "rtp_port", d.Sockets.Ports.RTP)
	return nil
}

// retransmitOK resends the 200 OK over UDP until the caller ACKs it. A
// call that stays unacknowledged for 64*T1 is hung up.
func (s *Server) retransmitOK(d *Dialog, res *sip.Response) {
	alive := func() bool { return s.dialogs.Get(d.CallID) == d }
	send := func() error {
		s.tracer.Send(res, d.Invite.Transport(), d.Invite.Source())
		return d.InviteTx.Respond(res)
	}
	if retransmitUntilAck(d.acked, alive, send, sip.T1, sip.T2, 64*sip.T1) || !alive() {
		return
	}
	s.logger.Warn("no ack for 200 ok, hanging up", "call_id", d.CallID)
	s.sendBye(d.CallID)
	s.endDialog(d.CallID, CauseError)
}

// retransmitUntilAck calls send at intervals starting at t1 and doubling
// up to t2 until acked is closed, alive reports false or limit elapses. It
// returns true when acked.
func retransmitUntilAck(acked <-chan struct{}, alive func() bool, send func() error, t1, t2, limit time.Duration) bool {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()

	interval := t1
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-acked:
			return true
		case <-deadline.C:
			return false
		case <-timer.C:
		}
		if !alive() {
			return false
		}
		if err := send(); err != nil {
			return false
		}
		interval = min(2*interval, t2)
		timer.Reset(interval)
	}
}

// startMedia builds the SDP answer and starts the RTP stream toward the
// address in the caller's offer.
func (s *Server) startMedia(d *Dialog, logger *slog.Logger) ([]byte, *media.Stream, error) {
	remote, err := offerAddr(d.Offer)
	if err != nil {
		return nil, nil, err
	}

	body, err := media.BuildAnswer(s.mediaIP, d.Sockets.Ports.RTP, d.Codec, d.Offer.DTMFPayloadType, uint64(d.StartTime.Unix()))
	if err != nil {
		return nil, nil, err
	}

	callID := d.CallID
	stream := media.NewStream(media.StreamConfig{
		Conn:            d.Sockets.RTPConn,
		Remote:          remote,
		Codec:           d.Codec,
		DTMFPayloadType: d.Offer.DTMFPayloadType,
		OnDigit: func(signal string) {
			logger.Debug("rtp dtmf received", "signal", signal)
			s.emitDigit(callID, signal)
		},
		Logger: logger,
	})
	stream.Start()
	return body, stream, nil
}

func offerAddr(offer *media.Offer) (*net.UDPAddr, error) {
	if offer.Address == "" {
		return nil, fmt.Errorf("sdp offer has no connection address")
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(offer.Address, strconv.Itoa(offer.Port)))
	if err != nil {
		return nil, fmt.Errorf("resolving offer address: %w", err)
	}
	return addr, nil
}

// endDialog tears the dialog down once: media stopped, ports released and
// a disconnected event emitted.
func (s *Server) endDialog(callID, cause string) {
	d := s.dialogs.Terminate(callID, cause)
	if d == nil {
		return
	}
	d.markFinal()
	if d.Stream != nil {
		d.Stream.Stop()
	}
	s.ports.Release(d.Sockets)

	s.logger.Info("call ended",
		"call_id", callID,
		"cause", cause,
		"duration", d.Duration().Round(time.Second).String(),
	)
	s.emit(call.Event{Kind: call.EventDisconnected, CallID: callID})
}

// HangupAll ends every call: ringing calls get 480, answered ones a BYE.
func (s *Server) HangupAll() {
	for _, d := range s.dialogs.Active() {
		if s.finalResponse(d.CallID, 480) {
			s.endDialog(d.CallID, CauseLocalHangup)
			continue
		}
		s.sendBye(d.CallID)
		s.endDialog(d.CallID, CauseLocalHangup)
	}
}

// sendBye sends a BYE for an answered dialog and waits briefly for the
// response.
func (s *Server) sendBye(callID string) {
	var bye *sip.Request
	s.dialogs.Update(callID, func(d *Dialog) {
		if d.State == CallStateAnswered || d.State == CallStateConfirmed {
			bye = d.buildBye(s.contact)
		}
	})
	if bye == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()

	s.tracer.Send(bye, bye.Transport(), bye.Destination())
	tx, err := s.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		s.logger.Warn("failed to send bye", "call_id", callID, "error", err)
		return
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		s.logger.Warn("no response to bye", "call_id", callID, "error", err)
		return
	}
	s.logger.Debug("bye answered", "call_id", callID, "status", res.StatusCode)
}

// CreatePlayer starts playing the WAV at path into the call, replacing
// any current player.
func (s *Server) CreatePlayer(callID, path string) (call.Player, error) {
	stream := s.stream(callID)
	if stream == nil {
		return nil, ErrNoSuchCall
	}
	p, err := media.OpenPlayer(path)
	if err != nil {
		return nil, fmt.Errorf("creating player: %w", err)
	}
	stream.SetPlayer(p)
	return p, nil
}

// CreateRecorder starts recording the caller's audio to path.
func (s *Server) CreateRecorder(callID, path string) (call.Recorder, error) {
	stream := s.stream(callID)
	if stream == nil {
		return nil, ErrNoSuchCall
	}
	r, err := media.NewRecorder(path, s.logger.With("call_id", callID))
	if err != nil {
		return nil, fmt.Errorf("creating recorder: %w", err)
	}
	stream.SetRecorder(r)
	return r, nil
}

func (s *Server) stream(callID string) *media.Stream {
	var stream *media.Stream
	s.dialogs.Update(callID, func(d *Dialog) {
		stream = d.Stream
	})
	return stream
}

var statusTexts = map[int]string{
	100: "Trying",
	180: "Ringing",
	200: "OK",
	403: "Forbidden",
	404: "Not Found",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	491: "Request Pending",
	500: "Server Internal Error",
	503: "Service Unavailable",
	603: "Decline",
}

// statusText returns the reason phrase for a SIP status code.
func statusText(code int) string {
	if text, ok := statusTexts[code]; ok {
		return text
	}
	switch {
	case code >= 600:
		return "Global Failure"
	case code >= 500:
		return "Server Error"
	case code >= 400:
		return "Request Failure"
	default:
		return "Unknown"
	}
}
