package sip

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sipserv/sipserv/internal/media"
)

// CallState represents the lifecycle state of a call.
type CallState string

const (
	CallStateRinging    CallState = "ringing"
	CallStateAnswered   CallState = "answered"
	CallStateConfirmed  CallState = "confirmed"
	CallStateTerminated CallState = "terminated"
)

// Hangup causes recorded when a dialog ends.
const (
	CauseRemoteBye   = "remote_bye"
	CauseCancel      = "caller_cancel"
	CauseNoAnswer    = "no_answer"
	CauseRejected    = "rejected"
	CauseLocalHangup = "local_hangup"
	CauseError       = "error"
)

// Dialog is the single inbound call leg sipserv terminates. All mutable
// fields are guarded by the owning DialogManager's lock.
type Dialog struct {
	CallID    string
	LocalTag  string
	Invite    *sip.Request
	InviteTx  sip.ServerTransaction
	Offer     *media.Offer
	Codec     media.Codec
	Sockets   *media.SocketPair
	StartTime time.Time

	State       CallState
	AnswerTime  *time.Time
	EndTime     *time.Time
	HangupCause string

	// OK is the 200 response sent to the caller; in-dialog requests we
	// originate copy their From from its To.
	OK     *sip.Response
	Stream *media.Stream

	ringTimer *time.Timer
	localCSeq uint32
	finalSent bool
	final     chan struct{}
	finalOnce sync.Once
	acked     chan struct{}
	ackOnce   sync.Once
}

func newDialog(req *sip.Request, tx sip.ServerTransaction, offer *media.Offer, codec media.Codec) *Dialog {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	return &Dialog{
		CallID:    callID,
		LocalTag:  strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Invite:    req,
		InviteTx:  tx,
		Offer:     offer,
		Codec:     codec,
		StartTime: time.Now(),
		State:     CallStateRinging,
		localCSeq: 1,
		final:     make(chan struct{}),
		acked:     make(chan struct{}),
	}
}

// markFinal records that the INVITE transaction got its final response.
func (d *Dialog) markFinal() {
	d.finalOnce.Do(func() { close(d.final) })
}

// markAcked records the ACK for our 200 OK.
func (d *Dialog) markAcked() {
	d.ackOnce.Do(func() { close(d.acked) })
}

// Duration returns the time since answer, or zero if never answered.
func (d *Dialog) Duration() time.Duration {
	if d.AnswerTime == nil {
		return 0
	}
	end := time.Now()
	if d.EndTime != nil {
		end = *d.EndTime
	}
	return end.Sub(*d.AnswerTime)
}

// RemoteInfo renders the caller as `"Display Name" <sip:user@host>`.
func (d *Dialog) RemoteInfo() string {
	from := d.Invite.From()
	if from == nil {
		return ""
	}
	return formatNameAddr(from.DisplayName, from.Address)
}

// LocalInfo renders the called address the same way.
func (d *Dialog) LocalInfo() string {
	to := d.Invite.To()
	if to == nil {
		return ""
	}
	return formatNameAddr(to.DisplayName, to.Address)
}

func formatNameAddr(displayName string, uri sip.Uri) string {
	addr := "<" + uri.String() + ">"
	if displayName == "" {
		return addr
	}
	return fmt.Sprintf("%q %s", displayName, addr)
}

// response builds a response to the INVITE carrying our To tag.
func (d *Dialog) response(code int, reason string, body []byte) *sip.Response {
	return d.tagged(sip.NewResponseFromRequest(d.Invite, code, reason, body))
}

// tagged sets our To tag on res. sipgo fills in a random tag for every
// response above 100, so it is always overwritten.
func (d *Dialog) tagged(res *sip.Response) *sip.Response {
	if res.StatusCode > 100 {
		if to := res.To(); to != nil {
			to.Params.Add("tag", d.LocalTag)
		}
	}
	return res
}

// buildBye constructs the BYE we send to end an answered call. As UAS the
// From/To of the INVITE are swapped and the request goes to the caller's
// Contact.
func (d *Dialog) buildBye(localContact sip.Uri) *sip.Request {
	var recipient sip.Uri
	if contact := d.Invite.Contact(); contact != nil {
		recipient = contact.Address
	} else {
		recipient = d.Invite.From().Address
	}

	bye := sip.NewRequest(sip.BYE, recipient)

	if len(d.Invite.GetHeaders("Record-Route")) > 0 {
		for _, h := range d.Invite.GetHeaders("Record-Route") {
			bye.AppendHeader(sip.NewHeader("Route", h.Value()))
		}
	}

	var to *sip.ToHeader
	if d.OK != nil {
		to = d.OK.To()
	}
	if to == nil {
		to = d.Invite.To()
	}
	from := &sip.FromHeader{DisplayName: to.DisplayName, Address: to.Address}
	if tag, ok := to.Params.Get("tag"); ok {
		from.Params.Add("tag", tag)
	} else {
		from.Params.Add("tag", d.LocalTag)
	}
	bye.AppendHeader(from)

	if caller := d.Invite.From(); caller != nil {
		toHdr := &sip.ToHeader{DisplayName: caller.DisplayName, Address: caller.Address}
		if tag, ok := caller.Params.Get("tag"); ok {
			toHdr.Params.Add("tag", tag)
		}
		bye.AppendHeader(toHdr)
	}

	if cid := d.Invite.CallID(); cid != nil {
		bye.AppendHeader(sip.HeaderClone(cid))
	}

	d.localCSeq++
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: d.localCSeq, MethodName: sip.BYE})

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	bye.AppendHeader(&sip.ContactHeader{Address: localContact})

	bye.SetTransport(d.Invite.Transport())
	bye.SetDestination(d.Invite.Source())
	return bye
}

// DialogManager tracks dialogs by Call-ID.
type DialogManager struct {
	mu      sync.Mutex
	dialogs map[string]*Dialog
}

// NewDialogManager creates an empty dialog registry.
func NewDialogManager() *DialogManager {
	return &DialogManager{dialogs: make(map[string]*Dialog)}
}

// Add registers d unless another dialog is active. It returns false when
// the line is busy.
func (dm *DialogManager) Add(d *Dialog) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if len(dm.dialogs) > 0 {
		return false
	}
	dm.dialogs[d.CallID] = d
	return true
}

// Get returns the dialog for callID, or nil.
func (dm *DialogManager) Get(callID string) *Dialog {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.dialogs[callID]
}

// Update runs fn with the lock held if callID is known. It reports whether
// the dialog was found.
func (dm *DialogManager) Update(callID string, fn func(d *Dialog)) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	d, ok := dm.dialogs[callID]
	if !ok {
		return false
	}
	fn(d)
	return true
}

// Terminate removes the dialog and marks it ended with cause. It returns
// nil if the dialog was already gone, so each dialog terminates once.
func (dm *DialogManager) Terminate(callID, cause string) *Dialog {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	d, ok := dm.dialogs[callID]
	if !ok {
		return nil
	}
	delete(dm.dialogs, callID)
	now := time.Now()
	d.State = CallStateTerminated
	d.EndTime = &now
	d.HangupCause = cause
	if d.ringTimer != nil {
		d.ringTimer.Stop()
	}
	return d
}

// Active returns a snapshot of all dialogs.
func (dm *DialogManager) Active() []*Dialog {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	out := make([]*Dialog, 0, len(dm.dialogs))
	for _, d := range dm.dialogs {
		out = append(out, d)
	}
	return out
}

// Count returns the number of active dialogs.
func (dm *DialogManager) Count() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.dialogs)
}
