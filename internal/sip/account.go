package sip

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// RegistrationStatus is the state of the account registration.
type RegistrationStatus string

const (
	RegistrationRegistering  RegistrationStatus = "registering"
	RegistrationRegistered   RegistrationStatus = "registered"
	RegistrationFailed       RegistrationStatus = "failed"
	RegistrationUnregistered RegistrationStatus = "unregistered"
)

// RegistrationState is a snapshot of the account registration.
type RegistrationState struct {
	Status       RegistrationStatus `json:"status"`
	AOR          string             `json:"aor"`
	LastError    string             `json:"last_error,omitempty"`
	RetryAttempt int                `json:"retry_attempt,omitempty"`
	RegisteredAt *time.Time         `json:"registered_at,omitempty"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
}

// Account identifies the SIP account sipserv answers for.
type Account struct {
	Domain   string // registrar host, optionally host:port
	User     string
	Password string
	Expiry   int // requested registration expiry in seconds
}

// AOR returns the address of record, sip:user@domain.
func (a Account) AOR() string {
	return fmt.Sprintf("sip:%s@%s", a.User, a.Domain)
}

const (
	defaultRegisterExpiry = 300
	unregisterTimeout     = 5 * time.Second
)

// AccountRegistrar keeps the account registered with its provider:
// initial REGISTER with digest auth, refresh at 80% of the granted expiry
// and exponential backoff on failure. Stop removes the binding.
type AccountRegistrar struct {
	account   Account
	transport string
	contact   sip.Uri
	client    *sipgo.Client
	logger    *slog.Logger

	mu     sync.RWMutex
	state  RegistrationState
	cseq   uint32
	callID string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAccountRegistrar creates a registrar sending from ua. contact is the
// address the provider should route calls to.
func NewAccountRegistrar(ua *sipgo.UserAgent, account Account, transport string, contact sip.Uri, logger *slog.Logger) (*AccountRegistrar, error) {
	l := logger.With("subsystem", "account-registrar", "aor", account.AOR())

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(l))
	if err != nil {
		return nil, fmt.Errorf("creating sip client for account: %w", err)
	}

	if account.Expiry <= 0 {
		account.Expiry = defaultRegisterExpiry
	}

	return &AccountRegistrar{
		account:   account,
		transport: strings.ToUpper(transport),
		contact:   contact,
		client:    client,
		logger:    l,
		callID:    sip.GenerateTagN(24),
		state: RegistrationState{
			Status: RegistrationUnregistered,
			AOR:    account.AOR(),
		},
	}, nil
}

// Start launches the registration loop. It returns immediately.
func (r *AccountRegistrar) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.setStatus(RegistrationRegistering, "")

	go func() {
		defer close(r.done)
		r.registrationLoop(ctx)
	}()
}

// Stop ends the registration loop and sends a REGISTER with Expires: 0.
func (r *AccountRegistrar) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done

	wasRegistered := r.State().Status == RegistrationRegistered
	if wasRegistered {
		ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
		defer cancel()
		if _, err := r.sendRegister(ctx, 0); err != nil {
			r.logger.Warn("unregister failed", "error", err)
		} else {
			r.logger.Info("account unregistered")
		}
	}
	r.setStatus(RegistrationUnregistered, "")
	r.client.Close()
}

// State returns a snapshot of the registration state.
func (r *AccountRegistrar) State() RegistrationState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *AccountRegistrar) registrationLoop(ctx context.Context) {
	expiry := r.account.Expiry

	r.logger.Info("starting account registration",
		"domain", r.account.Domain,
		"transport", r.transport,
		"expiry", expiry,
	)

	backoff := newBackoff()

	for {
		grantedExpiry, err := r.sendRegister(ctx, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			retryDelay := backoff.next()
			r.logger.Error("account registration failed",
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
			)

			r.mu.Lock()
			r.state.Status = RegistrationFailed
			r.state.LastError = err.Error()
			r.state.RetryAttempt = backoff.attempt
			r.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(grantedExpiry) * time.Second)
		r.mu.Lock()
		r.state.Status = RegistrationRegistered
		r.state.LastError = ""
		r.state.RetryAttempt = 0
		r.state.RegisteredAt = &now
		r.state.ExpiresAt = &expiresAt
		r.mu.Unlock()

		if grantedExpiry != expiry {
			r.logger.Info("account registered (server adjusted expiry)",
				"requested_expiry", expiry,
				"granted_expiry", grantedExpiry,
			)
		} else {
			r.logger.Info("account registered", "expires_in", grantedExpiry)
		}

		// Refresh at 80% of the granted expiry.
		refreshInterval := time.Duration(float64(grantedExpiry)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval):
			r.logger.Debug("re-registering account")
		}
	}
}

// sendRegister sends one REGISTER, answering a 401/407 challenge once.
// It returns the expiry granted by the registrar.
func (r *AccountRegistrar) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipientStr := "sip:" + r.account.Domain
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	if r.transport != "" {
		req.SetTransport(r.transport)
	}

	var aor sip.Uri
	if err := sip.ParseUri(r.account.AOR(), &aor); err != nil {
		return 0, fmt.Errorf("parsing aor: %w", err)
	}
	from := &sip.FromHeader{Address: aor}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: aor})
	callID := sip.CallIDHeader(r.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: r.nextCSeq(), MethodName: sip.REGISTER})

	contact := r.contact
	contact.User = r.account.User
	req.AppendHeader(&sip.ContactHeader{Address: contact})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader := "WWW-Authenticate"
		authzHeader := "Authorization"
		if res.StatusCode == 407 {
			authHeader = "Proxy-Authenticate"
			authzHeader = "Proxy-Authorization"
		}

		challenge := res.GetHeader(authHeader)
		if challenge == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}

		chal, err := digest.ParseChallenge(challenge.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}

		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: r.account.User,
			Password: r.account.Password,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := r.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}

		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
		// The increased CSeq must not be reused.
		r.nextCSeq()
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// The registrar may shorten the requested expiry (RFC 3261 10.2.4).
	grantedExpiry := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	}

	return grantedExpiry, nil
}

func (r *AccountRegistrar) nextCSeq() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cseq++
	return r.cseq
}

func (r *AccountRegistrar) setStatus(status RegistrationStatus, lastErr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Status = status
	r.state.LastError = lastErr
	if status != RegistrationRegistered {
		r.state.ExpiresAt = nil
	}
}

// getResponse waits for the first final response from a client
// transaction, skipping provisional ones.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as <sip:user@host>;expires=3600. Returns 0 when absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value. Returns 0 if parsing fails.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with ±20% jitter for
// registration retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
