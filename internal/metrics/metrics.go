package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sipserv/sipserv/internal/dtmf"
	"github.com/sipserv/sipserv/internal/orchestrator"
	"github.com/sipserv/sipserv/internal/sip"
)

// CallProvider exposes the orchestrator counters and current state.
type CallProvider interface {
	Stats() orchestrator.Stats
	State() string
}

// DigitProvider exposes digit dispatcher counters.
type DigitProvider interface {
	Stats() dtmf.Stats
}

// SIPProvider exposes SIP server counters and the account registration.
type SIPProvider interface {
	Stats() sip.Stats
	Registration() sip.RegistrationState
}

var callStates = []string{
	orchestrator.StateIdle,
	orchestrator.StateScreening,
	orchestrator.StateAnswered,
	orchestrator.StateMediaActive,
	orchestrator.StateConfirmed,
	orchestrator.StateDisconnecting,
}

// Collector is a prometheus.Collector that gathers sipserv metrics at scrape time.
type Collector struct {
	calls     CallProvider
	digits    DigitProvider
	sip       SIPProvider
	startTime time.Time

	callsIncomingDesc   *prometheus.Desc
	callsTotalDesc      *prometheus.Desc
	callStateDesc       *prometheus.Desc
	aftermathRunsDesc   *prometheus.Desc
	digitsReceivedDesc  *prometheus.Desc
	digitsDesc          *prometheus.Desc
	invitesDesc         *prometheus.Desc
	invitesRejectedDesc *prometheus.Desc
	rateLimitedDesc     *prometheus.Desc
	activeCallsDesc     *prometheus.Desc
	rtpPortsDesc        *prometheus.Desc
	registrationDesc    *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(calls CallProvider, digits DigitProvider, sipServer SIPProvider, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		digits:    digits,
		sip:       sipServer,
		startTime: startTime,

		callsIncomingDesc: prometheus.NewDesc(
			"sipserv_calls_incoming_total",
			"Total number of incoming calls seen by the orchestrator",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"sipserv_calls_total",
			"Total number of calls by outcome",
			[]string{"outcome"}, nil,
		),
		callStateDesc: prometheus.NewDesc(
			"sipserv_call_state",
			"Current call lifecycle state (1 for the active state)",
			[]string{"state"}, nil,
		),
		aftermathRunsDesc: prometheus.NewDesc(
			"sipserv_aftermath_runs_total",
			"Total number of post-call hook invocations",
			nil, nil,
		),
		digitsReceivedDesc: prometheus.NewDesc(
			"sipserv_digits_received_total",
			"Total number of DTMF digits received during active calls",
			nil, nil,
		),
		digitsDesc: prometheus.NewDesc(
			"sipserv_digit_commands_total",
			"Digit command invocations by result",
			[]string{"result"}, nil,
		),
		invitesDesc: prometheus.NewDesc(
			"sipserv_sip_invites_total",
			"Total number of INVITE requests received",
			nil, nil,
		),
		invitesRejectedDesc: prometheus.NewDesc(
			"sipserv_sip_invites_rejected_total",
			"Total number of INVITE requests rejected by the SIP layer",
			nil, nil,
		),
		rateLimitedDesc: prometheus.NewDesc(
			"sipserv_sip_rate_limited_total",
			"Total number of INVITE requests refused by the per-source rate limit",
			nil, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"sipserv_active_calls",
			"Number of SIP dialogs currently in progress",
			nil, nil,
		),
		rtpPortsDesc: prometheus.NewDesc(
			"sipserv_rtp_ports_in_use",
			"Number of RTP port pairs currently allocated",
			nil, nil,
		),
		registrationDesc: prometheus.NewDesc(
			"sipserv_registration_status",
			"Account registration status (1=registered, 0=other)",
			[]string{"aor", "status"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"sipserv_uptime_seconds",
			"Seconds since the sipserv process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callsIncomingDesc
	ch <- c.callsTotalDesc
	ch <- c.callStateDesc
	ch <- c.aftermathRunsDesc
	ch <- c.digitsReceivedDesc
	ch <- c.digitsDesc
	ch <- c.invitesDesc
	ch <- c.invitesRejectedDesc
	ch <- c.rateLimitedDesc
	ch <- c.activeCallsDesc
	ch <- c.rtpPortsDesc
	ch <- c.registrationDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		st := c.calls.Stats()
		ch <- prometheus.MustNewConstMetric(c.callsIncomingDesc, prometheus.CounterValue, float64(st.Incoming))
		for outcome, n := range map[string]uint64{
			"accepted":  st.Accepted,
			"rejected":  st.Rejected,
			"busy":      st.Busy,
			"completed": st.Completed,
		} {
			ch <- prometheus.MustNewConstMetric(c.callsTotalDesc, prometheus.CounterValue, float64(n), outcome)
		}
		ch <- prometheus.MustNewConstMetric(c.aftermathRunsDesc, prometheus.CounterValue, float64(st.AftermathRuns))
		ch <- prometheus.MustNewConstMetric(c.digitsReceivedDesc, prometheus.CounterValue, float64(st.DigitsReceived))

		current := c.calls.State()
		for _, state := range callStates {
			val := 0.0
			if state == current {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.callStateDesc, prometheus.GaugeValue, val, state)
		}
	}

	if c.digits != nil {
		st := c.digits.Stats()
		ch <- prometheus.MustNewConstMetric(c.digitsDesc, prometheus.CounterValue, float64(st.Dispatched), "dispatched")
		ch <- prometheus.MustNewConstMetric(c.digitsDesc, prometheus.CounterValue, float64(st.Dropped), "dropped")
		ch <- prometheus.MustNewConstMetric(c.digitsDesc, prometheus.CounterValue, float64(st.Failed), "failed")
	}

	if c.sip != nil {
		st := c.sip.Stats()
		ch <- prometheus.MustNewConstMetric(c.invitesDesc, prometheus.CounterValue, float64(st.InvitesReceived))
		ch <- prometheus.MustNewConstMetric(c.invitesRejectedDesc, prometheus.CounterValue, float64(st.InvitesRejected))
		ch <- prometheus.MustNewConstMetric(c.rateLimitedDesc, prometheus.CounterValue, float64(st.RateLimited))
		ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(st.ActiveCalls))
		ch <- prometheus.MustNewConstMetric(c.rtpPortsDesc, prometheus.GaugeValue, float64(st.RTPPortsInUse))

		reg := c.sip.Registration()
		val := 0.0
		if reg.Status == sip.RegistrationRegistered {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.registrationDesc, prometheus.GaugeValue, val, reg.AOR, string(reg.Status))
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
