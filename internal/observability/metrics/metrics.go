// Package metrics registers the Prometheus collectors splinterd exposes,
// grounded on observability/metrics.go's lazily-initialised singleton
// registries (sync.Once + prometheus.MustRegister) adapted from JSON-RPC
// module/swap/payout metrics to circuit proposals, votes, handshakes, and
// two-phase-commit rounds.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AdminMetrics tracks the admin service front-end and C4 state machine.
type AdminMetrics struct {
	proposals   *prometheus.CounterVec
	votes       *prometheus.CounterVec
	submitErr   *prometheus.CounterVec
	twoPCRounds *prometheus.HistogramVec
	events      *prometheus.CounterVec
}

var (
	adminOnce sync.Once
	admin     *AdminMetrics

	authOnce sync.Once
	auth     *AuthMetrics

	registryOnce sync.Once
	registry     *RegistryMetrics
)

// Admin returns the singleton admin-service metrics registry.
func Admin() *AdminMetrics {
	adminOnce.Do(func() {
		admin = &AdminMetrics{
			proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "splinter",
				Subsystem: "admin",
				Name:      "proposals_total",
				Help:      "Count of circuit proposals submitted, segmented by proposal type and outcome.",
			}, []string{"proposal_type", "outcome"}),
			votes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "splinter",
				Subsystem: "admin",
				Name:      "votes_total",
				Help:      "Count of proposal votes cast, segmented by vote value.",
			}, []string{"vote"}),
			submitErr: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "splinter",
				Subsystem: "admin",
				Name:      "submit_errors_total",
				Help:      "Count of SubmitCircuitChange validation failures, segmented by error kind.",
			}, []string{"kind"}),
			twoPCRounds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "splinter",
				Subsystem: "admin",
				Name:      "two_phase_round_duration_seconds",
				Help:      "Latency distribution of two-phase commit rounds from proposal submission to accept/reject.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "splinter",
				Subsystem: "admin",
				Name:      "events_total",
				Help:      "Count of admin events appended to the store, segmented by event type.",
			}, []string{"event_type"}),
		}
		prometheus.MustRegister(admin.proposals, admin.votes, admin.submitErr, admin.twoPCRounds, admin.events)
	})
	return admin
}

// RecordProposal increments the proposal counter for a submitted/accepted/
// rejected circuit proposal.
func (m *AdminMetrics) RecordProposal(proposalType, outcome string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(orUnknown(proposalType), orUnknown(outcome)).Inc()
}

// RecordVote increments the vote counter for the supplied vote value.
func (m *AdminMetrics) RecordVote(vote string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(orUnknown(vote)).Inc()
}

// RecordSubmitError increments the submit-error counter for an error kind.
func (m *AdminMetrics) RecordSubmitError(kind string) {
	if m == nil {
		return
	}
	m.submitErr.WithLabelValues(orUnknown(kind)).Inc()
}

// ObserveTwoPCRound records the wall-clock duration of a 2PC round.
func (m *AdminMetrics) ObserveTwoPCRound(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.twoPCRounds.WithLabelValues(orUnknown(outcome)).Observe(d.Seconds())
}

// RecordEvent increments the admin event counter for an event type.
func (m *AdminMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(orUnknown(eventType)).Inc()
}

// AuthMetrics tracks the C1 authorization handshake.
type AuthMetrics struct {
	handshakes *prometheus.CounterVec
	failures   *prometheus.CounterVec
}

// Auth returns the singleton authorization-handshake metrics registry.
func Auth() *AuthMetrics {
	authOnce.Do(func() {
		auth = &AuthMetrics{
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "splinter",
				Subsystem: "auth",
				Name:      "handshakes_total",
				Help:      "Count of completed authorization handshakes, segmented by authorization type.",
			}, []string{"authorization_type"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "splinter",
				Subsystem: "auth",
				Name:      "handshake_failures_total",
				Help:      "Count of authorization handshake failures, segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(auth.handshakes, auth.failures)
	})
	return auth
}

// RecordHandshake increments the handshake counter for authorizationType.
func (m *AuthMetrics) RecordHandshake(authorizationType string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(orUnknown(authorizationType)).Inc()
}

// RecordFailure increments the handshake failure counter for reason.
func (m *AuthMetrics) RecordFailure(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(orUnknown(reason)).Inc()
}

// RegistryMetrics tracks C7 local/remote registry refresh activity.
type RegistryMetrics struct {
	refreshes *prometheus.CounterVec
}

// Registry returns the singleton registry-refresh metrics registry.
func Registry() *RegistryMetrics {
	registryOnce.Do(func() {
		registry = &RegistryMetrics{
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "splinter",
				Subsystem: "registry",
				Name:      "refreshes_total",
				Help:      "Count of remote registry refresh attempts, segmented by trigger and outcome.",
			}, []string{"trigger", "outcome"}),
		}
		prometheus.MustRegister(registry.refreshes)
	})
	return registry
}

// RecordRefresh increments the refresh counter for trigger ("automatic" or
// "forced") and outcome ("success" or "error").
func (m *RegistryMetrics) RecordRefresh(trigger string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.refreshes.WithLabelValues(orUnknown(trigger), outcome).Inc()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
