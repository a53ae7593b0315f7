// Package metrics exposes Prometheus collectors for tool dispatch, step-up challenges and voice sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/stepup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	DispatchTotal     *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	ChallengesTotal   *prometheus.CounterVec
	ChallengeDuration *prometheus.HistogramVec
	ChatTurnsTotal    *prometheus.CounterVec

	VoiceSessionsActive prometheus.Gauge
	VoiceSessionsTotal  *prometheus.CounterVec
}

// New creates the collectors under namespace, "bank_assistant" when empty.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "bank_assistant"
	}

	registry := prometheus.NewRegistry()

	dispatchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_dispatch_total",
			Help:      "Total number of dispatched tool calls",
		},
		[]string{"tool", "outcome"},
	)

	dispatchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_dispatch_duration_seconds",
			Help:      "Tool dispatch duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"tool"},
	)

	challengesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stepup_challenges_total",
			Help:      "Total number of step-up challenges by final state",
		},
		[]string{"action", "state"},
	)

	challengeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stepup_challenge_duration_seconds",
			Help:      "Time the user took to answer a step-up challenge",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"state"},
	)

	chatTurnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Total number of text turns by result",
		},
		[]string{"result"},
	)

	voiceSessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_sessions_active",
			Help:      "Number of active voice sessions",
		},
	)

	voiceSessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_sessions_total",
			Help:      "Total number of finished voice sessions",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		dispatchTotal,
		dispatchDuration,
		challengesTotal,
		challengeDuration,
		chatTurnsTotal,
		voiceSessionsActive,
		voiceSessionsTotal,
	)

	return &Metrics{
		registry:            registry,
		DispatchTotal:       dispatchTotal,
		DispatchDuration:    dispatchDuration,
		ChallengesTotal:     challengesTotal,
		ChallengeDuration:   challengeDuration,
		ChatTurnsTotal:      chatTurnsTotal,
		VoiceSessionsActive: voiceSessionsActive,
		VoiceSessionsTotal:  voiceSessionsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDispatch records a dispatched tool call.
func (m *Metrics) ObserveDispatch(tool, outcome string, elapsed time.Duration) {
	m.DispatchTotal.WithLabelValues(tool, outcome).Inc()
	m.DispatchDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// ObserveChallenge records the final state of a step-up challenge.
func (m *Metrics) ObserveChallenge(action string, state stepup.State, elapsed time.Duration) {
	m.ChallengesTotal.WithLabelValues(action, string(state)).Inc()
	m.ChallengeDuration.WithLabelValues(string(state)).Observe(elapsed.Seconds())
}

// ObserveTurn records a finished text turn; result is "ok" or "error".
func (m *Metrics) ObserveTurn(result string) {
	m.ChatTurnsTotal.WithLabelValues(result).Inc()
}

// VoiceSessionStarted records a voice session starting.
func (m *Metrics) VoiceSessionStarted() {
	m.VoiceSessionsActive.Inc()
}

// VoiceSessionEnded records a voice session ending.
func (m *Metrics) VoiceSessionEnded(failed bool) {
	m.VoiceSessionsActive.Dec()
	status := "ok"
	if failed {
		status = "failed"
	}
	m.VoiceSessionsTotal.WithLabelValues(status).Inc()
}
