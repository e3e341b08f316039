// SPDX-License-Identifier: Apache-2.0

package sspi

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts handshake rounds, protection calls and buffer sets.  A nil
// *Metrics records nothing.
type Metrics struct {
	Rounds     *prometheus.CounterVec
	Protect    *prometheus.CounterVec
	BufferSets prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg.  A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sspi",
			Name:      "handshake_rounds_total",
			Help:      "Handshake legs processed, by provider, role and outcome.",
		}, []string{"provider", "role", "outcome"}),
		Protect: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sspi",
			Name:      "protect_operations_total",
			Help:      "Message protection calls, by provider, operation and outcome.",
		}, []string{"provider", "operation", "outcome"}),
		BufferSets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sspi",
			Name:      "buffer_sets_total",
			Help:      "Buffer sets handed to providers.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.Rounds, m.Protect, m.BufferSets} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) round(provider string, role Role, outcome string) {
	if m == nil {
		return
	}
	m.Rounds.WithLabelValues(provider, role.String(), outcome).Inc()
}

func (m *Metrics) protect(provider, op, outcome string) {
	if m == nil {
		return
	}
	m.Protect.WithLabelValues(provider, op, outcome).Inc()
}

func (m *Metrics) bufferSet() {
	if m == nil {
		return
	}
	m.BufferSets.Inc()
}

// outcomeOf names the result of a provider call for metric labels.
func outcomeOf(status Status, err error) string {
	switch {
	case err != nil:
		return "error"
	case status == StatusContinueNeeded:
		return "continue"
	default:
		return "ok"
	}
}
