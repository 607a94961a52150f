package turn

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Reasons recorded by rtvoice_ignored_events_total.
const (
	reasonStaleGeneration     = "stale_generation"
	reasonStaleSession        = "stale_session"
	reasonStaleTimeout        = "stale_timeout"
	reasonInterruptedResponse = "interrupted_response"
	reasonRedundantConnected  = "redundant_connected"
	reasonInvalidTransition   = "invalid_transition"
)

type metrics struct {
	transitions *prometheus.CounterVec
	bargeIns    prometheus.Counter
	commits     prometheus.Counter
	discarded   prometheus.Counter
	ignored     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtvoice_state_transitions_total",
			Help: "Conversation state transitions.",
		}, []string{"from", "to"}),
		bargeIns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtvoice_barge_ins_total",
			Help: "Assistant responses interrupted by the user.",
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtvoice_commits_total",
			Help: "User turns committed with a response request.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtvoice_discarded_utterances_total",
			Help: "User turns that ended with no buffered audio.",
		}),
		ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtvoice_ignored_events_total",
			Help: "Inputs dropped without a state change, by reason.",
		}, []string{"reason"}),
	}

	var err error
	if m.transitions, err = register(reg, m.transitions); err != nil {
		return nil, err
	}
	if m.bargeIns, err = register(reg, m.bargeIns); err != nil {
		return nil, err
	}
	if m.commits, err = register(reg, m.commits); err != nil {
		return nil, err
	}
	if m.discarded, err = register(reg, m.discarded); err != nil {
		return nil, err
	}
	if m.ignored, err = register(reg, m.ignored); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing the collector already registered under the
// same descriptor so several controllers can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
