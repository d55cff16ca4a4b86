package license

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	trialsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "noxlic_trials_issued_total",
		Help: "Trial licenses auto-issued by the protocol.",
	})

	activationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noxlic_activations_total",
		Help: "License activation attempts by outcome.",
	}, []string{"outcome"})

	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noxlic_checks_total",
		Help: "License status checks by resulting status.",
	}, []string{"status"})

	staleRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "noxlic_stale_record_retries_total",
		Help: "Protocol retries caused by concurrent record writes.",
	})
)
