// Package metrics defines the server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mensi/githttpd/internal/ioflow"
)

var (
	// RequestsTotal counts finished requests by service and outcome. The
	// code label carries the HTTP status, or "aborted" for responses cut
	// off after their status line went out.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "githttpd_requests_total",
		Help: "Requests served, by service and HTTP status code.",
	}, []string{"service", "code"})

	// RequestsInFlight gauges requests currently being served.
	RequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "githttpd_requests_in_flight",
		Help: "Requests currently being served.",
	})

	// ProcessFailures counts service processes that exited nonzero,
	// produced no output, or could not be spawned.
	ProcessFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "githttpd_process_failures_total",
		Help: "Service process invocations that failed.",
	}, []string{"service"})

	// BytesTransferred counts payload bytes moved between clients and
	// service processes or the object store.
	BytesTransferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "githttpd_bytes_transferred_total",
		Help: "Payload bytes moved, by direction relative to the server.",
	}, []string{"direction"})

	// LiveFragments gauges pooled transfer fragments currently in use,
	// the observable face of the bounded-memory guarantee.
	LiveFragments = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "githttpd_live_fragments",
		Help: "Pooled transfer fragments currently checked out.",
	}, func() float64 {
		return float64(ioflow.Live())
	})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		RequestsTotal,
		RequestsInFlight,
		ProcessFailures,
		BytesTransferred,
		LiveFragments,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
