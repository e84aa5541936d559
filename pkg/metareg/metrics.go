package metareg

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meta_regression_fits_total",
			Help: "Total number of meta-regression fits performed.",
		},
	)

	fitsNonConvergedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meta_regression_nonconverged_total",
			Help: "Total number of fits that exhausted the REML iteration budget.",
		},
	)

	registered uint32
)

// RegisterMetrics registers and exposes Prometheus metrics on /metrics.
func RegisterMetrics(mux *http.ServeMux) {
	if atomic.CompareAndSwapUint32(&registered, 0, 1) {
		prometheus.MustRegister(fitsTotal, fitsNonConvergedTotal)
	}
	mux.Handle("/metrics", promhttp.Handler())
}

func recordFit(converged bool) {
	fitsTotal.Inc()
	if !converged {
		fitsNonConvergedTotal.Inc()
	}
}
