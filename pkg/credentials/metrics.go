package credentials

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOps tracks store operations by backend, operation and result.
	StoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiclient_credential_store_ops_total",
			Help: "Total number of credential store operations",
		},
		[]string{"backend", "operation", "result"}, // result: "ok", "miss", "error"
	)
)

func observe(backend, operation string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case err == ErrNotFound:
		result = "miss"
	default:
		result = "error"
	}
	StoreOps.WithLabelValues(backend, operation, result).Inc()
}
