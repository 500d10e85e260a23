package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for token lifecycle operations.
var (
	tokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiclient_token_refresh_total",
		Help: "Total refresh exchanges by result",
	}, []string{"result"})

	loginTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiclient_logins_total",
		Help: "Total login exchanges by result",
	}, []string{"result"})

	logoutNotifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiclient_logout_notifications_total",
		Help: "Total best-effort logout notifications by result",
	}, []string{"result"})
)
