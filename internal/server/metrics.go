package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	loginOutcomeSuccess = "success"
	loginOutcomeFailure = "failure"

	loginMethodPassword = "password"
)

type metrics struct {
	tokensIssued      *prometheus.CounterVec
	logins            *prometheus.CounterVec
	refreshTokenReuse prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdms_idp_tokens_issued_total",
			Help: "Token endpoint responses issued, by grant type",
		}, []string{"grant_type"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdms_idp_logins_total",
			Help: "Login attempts, by method and outcome",
		}, []string{"method", "outcome"}),
		refreshTokenReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sdms_idp_refresh_token_reuse_total",
			Help: "Refresh tokens presented after rotation, each revoking its family",
		}),
	}
	reg.MustRegister(m.tokensIssued, m.logins, m.refreshTokenReuse)
	return m
}

func (m *metrics) login(method, outcome string) {
	m.logins.WithLabelValues(method, outcome).Inc()
}
