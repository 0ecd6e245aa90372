package account

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "account_registrations_total",
			Help: "Registration attempts by result",
		},
		[]string{"result"},
	)

	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "account_code_verifications_total",
			Help: "Email and phone code verifications by result",
		},
		[]string{"purpose", "result"},
	)

	codesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "account_codes_sent_total",
			Help: "Verification codes handed to the notifier",
		},
		[]string{"channel", "result"},
	)

	secondFactorTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "account_second_factor_total",
			Help: "Second factor checks by method and result",
		},
		[]string{"method", "result"},
	)

	loginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "account_logins_total",
			Help: "Login attempts by result",
		},
		[]string{"result"},
	)

	lockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "account_lockouts_total",
			Help: "Accounts locked after repeated second factor failures",
		},
	)
)
