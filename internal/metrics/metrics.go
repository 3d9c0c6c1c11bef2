package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"route", "method"},
	)

	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds until response headers",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// outcome: success, unauthorized, rate_limited, banned, failure, exhausted, relogin_failed
	ExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_exchanges_total",
			Help: "Chat exchanges by outcome",
		},
		[]string{"outcome"},
	)
	FailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pool_failovers_total",
			Help: "Number of times a request moved to another account after a rate limit",
		},
	)
	Accounts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_accounts",
			Help: "Accounts in the pool by status",
		},
		[]string{"status"},
	)
	EligibleAccounts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_eligible_accounts",
			Help: "Accounts currently taking part in rotation",
		},
	)
	SweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_sweeps_total",
			Help: "Periodic health sweeps by result",
		},
		[]string{"result"},
	)
	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_registrations_total",
			Help: "Account registrations by result",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

// Register 注册到默认 registry，可重复调用
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			UpstreamRequestDuration,
			ExchangesTotal,
			FailoversTotal,
			Accounts,
			EligibleAccounts,
			SweepsTotal,
			RegistrationsTotal,
		)
	})
}
