package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveRecords        = promauto.NewGauge(prometheus.GaugeOpts{Name: "socktls_active_records", Help: "Connections currently extended with a TLS record"})
	ConnectedDaemons     = promauto.NewGauge(prometheus.GaugeOpts{Name: "socktls_connected_daemons", Help: "Policy daemons currently reachable"})
	RelaysTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "socktls_relays_total", Help: "Relayed option calls by kind"}, []string{"kind"})
	RelayTimeoutTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "socktls_relay_timeout_total", Help: "Relayed calls that got no daemon answer in time"})
	StaleReportsTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "socktls_stale_reports_total", Help: "Daemon reports that matched no outstanding call"})
	ErrorsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "socktls_errors_total", Help: "Errors by type"}, []string{"type"})
	RelayDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "socktls_relay_duration_seconds", Help: "Time from notification to daemon answer", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14)})
)
