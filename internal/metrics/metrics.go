package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshprov"

// Scan cache metrics
var (
	// ObservationsTotal tracks recorded advertisements by beacon kind
	ObservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_observations_total",
			Help:      "Total advertisement observations by beacon kind",
		},
		[]string{"kind"},
	)

	// CacheEntries tracks current entries per pool
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scan_cache_entries",
			Help:      "Current scan cache entries by pool",
		},
		[]string{"pool"},
	)

	// CacheEvictionsTotal tracks entries removed by a sweep
	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_cache_evictions_total",
			Help:      "Total scan cache entries evicted by age, by pool",
		},
		[]string{"pool"},
	)

	// CacheSweepsTotal tracks sweep passes over both pools
	CacheSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_cache_sweeps_total",
			Help:      "Total scan cache sweeps",
		},
	)
)

// Provisioning session metrics
var (
	// SessionTransitionsTotal tracks applied transitions by target state
	SessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Total provisioning session state transitions by new state",
		},
		[]string{"state"},
	)

	// SessionInvalidTransitionsTotal tracks events rejected by the state machine
	SessionInvalidTransitionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_invalid_transitions_total",
			Help:      "Total events rejected by the provisioning state machine",
		},
	)

	// SessionResultsTotal tracks finished sessions by terminal state
	SessionResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_results_total",
			Help:      "Total finished provisioning sessions by terminal state",
		},
		[]string{"state"},
	)

	// SessionReconnectsTotal tracks automatic reconnect attempts
	SessionReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reconnects_total",
			Help:      "Total automatic reconnect attempts while connecting",
		},
	)

	// SessionDuration tracks time from start to terminal state
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Provisioning session duration in seconds by terminal state",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"state"},
	)
)

// Fast-provisioning matcher metrics
var (
	// MatcherPassesTotal tracks node pool scans
	MatcherPassesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fastprov_matcher_passes_total",
			Help:      "Total node pool passes made by the identity matcher",
		},
	)

	// MatcherMatchesTotal tracks confirmed node identities
	MatcherMatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fastprov_matcher_matches_total",
			Help:      "Total node identities confirmed by the identity matcher",
		},
	)

	// MatcherActive tracks running match tasks
	MatcherActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fastprov_matcher_active",
			Help:      "Number of running identity match tasks",
		},
	)
)

// BLE radio metrics
var (
	// ScanFailuresTotal tracks radio scans that failed to start or aborted
	ScanFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ble_scan_failures_total",
			Help:      "Total BLE scan failures",
		},
	)

	// RadioEnabled is 1 while the BLE radio reports enabled
	RadioEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ble_radio_enabled",
			Help:      "Whether the BLE radio is enabled (1) or disabled (0)",
		},
	)
)
