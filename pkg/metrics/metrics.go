package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TradesClaimed counts trades moved from NEW to CLAIMED by this process
var TradesClaimed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradesentry_trades_claimed_total",
		Help: "Total number of trades claimed for risk assessment",
	},
)

// TradesProcessed counts committed decisions by classification
var TradesProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradesentry_trades_processed_total",
		Help: "Total number of trades classified and committed",
	},
	[]string{"classification"},
)

// TradesFailed counts trades moved to FAILED by error kind
var TradesFailed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradesentry_trades_failed_total",
		Help: "Total number of trades that could not be classified",
	},
	[]string{"kind"},
)

// TradesReclaimed counts stale claims returned to NEW
var TradesReclaimed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradesentry_trades_reclaimed_total",
		Help: "Total number of stale claims returned to the NEW state",
	},
)

// PollErrors counts poll iterations aborted by transient errors
var PollErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradesentry_poll_errors_total",
		Help: "Total number of poll iterations aborted by store errors",
	},
	[]string{"stage"},
)

// BatchLatency records the time to claim and process one batch
var BatchLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tradesentry_batch_duration_seconds",
		Help:    "Latency in seconds to claim, classify and persist a batch",
		Buckets: prometheus.DefBuckets,
	},
)

// RiskScores records the distribution of committed numeric risk scores
var RiskScores = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tradesentry_risk_score",
		Help:    "Distribution of committed numeric risk scores",
		Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	},
)

// ReferenceReloads counts reference data reload attempts by result
var ReferenceReloads = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradesentry_refdata_reloads_total",
		Help: "Total number of reference data reload attempts",
	},
	[]string{"result"},
)

// AlertsPublished counts alert fan-out attempts by result
var AlertsPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradesentry_alerts_published_total",
		Help: "Total number of alerts handed to the external alert sink",
	},
	[]string{"result"},
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradesentry_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradesentry_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradesentry_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(TradesClaimed, TradesProcessed, TradesFailed, TradesReclaimed)
	prometheus.MustRegister(PollErrors, BatchLatency, RiskScores, ReferenceReloads, AlertsPublished)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
