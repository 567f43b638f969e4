package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FileUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharezone_file_uploaded_total",
		Help: "no. of files uploaded",
	})
	FileDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharezone_file_downloaded_total",
		Help: "no. of files downloaded",
	})
	ShareCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharezone_share_created_total",
		Help: "no. of share links created",
	})
	ShareAccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharezone_share_access_total",
			Help: "share access attempts by outcome",
		},
		[]string{"outcome"},
	)
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharezone_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharezone_cache_misses_total",
		Help: "no. of cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharezone_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharezone_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharezone_encryption_operations_total",
			Help: "no. of encryption/decryption operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharezone_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
