package metrics

import (
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "object_persistor"

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var streamLabels = []string{"metric", "container", "status"}

var (
	StreamBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stream_bytes",
		Help:      "Bytes transferred per observed stream.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	}, streamLabels)
	StreamSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stream_seconds",
		Help:      "Wall clock time from stream creation to end or error.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, streamLabels)
	StreamFirstByteSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stream_first_byte_seconds",
		Help:      "Wall clock time from stream creation to the first byte.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, streamLabels)
	Md5Downloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "md5_download_total",
		Help:      "Objects re-read to compute an MD5 the backend could not report.",
	}, []string{"backend"})
	CopyOnMiss = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "copy_on_miss_total",
		Help:      "Background copies from the fallback into the primary, by outcome.",
	}, []string{"status"})
)

var initOnce sync.Once

// Init registers collectors; call once from main. Repeated calls are no-ops.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(StreamBytes, StreamSeconds, StreamFirstByteSeconds, Md5Downloads, CopyOnMiss)
	})
}

// Serve starts a /metrics server on the given addr (e.g., ":9090"). Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}

// AddrFromEnv returns listen address from METRICS_ADDR or default ":9090".
func AddrFromEnv() string {
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		return v
	}
	return ":9090"
}
