package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openkit-go/openkit/common/log"
)

var (
	// PrivateMetrics holds every metric the agent emits about itself.
	PrivateMetrics = prometheus.NewRegistry()
	// CacheMetrics is the subset concerning the beacon cache and its evictor.
	CacheMetrics = prometheus.NewRegistry()
	// SendingMetrics is the subset concerning the sender state machine and
	// outbound HTTP calls.
	SendingMetrics = prometheus.NewRegistry()
	// SessionMetrics is the subset concerning active sessions and the
	// session watchdog.
	SessionMetrics = prometheus.NewRegistry()

	// CacheSizeBytes is the current total accounted size of the beacon
	// cache, across all keys.
	CacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "openkit_cache_size_bytes",
		Help: "Current total accounted size of the beacon cache, in bytes.",
	})

	// CacheEntries is the number of distinct beacon keys buffered.
	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "openkit_cache_entries",
		Help: "Number of distinct beacon cache keys currently buffered.",
	})

	// RecordsAdded counts records appended to the cache, by kind (event/action).
	RecordsAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "openkit_cache_records_added_total",
		Help: "Number of records appended to the beacon cache.",
	}, []string{"kind"})

	// EvictionsTime counts records dropped by the age-based eviction pass.
	EvictionsTime = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "openkit_cache_time_evictions_total",
		Help: "Number of records dropped because they exceeded the maximum record age.",
	})

	// EvictionsSpace counts records dropped by the space-based eviction pass.
	EvictionsSpace = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "openkit_cache_space_evictions_total",
		Help: "Number of records dropped to bring the cache back under its lower memory bound.",
	})

	// SenderState is the current beacon sender state machine state.
	// 0=Init, 1=CaptureOn, 2=CaptureOff, 3=Flush, 4=Terminal.
	SenderState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "openkit_sender_state",
		Help: "Current beacon sender state (0=Init,1=CaptureOn,2=CaptureOff,3=Flush,4=Terminal).",
	})

	// HTTPCallCounter counts calls made to the ingest endpoints, by request
	// kind and response status class.
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "openkit_http_call_total",
		Help: "Number of HTTP calls made to the ingest endpoint.",
	}, []string{"request", "code"})

	// HTTPLatency histograms latency of calls to the ingest endpoint.
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openkit_http_request_duration_seconds",
		Help:    "A histogram of request latencies to the ingest endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"request"})

	// ChunksSent counts beacon chunks successfully delivered.
	ChunksSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "openkit_chunks_sent_total",
		Help: "Number of beacon chunks successfully sent.",
	})

	// SessionsActive is the number of sessions currently tracked by the
	// sending context.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "openkit_sessions_active",
		Help: "Number of sessions currently tracked by the sending context.",
	})

	// SessionsSplit counts session splits, labeled by trigger (events,
	// idle, duration).
	SessionsSplit = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "openkit_sessions_split_total",
		Help: "Number of session splits, by trigger.",
	}, []string{"trigger"})

	// WatchdogQueueDepth tracks the depth of the watchdog's pending queues.
	WatchdogQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "openkit_watchdog_queue_depth",
		Help: "Depth of the session watchdog pending queues.",
	}, []string{"queue"})

	metricsBound sync.Once
)

func bindMetrics(l log.Logger) {
	if err := PrivateMetrics.Register(collectors.NewGoCollector()); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "goCollector", "err", err)
		return
	}
	if err := PrivateMetrics.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "processCollector", "err", err)
		return
	}

	cache := []prometheus.Collector{
		CacheSizeBytes,
		CacheEntries,
		RecordsAdded,
		EvictionsTime,
		EvictionsSpace,
	}
	for _, c := range cache {
		if err := CacheMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "cache", "err", err)
			return
		}
		if err := PrivateMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "cache", "err", err)
			return
		}
	}

	sending := []prometheus.Collector{
		SenderState,
		HTTPCallCounter,
		HTTPLatency,
		ChunksSent,
	}
	for _, c := range sending {
		if err := SendingMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "sending", "err", err)
			return
		}
		if err := PrivateMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "sending", "err", err)
			return
		}
	}

	session := []prometheus.Collector{
		SessionsActive,
		SessionsSplit,
		WatchdogQueueDepth,
	}
	for _, c := range session {
		if err := SessionMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "session", "err", err)
			return
		}
		if err := PrivateMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "session", "err", err)
			return
		}
	}
}

// Start starts a Prometheus metrics server serving /metrics and /healthz
// over a chi router wrapped in gorilla/handlers logging and panic-recovery
// middleware. If metricsBind has no host part it is bound to localhost.
func Start(logger log.Logger, metricsBind string) net.Listener {
	logger.Infow("metrics starting", "desired_addr", metricsBind)

	metricsBound.Do(func() {
		bindMetrics(logger)
	})

	if !strings.Contains(metricsBind, ":") {
		metricsBind = "127.0.0.1:" + metricsBind
	}
	//nolint:noctx
	l, err := net.Listen("tcp", metricsBind)
	if err != nil {
		logger.Warnw("", "metrics", "listen failed", "err", err)
		return nil
	}
	logger.Infow("metric listener started", "addr", l.Addr())

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/debug/gc", func(w http.ResponseWriter, _ *http.Request) {
		runtime.GC()
		fmt.Fprint(w, "GC run complete")
	})

	accessLog := handlers.CombinedLoggingHandler(accessLogWriter{logger}, r)
	wrapped := handlers.RecoveryHandler()(accessLog)

	s := http.Server{Addr: l.Addr().String(), ReadHeaderTimeout: 3 * time.Second, Handler: wrapped}
	go func() {
		logger.Warnw("", "metrics", "listen finished", "err", s.Serve(l))
	}()
	return l
}

// accessLogWriter adapts log.Logger to the io.Writer CombinedLoggingHandler
// writes its access log lines to.
type accessLogWriter struct {
	l log.Logger
}

func (w accessLogWriter) Write(p []byte) (int, error) {
	w.l.Debugw("access log", "line", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
