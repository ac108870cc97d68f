package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TCPConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trail_tcp_connections_total",
		Help: "Accepted TCP connections",
	})
	HandshakeOK = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trail_handshake_ok_total",
		Help: "Successful IMEI handshakes",
	})
	PacketsRecv = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trail_packets_received_total",
		Help: "AVL packets received (frames)",
	})
	RecordsAck = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trail_records_ack_total",
		Help: "AVL records acknowledged to the device",
	})
	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trail_parse_errors_total",
		Help: "Codec 8 / 8E parse errors",
	})
	ParseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trail_parse_latency_seconds",
		Help:    "Parse latency per frame",
		Buckets: prometheus.DefBuckets,
	})

	InvalidSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trail_invalid_samples_total",
		Help: "Samples rejected before buffering",
	}, []string{"source"})
	BufferedSamples = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trail_buffered_samples",
		Help: "Samples waiting in the dispatch buffer",
	}, []string{"device"})
	CyclesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trail_cycles_sent_total",
		Help: "Cycles accepted by the uplink",
	}, []string{"device"})
	EntriesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trail_entries_sent_total",
		Help: "Entries accepted by the uplink",
	}, []string{"device"})
	UplinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trail_uplink_failures_total",
		Help: "Failed cycle deliveries",
	}, []string{"device"})
	RequeuedSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trail_requeued_samples_total",
		Help: "Samples pushed back to the buffer after a failed delivery",
	}, []string{"device"})
	UplinkLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trail_uplink_latency_seconds",
		Help:    "Latency of one cycle delivery",
		Buckets: prometheus.DefBuckets,
	})

	FeedErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trail_feed_errors_total",
		Help: "Redis feed read or write errors",
	}, []string{"op"})
	SourceReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trail_playback_source_errors_total",
		Help: "Catch-up reads that failed and were treated as no new data",
	})
	SegmentsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trail_playback_segments_total",
		Help: "Segments animated by playback",
	})
	Viewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trail_ws_viewers",
		Help: "Open websocket playback sessions",
	})
)

// ForgetDevice drops the per-device series of an ended session.
func ForgetDevice(deviceID string) {
	BufferedSamples.DeleteLabelValues(deviceID)
	CyclesSent.DeleteLabelValues(deviceID)
	EntriesSent.DeleteLabelValues(deviceID)
	UplinkFailures.DeleteLabelValues(deviceID)
	RequeuedSamples.DeleteLabelValues(deviceID)
}

func ObserveParseLatency(start time.Time) {
	ParseLatency.Observe(time.Since(start).Seconds())
}

func ObserveUplinkLatency(start time.Time) {
	UplinkLatency.Observe(time.Since(start).Seconds())
}

// MetricsHandler serves /metrics and /healthz.
func MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// StartMetricsServer blocks serving metrics on port until ctx ends.
func StartMetricsServer(ctx context.Context, port string, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics: listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
