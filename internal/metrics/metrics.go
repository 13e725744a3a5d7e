package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var totalTokens atomic.Int64

// Generation modes.
const (
	ModeBlocking  = "blocking"
	ModeStreaming = "streaming"
)

// Generation outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeTruncated = "truncated"
	OutcomeCancelled = "cancelled"
)

var (
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fingemma_generations_total",
		Help: "Generation calls by mode and outcome",
	}, []string{"mode", "outcome"})

	GenerationTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fingemma_generation_tokens_total",
		Help: "The total number of tokens generated",
	})

	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fingemma_generation_duration_seconds",
		Help:    "Wall time of a generation call",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"mode"})

	TokensPerSecond = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fingemma_tokens_per_second",
		Help:    "Throughput observed at the end of each generation",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
	})

	MarkerTruncations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fingemma_marker_truncations_total",
		Help: "Outputs cut at a turn-boundary marker",
	})

	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fingemma_active_streams",
		Help: "Streaming generations in flight",
	})

	ChatSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fingemma_chat_sessions_active",
		Help: "Browser chat sessions held in memory",
	})

	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fingemma_websocket_connections_active",
		Help: "Number of active WebSocket connections",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fingemma_http_requests_total",
		Help: "HTTP requests by path, method and status",
	}, []string{"path", "method", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fingemma_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	ModelLoadDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fingemma_model_load_seconds",
		Help: "Time taken to make the model ready",
	})

	ModelInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fingemma_model_info",
		Help: "Always 1; labels describe the served model",
	}, []string{"backend", "model", "device", "local"})
)

// RecordGeneration records one finished generation call.
func RecordGeneration(mode, outcome string, tokens int, duration time.Duration) {
	GenerationsTotal.WithLabelValues(mode, outcome).Inc()
	GenerationDuration.WithLabelValues(mode).Observe(duration.Seconds())
	if tokens > 0 {
		GenerationTokensTotal.Add(float64(tokens))
		totalTokens.Add(int64(tokens))
		if s := duration.Seconds(); s > 0 {
			TokensPerSecond.Observe(float64(tokens) / s)
		}
	}
	if outcome == OutcomeTruncated {
		MarkerTruncations.Inc()
	}
}

// TotalTokens is the number of tokens generated since start.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordHTTPRequest(path, method string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(path).Observe(duration.Seconds())
}

func RecordModelLoad(backend, model, device string, local bool, duration time.Duration) {
	ModelLoadDuration.Set(duration.Seconds())
	ModelInfo.WithLabelValues(backend, model, device, strconv.FormatBool(local)).Set(1)
}

// Serve exposes /metrics on its own listener until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
