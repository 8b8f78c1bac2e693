package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Realtime channel metrics
	ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_channels_active",
		Help: "The current number of open realtime channels.",
	})
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_connect_attempts_total",
		Help: "The total number of realtime connection attempts.",
	}, []string{"result"})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_reconnects_scheduled_total",
		Help: "The total number of automatic reconnects scheduled.",
	})
	ChannelsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_channels_failed_total",
		Help: "The total number of channels that exhausted their reconnect attempts.",
	})
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_frames_received_total",
		Help: "The total number of realtime frames received, by event.",
	}, []string{"event"})
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_frames_sent_total",
		Help: "The total number of realtime frames written, by event.",
	}, []string{"event"})
	SendOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_sends_total",
		Help: "The total number of outbound chat messages, by outcome.",
	}, []string{"outcome"})

	// Synchronizer metrics
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_dropped_total",
		Help: "The total number of inbound events dropped, by reason.",
	}, []string{"reason"})
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_cache_evictions_total",
		Help: "The total number of messages evicted from channel caches.",
	})

	// Session and HTTP metrics
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_token_refreshes_total",
		Help: "The total number of token refreshes, by result.",
	}, []string{"result"})
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_http_request_duration_seconds",
		Help:    "Duration of REST calls made by the request executor.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})

	// Auth Metrics (development backend)
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_success_total",
		Help: "The total number of successful authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"reason"})
)

// StartServer starts the HTTP server for Prometheus metrics. The returned
// server can be shut down by the caller.
func StartServer(port int, path string, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("starting metrics server", "addr", addr, "path", path)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	return srv
}
