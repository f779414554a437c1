// Package metrics holds the Prometheus collectors exported by the server.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_inbox_connection_total",
			Help: "Incoming SMTP connections.",
		},
		[]string{
			"tls", // "yes" or "no"
		},
	)
	Replies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_inbox_reply_total",
			Help: "SMTP replies sent, by reply code.",
		},
		[]string{
			"code",
		},
	)
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_inbox_delivery_total",
			Help: "Per-recipient routing results. Result values: local, forward, reject, error.",
		},
		[]string{
			"result",
		},
	)
	HandoffDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smtp_inbox_handoff_duration_seconds",
			Help:    "Time spent routing an accepted message.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30},
		},
	)
)

// ObserveReply counts one reply code.
func ObserveReply(code int) {
	Replies.WithLabelValues(strconv.Itoa(code)).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
