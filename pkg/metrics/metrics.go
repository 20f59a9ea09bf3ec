// Package metrics exposes session counters for Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	sessionsTotal  *prometheus.CounterVec
	activeSessions *prometheus.GaugeVec
	roundDuration  *prometheus.HistogramVec
	droppedTotal   *prometheus.CounterVec
	reshareTotal   *prometheus.CounterVec
)

func ensure() {
	once.Do(func() {
		sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpc",
			Subsystem: "guardian",
			Name:      "sessions_total",
			Help:      "Finished protocol sessions by operation and outcome",
		}, []string{"operation", "outcome"})
		activeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mpc",
			Subsystem: "guardian",
			Name:      "active_sessions",
			Help:      "Sessions currently waiting for round messages",
		}, []string{"operation"})
		roundDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mpc",
			Subsystem: "guardian",
			Name:      "round_duration_seconds",
			Help:      "Time from a round becoming current until its buffer completed",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation", "round"})
		droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpc",
			Subsystem: "guardian",
			Name:      "rejected_messages_total",
			Help:      "Round messages rejected by the session manager",
		}, []string{"reason"})
		reshareTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpc",
			Subsystem: "guardian",
			Name:      "reshare_outcomes_total",
			Help:      "Local reshare outcomes; aborted_after_stage means peers may hold the new version",
		}, []string{"outcome"})
	})
}

func SessionOpened(operation string) {
	ensure()
	activeSessions.WithLabelValues(operation).Inc()
}

// SessionFinished records a terminal session. outcome is "completed" or the abort reason.
func SessionFinished(operation, outcome string) {
	ensure()
	activeSessions.WithLabelValues(operation).Dec()
	sessionsTotal.WithLabelValues(operation, outcome).Inc()
}

func RoundCompleted(operation string, round int, took time.Duration) {
	ensure()
	roundDuration.WithLabelValues(operation, strconv.Itoa(round)).Observe(took.Seconds())
}

func MessageRejected(reason string) {
	ensure()
	droppedTotal.WithLabelValues(reason).Inc()
}

// Reshare outcomes. A guardian that staged its new share and then aborted may be the only one left on the old
// version, so the coordinator has to compare versions across guardians.
const (
	ReshareCommitted         = "committed"
	ReshareAborted           = "aborted"
	ReshareAbortedAfterStage = "aborted_after_stage"
)

func ReshareFinished(outcome string) {
	ensure()
	reshareTotal.WithLabelValues(outcome).Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	ensure()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	logger.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
