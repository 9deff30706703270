package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Request outcomes used as the "outcome" label of bridge_requests_total.
const (
	OutcomeReplied        = "replied"
	OutcomeNoReplyAddress = "no_reply_address"
	OutcomeDecodeFailed   = "decode_failed"
	OutcomeEndpointFailed = "endpoint_failed"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_requests_total",
			Help: "Total number of broker requests handled, by outcome",
		},
		[]string{"outcome"},
	)

	brokerSessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_broker_sessions_total",
			Help: "Total number of broker sessions opened",
		},
	)
)

// RecordRequest counts one handled request.
func RecordRequest(outcome string) {
	requestsTotal.WithLabelValues(outcome).Inc()
}

// RecordBrokerSession counts one successfully opened broker session.
func RecordBrokerSession() {
	brokerSessionsTotal.Inc()
}

// RequestsCounter returns the counter for an outcome (for testing)
func RequestsCounter(outcome string) prometheus.Counter {
	return requestsTotal.WithLabelValues(outcome)
}

// ResetMetrics resets the request counters (for testing)
func ResetMetrics() {
	requestsTotal.Reset()
}

// Serve exposes the default registry on /metrics until ctx is done.
func Serve(ctx context.Context, port int, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Serving metrics on %s/metrics", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
