package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shavsss/wordstream/internal/syncerr"
)

const (
	contractStrict  = "strict"
	contractLenient = "lenient"

	outcomeSuccess = "success"

	reasonError         = "error"
	reasonAuthExhausted = "auth_exhausted"
	reasonRefreshFailed = "refresh_failed"
)

var (
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wordstream_retry_attempts_total",
			Help: "Remote operation invocations by retry contract and outcome",
		},
		[]string{"contract", "outcome"},
	)

	fallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wordstream_retry_fallbacks_total",
			Help: "Lenient operations that returned their fallback value",
		},
		[]string{"reason"},
	)
)

func outcomeFor(kind syncerr.Kind) string {
	return kind.String()
}

func observeAttempt(contract, outcome string) {
	attemptsTotal.WithLabelValues(contract, outcome).Inc()
}

func observeFallback(reason string) {
	fallbacksTotal.WithLabelValues(reason).Inc()
}
