package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var completionDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "anima_provider_completion_duration_seconds",
	Help:    "duration in seconds of reasoning provider completions",
	Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
}, []string{"provider"})

var completionTokensCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anima_provider_tokens_total",
	Help: "counter of tokens charged against the budget by provider completions",
}, []string{"provider"})
