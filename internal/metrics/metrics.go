// Package metrics holds the Prometheus collectors for the prompt pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promptsSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "partypix_prompts_submitted_total",
			Help: "Total number of prompts accepted from guests",
		},
	)

	promptTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partypix_prompt_transitions_total",
			Help: "Prompt status transitions by target status",
		},
		[]string{"status"},
	)

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partypix_dispatch_total",
			Help: "Dispatch decisions for pending prompts by outcome",
		},
		[]string{"outcome"},
	)

	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partypix_generation_duration_seconds",
			Help:    "Image generation duration in seconds, provider call through storage",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"provider", "outcome"},
	)

	feedFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partypix_feed_fetches_total",
			Help: "Change feed fetches by table and outcome",
		},
		[]string{"table", "outcome"},
	)

	feedEventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partypix_feed_events_dropped_total",
			Help: "Change events dropped because a subscriber buffer was full",
		},
		[]string{"table"},
	)

	queueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partypix_queue_messages_total",
			Help: "Dispatch queue messages by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)
)

func PromptSubmitted() {
	promptsSubmittedTotal.Inc()
}

func PromptTransition(status string) {
	promptTransitionsTotal.WithLabelValues(status).Inc()
}

// Dispatch records a dispatch decision such as "dispatched" or "skipped_claimed".
func Dispatch(outcome string) {
	dispatchTotal.WithLabelValues(outcome).Inc()
}

func ObserveGeneration(provider, outcome string, d time.Duration) {
	generationDuration.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

func FeedFetch(table string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	feedFetchesTotal.WithLabelValues(table, outcome).Inc()
}

func FeedEventDropped(table string) {
	feedEventsDroppedTotal.WithLabelValues(table).Inc()
}

func QueueMessage(direction, outcome string) {
	queueMessagesTotal.WithLabelValues(direction, outcome).Inc()
}
