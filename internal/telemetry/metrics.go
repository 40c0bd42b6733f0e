package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quizroom"

var (
	answersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "answers_submitted_total",
		Help:      "Answers accepted, by correctness.",
	}, []string{"correct"})

	storeTxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_tx_retries_total",
		Help:      "Optimistic store transactions retried because the watched key changed.",
	}, []string{"kind"})

	feedWatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_watchers",
		Help:      "Sessions currently polled by the change feed.",
	})

	feedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_subscribers",
		Help:      "Open change feed subscriptions.",
	})

	feedTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_terminations_total",
		Help:      "Watchers stopped after exhausting read retries.",
	})
)

func AnswerSubmitted(correct bool) {
	answersSubmitted.WithLabelValues(strconv.FormatBool(correct)).Inc()
}

func StoreTxRetried(kind string) {
	storeTxRetries.WithLabelValues(kind).Inc()
}

func FeedWatcherStarted() { feedWatchers.Inc() }

func FeedWatcherStopped() { feedWatchers.Dec() }

func FeedSubscribed() { feedSubscribers.Inc() }

func FeedUnsubscribed() { feedSubscribers.Dec() }

func FeedTerminated() { feedTerminations.Inc() }
