// Package metrics holds the Prometheus collectors shared by the server
// components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "focusroom_stream_connections",
			Help: "Number of open push connections",
		})

	StreamPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusroom_stream_pushes_total",
			Help: "Number of events pushed to viewers, by kind",
		}, []string{"kind"})

	FeedTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusroom_feed_terminations_total",
			Help: "Number of change feed subscriptions terminated with an error",
		}, []string{"reason"})

	FeedResubscribes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusroom_feed_resubscribe_attempts_total",
			Help: "Number of change feed re-subscription attempts, by outcome",
		}, []string{"outcome"})

	Sweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusroom_lease_sweeps_total",
			Help: "Number of lease expiry sweeps, by outcome",
		}, []string{"outcome"})

	SeatsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "focusroom_lease_seats_expired_total",
			Help: "Number of seats released by the lease sweep",
		})

	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusroom_commands_total",
			Help: "Number of processed seat commands, by command and action",
		}, []string{"command", "action"})

	PushNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusroom_webpush_notifications_total",
			Help: "Number of web push deliveries, by outcome",
		}, []string{"outcome"})
)
