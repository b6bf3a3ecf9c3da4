package handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videogen_submissions_total",
			Help: "Total number of generation submissions by result.",
		},
		[]string{"result"},
	)

	cancellationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videogen_cancellations_total",
		Help: "Total number of generations cancelled by users.",
	})

	webhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videogen_webhooks_total",
			Help: "Total number of provider webhooks by prediction status and outcome.",
		},
		[]string{"status", "outcome"},
	)
)
