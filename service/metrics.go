package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "citadel",
		Name:      "decisions_total",
		Help:      "Protection decisions by outcome and reason.",
	}, []string{"outcome", "reason"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "citadel",
		Name:      "challenge_verifications_total",
		Help:      "Challenge verification attempts by type and result.",
	}, []string{"type", "result"})

	powPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "citadel",
		Name:      "pow_pool_size",
		Help:      "Pre-solved proof-of-work challenges currently stocked.",
	})
)
