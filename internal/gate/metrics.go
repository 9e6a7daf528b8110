package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики гейта.
var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ap_gate_decisions_total",
			Help: "Количество решений route guard по типу",
		},
		[]string{"decision"},
	)

	restoreTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ap_gate_restore_total",
			Help: "Результаты восстановления сессии при инициализации гейта",
		},
		[]string{"result"},
	)

	profileLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ap_gate_profile_loads_total",
			Help: "Результаты загрузки профилей",
		},
		[]string{"result"},
	)

	profileFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ap_gate_profile_fetch_duration_seconds",
			Help:    "Длительность запроса профиля к хранилищу в секундах",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeGates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ap_gate_active",
			Help: "Количество активных гейтов (по одному на viewer)",
		},
	)
)
