package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// profileCacheTotal - обращения к кэшу профилей (hit, miss).
var profileCacheTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ap_profile_cache_total",
		Help: "Обращения к кэшу профилей по результату",
	},
	[]string{"result"},
)
