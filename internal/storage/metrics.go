package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_nvm_save_count",
		Help: "The number of NVM save operations (per backend).",
	}, []string{"backend"})

	lc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_nvm_load_count",
		Help: "The number of NVM load operations (per backend).",
	}, []string{"backend"})
)

func nvmSaveCounter(b string) prometheus.Counter {
	return sc.With(prometheus.Labels{"backend": b})
}

func nvmLoadCounter(b string) prometheus.Counter {
	return lc.With(prometheus.Labels{"backend": b})
}
