package radio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uc = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radio_uplink_count",
		Help: "The number of uplink frames published by the virtual radio.",
	})

	dc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radio_downlink_count",
		Help: "The number of downlink frames handled by the virtual radio (per outcome).",
	}, []string{"outcome"})
)

func uplinkCounter() prometheus.Counter {
	return uc
}

func downlinkCounter(o string) prometheus.Counter {
	return dc.With(prometheus.Labels{"outcome": o})
}
