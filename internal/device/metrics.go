package device

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/brocaar/chirpstack-device-mac/internal/mac"
)

var (
	jc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_join_count",
		Help: "The number of join attempts (per status).",
	}, []string{"status"})
	uc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_uplink_count",
		Help: "The number of uplink requests (per type and status).",
	}, []string{"type", "status"})
	dc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_downlink_count",
		Help: "The number of received downlinks carrying data.",
	}, []string{"multicast"})
)

func joinCounter(status string) prometheus.Counter {
	return jc.With(prometheus.Labels{"status": status})
}

func uplinkCounter(typ mac.McpsType, status string) prometheus.Counter {
	return uc.With(prometheus.Labels{"type": typ.String(), "status": status})
}

func downlinkCounter(multicast bool) prometheus.Counter {
	return dc.With(prometheus.Labels{"multicast": strconv.FormatBool(multicast)})
}
