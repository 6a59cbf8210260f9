package mac

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mac_uplink_count",
		Help: "The number of transmitted uplink frames (per message type).",
	}, []string{"mType"})
	dc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mac_downlink_count",
		Help: "The number of received downlink frames (per receive slot and status).",
	}, []string{"slot", "status"})
	rtc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mac_rx_timeout_count",
		Help: "The number of receive windows closed without a frame (per receive slot).",
	}, []string{"slot"})
	dcr = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mac_duty_cycle_restricted_count",
		Help: "The number of uplinks delayed or rejected because of the duty-cycle.",
	})
	nc = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mac_nvm_change_count",
		Help: "The number of times the persistent state has changed.",
	})
	toa = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mac_uplink_time_on_air_seconds",
		Help:    "The time-on-air of the transmitted uplink frames.",
		Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3},
	})
)

func uplinkCounter(mType string) prometheus.Counter {
	return uc.With(prometheus.Labels{"mType": mType})
}

func downlinkCounter(slot RxSlot, status EventStatus) prometheus.Counter {
	return dc.With(prometheus.Labels{"slot": slot.String(), "status": status.String()})
}

func rxTimeoutCounter(slot RxSlot) prometheus.Counter {
	return rtc.With(prometheus.Labels{"slot": slot.String()})
}

func dutyCycleRestrictedCounter() prometheus.Counter {
	return dcr
}

func nvmChangeCounter() prometheus.Counter {
	return nc
}

func timeOnAirHistogram() prometheus.Observer {
	return toa
}
