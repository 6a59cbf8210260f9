package amqp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radio_amqp_event_count",
		Help: "The number of events published by the AMQP radio transport (per event type).",
	}, []string{"event"})

	cc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radio_amqp_command_count",
		Help: "The number of commands received by the AMQP radio transport (per command).",
	}, []string{"command"})
)

func amqpEventCounter(e string) prometheus.Counter {
	return ec.With(prometheus.Labels{"event": e})
}

func amqpCommandCounter(c string) prometheus.Counter {
	return cc.With(prometheus.Labels{"command": c})
}
