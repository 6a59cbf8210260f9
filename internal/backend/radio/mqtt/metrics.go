package mqtt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radio_mqtt_event_count",
		Help: "The number of events published by the MQTT radio transport (per event type).",
	}, []string{"event"})

	cc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radio_mqtt_command_count",
		Help: "The number of commands received by the MQTT radio transport (per command).",
	}, []string{"command"})

	mqttc = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radio_mqtt_connect_count",
		Help: "The number of times the MQTT radio transport connected to the MQTT broker.",
	})

	mqttd = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radio_mqtt_disconnect_count",
		Help: "The number of times the MQTT radio transport disconnected from the MQTT broker.",
	})
)

func mqttEventCounter(e string) prometheus.Counter {
	return ec.With(prometheus.Labels{"event": e})
}

func mqttCommandCounter(c string) prometheus.Counter {
	return cc.With(prometheus.Labels{"command": c})
}

func mqttConnectCounter() prometheus.Counter {
	return mqttc
}

func mqttDisconnectCounter() prometheus.Counter {
	return mqttd
}
