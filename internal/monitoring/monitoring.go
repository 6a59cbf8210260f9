package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/config"
)

// Setup sets up the monitoring server. It is a no-op when no bind address
// has been configured.
func Setup(c config.Config) error {
	if c.Monitoring.Bind == "" {
		return nil
	}

	log.WithFields(log.Fields{
		"bind": c.Monitoring.Bind,
	}).Info("monitoring: setting up monitoring endpoint")

	server := http.Server{
		Handler: newMux(c),
		Addr:    c.Monitoring.Bind,
	}

	go func() {
		err := server.ListenAndServe()
		log.WithError(err).Error("monitoring: monitoring server error")
	}()

	return nil
}

func newMux(c config.Config) *http.ServeMux {
	mux := http.NewServeMux()

	if c.Monitoring.PrometheusEndpoint {
		log.WithFields(log.Fields{
			"endpoint": "/metrics",
		}).Info("monitoring: registering Prometheus endpoint")
		mux.Handle("/metrics", promhttp.Handler())
	}

	if c.Monitoring.HealthcheckEndpoint {
		log.WithFields(log.Fields{
			"endpoint": "/health",
		}).Info("monitoring: registering healthcheck endpoint")
		mux.HandleFunc("/health", healthCheckHandlerFunc)
	}

	return mux
}
