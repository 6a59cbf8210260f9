package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-device-mac/internal/adr"
	"github.com/brocaar/chirpstack-device-mac/internal/backend/radio"
	"github.com/brocaar/chirpstack-device-mac/internal/backend/radio/amqp"
	"github.com/brocaar/chirpstack-device-mac/internal/backend/radio/mqtt"
	"github.com/brocaar/chirpstack-device-mac/internal/config"
	"github.com/brocaar/chirpstack-device-mac/internal/device"
	"github.com/brocaar/chirpstack-device-mac/internal/framelog"
	"github.com/brocaar/chirpstack-device-mac/internal/mac"
	"github.com/brocaar/chirpstack-device-mac/internal/monitoring"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/chirpstack-device-mac/internal/timer"
)

var (
	virtualRadio *radio.Radio
	server       *device.Server
)

func run(cmd *cobra.Command, args []string) error {
	tasks := []func() error{
		setLogLevel,
		setSyslog,
		printStartMessage,
		setupMonitoring,
		setupStorage,
		setupADR,
		setupRadio,
		startDevice,
	}

	for _, t := range tasks {
		if err := t(); err != nil {
			log.Fatal(err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	exitChan := make(chan struct{})
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.WithField("signal", <-sigChan).Info("signal received")
	go func() {
		log.Warning("stopping chirpstack-device-mac")
		if err := server.Stop(); err != nil {
			log.Fatal(err)
		}
		if err := virtualRadio.Close(); err != nil {
			log.Fatal(err)
		}
		adr.Close()
		exitChan <- struct{}{}
	}()
	select {
	case <-exitChan:
	case s := <-sigChan:
		log.WithField("signal", s).Info("signal received, stopping immediately")
	}

	return nil
}

func setLogLevel() error {
	log.SetLevel(log.Level(uint8(config.C.General.LogLevel)))
	return nil
}

func printStartMessage() error {
	log.WithFields(log.Fields{
		"version": version,
		"dev_eui": config.C.Device.DevEUI,
		"region":  config.C.Region.Name,
		"docs":    "https://www.chirpstack.io/",
	}).Info("starting ChirpStack Device MAC")
	return nil
}

func setupMonitoring() error {
	if err := monitoring.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup monitoring error")
	}
	return nil
}

func setupStorage() error {
	if err := storage.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup storage error")
	}
	return nil
}

func setupADR() error {
	if err := adr.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup adr error")
	}
	return nil
}

func setupRadio() error {
	var t radio.Transport
	var err error

	switch config.C.Radio.Backend {
	case "mqtt":
		t, err = mqtt.NewBackend(config.C)
	case "amqp":
		t, err = amqp.NewBackend(config.C)
	default:
		return errors.Errorf("unexpected radio backend: %s", config.C.Radio.Backend)
	}
	if err != nil {
		return errors.Wrap(err, "new radio backend error")
	}

	virtualRadio = radio.New(radio.Config{
		GatewayID: config.C.Radio.GatewayID,
		RSSI:      int(config.C.Radio.RSSI),
		SNR:       float64(config.C.Radio.SNR),
	}, timer.SystemClock{}, t)

	return nil
}

func startDevice() error {
	store, err := storage.NewStore(config.C)
	if err != nil {
		return errors.Wrap(err, "new nvm store error")
	}

	var r mac.Radio = virtualRadio
	if config.C.FrameLog.Enabled {
		r = framelog.NewRadio(r, config.C.Device.DevEUI)
	}

	server, err = device.NewServer(config.C, timer.SystemClock{}, r, store)
	if err != nil {
		return errors.Wrap(err, "new device server error")
	}

	if err := server.Start(); err != nil {
		return errors.Wrap(err, "start device server error")
	}

	return nil
}
