// Package device runs the MAC engine of a single end-device: it activates
// the device, sends the periodic uplinks and persists the MAC state.
package device

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	iadr "github.com/brocaar/chirpstack-device-mac/internal/adr"
	"github.com/brocaar/chirpstack-device-mac/internal/band"
	"github.com/brocaar/chirpstack-device-mac/internal/config"
	"github.com/brocaar/chirpstack-device-mac/internal/crypto"
	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/chirpstack-device-mac/internal/mac"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/chirpstack-device-mac/internal/timer"
	"github.com/brocaar/lorawan"
)

// action defines the requests waiting for an idle engine.
type action int

const (
	actionJoin action = 1 << iota
	actionBeaconAcquisition
	actionUplink
)

// Server runs the MAC engine of the configured device.
type Server struct {
	conf    config.Config
	ctx     context.Context
	clock   timer.Clock
	engine  *mac.Engine
	store   storage.Store
	devEUI  lorawan.EUI64
	class   storage.DeviceClass
	payload []byte

	notifyChan chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup

	mu      sync.Mutex
	actions action

	joinTimer   *timer.Timer
	uplinkTimer *timer.Timer
}

// NewServer creates a new Server. The given radio is owned by the MAC
// engine of the server.
func NewServer(c config.Config, clock timer.Clock, radio mac.Radio, store storage.Store) (*Server, error) {
	class, err := parseClass(c.Device.Class)
	if err != nil {
		return nil, err
	}

	payload, err := hex.DecodeString(c.Device.Uplink.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "decode uplink payload error")
	}

	region, err := band.New(band.ConfigFromConfig(c))
	if err != nil {
		return nil, errors.Wrap(err, "new region error")
	}

	ctx, err := logging.NewContext(context.Background())
	if err != nil {
		return nil, err
	}

	s := Server{
		conf:       c,
		ctx:        ctx,
		clock:      clock,
		store:      store,
		devEUI:     c.Device.DevEUI,
		class:      class,
		payload:    payload,
		notifyChan: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	s.joinTimer = timer.New(clock, "join_retry", func() { s.post(actionJoin) })
	s.uplinkTimer = timer.New(clock, "uplink", func() { s.post(actionUplink) })

	s.engine, err = mac.New(mac.Config{
		Clock:            clock,
		Radio:            radio,
		Region:           region,
		ADR:              iadr.GetHandler(c.ADR.Handler),
		ProtocolVersion:  c.Device.MACVersion,
		DevEUI:           c.Device.DevEUI,
		JoinEUI:          c.Device.JoinEUI,
		AppKey:           c.Device.AppKey,
		NwkKey:           c.Device.NwkKey,
		DutyCycleOn:      c.Region.DutyCycle,
		PublicNetwork:    c.MAC.PublicNetwork,
		RepeaterSupport:  c.Region.RepeaterCompatible,
		ADRAckLimit:      c.MAC.ADRAckLimit,
		ADRAckDelay:      c.MAC.ADRAckDelay,
		MinRxSymbols:     c.MAC.MinRxSymbols,
		SystemMaxRxError: c.MAC.SystemMaxRxError,
		AntennaGain:      c.MAC.AntennaGain,
		Callbacks: mac.Callbacks{
			McpsConfirm:    s.handleMcpsConfirm,
			McpsIndication: s.handleMcpsIndication,
			MlmeConfirm:    s.handleMlmeConfirm,
			MlmeIndication: s.handleMlmeIndication,
			NvmDataChange:  s.handleNvmDataChange,
			ProcessNotify:  s.notify,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "new mac engine error")
	}

	return &s, nil
}

// Engine returns the MAC engine of the server.
func (s *Server) Engine() *mac.Engine {
	return s.engine
}

// Start restores the persisted MAC state, starts the engine and activates
// the device when it has not joined yet.
func (s *Server) Start() error {
	if err := s.init(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.loop()

	return nil
}

// Stop stops the server and persists the MAC state.
func (s *Server) Stop() error {
	close(s.done)
	s.wg.Wait()

	s.joinTimer.Stop()
	s.uplinkTimer.Stop()

	if err := s.engine.Halt(); err != nil {
		return errors.Wrap(err, "halt mac engine error")
	}

	log.WithField("dev_eui", s.devEUI).Info("device: server stopped")
	return nil
}

func (s *Server) init() error {
	nvm, err := s.store.LoadNVM(s.ctx, s.devEUI)
	switch errors.Cause(err) {
	case nil:
		if err := s.engine.Init(&nvm); err != nil {
			return errors.Wrap(err, "init mac engine error")
		}
	case storage.ErrDoesNotExist:
		if err := s.engine.Init(nil); err != nil {
			return errors.Wrap(err, "init mac engine error")
		}
		if err := s.engine.SetMib(mac.MibParam{Type: mac.MibADR, Bool: s.conf.Device.ADR}); err != nil {
			return errors.Wrap(err, "set adr error")
		}
	default:
		return errors.Wrap(err, "load nvm error")
	}

	if err := s.engine.Start(); err != nil {
		return errors.Wrap(err, "start mac engine error")
	}

	log.WithFields(log.Fields{
		"dev_eui":  s.devEUI,
		"joined":   s.engine.IsJoined(),
		"restored": err == nil,
		"ctx_id":   s.ctx.Value(logging.ContextIDKey),
	}).Info("device: server started")

	if s.engine.IsJoined() {
		s.post(actionUplink)
		return nil
	}

	return s.activate()
}

func (s *Server) activate() error {
	switch strings.ToLower(s.conf.Device.Activation) {
	case "otaa", "":
		s.post(actionJoin)
	case "abp":
		abp := s.conf.Device.ABP
		version := lorawan.LoRaWAN1_0
		if strings.HasPrefix(s.conf.Device.MACVersion, "1.1") {
			version = lorawan.LoRaWAN1_1
		}

		if err := s.engine.SetABPSession(mac.ABPSession{
			DevAddr:    abp.DevAddr,
			NetID:      abp.NetID,
			MACVersion: version,
			Keys: crypto.SessionKeys{
				FNwkSIntKey: abp.FNwkSIntKey,
				SNwkSIntKey: abp.SNwkSIntKey,
				NwkSEncKey:  abp.NwkSEncKey,
				AppSKey:     abp.AppSKey,
			},
		}); err != nil {
			return errors.Wrap(err, "set abp session error")
		}

		if _, err := s.engine.MlmeRequest(mac.MlmeRequest{
			Type: mac.MlmeJoin,
			Join: mac.JoinParams{Activation: storage.ActivationABP},
		}); err != nil {
			return errors.Wrap(err, "abp activation error")
		}
	default:
		return errors.Errorf("unknown activation: %s", s.conf.Device.Activation)
	}

	return nil
}

func (s *Server) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.notifyChan:
			s.step()
		}
	}
}

// step processes the pending engine events and submits at most one
// pending request once the engine is idle.
func (s *Server) step() {
	s.engine.Process()

	if s.engine.IsBusy() {
		return
	}

	s.mu.Lock()
	actions := s.actions
	s.mu.Unlock()

	switch {
	case actions&actionJoin != 0:
		s.clear(actionJoin)
		s.join()
	case actions&actionBeaconAcquisition != 0:
		s.clear(actionBeaconAcquisition)
		s.beaconAcquisition()
	case actions&actionUplink != 0:
		s.clear(actionUplink)
		s.uplink()
	}
}

// notify requests a step of the main loop. It may be called from any
// goroutine.
func (s *Server) notify() {
	select {
	case s.notifyChan <- struct{}{}:
	default:
	}
}

func (s *Server) post(a action) {
	s.mu.Lock()
	s.actions |= a
	s.mu.Unlock()
	s.notify()
}

func (s *Server) clear(a action) {
	s.mu.Lock()
	s.actions &^= a
	s.mu.Unlock()
}

func (s *Server) join() {
	ret, err := s.engine.MlmeRequest(mac.MlmeRequest{
		Type: mac.MlmeJoin,
		Join: mac.JoinParams{
			Activation: storage.ActivationOTAA,
			DR:         s.conf.Device.Join.DR,
		},
	})
	if err == nil {
		return
	}

	wait := s.conf.Device.Join.RetryInterval
	if errors.Cause(err) == mac.ErrDutyCycleRestricted && ret.DutyCycleWaitTime > wait {
		wait = ret.DutyCycleWaitTime
	}

	joinCounter("error").Inc()
	log.WithError(err).WithFields(log.Fields{
		"dev_eui": s.devEUI,
		"retry":   wait,
	}).Warning("device: join request error")
	s.joinTimer.Start(wait)
}

func (s *Server) beaconAcquisition() {
	if _, err := s.engine.MlmeRequest(mac.MlmeRequest{Type: mac.MlmeBeaconAcquisition}); err != nil {
		log.WithError(err).WithField("dev_eui", s.devEUI).Warning("device: beacon acquisition request error")
		s.retryBeaconAcquisition()
	}
}

func (s *Server) retryBeaconAcquisition() {
	s.clock.AfterFunc(s.conf.Device.Join.RetryInterval, func() {
		s.post(actionBeaconAcquisition)
	})
}

func (s *Server) uplink() {
	typ := mac.McpsUnconfirmed
	if s.conf.Device.Uplink.Confirmed {
		typ = mac.McpsConfirmed
	}

	data := s.payload
	if _, err := s.engine.QueryTxPossible(len(data)); err != nil {
		// send the pending mac-commands without application payload
		log.WithError(err).WithField("dev_eui", s.devEUI).Warning("device: application payload does not fit")
		data = nil
	}

	ret, err := s.engine.McpsRequest(mac.McpsRequest{
		Type:     typ,
		FPort:    s.conf.Device.Uplink.FPort,
		Data:     data,
		DR:       s.conf.Device.Join.DR,
		NbTrials: s.conf.Device.Uplink.NbTrials,
	}, true)

	switch errors.Cause(err) {
	case nil, mac.ErrSkippedAppData:
		return
	case mac.ErrNoNetworkJoined:
		s.post(actionJoin)
		return
	}

	uplinkCounter(typ, "error").Inc()
	log.WithError(err).WithFields(log.Fields{
		"dev_eui": s.devEUI,
		"wait":    ret.DutyCycleWaitTime,
	}).Warning("device: uplink request error")
	s.scheduleUplink(ret.DutyCycleWaitTime)
}

// scheduleUplink starts the periodic uplink timer, using the given wait
// time when it exceeds the configured interval.
func (s *Server) scheduleUplink(wait time.Duration) {
	interval := s.conf.Device.Uplink.Interval
	if interval == 0 {
		return
	}
	if wait > interval {
		interval = wait
	}
	s.uplinkTimer.Start(interval)
}

func (s *Server) joined() {
	switch s.class {
	case storage.ClassB:
		if _, err := s.engine.MlmeRequest(mac.MlmeRequest{
			Type:                mac.MlmePingSlotInfo,
			PingSlotPeriodicity: s.conf.Device.PingSlotPeriodicity,
		}); err != nil {
			log.WithError(err).WithField("dev_eui", s.devEUI).Error("device: ping-slot info request error")
		}
		s.post(actionBeaconAcquisition)
	case storage.ClassC:
		if err := s.engine.SwitchClass(storage.ClassC); err != nil {
			log.WithError(err).WithField("dev_eui", s.devEUI).Error("device: switch class error")
		}
	}

	s.post(actionUplink)
}

func (s *Server) handleMcpsConfirm(c mac.McpsConfirm) {
	status := "ok"
	if c.Status != mac.StatusOK {
		status = "error"
	}
	uplinkCounter(c.Type, status).Inc()

	log.WithFields(log.Fields{
		"dev_eui":  s.devEUI,
		"type":     c.Type,
		"status":   c.Status,
		"dr":       c.DR,
		"tx_power": c.TxPower,
		"ack":      c.AckReceived,
		"nb_trans": c.NbTrans,
		"f_cnt":    c.UplinkCounter,
		"channel":  c.Channel,
	}).Info("device: uplink completed")

	s.scheduleUplink(0)
}

func (s *Server) handleMcpsIndication(ind mac.McpsIndication, rx mac.RxStatus) {
	if ind.Status != mac.StatusOK {
		log.WithFields(log.Fields{
			"dev_eui": s.devEUI,
			"status":  ind.Status,
			"rx_slot": rx.RxSlot,
		}).Warning("device: downlink error")
		return
	}

	if ind.RxData {
		downlinkCounter(ind.Multicast).Inc()
		log.WithFields(log.Fields{
			"dev_eui":   s.devEUI,
			"type":      ind.Type,
			"multicast": ind.Multicast,
			"f_port":    ind.FPort,
			"f_cnt":     ind.DownlinkCounter,
			"data":      hex.EncodeToString(ind.Buffer),
			"rssi":      rx.RSSI,
			"snr":       rx.SNR,
			"rx_slot":   rx.RxSlot,
		}).Info("device: downlink received")
	}

	if ind.IsUplinkTxPending {
		s.post(actionUplink)
	}
}

func (s *Server) handleMlmeConfirm(c mac.MlmeConfirm) {
	log.WithFields(log.Fields{
		"dev_eui": s.devEUI,
		"type":    c.Type,
		"status":  c.Status,
	}).Info("device: mlme confirm")

	switch c.Type {
	case mac.MlmeJoin:
		if c.Status == mac.StatusOK {
			joinCounter("ok").Inc()
			s.joined()
			return
		}

		joinCounter("failed").Inc()
		if s.conf.Device.Activation != "abp" {
			s.joinTimer.Start(s.conf.Device.Join.RetryInterval)
		}
	case mac.MlmeLinkCheck:
		if c.Status == mac.StatusOK {
			log.WithFields(log.Fields{
				"dev_eui":      s.devEUI,
				"demod_margin": c.DemodMargin,
				"nb_gateways":  c.NbGateways,
			}).Info("device: link check received")
		}
	case mac.MlmeBeaconAcquisition:
		if c.Status != mac.StatusOK {
			s.retryBeaconAcquisition()
			return
		}
		if err := s.engine.SwitchClass(storage.ClassB); err != nil {
			log.WithError(err).WithField("dev_eui", s.devEUI).Error("device: switch class error")
		}
	}
}

func (s *Server) handleMlmeIndication(ind mac.MlmeIndication, rx mac.RxStatus) {
	switch ind.Type {
	case mac.MlmeScheduleUplink:
		s.post(actionUplink)
	case mac.MlmeBeaconLost:
		log.WithField("dev_eui", s.devEUI).Warning("device: beacon lost")
		if s.class == storage.ClassB {
			s.post(actionBeaconAcquisition)
		}
	case mac.MlmeBeacon:
		log.WithFields(log.Fields{
			"dev_eui": s.devEUI,
			"status":  ind.Status,
			"rssi":    rx.RSSI,
		}).Debug("device: beacon received")
	}
}

func (s *Server) handleNvmDataChange(flags storage.NotifyFlags) {
	nvm := s.engine.NVM()
	if err := s.store.SaveNVM(s.ctx, s.devEUI, flags, &nvm); err != nil {
		log.WithError(err).WithField("dev_eui", s.devEUI).Error("device: save nvm error")
	}
}

func parseClass(s string) (storage.DeviceClass, error) {
	switch strings.ToUpper(s) {
	case "A", "":
		return storage.ClassA, nil
	case "B":
		return storage.ClassB, nil
	case "C":
		return storage.ClassC, nil
	default:
		return storage.ClassA, errors.Errorf("unknown device class: %s", s)
	}
}
