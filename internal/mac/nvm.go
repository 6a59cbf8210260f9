package mac

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

// initDefaults sets the persistent state to its defaults.
func (e *Engine) initDefaults() {
	e.nvm = storage.NVM{}

	g2 := &e.nvm.MACGroup2
	g2.Region = e.region.Name()
	g2.NetworkActivation = storage.ActivationNone
	g2.MACVersion = lorawan.LoRaWAN1_0
	g2.DeviceClass = storage.ClassA
	g2.AdrCtrlOn = false
	g2.DutyCycleOn = e.conf.DutyCycleOn
	g2.PublicNetwork = e.conf.PublicNetwork
	g2.RepeaterSupport = e.conf.RepeaterSupport
	g2.AggregatedDCycle = 1
	g2.InitializationTime = e.clock.Now()

	d := e.region.Defaults()
	g2.ADRAckLimit = d.ADRAckLimit
	g2.ADRAckDelay = d.ADRAckDelay
	if e.conf.ADRAckLimit != 0 {
		g2.ADRAckLimit = e.conf.ADRAckLimit
	}
	if e.conf.ADRAckDelay != 0 {
		g2.ADRAckDelay = e.conf.ADRAckDelay
	}

	g2.MACParams = e.defaultMACParams()

	e.nvm.ClassB.BeaconFrequency = 0
	e.nvm.ClassB.PingSlotFrequency = 0

	if err := e.region.SetRepeaterCompatible(g2.RepeaterSupport); err != nil {
		log.WithFields(e.logFields()).WithError(err).Error("mac: set repeater compatible error")
	}
	if err := e.region.Reset(); err != nil {
		log.WithFields(e.logFields()).WithError(err).Error("mac: reset region error")
	}
	if err := e.region.Bind(&e.nvm.Region); err != nil {
		log.WithFields(e.logFields()).WithError(err).Error("mac: bind region error")
	}
	e.classB.Bind(&e.nvm.ClassB)

	e.crypto.ResetFCnts()
	e.crypto.SetMACVersion(g2.MACVersion)
	if err := e.crypto.SetRootKeys(e.conf.DevEUI, e.conf.JoinEUI, e.conf.AppKey, e.conf.NwkKey); err != nil {
		log.WithFields(e.logFields()).WithError(err).Error("mac: set root keys error")
	}

	e.resetMACParameters(true)
}

func (e *Engine) defaultMACParams() storage.MACParams {
	d := e.region.Defaults()

	minRxSymbols := e.conf.MinRxSymbols
	if minRxSymbols == 0 {
		minRxSymbols = 6
	}

	return storage.MACParams{
		SystemMaxRxError: e.conf.SystemMaxRxError,
		MinRxSymbols:     minRxSymbols,
		ReceiveDelay1:    d.ReceiveDelay1,
		ReceiveDelay2:    d.ReceiveDelay2,
		JoinAcceptDelay1: d.JoinAcceptDelay1,
		JoinAcceptDelay2: d.JoinAcceptDelay2,
		ChannelsNbTrans:  1,
		RX1DROffset:      0,
		RX2Channel: storage.RxChannelParams{
			Frequency: d.RX2Frequency,
			DR:        d.RX2DR,
		},
		RXCChannel: storage.RxChannelParams{
			Frequency: d.RX2Frequency,
			DR:        d.RX2DR,
		},
		MaxEIRP:          d.MaxEIRP,
		AntennaGain:      e.conf.AntennaGain,
		ChannelsTxPower:  d.TxPower,
		ChannelsDatarate: d.TxDR,
	}
}

// resetMACParameters resets the session state of the MAC layer. When
// keepSession is false, the device is considered not joined.
func (e *Engine) resetMACParameters(keepSession bool) {
	g1 := &e.nvm.MACGroup1
	g2 := &e.nvm.MACGroup2

	if !keepSession {
		g2.NetworkActivation = storage.ActivationNone
		g2.DevAddr = lorawan.DevAddr{}
		g2.DownlinkReceived = false
		g2.IsRejoinAcceptPending = false
		g2.ResetIndPending = false
		g2.RekeyIndPending = false
		g2.DeviceModeIndPending = false
	}

	g1.AdrAckCounter = 0
	g1.SrvAckRequested = false
	g1.AggregatedTimeOff = 0
	g1.Rejoin0Counter = 0
	g1.RekeyIndCounter = 0

	g2.MaxDCycle = 0
	g2.AggregatedDCycle = 1

	// Keep the network controlled radio parameters of the running session.
	params := e.defaultMACParams()
	if keepSession && g2.NetworkActivation != storage.ActivationNone {
		params = g2.MACParams
	}
	g2.MACParams = params
	g1.ChannelsTxPower = params.ChannelsTxPower
	g1.ChannelsDatarate = params.ChannelsDatarate

	if !keepSession || g2.NetworkActivation == storage.ActivationNone {
		if err := e.region.ResetChannels(); err != nil {
			log.WithFields(e.logFields()).WithError(err).Error("mac: reset channels error")
		}
	}

	e.nodeAckRequested = false
	e.nbTransCounter = 0
	e.retransmitTimeoutRetry = false
	e.ackLimit = 1
	e.rxDelay1 = params.ReceiveDelay1
	e.rxDelay2 = params.ReceiveDelay2

	e.macCmds.Flush()
	e.flags = Flags{}
	e.mcpsConfirm = McpsConfirm{}
	e.mcpsIndication = McpsIndication{}
	e.confirmQueue = confirmQueue{}

	e.mu.Lock()
	e.rxSlot = RxSlotNone
	e.rxcActive = false
	e.mu.Unlock()
}

// restoreNVM restores the persistent state. It fails with
// ErrNVMDataInconsistent when the checksum of one of the groups is invalid.
func (e *Engine) restoreNVM(nvm storage.NVM) error {
	if err := nvm.Verify(); err != nil {
		return errors.Wrap(ErrNVMDataInconsistent, err.Error())
	}
	if nvm.MACGroup2.Region != "" && nvm.MACGroup2.Region != e.region.Name() {
		return errors.Wrapf(ErrRegionNotSupported, "nvm region %s, configured %s", nvm.MACGroup2.Region, e.region.Name())
	}

	e.nvm = nvm
	e.nvm.Region.Channels = append([]storage.Channel(nil), nvm.Region.Channels...)
	e.nvm.Region.Bands = append([]storage.BandState(nil), nvm.Region.Bands...)

	if err := e.region.SetRepeaterCompatible(e.nvm.MACGroup2.RepeaterSupport); err != nil {
		return errors.Wrap(ErrRegionNotSupported, err.Error())
	}
	if err := e.region.Bind(&e.nvm.Region); err != nil {
		return errors.Wrap(ErrNVMDataInconsistent, err.Error())
	}
	e.classB.Bind(&e.nvm.ClassB)

	params := e.nvm.MACGroup2.MACParams
	e.rxDelay1 = params.ReceiveDelay1
	e.rxDelay2 = params.ReceiveDelay2
	e.ackLimit = 1

	log.WithFields(e.logFields()).WithFields(log.Fields{
		"activation": e.nvm.MACGroup2.NetworkActivation,
		"dev_addr":   e.nvm.MACGroup2.DevAddr,
		"class":      e.nvm.MACGroup2.DeviceClass,
	}).Info("mac: nvm restored")

	return nil
}

// handleNVM recomputes the group checksums and reports the changed groups.
// It only runs while the engine is idle.
func (e *Engine) handleNVM() {
	if e.state != StateIdle {
		return
	}

	flags, err := e.nvm.Update()
	if err != nil {
		log.WithFields(e.logFields()).WithError(err).Error("mac: update nvm error")
		return
	}
	if flags == storage.NotifyNone {
		return
	}

	nvmChangeCounter().Inc()

	if e.cb.NvmDataChange != nil {
		e.cb.NvmDataChange(flags)
	}
}
