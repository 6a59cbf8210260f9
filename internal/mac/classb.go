package mac

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/classb"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

const (
	pingSlotLen = classb.PingSlotLen

	// beaconRxMargin is the time the beacon window opens before the beacon
	// start.
	beaconRxMargin = 100 * time.Millisecond

	// beaconAcquisitionTimeout covers a full beacon period plus the beacon
	// itself.
	beaconAcquisitionTimeout = classb.BeaconPeriod + classb.BeaconReserved
)

// beaconFrequency returns the beacon frequency, set by BeaconFreqReq or
// else the RX2 frequency.
func (e *Engine) beaconFrequency() uint32 {
	if f := e.nvm.ClassB.BeaconFrequency; f != 0 {
		return f
	}
	return e.nvm.MACGroup2.MACParams.RX2Channel.Frequency
}

func (e *Engine) beaconRxParams(continuous bool) (RxParams, error) {
	params := e.nvm.MACGroup2.MACParams
	freq := e.beaconFrequency()

	rxw, err := e.region.RxWindow(freq, e.conf.BeaconDR, params.MinRxSymbols, params.SystemMaxRxError)
	if err != nil {
		return RxParams{}, err
	}

	return RxParams{
		Frequency:  freq,
		DR:         rxw.DR,
		DataRate:   rxw.DataRate,
		Timeout:    rxw.WindowTimeout,
		Continuous: continuous,
		Slot:       rxSlotBeacon,
	}, nil
}

// scheduleBeacon arms the window of the next beacon.
func (e *Engine) scheduleBeacon() {
	if e.classB.State() != classb.BeaconStateLocked {
		e.beaconTimer.Stop()
		return
	}

	p, err := e.beaconRxParams(false)
	if err != nil {
		log.WithFields(e.logFields()).WithError(err).Error("mac: beacon window parameters error")
		return
	}

	now := e.classB.GPSTime()
	next := now - now%classb.BeaconPeriod + classb.BeaconPeriod
	if next-now <= beaconRxMargin {
		next += classb.BeaconPeriod
	}

	e.mu.Lock()
	e.beaconRx = p
	e.mu.Unlock()

	e.beaconTimer.Start(next - now - beaconRxMargin)
}

// onBeaconEvent checks for a lost beacon once a beacon window has been
// opened and arms the next one.
func (e *Engine) onBeaconEvent() {
	if e.classB.CheckBeaconLost() {
		e.beaconTimer.Stop()
		e.pingSlotTimer.Stop()

		if e.nvm.MACGroup2.DeviceClass == storage.ClassB {
			e.nvm.MACGroup2.DeviceClass = storage.ClassA
			e.updateRxIdleSlot()
		}

		e.mlmeIndication = MlmeIndication{
			Type:   MlmeBeaconLost,
			Status: StatusBeaconLost,
		}
		e.flags.MlmeInd = true
		return
	}

	e.scheduleBeacon()
}

func (e *Engine) onBeaconAcquisitionTimeout() {
	if !e.confirmQueue.isCmdActive(MlmeBeaconAcquisition) {
		return
	}

	e.classB.StopBeaconAcquisition()

	e.mu.Lock()
	if e.rxSlot == rxSlotBeacon {
		e.rxSlot = e.rxIdleSlot
	}
	e.mu.Unlock()
	e.radio.Standby()
	e.sleepIfIdle()

	e.confirmQueue.setStatus(StatusBeaconNotFound, MlmeBeaconAcquisition)
	e.flags.MacDone = true

	log.WithFields(e.logFields()).Warning("mac: beacon not found")
}

type pingSlotCandidate struct {
	start time.Duration
	freq  uint32
	dr    int
	slot  RxSlot
}

// schedulePingSlot arms the earliest unicast or multicast ping-slot after
// the current time plus skip.
func (e *Engine) schedulePingSlot(skip time.Duration) {
	g2 := &e.nvm.MACGroup2

	if g2.DeviceClass != storage.ClassB || e.classB.State() != classb.BeaconStateLocked {
		e.pingSlotTimer.Stop()
		return
	}

	now := e.classB.GPSTime()
	after := now + skip

	var next *pingSlotCandidate
	consider := func(devAddr lorawan.DevAddr, periodicity int, freq uint32, dr int, slot RxSlot) {
		pingNb := classb.PingNb(periodicity)
		if pingNb == 0 {
			return
		}
		start, err := classb.NextPingSlot(after, devAddr, pingNb)
		if err != nil {
			log.WithFields(e.logFields()).WithError(err).Error("mac: next ping-slot error")
			return
		}
		if next != nil && next.start <= start {
			return
		}
		if freq == 0 {
			beaconStart := start - start%classb.BeaconPeriod
			if freq, err = e.region.PingSlotFrequency(devAddr, beaconStart); err != nil {
				log.WithFields(e.logFields()).WithError(err).Error("mac: ping-slot frequency error")
				return
			}
		}
		next = &pingSlotCandidate{start: start, freq: freq, dr: dr, slot: slot}
	}

	if e.IsJoined() {
		consider(g2.DevAddr, e.nvm.ClassB.PingSlotPeriodicity, e.nvm.ClassB.PingSlotFrequency, e.nvm.ClassB.PingSlotDR, RxSlotClassBPingSlot)
	}
	for _, mc := range g2.MulticastChannels {
		if mc.Enabled && mc.Class == storage.ClassB {
			consider(mc.Address, mc.Periodicity, mc.Frequency, mc.DR, RxSlotClassBMulticastSlot)
		}
	}

	if next == nil {
		e.pingSlotTimer.Stop()
		return
	}

	params := g2.MACParams
	rxw, err := e.region.RxWindow(next.freq, next.dr, params.MinRxSymbols, params.SystemMaxRxError)
	if err != nil {
		log.WithFields(e.logFields()).WithError(err).Error("mac: ping-slot window parameters error")
		return
	}

	e.mu.Lock()
	e.pingParams = RxParams{
		Frequency: next.freq,
		DR:        rxw.DR,
		DataRate:  rxw.DataRate,
		Timeout:   rxw.WindowTimeout,
		Slot:      next.slot,
	}
	e.mu.Unlock()

	wait := next.start - now + rxw.WindowOffset
	if wait < 0 {
		wait = 0
	}
	e.pingSlotTimer.Start(wait)
}

// SwitchClass switches the device class. Class B requires a locked beacon,
// switching between class B and C is not supported.
func (e *Engine) SwitchClass(class storage.DeviceClass) error {
	g2 := &e.nvm.MACGroup2
	current := g2.DeviceClass

	if class == current {
		return nil
	}

	switch {
	case current == storage.ClassA && class == storage.ClassB:
		if e.classB.State() != classb.BeaconStateLocked {
			return errors.Wrap(ErrParameterInvalid, "beacon is not locked")
		}
		g2.DeviceClass = storage.ClassB
		e.schedulePingSlot(0)
	case current == storage.ClassB && class == storage.ClassA:
		g2.DeviceClass = storage.ClassA
		e.pingSlotTimer.Stop()
	case current == storage.ClassA && class == storage.ClassC:
		g2.DeviceClass = storage.ClassC
		e.updateRxIdleSlot()
		e.openContinuousRxCWindow()
	case current == storage.ClassC && class == storage.ClassA:
		g2.DeviceClass = storage.ClassA
		e.updateRxIdleSlot()
		e.radio.Standby()
		e.sleepIfIdle()
	default:
		return errors.Wrapf(ErrParameterInvalid, "switch from class %s to %s", current, class)
	}

	if e.version().supportsRejoin() && (current == storage.ClassC || class == storage.ClassC) {
		g2.DeviceModeIndPending = true
	}

	log.WithFields(e.logFields()).WithFields(log.Fields{
		"from": current,
		"to":   class,
	}).Info("mac: device class switched")

	return nil
}
