package mac

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/classb"
	"github.com/brocaar/chirpstack-device-mac/internal/crypto"
	"github.com/brocaar/chirpstack-device-mac/internal/maccommand"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

// ABPSession holds the session of an activation by personalization.
type ABPSession struct {
	DevAddr    lorawan.DevAddr
	NetID      lorawan.NetID
	MACVersion lorawan.MACVersion
	Keys       crypto.SessionKeys
}

// MlmeRequest submits a management request. The outcome is reported through
// the MlmeConfirm callback.
func (e *Engine) MlmeRequest(req MlmeRequest) (RequestReturn, error) {
	var ret RequestReturn

	if e.state.Has(StateStopped) {
		return ret, ErrStopped
	}
	if e.IsBusy() || e.confirmQueue.isFull() {
		return ret, ErrBusy
	}

	if e.confirmQueue.len() == 0 {
		e.mlmeConfirm = MlmeConfirm{Status: StatusError}
	}

	el := confirmQueueElement{
		request: req.Type,
		status:  StatusError,
	}
	switch req.Type {
	case MlmeJoin, MlmeRejoin0, MlmeRejoin1, MlmeRejoin2:
		el.status = StatusJoinFail
	case MlmeBeaconAcquisition:
		el.restrictCommonReadyToHandle = true
	}
	e.confirmQueue.add(el)

	if err := e.handleMlmeReq(req); err != nil {
		e.confirmQueue.removeLast()
		if e.confirmQueue.len() == 0 {
			e.flags.MlmeReq = false
		}
		e.nodeAckRequested = false

		log.WithFields(e.logFields()).WithError(err).WithField("request", req.Type).Warning("mac: mlme request error")
		ret.DutyCycleWaitTime = e.dutyCycleWaitTime
		return ret, err
	}

	e.flags.MlmeReq = true
	ret.DutyCycleWaitTime = e.dutyCycleWaitTime
	return ret, nil
}

func (e *Engine) handleMlmeReq(req MlmeRequest) error {
	switch req.Type {
	case MlmeJoin:
		if req.Join.Activation == storage.ActivationABP {
			return e.activateABP()
		}
		return e.joinOTAA(req.Join.DR)
	case MlmeRejoin0:
		return e.rejoin(lorawan.RejoinRequestType0)
	case MlmeRejoin1:
		return e.rejoin(lorawan.RejoinRequestType1)
	case MlmeRejoin2:
		return e.rejoin(lorawan.RejoinRequestType2)
	case MlmeLinkCheck:
		return e.queueCommand(maccommand.RequestLinkCheck())
	case MlmeDeviceTime:
		return e.queueCommand(maccommand.RequestDeviceTime())
	case MlmePingSlotInfo:
		if e.nvm.MACGroup2.DeviceClass != storage.ClassA {
			return errors.Wrap(ErrParameterInvalid, "ping-slot info must be requested in class A")
		}
		if req.PingSlotPeriodicity < 0 || req.PingSlotPeriodicity > 7 {
			return errors.Wrapf(ErrParameterInvalid, "periodicity %d", req.PingSlotPeriodicity)
		}
		e.nvm.ClassB.PingSlotPeriodicity = req.PingSlotPeriodicity
		return e.queueCommand(maccommand.RequestPingSlotInfo(uint8(req.PingSlotPeriodicity)))
	case MlmeTxCw:
		return e.txContinuousWave(req.TxCw)
	case MlmeBeaconAcquisition:
		return e.startBeaconAcquisition()
	default:
		return ErrServiceUnknown
	}
}

// queueCommand adds a device initiated mac-command, which is sent with the
// next uplink.
func (e *Engine) queueCommand(cmd lorawan.MACCommand) error {
	if err := e.macCmds.Add(cmd); err != nil {
		return errors.Wrap(ErrMACCommand, err.Error())
	}
	return nil
}

func (e *Engine) joinOTAA(dr int) error {
	if e.state.Has(StateTxDelayed) {
		return ErrBusy
	}

	// The reset must not drop the request which is being handled.
	queue := e.confirmQueue
	e.resetMACParameters(false)
	e.confirmQueue = queue
	e.stopRejoinTimers()

	e.joinTrials++
	e.nvm.MACGroup1.ChannelsDatarate = e.region.JoinDR(e.joinTrials, dr)
	e.txMsg = txMessage{kind: txJoin}

	// The join-request is sent on the default channels.
	e.region.EnableDefaultChannels()

	log.WithFields(e.logFields()).WithFields(log.Fields{
		"trials": e.joinTrials,
		"dr":     e.nvm.MACGroup1.ChannelsDatarate,
	}).Info("mac: sending join-request")

	return e.scheduleTx(true)
}

// activateABP activates the session set through the MIB.
func (e *Engine) activateABP() error {
	g2 := &e.nvm.MACGroup2
	cg := e.crypto.Group()

	if g2.MACVersion != lorawan.LoRaWAN1_1 {
		cg.SNwkSIntKey = cg.FNwkSIntKey
		cg.NwkSEncKey = cg.FNwkSIntKey
	}

	g2.NetworkActivation = storage.ActivationABP
	if e.version().supportsRejoin() {
		g2.ResetIndPending = true
	}

	e.confirmQueue.setStatus(StatusOK, MlmeJoin)
	e.flags.MacDone = true
	e.notify()

	log.WithFields(e.logFields()).WithFields(log.Fields{
		"dev_addr":    g2.DevAddr,
		"mac_version": g2.MACVersion,
	}).Info("mac: activated by personalization")

	return nil
}

// SetABPSession sets the session of an activation by personalization and
// resets the frame-counters. It must be followed by a join request with
// ABP activation.
func (e *Engine) SetABPSession(s ABPSession) error {
	if e.state.Has(StateTxRunning) {
		return ErrBusy
	}

	g2 := &e.nvm.MACGroup2
	g2.DevAddr = s.DevAddr
	g2.NetID = s.NetID
	g2.MACVersion = s.MACVersion
	e.crypto.SetABPSession(s.Keys, s.MACVersion)
	return nil
}

func (e *Engine) rejoin(rejoinType lorawan.JoinType) error {
	if !e.IsJoined() || !e.version().supportsRejoin() {
		return errors.Wrap(ErrParameterInvalid, "rejoin requires a 1.1 session")
	}
	if e.state.Has(StateTxDelayed) {
		return ErrBusy
	}

	e.nvm.MACGroup2.IsRejoinAcceptPending = true
	e.txMsg = txMessage{
		kind:       txRejoin,
		rejoinType: rejoinType,
	}

	if err := e.scheduleTx(true); err != nil {
		e.nvm.MACGroup2.IsRejoinAcceptPending = false
		return err
	}
	return nil
}

func (e *Engine) stopRejoinTimers() {
	e.rejoin0Timer.Stop()
	e.rejoin1Timer.Stop()
	e.forceRejoinTimer.Stop()
	e.rejoin0Pending = false
	e.rejoin1Pending = false
	e.forceRejoinPending = false
}

func (e *Engine) txContinuousWave(p TxCwParams) error {
	if p.Frequency == 0 {
		return errors.Wrap(ErrParameterInvalid, "frequency must be set")
	}
	if p.Timeout <= 0 {
		return errors.Wrap(ErrParameterInvalid, "timeout must be set")
	}

	e.state |= StateTxRunning
	e.mu.Lock()
	e.radioTx = true
	e.rxcActive = false
	e.mu.Unlock()

	if err := e.radio.SetTxContinuousWave(p.Frequency, p.Power, p.Timeout); err != nil {
		e.mu.Lock()
		e.radioTx = false
		e.mu.Unlock()
		e.state &^= StateTxRunning
		return errors.Wrap(err, "continuous wave error")
	}
	return nil
}

// startBeaconAcquisition opens a continuous receive window on the beacon
// frequency, for at most one beacon period.
func (e *Engine) startBeaconAcquisition() error {
	if e.classB.State() == classb.BeaconStateAcquiring {
		return ErrBusy
	}

	p, err := e.beaconRxParams(true)
	if err != nil {
		return errors.Wrap(ErrParameterInvalid, err.Error())
	}

	e.classB.StartBeaconAcquisition()

	e.mu.Lock()
	e.rxSlot = rxSlotBeacon
	e.rxcActive = false
	e.openParams = p
	e.mu.Unlock()

	e.radio.Standby()
	if err := e.radio.Rx(p); err != nil {
		e.classB.StopBeaconAcquisition()
		e.mu.Lock()
		e.rxSlot = e.rxIdleSlot
		e.mu.Unlock()
		return errors.Wrap(err, "open beacon window error")
	}

	e.beaconAcqTimer.Start(beaconAcquisitionTimeout)
	return nil
}
