package mac

import (
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/storage"
)

// Process handles the pending radio and timer events, hands the confirms
// and indications to the application and persists the state. It must be
// called after every ProcessNotify callback.
func (e *Engine) Process() {
	if e.state.Has(StateStopped) {
		e.drainEvents()
		return
	}

	e.processEvents()

	if e.flags.MacDone || e.retransmitTimeoutRetry {
		e.allowRequests = false

		e.checkForRxAbort()

		if e.suppressForBeaconAcquisition() {
			e.state &^= StateTxRunning
		} else {
			e.handleMlmeRequest()
			e.handleMcpsRequest()
		}

		e.handleRequestEvents()
		e.handleScheduleUplinkEvent()
		e.flags.NvmHandle = true

		e.allowRequests = true
	}

	e.handleIndications()
	e.handleRejoinEvents()

	e.mu.Lock()
	slot := e.rxSlot
	e.mu.Unlock()
	if slot == RxSlotClassC {
		e.openContinuousRxCWindow()
	}

	if e.flags.NvmHandle && e.state == StateIdle {
		e.flags.NvmHandle = false
		e.handleNVM()
	}
}

// drainEvents discards the events raised while the engine is stopped.
func (e *Engine) drainEvents() {
	e.mu.Lock()
	e.radioEvents = 0
	e.timerEvents = 0
	e.mu.Unlock()
}

func (e *Engine) processEvents() {
	e.mu.Lock()
	radioEvents := e.radioEvents
	timerEvents := e.timerEvents
	rxEventSlot := e.rxEventSlot
	e.radioEvents = 0
	e.timerEvents = 0
	e.mu.Unlock()

	if radioEvents&RadioEventTxDone != 0 {
		e.processRadioTxDone()
	}
	if radioEvents&RadioEventRxDone != 0 {
		e.processRadioRxDone()
	}
	if radioEvents&RadioEventTxTimeout != 0 {
		e.processRadioTxTimeout()
	}
	if radioEvents&RadioEventRxError != 0 {
		e.processRadioRxErrorTimeout(rxEventSlot, false)
	}
	if radioEvents&RadioEventRxTimeout != 0 {
		e.processRadioRxErrorTimeout(rxEventSlot, true)
	}

	if timerEvents&TimerEventTxDelayed != 0 {
		e.onTxDelayed()
	}
	if timerEvents&TimerEventRetransmitTimeout != 0 {
		e.onRetransmitTimeout()
	}
	if timerEvents&TimerEventRejoin0Cycle != 0 {
		e.onRejoin0Cycle()
	}
	if timerEvents&TimerEventRejoin1Cycle != 0 {
		e.onRejoin1Cycle()
	}
	if timerEvents&TimerEventForceRejoin != 0 {
		e.onForceRejoin()
	}
	if timerEvents&TimerEventBeaconAcquisitionTimeout != 0 {
		e.onBeaconAcquisitionTimeout()
	}
	if timerEvents&TimerEventBeacon != 0 {
		e.onBeaconEvent()
	}
	if timerEvents&TimerEventPingSlot != 0 {
		e.schedulePingSlot(pingSlotLen)
	}
}

// checkForRxAbort ends the uplink cycle of an aborted reception.
func (e *Engine) checkForRxAbort() {
	if e.state.Has(StateRxAbort) {
		e.state &^= StateRxAbort | StateTxRunning
	}
}

// suppressForBeaconAcquisition returns true when the only pending request
// is a beacon acquisition, which completes independently of the uplink.
func (e *Engine) suppressForBeaconAcquisition() bool {
	return e.confirmQueue.isCmdActive(MlmeBeaconAcquisition) && !e.flags.McpsReq && e.flags.MlmeReq
}

// handleMlmeRequest ends the join or rejoin procedure and the continuous
// wave test.
func (e *Engine) handleMlmeRequest() {
	if !e.flags.MlmeReq {
		return
	}

	for _, req := range []MlmeType{MlmeJoin, MlmeRejoin0, MlmeRejoin1, MlmeRejoin2} {
		if !e.confirmQueue.isCmdActive(req) {
			continue
		}

		e.nbTransCounter = 0
		if req != MlmeJoin && e.confirmQueue.getStatus(req) != StatusOK {
			e.nvm.MACGroup2.IsRejoinAcceptPending = false
		}
		e.state &^= StateTxRunning
	}

	if e.confirmQueue.isCmdActive(MlmeTxCw) {
		e.state &^= StateTxRunning
	}
}

// handleMcpsRequest decides whether the data uplink must be repeated.
func (e *Engine) handleMcpsRequest() {
	if !e.flags.McpsReq {
		return
	}

	var stop, wait bool

	switch {
	case e.mcpsConfirm.Type == McpsUnconfirmed || e.mcpsConfirm.Type == McpsProprietary:
		stop = e.checkRetransUnconfirmed()
	case e.mcpsConfirm.Type == McpsConfirmed && e.retransmitTimeoutRetry:
		stop = e.checkRetransConfirmed()

		v := e.version()
		if !stop {
			if v.decreaseDR(e.nbTransCounter) {
				e.decreaseTxDR()
			}
		} else if !e.mcpsConfirm.AckReceived && v.restoreChannelsOnAckFailure() {
			e.region.EnableDefaultChannels()
			e.nodeAckRequested = false
		}
	default:
		wait = true
	}

	if wait {
		return
	}

	if stop {
		e.retransmitTimer.Stop()
		e.stopRetransmission()
		return
	}

	e.flags.MacDone = false
	e.retransmitTimeoutRetry = false
	e.onTxDelayed()
}

// decreaseTxDR lowers the data-rate of the next repetition, bounded by the
// min. data-rate of the enabled channels.
func (e *Engine) decreaseTxDR() {
	g1 := &e.nvm.MACGroup1
	if min := e.region.MinTxDR(); g1.ChannelsDatarate > min {
		g1.ChannelsDatarate--
	}
}

// checkRetransUnconfirmed returns true when the unconfirmed uplink must not
// be repeated.
func (e *Engine) checkRetransUnconfirmed() bool {
	if e.nbTransCounter >= e.nvm.MACGroup2.MACParams.ChannelsNbTrans {
		return true
	}
	if e.flags.McpsInd {
		if e.nvm.MACGroup2.DeviceClass == storage.ClassA || e.mcpsIndication.RxSlot.classA() {
			return true
		}
	}
	return false
}

// checkRetransConfirmed returns true when the confirmed uplink must not be
// repeated.
func (e *Engine) checkRetransConfirmed() bool {
	if e.nbTransCounter >= e.ackLimit {
		return true
	}
	return e.flags.McpsInd && e.mcpsIndication.AckReceived
}

// stopRetransmission ends the uplink cycle.
func (e *Engine) stopRetransmission() {
	g1 := &e.nvm.MACGroup1

	downlinkInClassA := e.flags.McpsInd && e.mcpsIndication.RxSlot.classA() && e.mcpsIndication.Status == StatusOK
	if e.nvm.MACGroup2.AdrCtrlOn && !downlinkInClassA && g1.AdrAckCounter < ^uint32(0) {
		g1.AdrAckCounter++
	}

	e.nbTransCounter = 0
	e.nodeAckRequested = false
	e.retransmitTimeoutRetry = false
	e.state &^= StateTxRunning
}

// handleRequestEvents hands the confirms to the application once the uplink
// cycle has ended. New requests are accepted from within the confirm
// callbacks.
func (e *Engine) handleRequestEvents() {
	if e.state != StateIdle {
		return
	}

	e.flags.MacDone = false
	e.allowRequests = true
	e.classB.Resume()

	if e.flags.McpsReq {
		e.flags.McpsReq = false
		if e.cb.McpsConfirm != nil {
			e.cb.McpsConfirm(e.mcpsConfirm)
		}
	}

	if e.flags.MlmeReq {
		e.flags.MlmeReq = false
		e.confirmQueue.handle(e.mlmeConfirm, e.cb.MlmeConfirm)
		if e.confirmQueue.len() != 0 {
			e.flags.MlmeReq = true
		}
	}
}

// handleScheduleUplinkEvent indicates that the network expects an uplink
// carrying the sticky answers.
func (e *Engine) handleScheduleUplinkEvent() {
	if e.state == StateIdle && e.macCmds.HasSticky() {
		e.mlmeIndication = MlmeIndication{
			Type:   MlmeScheduleUplink,
			Status: StatusOK,
		}
		e.flags.MlmeSchedUplinkInd = true
	}
}

func (e *Engine) handleIndications() {
	if e.flags.MlmeInd {
		e.flags.MlmeInd = false
		if e.cb.MlmeIndication != nil {
			e.cb.MlmeIndication(e.mlmeIndication, e.rxStatus)
		}
	}

	if e.flags.MlmeSchedUplinkInd {
		e.flags.MlmeSchedUplinkInd = false
		if e.cb.MlmeIndication != nil {
			e.cb.MlmeIndication(MlmeIndication{
				Type:   MlmeScheduleUplink,
				Status: StatusOK,
			}, e.rxStatus)
		}
	}

	if e.flags.McpsInd {
		e.flags.McpsInd = false
		skip := e.flags.McpsIndSkip
		e.flags.McpsIndSkip = false

		if !skip && e.cb.McpsIndication != nil {
			e.cb.McpsIndication(e.mcpsIndication, e.rxStatus)
		}

		if skip {
			log.WithFields(e.logFields()).WithField("status", e.mcpsIndication.Status).Debug("mac: indication skipped")
		}
	}
}
