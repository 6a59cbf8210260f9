package mac

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/band"
	"github.com/brocaar/chirpstack-device-mac/internal/classb"
	"github.com/brocaar/chirpstack-device-mac/internal/crypto"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/chirpstack-device-mac/internal/timer"
	"github.com/brocaar/lorawan"
)

const (
	// frameOverhead is the size of the MHDR, FHDR (without FOpts), FPort
	// and MIC.
	frameOverhead = 13

	// minDataFrameSize is the size of a data frame without FPort.
	minDataFrameSize = 12

	// Join-accept sizes, without and with CFList.
	joinAcceptSize       = 17
	joinAcceptCFListSize = 33
)

// processRadioTxDone arms the receive windows of the transmitted uplink.
func (e *Engine) processRadioTxDone() {
	g1 := &e.nvm.MACGroup1
	g2 := &e.nvm.MACGroup2

	e.mu.Lock()
	txDone := e.txDoneTime
	e.mu.Unlock()
	now := e.clock.Now()

	if g2.DeviceClass != storage.ClassC {
		e.radioSleep()
	}

	if e.confirmQueue.isCmdActive(MlmeTxCw) {
		e.confirmQueue.setStatus(StatusOK, MlmeTxCw)
		e.flags.MacDone = true
		return
	}

	// Compensate for the time between the end of the transmission and the
	// handling of the event.
	offset := timer.Elapsed(e.clock, txDone)
	if txDone.After(now) {
		offset = 0
	}
	e.rx1Timer.Start(e.rxDelay1 - offset)
	e.rx2Timer.Start(e.rxDelay2 - offset)

	if e.nodeAckRequested {
		e.retransmitTimer.Start(e.rxDelay2 - offset + e.region.RetransmitTimeout())
	} else {
		e.mcpsConfirm.Status = StatusOK
	}

	g1.LastTxDoneTime = txDone
	g1.LastTxChannel = e.txChannel

	if err := e.region.SetTxDone(band.TxDoneRequest{
		Channel:     e.txChannel,
		Joined:      e.IsJoined(),
		DutyCycleOn: g2.DutyCycleOn,
		TimeOnAir:   e.txTimeOnAir,
		Now:         txDone,
		SinceInit:   txDone.Sub(g2.InitializationTime),
	}); err != nil {
		log.WithFields(e.logFields()).WithError(err).Error("mac: duty-cycle bookkeeping error")
	}

	if g2.DeviceClass == storage.ClassC {
		e.mu.Lock()
		if e.rxSlot == RxSlotNone {
			e.rxSlot = RxSlotClassC
		}
		e.mu.Unlock()
		e.openContinuousRxCWindow()
	}
}

// processRadioTxTimeout handles a transmission which did not complete.
func (e *Engine) processRadioTxTimeout() {
	if e.nvm.MACGroup2.DeviceClass != storage.ClassC {
		e.radioSleep()
	} else {
		e.openContinuousRxCWindow()
	}

	e.mcpsConfirm.Status = StatusTxTimeout
	e.confirmQueue.setStatusCmn(StatusTxTimeout)
	if e.nodeAckRequested {
		e.retransmitTimeoutRetry = true
	}
	e.flags.MacDone = true
}

// processRadioRxErrorTimeout handles a receive window which closed without
// a valid frame.
func (e *Engine) processRadioRxErrorTimeout(slot RxSlot, isTimeout bool) {
	rxTimeoutCounter(slot).Inc()

	switch slot {
	case RxSlotWin1:
		status, cmnStatus := StatusRx1Error, StatusRx1Error
		if isTimeout {
			status, cmnStatus = StatusRx1Timeout, StatusRx1Timeout
		}
		if e.nodeAckRequested {
			e.mcpsConfirm.Status = status
		}
		e.confirmQueue.setStatusCmn(cmnStatus)

		// RX2 is no longer expected when its start has passed already.
		e.mu.Lock()
		rx2Claimed := e.rxSlot == RxSlotWin2
		e.mu.Unlock()
		if timer.Elapsed(e.clock, e.nvm.MACGroup1.LastTxDoneTime) >= e.rxDelay2 && !rx2Claimed {
			e.rx2Timer.Stop()
			e.flags.MacDone = true
		}
	case RxSlotWin2:
		status := StatusRx2Error
		if isTimeout {
			status = StatusRx2Timeout
		}
		if e.nodeAckRequested {
			e.mcpsConfirm.Status = status
		}
		e.confirmQueue.setStatusCmn(status)
		e.flags.MacDone = true
	default:
		// The class B and C windows are not bound to an uplink.
	}

	e.sleepIfIdle()
}

// onRetransmitTimeout marks that the confirmed uplink can be repeated.
func (e *Engine) onRetransmitTimeout() {
	e.retransmitTimer.Stop()
	if e.nodeAckRequested {
		e.retransmitTimeoutRetry = true
	}
}

// processRadioRxDone handles a received frame.
func (e *Engine) processRadioRxDone() {
	e.mu.Lock()
	f := e.rxFrame
	e.mu.Unlock()

	e.mcpsConfirm.AckReceived = false
	e.mcpsIndication = McpsIndication{
		Status:  StatusError,
		RSSI:    f.rssi,
		SNR:     f.snr,
		RxSlot:  f.slot,
		RxDR:    f.dr,
		DevAddr: e.nvm.MACGroup2.DevAddr,
	}
	e.rxStatus = RxStatus{
		RSSI:   f.rssi,
		SNR:    f.snr,
		RxSlot: f.slot,
	}

	if f.slot == RxSlotWin1 {
		e.rx2Timer.Stop()
	}

	if e.processBeacon(f) {
		e.releaseRxSlot(f.slot)
		return
	}

	e.dispatchFrame(f)

	if f.slot.classA() && e.nodeAckRequested && e.mcpsConfirm.AckReceived {
		e.onRetransmitTimeout()
	}

	switch f.slot {
	case RxSlotClassC, RxSlotClassCMulticast:
	case RxSlotClassBPingSlot, RxSlotClassBMulticastSlot:
		if !e.state.Has(StateTxRunning) {
			e.flags.MacDone = true
		}
	default:
		e.flags.MacDone = true
	}

	downlinkCounter(e.mcpsIndication.RxSlot, e.mcpsIndication.Status).Inc()
	e.releaseRxSlot(f.slot)
}

// releaseRxSlot returns the radio to its idle slot after a frame has been
// handled.
func (e *Engine) releaseRxSlot(slot RxSlot) {
	e.mu.Lock()
	if e.rxSlot == slot || slot == RxSlotClassCMulticast {
		e.rxSlot = e.rxIdleSlot
	}
	e.mu.Unlock()
	e.sleepIfIdle()
}

func (e *Engine) dispatchFrame(f rxFrame) {
	if len(f.payload) == 0 {
		e.prepareRxDoneAbort(f.slot)
		return
	}

	var mhdr lorawan.MHDR
	if err := mhdr.UnmarshalBinary(f.payload[:1]); err != nil || mhdr.Major != lorawan.LoRaWANR1 {
		e.prepareRxDoneAbort(f.slot)
		return
	}

	switch mhdr.MType {
	case lorawan.JoinAccept:
		e.processJoinAccept(f)
	case lorawan.UnconfirmedDataDown, lorawan.ConfirmedDataDown:
		e.processDataDown(f)
	case lorawan.Proprietary:
		e.processProprietary(f)
	default:
		log.WithFields(e.logFields()).WithField("m_type", mhdr.MType).Warning("mac: unexpected message-type received")
		e.prepareRxDoneAbort(f.slot)
	}
}

// processBeacon hands a frame received while a beacon is expected to the
// class B beacon tracking. It returns true when the frame was a beacon.
func (e *Engine) processBeacon(f rxFrame) bool {
	acquiring := e.classB.State() == classb.BeaconStateAcquiring
	if f.slot != rxSlotBeacon && !acquiring {
		return false
	}

	beacon, err := e.classB.HandleBeacon(f.payload, f.rssi, f.snr)
	if err != nil {
		if f.slot == rxSlotBeacon {
			log.WithFields(e.logFields()).WithError(err).Debug("mac: invalid beacon received")
			return true
		}
		return false
	}

	if acquiring {
		e.beaconAcqTimer.Stop()
		e.confirmQueue.setStatus(StatusOK, MlmeBeaconAcquisition)
		e.flags.MacDone = true
	}

	e.mlmeIndication = MlmeIndication{
		Type:   MlmeBeacon,
		Status: StatusBeaconLocked,
		Beacon: beacon,
	}
	e.flags.MlmeInd = true

	e.scheduleBeacon()
	e.schedulePingSlot(0)
	return true
}

// processJoinAccept handles a join-accept in response to a join- or
// rejoin-request.
func (e *Engine) processJoinAccept(f rxFrame) {
	g2 := &e.nvm.MACGroup2

	if e.IsJoined() && !g2.IsRejoinAcceptPending {
		e.mcpsIndication.Status = StatusError
		e.prepareRxDoneAbort(f.slot)
		return
	}

	request, joinType := MlmeJoin, lorawan.JoinRequestType
	switch {
	case e.confirmQueue.isCmdActive(MlmeJoin):
	case e.confirmQueue.isCmdActive(MlmeRejoin0):
		request, joinType = MlmeRejoin0, lorawan.RejoinRequestType0
	case e.confirmQueue.isCmdActive(MlmeRejoin1):
		request, joinType = MlmeRejoin1, lorawan.RejoinRequestType1
	case e.confirmQueue.isCmdActive(MlmeRejoin2):
		request, joinType = MlmeRejoin2, lorawan.RejoinRequestType2
	}

	err := e.handleJoinAccept(f, joinType)
	if err != nil {
		log.WithFields(e.logFields()).WithError(err).WithField("join_type", joinType).Warning("mac: join-accept rejected")
		e.confirmQueue.setStatus(StatusJoinFail, request)
		return
	}

	e.confirmQueue.setStatus(StatusOK, request)
	e.mcpsIndication.Status = StatusOK
}

func (e *Engine) handleJoinAccept(f rxFrame, joinType lorawan.JoinType) error {
	g1 := &e.nvm.MACGroup1
	g2 := &e.nvm.MACGroup2

	if len(f.payload) != joinAcceptSize && len(f.payload) != joinAcceptCFListSize {
		return errors.Wrapf(ErrLength, "join-accept size %d", len(f.payload))
	}

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(f.payload); err != nil {
		return errors.Wrap(err, "unmarshal join-accept error")
	}

	ja, err := e.crypto.HandleJoinAccept(joinType, &phy)
	if err != nil {
		return errors.Wrap(ErrCrypto, err.Error())
	}

	pl := ja.Payload
	if !e.region.VerifyRxDR(int(pl.DLSettings.RX2DataRate)) {
		return errors.Wrapf(ErrDatarateInvalid, "rx2 dr %d", pl.DLSettings.RX2DataRate)
	}

	g2.NetID = pl.HomeNetID
	g2.DevAddr = pl.DevAddr
	g2.MACVersion = ja.MACVersion
	g2.MACParams.RX1DROffset = int(pl.DLSettings.RX1DROffset)
	g2.MACParams.RX2Channel.DR = int(pl.DLSettings.RX2DataRate)
	g2.MACParams.RXCChannel.DR = int(pl.DLSettings.RX2DataRate)

	delay := time.Duration(pl.RXDelay&0x0f) * time.Second
	if delay == 0 {
		delay = time.Second
	}
	g2.MACParams.ReceiveDelay1 = delay
	g2.MACParams.ReceiveDelay2 = delay + time.Second

	e.nbTransCounter = 0

	if err := e.region.ApplyCFList(pl.CFList); err != nil {
		log.WithFields(e.logFields()).WithError(err).Warning("mac: apply cflist error")
	}

	g2.NetworkActivation = storage.ActivationOTAA
	g2.IsRejoinAcceptPending = false
	g2.DownlinkReceived = false
	g1.AdrAckCounter = 0
	g1.Rejoin0Counter = 0
	g1.RekeyIndCounter = 0
	e.joinTrials = 0

	if e.version().supportsRejoin() {
		g2.RekeyIndPending = true
		e.startRejoinCycles()
	}

	log.WithFields(e.logFields()).WithFields(log.Fields{
		"dev_addr":    g2.DevAddr,
		"net_id":      g2.NetID,
		"mac_version": g2.MACVersion,
		"join_type":   joinType,
		"rx_slot":     f.slot,
	}).Info("mac: join-accept received")

	return nil
}

// processDataDown handles a (confirmed) data downlink.
func (e *Engine) processDataDown(f rxFrame) {
	g1 := &e.nvm.MACGroup1
	g2 := &e.nvm.MACGroup2
	slot := f.slot

	maxN, err := e.region.MaxPayloadSize(e.version().protocol(), f.dr)
	if err != nil || len(f.payload) < minDataFrameSize || len(f.payload)-frameOverhead > maxN {
		e.mcpsIndication.Status = StatusError
		e.prepareRxDoneAbort(slot)
		return
	}

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(f.payload); err != nil {
		e.mcpsIndication.Status = StatusError
		e.prepareRxDoneAbort(slot)
		return
	}
	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		e.mcpsIndication.Status = StatusError
		e.prepareRxDoneAbort(slot)
		return
	}

	ft, err := classifyFrame(payloadsSize(macPL.FHDR.FOpts), macPL.FPort, payloadsSize(macPL.FRMPayload))
	if err != nil {
		e.mcpsIndication.Status = StatusError
		e.prepareRxDoneAbort(slot)
		return
	}

	// Unicast or one of the multicast groups.
	addrID := crypto.UnicastDevAddr
	var mc *storage.MulticastChannel
	if macPL.FHDR.DevAddr != g2.DevAddr {
		for i := range g2.MulticastChannels {
			c := &g2.MulticastChannels[i]
			if c.Enabled && c.Address == macPL.FHDR.DevAddr {
				addrID = crypto.MulticastAddr0 + crypto.AddrID(i)
				mc = c
				break
			}
		}
		if mc == nil {
			e.mcpsIndication.Status = StatusAddressFail
			e.prepareRxDoneAbort(slot)
			return
		}
	}
	e.mcpsIndication.DevAddr = macPL.FHDR.DevAddr

	confirmed := phy.MHDR.MType == lorawan.ConfirmedDataDown

	if mc != nil {
		e.mcpsIndication.Multicast = true
		if slot == RxSlotClassC {
			slot = RxSlotClassCMulticast
			e.mcpsIndication.RxSlot = slot
			e.rxStatus.RxSlot = slot
		}

		if ft != frameTypeD || confirmed || macPL.FHDR.FCtrl.ACK || macPL.FHDR.FCtrl.ADRACKReq {
			e.mcpsIndication.Status = StatusMulticastFail
			e.prepareRxDoneAbort(slot)
			return
		}
	}

	fCntID := e.version().fCntDownID(ft)
	if mc != nil {
		fCntID = addrID.McFCntID()
	}

	fCnt, err := e.crypto.GetFCntDown(fCntID, uint16(macPL.FHDR.FCnt))
	if err != nil {
		switch errors.Cause(err) {
		case crypto.ErrFCntDuplicated:
			e.mcpsIndication.Status = StatusDownlinkRepeated
			if e.version().trackLastRxMIC() && confirmed && g1.LastRxMIC == phy.MIC {
				g1.SrvAckRequested = true
			}
			e.flags.McpsIndSkip = true
		case crypto.ErrMaxGapExceeded:
			e.mcpsIndication.Status = StatusDownlinkTooManyFramesLoss
		default:
			e.mcpsIndication.Status = StatusError
		}
		e.mcpsIndication.DownlinkCounter = fCnt
		e.prepareRxDoneAbort(slot)
		return
	}

	if mc != nil {
		if err := crypto.CheckMcFCnt(*mc, fCnt); err != nil {
			e.mcpsIndication.Status = StatusMulticastFail
			e.prepareRxDoneAbort(slot)
			return
		}
	}

	confFCnt := e.crypto.NextFCntUp()
	if confFCnt > 0 {
		confFCnt--
	}

	if err := e.crypto.UnsecureMessage(addrID, fCntID, fCnt, confFCnt, &phy); err != nil {
		switch errors.Cause(err) {
		case crypto.ErrMICFailed:
			e.mcpsIndication.Status = StatusMICFail
		case crypto.ErrInvalidAddress:
			e.mcpsIndication.Status = StatusAddressFail
		default:
			e.mcpsIndication.Status = StatusError
		}
		e.prepareRxDoneAbort(slot)
		return
	}

	e.mcpsIndication.Status = StatusOK
	e.mcpsIndication.FramePending = macPL.FHDR.FCtrl.FPending
	e.mcpsIndication.AckReceived = macPL.FHDR.FCtrl.ACK
	e.mcpsIndication.DownlinkCounter = fCnt
	e.mcpsConfirm.AckReceived = macPL.FHDR.FCtrl.ACK
	e.mcpsConfirm.Status = StatusOK

	if slot.classA() {
		g1.AdrAckCounter = 0
		g2.DownlinkReceived = true
	}

	switch {
	case mc != nil:
		e.mcpsIndication.Type = McpsMulticast
	case confirmed:
		e.mcpsIndication.Type = McpsConfirmed
		g1.SrvAckRequested = true
		if e.version().trackLastRxMIC() {
			g1.LastRxMIC = phy.MIC
		}
	default:
		e.mcpsIndication.Type = McpsUnconfirmed
		g1.SrvAckRequested = false
	}

	if (g1.SrvAckRequested || macPL.FHDR.FCtrl.FPending) && g2.DeviceClass == storage.ClassA {
		e.mcpsIndication.IsUplinkTxPending = true
	}

	e.removeMACCommands(slot, macPL.FHDR.FCtrl)

	if macPL.FPort != nil {
		e.mcpsIndication.FPort = *macPL.FPort
	}

	switch ft {
	case frameTypeA:
		e.handleMACCommands(macCommands(macPL.FHDR.FOpts), f.snr)
		e.mcpsIndication.Buffer = dataPayloadBytes(macPL.FRMPayload)
		e.mcpsIndication.RxData = true
	case frameTypeB:
		e.handleMACCommands(macCommands(macPL.FHDR.FOpts), f.snr)
	case frameTypeC:
		e.handleMACCommands(macCommands(macPL.FRMPayload), f.snr)
	case frameTypeD:
		e.mcpsIndication.Buffer = dataPayloadBytes(macPL.FRMPayload)
		e.mcpsIndication.RxData = true
	}

	e.flags.McpsInd = true

	log.WithFields(e.logFields()).WithFields(log.Fields{
		"dev_addr":  macPL.FHDR.DevAddr,
		"f_cnt":     fCnt,
		"frame":     ft,
		"rx_slot":   slot,
		"ack":       macPL.FHDR.FCtrl.ACK,
		"multicast": mc != nil,
	}).Debug("mac: downlink received")
}

// removeMACCommands removes the sticky answers once the network received
// them, which is known after a class A downlink (acknowledging the uplink
// when it was confirmed).
func (e *Engine) removeMACCommands(slot RxSlot, fCtrl lorawan.FCtrl) {
	if !slot.classA() {
		return
	}
	if e.mcpsConfirm.Type == McpsConfirmed && !fCtrl.ACK {
		return
	}
	e.macCmds.RemoveStickyAnswers()
}

func (e *Engine) processProprietary(f rxFrame) {
	e.mcpsIndication.Status = StatusOK
	e.mcpsIndication.Type = McpsProprietary
	e.mcpsIndication.Buffer = append([]byte(nil), f.payload[1:]...)
	e.mcpsIndication.RxData = true
	e.flags.McpsInd = true
}

// prepareRxDoneAbort aborts the handling of the received frame. For the
// class A windows, the uplink cycle is aborted too.
func (e *Engine) prepareRxDoneAbort(slot RxSlot) {
	e.flags.McpsInd = true

	switch slot {
	case RxSlotClassC, RxSlotClassCMulticast, RxSlotClassBPingSlot, RxSlotClassBMulticastSlot:
		return
	}

	e.state |= StateRxAbort
	if e.nodeAckRequested {
		e.onRetransmitTimeout()
	}
	e.flags.MacDone = true
}
