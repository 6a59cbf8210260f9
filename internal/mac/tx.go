package mac

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/adr"
	"github.com/brocaar/chirpstack-device-mac/internal/band"
	"github.com/brocaar/chirpstack-device-mac/internal/classb"
	"github.com/brocaar/chirpstack-device-mac/internal/maccommand"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

const (
	// maxFOptsLen defines the max. size of the FOpts field.
	maxFOptsLen = 15

	// maxPHYPayloadSize defines the max. size of the application payload
	// and mac-commands the radio can carry.
	maxPHYPayloadSize = 255
)

type txKind int

const (
	txData txKind = iota
	txJoin
	txRejoin
	txProprietary
)

// txMessage holds the uplink which is being (re)transmitted.
type txMessage struct {
	kind  txKind
	mType lorawan.MType
	fCtrl lorawan.FCtrl
	fPort *uint8
	data  []byte

	// fOpts holds the mac-commands sent in the FOpts field, payloadCmds
	// the mac-commands sent as FRMPayload (FPort 0).
	fOpts       []lorawan.MACCommand
	payloadCmds []lorawan.MACCommand

	rejoinType lorawan.JoinType

	// buffer holds the secured frame.
	buffer []byte
}

// appSize returns the size of the FRMPayload and FOpts content.
func (m txMessage) appSize() int {
	return len(m.data) + commandsSize(m.fOpts) + commandsSize(m.payloadCmds)
}

// phyPayload returns a new (unsecured) PHYPayload for the message. A new
// payload is built on every attempt as securing encrypts it in place.
func (m txMessage) phyPayload(devAddr lorawan.DevAddr) lorawan.PHYPayload {
	macPL := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: devAddr,
			FCtrl:   m.fCtrl,
		},
	}

	for i := range m.fOpts {
		cmd := m.fOpts[i]
		macPL.FHDR.FOpts = append(macPL.FHDR.FOpts, &cmd)
	}

	if m.fPort != nil {
		fPort := *m.fPort
		macPL.FPort = &fPort
	}

	if len(m.payloadCmds) != 0 {
		for i := range m.payloadCmds {
			cmd := m.payloadCmds[i]
			macPL.FRMPayload = append(macPL.FRMPayload, &cmd)
		}
	} else if len(m.data) != 0 {
		macPL.FRMPayload = []lorawan.Payload{
			&lorawan.DataPayload{Bytes: append([]byte(nil), m.data...)},
		}
	}

	return lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: m.mType,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &macPL,
	}
}

func commandsSize(cmds []lorawan.MACCommand) int {
	var n int
	for _, cmd := range cmds {
		b, err := cmd.MarshalBinary()
		if err != nil {
			continue
		}
		n += len(b)
	}
	return n
}

// send prepares and schedules a new data uplink.
func (e *Engine) send(mType lorawan.MType, fPort uint8, data []byte, allowDelayed bool) error {
	g1 := &e.nvm.MACGroup1
	g2 := &e.nvm.MACGroup2

	if !e.IsJoined() {
		return ErrNoNetworkJoined
	}
	if g2.MaxDCycle == 0 {
		g1.AggregatedTimeOff = 0
	}

	fCtrl := lorawan.FCtrl{
		ADR:    g2.AdrCtrlOn,
		ClassB: g2.DeviceClass == storage.ClassB,
		ACK:    g1.SrvAckRequested,
	}

	prevDR := g1.ChannelsDatarate
	prevTxPower := g1.ChannelsTxPower
	prevNbTrans := g2.MACParams.ChannelsNbTrans
	restore := func() {
		g1.ChannelsDatarate = prevDR
		g1.ChannelsTxPower = prevTxPower
		g2.MACParams.ChannelsNbTrans = prevNbTrans
	}

	adrAckCounter := g1.AdrAckCounter
	resp, err := e.handleADR()
	if err != nil {
		log.WithFields(e.logFields()).WithError(err).Error("mac: adr handler error")
	} else {
		g1.ChannelsDatarate = resp.DR
		g1.ChannelsTxPower = resp.TxPowerIndex
		g2.MACParams.ChannelsNbTrans = resp.NbTrans
		fCtrl.ADRACKReq = resp.AdrAckReq
		adrAckCounter = resp.AdrAckCounter
		if resp.RestoreDefaultChannels {
			e.region.EnableDefaultChannels()
		}
	}

	e.addPendingIndications()

	err = e.prepareFrame(mType, fCtrl, fPort, data)
	skipped := errors.Cause(err) == ErrSkippedAppData
	if err != nil && !skipped {
		restore()
		return err
	}

	rekeyIndSent := e.macCmds.Contains(lorawan.RekeyInd)

	if err := e.scheduleTx(allowDelayed); err != nil {
		restore()
		return err
	}

	g1.SrvAckRequested = false
	g1.AdrAckCounter = adrAckCounter
	e.macCmds.RemoveNonSticky()

	if rekeyIndSent {
		g1.RekeyIndCounter++
		if g1.RekeyIndCounter >= g2.ADRAckLimit {
			log.WithFields(e.logFields()).Warning("mac: no rekey_conf received, falling back to join")
			g2.NetworkActivation = storage.ActivationNone
			g2.RekeyIndPending = false
		}
	}

	if e.version().supportsRejoin() && g2.NetworkActivation == storage.ActivationOTAA {
		g1.Rejoin0Counter++
	}

	if skipped {
		return ErrSkippedAppData
	}
	return nil
}

// handleADR requests the uplink parameters from the ADR handler.
func (e *Engine) handleADR() (adr.HandleResponse, error) {
	g1 := &e.nvm.MACGroup1
	g2 := &e.nvm.MACGroup2

	return e.adr.Handle(adr.HandleRequest{
		Region:              e.region.Name(),
		DevEUI:              e.conf.DevEUI,
		MACVersion:          e.version().protocol(),
		ADR:                 g2.AdrCtrlOn,
		DR:                  g1.ChannelsDatarate,
		TxPowerIndex:        g1.ChannelsTxPower,
		NbTrans:             g2.MACParams.ChannelsNbTrans,
		AdrAckCounter:       g1.AdrAckCounter,
		ADRAckLimit:         g2.ADRAckLimit,
		ADRAckDelay:         g2.ADRAckDelay,
		MinDR:               e.region.MinTxDR(),
		MaxDR:               e.region.MaxTxDR(),
		DefaultTxPowerIndex: e.region.Defaults().TxPower,
		MaxTxPowerIndex:     e.region.MaxTxPower(),
	})
}

// addPendingIndications queues the 1.1 indications which have not been
// confirmed yet.
func (e *Engine) addPendingIndications() {
	if !e.version().supportsRejoin() {
		return
	}

	g2 := &e.nvm.MACGroup2
	add := func(cmd lorawan.MACCommand) {
		if e.macCmds.Contains(cmd.CID) {
			return
		}
		if err := e.macCmds.Add(cmd); err != nil {
			log.WithFields(e.logFields()).WithError(err).WithField("cid", cmd.CID).Warning("mac: queue mac-command error")
		}
	}

	if g2.ResetIndPending {
		add(maccommand.RequestResetInd())
	}
	if g2.RekeyIndPending {
		add(maccommand.RequestRekeyInd())
	}
	if g2.DeviceModeIndPending {
		add(maccommand.RequestDeviceModeInd(g2.DeviceClass))
	}
}

// prepareFrame builds the uplink message. The queued mac-commands are sent
// in the FOpts when they fit, else they are sent as FRMPayload (FPort 0) in
// which case the application payload is skipped.
func (e *Engine) prepareFrame(mType lorawan.MType, fCtrl lorawan.FCtrl, fPort uint8, data []byte) error {
	e.txMsg = txMessage{
		kind:  txData,
		mType: mType,
		fCtrl: fCtrl,
	}

	if mType == lorawan.Proprietary {
		mhdr, err := lorawan.MHDR{MType: lorawan.Proprietary, Major: lorawan.LoRaWANR1}.MarshalBinary()
		if err != nil {
			return errors.Wrap(err, "marshal mhdr error")
		}
		e.txMsg.kind = txProprietary
		e.txMsg.data = append([]byte(nil), data...)
		e.txMsg.buffer = append(mhdr, data...)
		return nil
	}

	if mType == lorawan.ConfirmedDataUp {
		e.nodeAckRequested = true
	}
	e.mcpsConfirm.UplinkCounter = e.crypto.NextFCntUp()

	maxN, err := e.region.MaxPayloadSize(e.version().protocol(), e.nvm.MACGroup1.ChannelsDatarate)
	if err != nil {
		return errors.Wrap(ErrParameterInvalid, err.Error())
	}

	var zero uint8
	switch {
	case len(data) != 0 && e.macCmds.Size() <= maxFOptsLen:
		e.txMsg.fPort = &fPort
		e.txMsg.data = append([]byte(nil), data...)
		e.txMsg.fOpts, _ = e.macCmds.Serialize(maxFOptsLen)
	case len(data) != 0:
		e.txMsg.fPort = &zero
		e.txMsg.payloadCmds, _ = e.macCmds.Serialize(maxN)

		log.WithFields(e.logFields()).WithFields(log.Fields{
			"mac_commands_size": e.macCmds.Size(),
			"f_port":            fPort,
		}).Info("mac: application payload skipped, sending mac-commands")
		return ErrSkippedAppData
	case e.macCmds.Len() != 0:
		e.txMsg.fPort = &zero
		e.txMsg.payloadCmds, _ = e.macCmds.Serialize(maxN)
	}

	return nil
}

// scheduleTx selects the channel and transmits the prepared message. When
// the duty-cycle restricts the transmission and allowDelayed is set, the
// transmission is delayed and nil is returned.
func (e *Engine) scheduleTx(allowDelayed bool) error {
	g1 := &e.nvm.MACGroup1
	g2 := &e.nvm.MACGroup2
	params := g2.MACParams

	if e.classB.IsBeaconExpected() {
		return ErrBusyBeaconReservedTime
	}
	if g2.DeviceClass == storage.ClassB {
		if e.classB.IsPingExpected(g2.DevAddr) || e.classB.IsMulticastExpected(g2.MulticastChannels[:]) {
			return ErrBusyPingSlotWindowTime
		}
	}

	e.calculateBackOff()

	res, err := e.region.NextChannel(band.NextChannelRequest{
		DR:                g1.ChannelsDatarate,
		Joined:            e.IsJoined(),
		DutyCycleOn:       g2.DutyCycleOn,
		Now:               e.clock.Now(),
		LastTxDone:        g1.LastTxDoneTime,
		AggregatedTimeOff: g1.AggregatedTimeOff,
	})
	if err != nil {
		if errors.Cause(err) != band.ErrDutyCycleRestricted {
			return errors.Wrap(ErrNoFreeChannelFound, err.Error())
		}

		dutyCycleRestrictedCounter().Inc()
		e.dutyCycleWaitTime = res.Wait

		if res.Wait != 0 && allowDelayed {
			e.state |= StateTxDelayed
			e.txDelayedTimer.Start(res.Wait)

			log.WithFields(e.logFields()).WithField("wait", res.Wait).Info("mac: uplink delayed by duty-cycle")
			return nil
		}
		return ErrDutyCycleRestricted
	}

	e.dutyCycleWaitTime = 0
	e.txChannel = res.Channel
	g1.AggregatedTimeOff = 0

	rx1DR, err := e.region.RX1DataRate(g1.ChannelsDatarate, params.RX1DROffset)
	if err != nil {
		return errors.Wrap(ErrParameterInvalid, err.Error())
	}
	rx1Freq, err := e.region.RX1Frequency(res.Channel)
	if err != nil {
		return errors.Wrap(ErrParameterInvalid, err.Error())
	}
	rx1, err := e.region.RxWindow(rx1Freq, rx1DR, params.MinRxSymbols, params.SystemMaxRxError)
	if err != nil {
		return errors.Wrap(ErrParameterInvalid, err.Error())
	}
	rx2, err := e.region.RxWindow(params.RX2Channel.Frequency, params.RX2Channel.DR, params.MinRxSymbols, params.SystemMaxRxError)
	if err != nil {
		return errors.Wrap(ErrParameterInvalid, err.Error())
	}

	e.mu.Lock()
	e.rx1Params = RxParams{
		Frequency: rx1.Frequency,
		DR:        rx1.DR,
		DataRate:  rx1.DataRate,
		Timeout:   rx1.WindowTimeout,
		Slot:      RxSlotWin1,
	}
	e.rx2Params = RxParams{
		Frequency: rx2.Frequency,
		DR:        rx2.DR,
		DataRate:  rx2.DataRate,
		Timeout:   rx2.WindowTimeout,
		Slot:      RxSlotWin2,
	}
	e.mu.Unlock()

	if e.txMsg.kind == txJoin || e.txMsg.kind == txRejoin || !e.IsJoined() {
		e.rxDelay1 = params.JoinAcceptDelay1 + rx1.WindowOffset
		e.rxDelay2 = params.JoinAcceptDelay2 + rx2.WindowOffset
	} else {
		maxN, err := e.region.MaxPayloadSize(e.version().protocol(), g1.ChannelsDatarate)
		if err != nil {
			return errors.Wrap(ErrParameterInvalid, err.Error())
		}
		if size := e.txMsg.appSize(); size > maxN || size > maxPHYPayloadSize {
			return errors.Wrapf(ErrLength, "size %d, max %d", size, maxN)
		}
		e.rxDelay1 = params.ReceiveDelay1 + rx1.WindowOffset
		e.rxDelay2 = params.ReceiveDelay2 + rx2.WindowOffset
	}

	if err := e.secureFrame(uint8(g1.ChannelsDatarate), uint8(res.Channel)); err != nil {
		return err
	}

	return e.sendFrameOnChannel(res.Channel)
}

// calculateBackOff sets the aggregated time-off of the last transmission.
// It is only set when the previous time-off has been consumed.
func (e *Engine) calculateBackOff() {
	g1 := &e.nvm.MACGroup1
	if g1.AggregatedTimeOff == 0 {
		g1.AggregatedTimeOff = band.AggregatedTimeOff(e.txTimeOnAir, e.nvm.MACGroup2.AggregatedDCycle)
	}
}

// secureFrame secures the message. A retransmission re-uses the
// frame-counter of the previous attempt.
func (e *Engine) secureFrame(txDR, txCh uint8) error {
	var phy lorawan.PHYPayload
	var err error

	switch e.txMsg.kind {
	case txProprietary:
		return nil
	case txJoin:
		phy, err = e.crypto.PrepareJoinRequest()
	case txRejoin:
		phy, err = e.crypto.PrepareRejoinRequest(e.txMsg.rejoinType, e.nvm.MACGroup2.NetID)
	case txData:
		fCnt := e.crypto.NextFCntUp()
		if e.nbTransCounter > 0 && fCnt > 0 {
			fCnt--
		}

		phy = e.txMsg.phyPayload(e.nvm.MACGroup2.DevAddr)
		if err = e.crypto.SecureMessage(&phy, fCnt, txDR, txCh); err == nil && e.nbTransCounter == 0 {
			e.crypto.SetFCntUp(fCnt + 1)
		}
	}
	if err != nil {
		return errors.Wrap(ErrCrypto, err.Error())
	}

	b, err := phy.MarshalBinary()
	if err != nil {
		return errors.Wrap(ErrCrypto, err.Error())
	}
	e.txMsg.buffer = b
	return nil
}

// sendFrameOnChannel hands the secured frame to the radio.
func (e *Engine) sendFrameOnChannel(channel int) error {
	g1 := &e.nvm.MACGroup1

	txc, err := e.region.TxConfig(band.TxConfigRequest{
		Channel:     channel,
		DR:          g1.ChannelsDatarate,
		TxPower:     g1.ChannelsTxPower,
		AntennaGain: e.nvm.MACGroup2.MACParams.AntennaGain,
		PayloadSize: len(e.txMsg.buffer),
	})
	if err != nil {
		return errors.Wrap(ErrParameterInvalid, err.Error())
	}

	e.mcpsConfirm.Status = StatusError
	e.mcpsConfirm.DR = g1.ChannelsDatarate
	e.mcpsConfirm.TxPower = g1.ChannelsTxPower
	e.mcpsConfirm.Channel = channel
	e.mcpsConfirm.TxTimeOnAir = txc.TimeOnAir
	e.mlmeConfirm.TxTimeOnAir = txc.TimeOnAir
	e.txTimeOnAir = txc.TimeOnAir

	if e.classB.State() == classb.BeaconStateLocked && e.classB.TxCollision(txc.TimeOnAir) > 0 {
		return ErrUplinkCollision
	}
	e.classB.Suspend()

	e.state |= StateTxRunning
	e.nbTransCounter++
	e.mcpsConfirm.NbTrans = e.nbTransCounter
	e.mlmeConfirm.NbRetries = e.nbTransCounter

	e.mu.Lock()
	e.radioTx = true
	e.rxcActive = false
	e.mu.Unlock()

	e.radio.Standby()
	err = e.radio.Send(TxParams{
		Frequency: txc.Frequency,
		DR:        txc.DR,
		DataRate:  txc.DataRate,
		Power:     txc.Power,
		TimeOnAir: txc.TimeOnAir,
	}, e.txMsg.buffer)
	if err != nil {
		e.mu.Lock()
		e.radioTx = false
		e.mu.Unlock()
		e.state &^= StateTxRunning
		e.nbTransCounter--
		return errors.Wrap(err, "radio send error")
	}

	if e.version().confirmOnSend() && e.txMsg.kind == txData && !e.nodeAckRequested {
		e.mcpsConfirm.Status = StatusOK
	}

	uplinkCounter(e.txMsg.mTypeString()).Inc()
	timeOnAirHistogram().Observe(txc.TimeOnAir.Seconds())

	log.WithFields(e.logFields()).WithFields(log.Fields{
		"channel":     channel,
		"frequency":   txc.Frequency,
		"dr":          txc.DR,
		"tx_power":    txc.Power,
		"time_on_air": txc.TimeOnAir,
		"nb_trans":    e.nbTransCounter,
	}).Debug("mac: uplink sent")

	return nil
}

func (m txMessage) mTypeString() string {
	switch m.kind {
	case txJoin:
		return lorawan.JoinRequest.String()
	case txRejoin:
		return lorawan.RejoinRequest.String()
	default:
		return m.mType.String()
	}
}

// onTxDelayed transmits the delayed (or repeated) uplink.
func (e *Engine) onTxDelayed() {
	e.txDelayedTimer.Stop()
	e.state &^= StateTxDelayed

	err := e.scheduleTx(true)
	if err == nil {
		return
	}

	log.WithFields(e.logFields()).WithError(err).Error("mac: schedule delayed uplink error")

	e.mcpsConfirm.DR = e.nvm.MACGroup1.ChannelsDatarate
	e.mcpsConfirm.NbTrans = e.nbTransCounter
	e.mcpsConfirm.Status = StatusTxDRPayloadSizeError
	e.confirmQueue.setStatusCmn(StatusTxDRPayloadSizeError)
	e.stopRetransmission()
	e.flags.MacDone = true
}
