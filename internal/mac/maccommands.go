package mac

import (
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/maccommand"
	"github.com/brocaar/chirpstack-device-mac/internal/timer"
	"github.com/brocaar/lorawan"
)

// batteryUnknown is the DevStatusAns battery level when the level can not
// be measured.
const batteryUnknown = 255

// handleMACCommands handles the mac-commands received in a downlink and
// applies the outcome to the engine state.
func (e *Engine) handleMACCommands(cmds []lorawan.MACCommand, snr float64) {
	if len(cmds) == 0 {
		return
	}

	battery := uint8(batteryUnknown)
	if e.cb.BatteryLevel != nil {
		battery = e.cb.BatteryLevel()
	}

	s := maccommand.Session{
		DevEUI:  e.conf.DevEUI,
		Region:  e.region,
		Group1:  &e.nvm.MACGroup1,
		Group2:  &e.nvm.MACGroup2,
		ClassB:  &e.nvm.ClassB,
		Battery: battery,
		SNR:     int(math.Round(snr)),
	}

	// The commands handled before a failing one are still applied.
	res, err := maccommand.Handle(e.ctx, &s, cmds)
	if err != nil {
		log.WithFields(e.logFields()).WithError(err).Warning("mac: mac-command handling stopped")
	}

	for _, cmd := range res.Answers {
		if err := e.macCmds.Add(cmd); err != nil {
			log.WithFields(e.logFields()).WithError(err).WithField("cid", cmd.CID).Warning("mac: queue mac-command answer error")
		}
	}

	e.applyMACCommandResult(res)
}

func (e *Engine) applyMACCommandResult(res maccommand.Result) {
	g1 := &e.nvm.MACGroup1
	g2 := &e.nvm.MACGroup2

	if res.LinkCheck != nil {
		e.mlmeConfirm.DemodMargin = res.LinkCheck.Margin
		e.mlmeConfirm.NbGateways = res.LinkCheck.GwCnt
		e.confirmQueue.setStatus(StatusOK, MlmeLinkCheck)
	}

	if res.TimeSinceGPSEpoch != nil {
		// The answer holds the time at the end of the uplink transmission.
		e.classB.SyncTime(*res.TimeSinceGPSEpoch + timer.Elapsed(e.clock, g1.LastTxDoneTime))
		e.confirmQueue.setStatus(StatusOK, MlmeDeviceTime)
		e.mcpsIndication.DeviceTimeAnsReceived = true
	}

	if res.PingSlotInfoAns {
		e.confirmQueue.setStatus(StatusOK, MlmePingSlotInfo)
	}

	if res.ResetConf != nil {
		e.macCmds.Remove(lorawan.ResetInd)
		g2.ResetIndPending = false
	}

	if res.RekeyConf != nil {
		e.macCmds.Remove(lorawan.RekeyInd)
		g2.RekeyIndPending = false
		g1.RekeyIndCounter = 0
	}

	if res.DeviceModeConf != nil {
		e.macCmds.Remove(lorawan.DeviceModeInd)
		g2.DeviceModeIndPending = false
	}

	if res.ForceRejoin != nil {
		e.handleForceRejoinReq(*res.ForceRejoin)
	}

	if res.RejoinParamSetup {
		e.startRejoinCycles()
	}

	if res.ChannelsChanged || res.TxParamsChanged {
		log.WithFields(e.logFields()).WithFields(log.Fields{
			"channels": e.region.EnabledChannels(),
			"max_eirp": g2.MACParams.MaxEIRP,
		}).Debug("mac: channel-plan updated")
	}
}
