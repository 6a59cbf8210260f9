package maccommand

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

// RequestPingSlotInfo returns a PingSlotInfoReq mac-command for the given
// periodicity (ping-slot period = 2^periodicity seconds).
func RequestPingSlotInfo(periodicity uint8) lorawan.MACCommand {
	return lorawan.MACCommand{
		CID: lorawan.PingSlotInfoReq,
		Payload: &lorawan.PingSlotInfoReqPayload{
			Periodicity: periodicity,
		},
	}
}

func handlePingSlotInfoAns(ctx context.Context, s *Session, block Block, out *Result) ([]lorawan.MACCommand, error) {
	out.PingSlotInfoAns = true

	log.WithFields(log.Fields{
		"dev_eui": s.DevEUI,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: ping_slot_info_ans received")

	return nil, nil
}

// handlePingSlotChannelReq sets the ping-slot frequency and data-rate. A
// frequency of 0 restores the region default.
func handlePingSlotChannelReq(ctx context.Context, s *Session, block Block) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) != 1 {
		return nil, fmt.Errorf("exactly one mac-command expected, got: %d", len(block.MACCommands))
	}

	pl, ok := block.MACCommands[0].Payload.(*lorawan.PingSlotChannelReqPayload)
	if !ok {
		return nil, fmt.Errorf("expected *lorawan.PingSlotChannelReqPayload, got %T", block.MACCommands[0].Payload)
	}

	freqOK := pl.Frequency == 0 || s.Region.VerifyFrequency(pl.Frequency)
	drOK := s.Region.VerifyRxDR(int(pl.DR))

	if freqOK && drOK {
		s.ClassB.PingSlotFrequency = pl.Frequency
		s.ClassB.PingSlotDR = int(pl.DR)
	}

	log.WithFields(log.Fields{
		"dev_eui":   s.DevEUI,
		"frequency": pl.Frequency,
		"dr":        pl.DR,
		"freq_ok":   freqOK,
		"dr_ok":     drOK,
		"ctx_id":    ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: ping_slot_channel_req received")

	return []lorawan.MACCommand{
		{
			CID: lorawan.PingSlotChannelAns,
			Payload: &lorawan.PingSlotChannelAnsPayload{
				DataRateOK:         drOK,
				ChannelFrequencyOK: freqOK,
			},
		},
	}, nil
}

// handleBeaconFreqReq sets the beacon frequency. A frequency of 0 restores
// the region default.
func handleBeaconFreqReq(ctx context.Context, s *Session, block Block) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) != 1 {
		return nil, fmt.Errorf("exactly one mac-command expected, got: %d", len(block.MACCommands))
	}

	pl, ok := block.MACCommands[0].Payload.(*lorawan.BeaconFreqReqPayload)
	if !ok {
		return nil, fmt.Errorf("expected *lorawan.BeaconFreqReqPayload, got %T", block.MACCommands[0].Payload)
	}

	freqOK := pl.Frequency == 0 || s.Region.VerifyFrequency(pl.Frequency)
	if freqOK {
		s.ClassB.BeaconFrequency = pl.Frequency
	}

	log.WithFields(log.Fields{
		"dev_eui":   s.DevEUI,
		"frequency": pl.Frequency,
		"freq_ok":   freqOK,
		"ctx_id":    ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: beacon_freq_req received")

	return []lorawan.MACCommand{
		{
			CID: lorawan.BeaconFreqAns,
			Payload: &lorawan.BeaconFreqAnsPayload{
				BeaconFrequencyOK: freqOK,
			},
		},
	}, nil
}
