package maccommand

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

// handleRXParamSetupReq validates and applies the RX1 data-rate offset, RX2
// frequency and RX2 data-rate. The answer is sticky.
func handleRXParamSetupReq(ctx context.Context, s *Session, block Block) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) != 1 {
		return nil, fmt.Errorf("exactly one mac-command expected, got: %d", len(block.MACCommands))
	}

	pl, ok := block.MACCommands[0].Payload.(*lorawan.RXParamSetupReqPayload)
	if !ok {
		return nil, fmt.Errorf("expected *lorawan.RXParamSetupReqPayload, got %T", block.MACCommands[0].Payload)
	}

	res := s.Region.RXParamSetup(pl.Frequency, int(pl.DLSettings.RX2DataRate), int(pl.DLSettings.RX1DROffset))
	if res.OK() {
		mp := &s.Group2.MACParams
		mp.RX1DROffset = int(pl.DLSettings.RX1DROffset)
		mp.RX2Channel.Frequency = pl.Frequency
		mp.RX2Channel.DR = int(pl.DLSettings.RX2DataRate)
		mp.RXCChannel = mp.RX2Channel

		log.WithFields(log.Fields{
			"dev_eui":       s.DevEUI,
			"rx2_frequency": pl.Frequency,
			"rx2_dr":        pl.DLSettings.RX2DataRate,
			"rx1_dr_offset": pl.DLSettings.RX1DROffset,
			"ctx_id":        ctx.Value(logging.ContextIDKey),
		}).Info("maccommand: rx_param_setup_req applied")
	} else {
		log.WithFields(log.Fields{
			"dev_eui":           s.DevEUI,
			"channel_ack":       res.ChannelACK,
			"rx1_dr_offset_ack": res.RX1DROffsetACK,
			"rx2_dr_ack":        res.RX2DataRateACK,
			"ctx_id":            ctx.Value(logging.ContextIDKey),
		}).Warning("maccommand: rx_param_setup_req rejected")
	}

	return []lorawan.MACCommand{
		{
			CID: lorawan.RXParamSetupAns,
			Payload: &lorawan.RXParamSetupAnsPayload{
				ChannelACK:     res.ChannelACK,
				RX2DataRateACK: res.RX2DataRateACK,
				RX1DROffsetACK: res.RX1DROffsetACK,
			},
		},
	}, nil
}
