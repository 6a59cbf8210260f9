package maccommand

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/band"
	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

// handleLinkADRReq handles a (block of) LinkADRReq. The new data-rate,
// tx-power, nb-trans and channel-mask are only applied when all status bits
// are set. Every request of the block is answered with the same status.
func handleLinkADRReq(ctx context.Context, s *Session, block Block) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) == 0 {
		return nil, fmt.Errorf("at least one mac-command expected, got none")
	}

	var payloads []lorawan.LinkADRReqPayload
	for i := range block.MACCommands {
		pl, ok := block.MACCommands[i].Payload.(*lorawan.LinkADRReqPayload)
		if !ok {
			return nil, fmt.Errorf("expected *lorawan.LinkADRReqPayload, got %T", block.MACCommands[i].Payload)
		}
		payloads = append(payloads, *pl)
	}

	res := s.Region.LinkADRReq(band.LinkADRRequest{
		Payloads: payloads,
		DR:       s.Group1.ChannelsDatarate,
		TxPower:  s.Group1.ChannelsTxPower,
		NbTrans:  s.Group2.MACParams.ChannelsNbTrans,
	})

	if res.OK() {
		s.Group1.ChannelsDatarate = res.DR
		s.Group1.ChannelsTxPower = res.TxPower
		s.Group2.MACParams.ChannelsNbTrans = res.NbTrans

		log.WithFields(log.Fields{
			"dev_eui":  s.DevEUI,
			"dr":       res.DR,
			"tx_power": res.TxPower,
			"nb_trans": res.NbTrans,
			"channels": res.Channels,
			"ctx_id":   ctx.Value(logging.ContextIDKey),
		}).Info("maccommand: link_adr_req applied")
	} else {
		log.WithFields(log.Fields{
			"dev_eui":          s.DevEUI,
			"channel_mask_ack": res.ChannelMaskACK,
			"data_rate_ack":    res.DataRateACK,
			"power_ack":        res.PowerACK,
			"ctx_id":           ctx.Value(logging.ContextIDKey),
		}).Warning("maccommand: link_adr_req rejected")
	}

	var out []lorawan.MACCommand
	for range payloads {
		out = append(out, lorawan.MACCommand{
			CID: lorawan.LinkADRAns,
			Payload: &lorawan.LinkADRAnsPayload{
				ChannelMaskACK: res.ChannelMaskACK,
				DataRateACK:    res.DataRateACK,
				PowerACK:       res.PowerACK,
			},
		})
	}
	return out, nil
}
