package maccommand

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

func handleNewChannelReq(ctx context.Context, s *Session, block Block, out *Result) ([]lorawan.MACCommand, error) {
	var answers []lorawan.MACCommand

	for i := range block.MACCommands {
		pl, ok := block.MACCommands[i].Payload.(*lorawan.NewChannelReqPayload)
		if !ok {
			return nil, fmt.Errorf("expected *lorawan.NewChannelReqPayload, got %T", block.MACCommands[i].Payload)
		}

		freqOK, drOK := s.Region.NewChannel(*pl)
		if freqOK && drOK {
			out.ChannelsChanged = true
		}

		log.WithFields(log.Fields{
			"dev_eui":     s.DevEUI,
			"ch_index":    pl.ChIndex,
			"frequency":   pl.Freq,
			"min_dr":      pl.MinDR,
			"max_dr":      pl.MaxDR,
			"freq_ok":     freqOK,
			"dr_range_ok": drOK,
			"ctx_id":      ctx.Value(logging.ContextIDKey),
		}).Info("maccommand: new_channel_req received")

		answers = append(answers, lorawan.MACCommand{
			CID: lorawan.NewChannelAns,
			Payload: &lorawan.NewChannelAnsPayload{
				ChannelFrequencyOK: freqOK,
				DataRateRangeOK:    drOK,
			},
		})
	}

	return answers, nil
}

// handleDLChannelReq sets the RX1 frequency of an uplink channel. The answer
// is sticky.
func handleDLChannelReq(ctx context.Context, s *Session, block Block, out *Result) ([]lorawan.MACCommand, error) {
	var answers []lorawan.MACCommand

	for i := range block.MACCommands {
		pl, ok := block.MACCommands[i].Payload.(*lorawan.DLChannelReqPayload)
		if !ok {
			return nil, fmt.Errorf("expected *lorawan.DLChannelReqPayload, got %T", block.MACCommands[i].Payload)
		}

		freqOK, ulExists := s.Region.DLChannel(*pl)
		if freqOK && ulExists {
			out.ChannelsChanged = true
		}

		log.WithFields(log.Fields{
			"dev_eui":   s.DevEUI,
			"ch_index":  pl.ChIndex,
			"frequency": pl.Freq,
			"freq_ok":   freqOK,
			"ul_exists": ulExists,
			"ctx_id":    ctx.Value(logging.ContextIDKey),
		}).Info("maccommand: dl_channel_req received")

		answers = append(answers, lorawan.MACCommand{
			CID: lorawan.DLChannelAns,
			Payload: &lorawan.DLChannelAnsPayload{
				UplinkFrequencyExists: ulExists,
				ChannelFrequencyOK:    freqOK,
			},
		})
	}

	return answers, nil
}
