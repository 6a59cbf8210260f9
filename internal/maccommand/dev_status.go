package maccommand

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

// DevStatusAns margin range (6 bit signed).
const (
	minMargin = -32
	maxMargin = 31
)

func handleDevStatusReq(ctx context.Context, s *Session, block Block) ([]lorawan.MACCommand, error) {
	margin := s.SNR
	if margin < minMargin {
		margin = minMargin
	}
	if margin > maxMargin {
		margin = maxMargin
	}

	log.WithFields(log.Fields{
		"dev_eui": s.DevEUI,
		"battery": s.Battery,
		"margin":  margin,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: dev_status_req received")

	var out []lorawan.MACCommand
	for range block.MACCommands {
		out = append(out, lorawan.MACCommand{
			CID: lorawan.DevStatusAns,
			Payload: &lorawan.DevStatusAnsPayload{
				Battery: s.Battery,
				Margin:  int8(margin),
			},
		})
	}
	return out, nil
}
