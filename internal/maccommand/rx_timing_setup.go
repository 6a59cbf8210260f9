package maccommand

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

// handleRXTimingSetupReq sets the RX1 delay (0 = 1 second). RX2 opens one
// second after RX1. The answer is sticky.
func handleRXTimingSetupReq(ctx context.Context, s *Session, block Block) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) != 1 {
		return nil, fmt.Errorf("exactly one mac-command expected, got: %d", len(block.MACCommands))
	}

	pl, ok := block.MACCommands[0].Payload.(*lorawan.RXTimingSetupReqPayload)
	if !ok {
		return nil, fmt.Errorf("expected *lorawan.RXTimingSetupReqPayload, got %T", block.MACCommands[0].Payload)
	}

	delay := int(pl.Delay)
	if delay == 0 {
		delay = 1
	}

	s.Group2.MACParams.ReceiveDelay1 = time.Duration(delay) * time.Second
	s.Group2.MACParams.ReceiveDelay2 = s.Group2.MACParams.ReceiveDelay1 + time.Second

	log.WithFields(log.Fields{
		"dev_eui":        s.DevEUI,
		"receive_delay1": s.Group2.MACParams.ReceiveDelay1,
		"ctx_id":         ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: rx_timing_setup_req applied")

	return []lorawan.MACCommand{
		{CID: lorawan.RXTimingSetupAns},
	}, nil
}
