package maccommand

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

// maxDCycleLimit is the largest MaxDCycle value which is applied. Values
// above are reserved.
const maxDCycleLimit = 15

func handleDutyCycleReq(ctx context.Context, s *Session, block Block) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) != 1 {
		return nil, fmt.Errorf("exactly one mac-command expected, got: %d", len(block.MACCommands))
	}

	pl, ok := block.MACCommands[0].Payload.(*lorawan.DutyCycleReqPayload)
	if !ok {
		return nil, fmt.Errorf("expected *lorawan.DutyCycleReqPayload, got %T", block.MACCommands[0].Payload)
	}

	if pl.MaxDCycle <= maxDCycleLimit {
		s.Group2.MaxDCycle = pl.MaxDCycle
		s.Group2.AggregatedDCycle = 1 << pl.MaxDCycle
	}

	log.WithFields(log.Fields{
		"dev_eui":    s.DevEUI,
		"max_dcycle": pl.MaxDCycle,
		"aggregated": s.Group2.AggregatedDCycle,
		"ctx_id":     ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: duty_cycle_req received")

	return []lorawan.MACCommand{
		{CID: lorawan.DutyCycleAns},
	}, nil
}
