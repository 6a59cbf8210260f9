package maccommand

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

// handleForceRejoinReq stores the forced rejoin parameters. The request is
// not answered, the device answers with a rejoin-request.
func handleForceRejoinReq(ctx context.Context, s *Session, block Block, out *Result) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) != 1 {
		return nil, fmt.Errorf("exactly one mac-command expected, got: %d", len(block.MACCommands))
	}

	pl, ok := block.MACCommands[0].Payload.(*lorawan.ForceRejoinReqPayload)
	if !ok {
		return nil, fmt.Errorf("expected *lorawan.ForceRejoinReqPayload, got %T", block.MACCommands[0].Payload)
	}

	s.Group2.ForceRejoinMaxRetries = int(pl.MaxRetries)
	s.Group2.ForceRejoinType = int(pl.RejoinType)
	s.Group2.ForceRejoinPeriod = int(pl.Period)

	out.ForceRejoin = &ForceRejoin{
		Period:     pl.Period,
		MaxRetries: pl.MaxRetries,
		RejoinType: pl.RejoinType,
		DR:         pl.DR,
	}

	log.WithFields(log.Fields{
		"dev_eui":     s.DevEUI,
		"period":      pl.Period,
		"max_retries": pl.MaxRetries,
		"rejoin_type": pl.RejoinType,
		"dr":          pl.DR,
		"ctx_id":      ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: force_rejoin_req received")

	return nil, nil
}

// handleRejoinParamSetupReq sets the type 0 rejoin-request cycle: every
// 2^(MaxTimeN+10) seconds and every 2^(MaxCountN+4) uplinks.
func handleRejoinParamSetupReq(ctx context.Context, s *Session, block Block, out *Result) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) != 1 {
		return nil, fmt.Errorf("exactly one mac-command expected, got: %d", len(block.MACCommands))
	}

	pl, ok := block.MACCommands[0].Payload.(*lorawan.RejoinParamSetupReqPayload)
	if !ok {
		return nil, fmt.Errorf("expected *lorawan.RejoinParamSetupReqPayload, got %T", block.MACCommands[0].Payload)
	}

	s.Group2.Rejoin0CycleTime = time.Duration(1<<(uint(pl.MaxTimeN)+10)) * time.Second
	s.Group2.Rejoin0UplinksLimit = 1 << (uint(pl.MaxCountN) + 4)
	out.RejoinParamSetup = true

	log.WithFields(log.Fields{
		"dev_eui":       s.DevEUI,
		"cycle_time":    s.Group2.Rejoin0CycleTime,
		"uplinks_limit": s.Group2.Rejoin0UplinksLimit,
		"ctx_id":        ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: rejoin_param_setup_req applied")

	return []lorawan.MACCommand{
		{
			CID: lorawan.RejoinParamSetupAns,
			Payload: &lorawan.RejoinParamSetupAnsPayload{
				TimeOK: true,
			},
		},
	}, nil
}
