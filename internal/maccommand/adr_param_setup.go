package maccommand

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

func handleADRParamSetupReq(ctx context.Context, s *Session, block Block) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) != 1 {
		return nil, fmt.Errorf("exactly one mac-command expected, got: %d", len(block.MACCommands))
	}

	pl, ok := block.MACCommands[0].Payload.(*lorawan.ADRParamSetupReqPayload)
	if !ok {
		return nil, fmt.Errorf("expected *lorawan.ADRParamSetupReqPayload, got %T", block.MACCommands[0].Payload)
	}

	s.Group2.ADRAckLimit = 1 << pl.ADRParam.LimitExp
	s.Group2.ADRAckDelay = 1 << pl.ADRParam.DelayExp

	log.WithFields(log.Fields{
		"dev_eui":       s.DevEUI,
		"adr_ack_limit": s.Group2.ADRAckLimit,
		"adr_ack_delay": s.Group2.ADRAckDelay,
		"ctx_id":        ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: adr_param_setup_req applied")

	return []lorawan.MACCommand{
		{CID: lorawan.ADRParamSetupAns},
	}, nil
}
