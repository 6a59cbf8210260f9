package maccommand

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

// RequestLinkCheck returns a LinkCheckReq mac-command.
func RequestLinkCheck() lorawan.MACCommand {
	return lorawan.MACCommand{
		CID: lorawan.LinkCheckReq,
	}
}

func handleLinkCheckAns(ctx context.Context, s *Session, block Block, out *Result) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) != 1 {
		return nil, fmt.Errorf("exactly one mac-command expected, got: %d", len(block.MACCommands))
	}

	pl, ok := block.MACCommands[0].Payload.(*lorawan.LinkCheckAnsPayload)
	if !ok {
		return nil, fmt.Errorf("expected *lorawan.LinkCheckAnsPayload, got %T", block.MACCommands[0].Payload)
	}

	out.LinkCheck = &LinkCheck{
		Margin: pl.Margin,
		GwCnt:  pl.GwCnt,
	}

	log.WithFields(log.Fields{
		"dev_eui": s.DevEUI,
		"margin":  pl.Margin,
		"gw_cnt":  pl.GwCnt,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: link_check_ans received")

	return nil, nil
}
