package maccommand

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

// handleTXParamSetupReq applies the dwell-time and max EIRP settings. Regions
// which do not implement the command do not answer it.
func handleTXParamSetupReq(ctx context.Context, s *Session, block Block, out *Result) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) != 1 {
		return nil, fmt.Errorf("exactly one mac-command expected, got: %d", len(block.MACCommands))
	}

	pl, ok := block.MACCommands[0].Payload.(*lorawan.TXParamSetupReqPayload)
	if !ok {
		return nil, fmt.Errorf("expected *lorawan.TXParamSetupReqPayload, got %T", block.MACCommands[0].Payload)
	}

	applied, err := s.Region.TXParamSetup(*pl)
	if err != nil {
		return nil, errors.Wrap(err, "tx param setup error")
	}
	if !applied {
		log.WithFields(log.Fields{
			"dev_eui": s.DevEUI,
			"ctx_id":  ctx.Value(logging.ContextIDKey),
		}).Warning("maccommand: tx_param_setup_req not implemented by region")
		return nil, nil
	}

	mp := &s.Group2.MACParams
	mp.UplinkDwellTime, mp.DownlinkDwellTime = s.Region.DwellTime()
	mp.MaxEIRP = s.Region.MaxEIRP()
	out.TxParamsChanged = true

	log.WithFields(log.Fields{
		"dev_eui":             s.DevEUI,
		"uplink_dwell_time":   mp.UplinkDwellTime,
		"downlink_dwell_time": mp.DownlinkDwellTime,
		"max_eirp":            mp.MaxEIRP,
		"ctx_id":              ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: tx_param_setup_req applied")

	return []lorawan.MACCommand{
		{CID: lorawan.TXParamSetupAns},
	}, nil
}
