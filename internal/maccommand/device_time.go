package maccommand

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

// RequestDeviceTime returns a DeviceTimeReq mac-command.
func RequestDeviceTime() lorawan.MACCommand {
	return lorawan.MACCommand{
		CID: lorawan.DeviceTimeReq,
	}
}

// handleDeviceTimeAns returns the network time (at the end of the uplink
// carrying the DeviceTimeReq) as time since GPS epoch. Correcting the
// device clock is left to the caller.
func handleDeviceTimeAns(ctx context.Context, s *Session, block Block, out *Result) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) != 1 {
		return nil, fmt.Errorf("exactly one mac-command expected, got: %d", len(block.MACCommands))
	}

	pl, ok := block.MACCommands[0].Payload.(*lorawan.DeviceTimeAnsPayload)
	if !ok {
		return nil, fmt.Errorf("expected *lorawan.DeviceTimeAnsPayload, got %T", block.MACCommands[0].Payload)
	}

	d := pl.TimeSinceGPSEpoch
	out.TimeSinceGPSEpoch = &d

	log.WithFields(log.Fields{
		"dev_eui":              s.DevEUI,
		"time_since_gps_epoch": d,
		"ctx_id":               ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: device_time_ans received")

	return nil, nil
}
