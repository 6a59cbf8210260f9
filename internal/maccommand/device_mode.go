package maccommand

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

// RequestDeviceModeInd returns a DeviceModeInd mac-command announcing the
// given class (A or C).
func RequestDeviceModeInd(class storage.DeviceClass) lorawan.MACCommand {
	c := lorawan.DeviceModeClassA
	if class == storage.ClassC {
		c = lorawan.DeviceModeClassC
	}
	return lorawan.MACCommand{
		CID: lorawan.DeviceModeInd,
		Payload: &lorawan.DeviceModeIndPayload{
			Class: c,
		},
	}
}

func handleDeviceModeConf(ctx context.Context, s *Session, block Block, out *Result) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) != 1 {
		return nil, fmt.Errorf("exactly one mac-command expected, got: %d", len(block.MACCommands))
	}

	pl, ok := block.MACCommands[0].Payload.(*lorawan.DeviceModeConfPayload)
	if !ok {
		return nil, fmt.Errorf("expected *lorawan.DeviceModeConfPayload, got %T", block.MACCommands[0].Payload)
	}

	class := storage.ClassA
	if pl.Class == lorawan.DeviceModeClassC {
		class = storage.ClassC
	}
	out.DeviceModeConf = &class

	log.WithFields(log.Fields{
		"dev_eui": s.DevEUI,
		"class":   class,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: device_mode_conf received")

	return nil, nil
}
