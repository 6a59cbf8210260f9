package maccommand

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

// devLoRaWANVersionMinor is the LoRaWAN minor version implemented by the
// device.
const devLoRaWANVersionMinor uint8 = 1

// RequestResetInd returns a ResetInd mac-command, sent by ABP LoRaWAN 1.1
// devices after a reset until the ResetConf has been received.
func RequestResetInd() lorawan.MACCommand {
	return lorawan.MACCommand{
		CID: lorawan.ResetInd,
		Payload: &lorawan.ResetIndPayload{
			DevLoRaWANVersion: lorawan.Version{Minor: devLoRaWANVersionMinor},
		},
	}
}

// RequestRekeyInd returns a RekeyInd mac-command, sent by OTAA LoRaWAN 1.1
// devices after the join until the RekeyConf has been received.
func RequestRekeyInd() lorawan.MACCommand {
	return lorawan.MACCommand{
		CID: lorawan.RekeyInd,
		Payload: &lorawan.RekeyIndPayload{
			DevLoRaWANVersion: lorawan.Version{Minor: devLoRaWANVersionMinor},
		},
	}
}

func handleResetConf(ctx context.Context, s *Session, block Block, out *Result) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) != 1 {
		return nil, fmt.Errorf("exactly one mac-command expected, got: %d", len(block.MACCommands))
	}

	pl, ok := block.MACCommands[0].Payload.(*lorawan.ResetConfPayload)
	if !ok {
		return nil, fmt.Errorf("expected *lorawan.ResetConfPayload, got %T", block.MACCommands[0].Payload)
	}

	minor := pl.ServLoRaWANVersion.Minor
	out.ResetConf = &minor

	log.WithFields(log.Fields{
		"dev_eui":                    s.DevEUI,
		"serv_lorawan_version_minor": minor,
		"ctx_id":                     ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: reset_conf received")

	return nil, nil
}

func handleRekeyConf(ctx context.Context, s *Session, block Block, out *Result) ([]lorawan.MACCommand, error) {
	if len(block.MACCommands) != 1 {
		return nil, fmt.Errorf("exactly one mac-command expected, got: %d", len(block.MACCommands))
	}

	pl, ok := block.MACCommands[0].Payload.(*lorawan.RekeyConfPayload)
	if !ok {
		return nil, fmt.Errorf("expected *lorawan.RekeyConfPayload, got %T", block.MACCommands[0].Payload)
	}

	minor := pl.ServLoRaWANVersion.Minor
	out.RekeyConf = &minor

	log.WithFields(log.Fields{
		"dev_eui":                    s.DevEUI,
		"serv_lorawan_version_minor": minor,
		"ctx_id":                     ctx.Value(logging.ContextIDKey),
	}).Info("maccommand: rekey_conf received")

	return nil, nil
}
