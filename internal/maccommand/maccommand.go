// Package maccommand implements the device-side MAC-command handling: the
// queue of commands awaiting transmission and the handlers for the commands
// received from the network-server.
package maccommand

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/band"
	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

// Block defines a block of MAC commands sharing the same CID.
type Block struct {
	CID         lorawan.CID
	MACCommands []lorawan.MACCommand
}

// Session holds the device state the handlers operate on.
type Session struct {
	DevEUI lorawan.EUI64
	Region *band.Region
	Group1 *storage.MACGroup1
	Group2 *storage.MACGroup2
	ClassB *storage.ClassBGroup

	// Battery holds the DevStatusAns battery level (0 = external power,
	// 1-254 = level, 255 = unknown).
	Battery uint8

	// SNR holds the SNR of the downlink carrying the commands.
	SNR int
}

// LinkCheck holds the LinkCheckAns content.
type LinkCheck struct {
	Margin uint8
	GwCnt  uint8
}

// ForceRejoin holds the ForceRejoinReq content.
type ForceRejoin struct {
	Period     uint8
	MaxRetries uint8
	RejoinType uint8
	DR         uint8
}

// Result holds the outcome of handling the received MAC commands.
type Result struct {
	// Answers holds the uplink commands which must be queued.
	Answers []lorawan.MACCommand

	LinkCheck         *LinkCheck
	TimeSinceGPSEpoch *time.Duration
	PingSlotInfoAns   bool
	ResetConf         *uint8
	RekeyConf         *uint8
	DeviceModeConf    *storage.DeviceClass
	ForceRejoin       *ForceRejoin
	RejoinParamSetup  bool
	ChannelsChanged   bool
	TxParamsChanged   bool
}

// Blocks groups consecutive MAC commands sharing the same CID.
func Blocks(cmds []lorawan.MACCommand) []Block {
	var out []Block
	for _, cmd := range cmds {
		if n := len(out); n != 0 && out[n-1].CID == cmd.CID {
			out[n-1].MACCommands = append(out[n-1].MACCommands, cmd)
			continue
		}
		out = append(out, Block{
			CID:         cmd.CID,
			MACCommands: []lorawan.MACCommand{cmd},
		})
	}
	return out
}

// Handle handles the MAC commands received in a downlink. Processing stops at
// the first command which can not be handled, the answers of the commands
// handled before are returned.
func Handle(ctx context.Context, s *Session, cmds []lorawan.MACCommand) (Result, error) {
	var out Result

	for _, block := range Blocks(cmds) {
		answers, err := handleBlock(ctx, s, block, &out)
		if err != nil {
			log.WithFields(log.Fields{
				"dev_eui": s.DevEUI,
				"cid":     block.CID,
				"ctx_id":  ctx.Value(logging.ContextIDKey),
			}).WithError(err).Error("maccommand: handle mac-command block error")
			return out, err
		}
		out.Answers = append(out.Answers, answers...)
	}

	return out, nil
}

func handleBlock(ctx context.Context, s *Session, block Block, out *Result) ([]lorawan.MACCommand, error) {
	switch block.CID {
	case lorawan.LinkCheckAns:
		return handleLinkCheckAns(ctx, s, block, out)
	case lorawan.LinkADRReq:
		return handleLinkADRReq(ctx, s, block)
	case lorawan.DutyCycleReq:
		return handleDutyCycleReq(ctx, s, block)
	case lorawan.RXParamSetupReq:
		return handleRXParamSetupReq(ctx, s, block)
	case lorawan.DevStatusReq:
		return handleDevStatusReq(ctx, s, block)
	case lorawan.NewChannelReq:
		return handleNewChannelReq(ctx, s, block, out)
	case lorawan.RXTimingSetupReq:
		return handleRXTimingSetupReq(ctx, s, block)
	case lorawan.TXParamSetupReq:
		return handleTXParamSetupReq(ctx, s, block, out)
	case lorawan.DLChannelReq:
		return handleDLChannelReq(ctx, s, block, out)
	case lorawan.ResetConf:
		return handleResetConf(ctx, s, block, out)
	case lorawan.RekeyConf:
		return handleRekeyConf(ctx, s, block, out)
	case lorawan.ADRParamSetupReq:
		return handleADRParamSetupReq(ctx, s, block)
	case lorawan.DeviceTimeAns:
		return handleDeviceTimeAns(ctx, s, block, out)
	case lorawan.ForceRejoinReq:
		return handleForceRejoinReq(ctx, s, block, out)
	case lorawan.RejoinParamSetupReq:
		return handleRejoinParamSetupReq(ctx, s, block, out)
	case lorawan.PingSlotInfoAns:
		return handlePingSlotInfoAns(ctx, s, block, out)
	case lorawan.PingSlotChannelReq:
		return handlePingSlotChannelReq(ctx, s, block)
	case lorawan.BeaconFreqReq:
		return handleBeaconFreqReq(ctx, s, block)
	case lorawan.DeviceModeConf:
		return handleDeviceModeConf(ctx, s, block, out)
	default:
		return nil, fmt.Errorf("undefined CID %d", block.CID)
	}
}
