package mac

import (
	"github.com/brocaar/chirpstack-device-mac/internal/crypto"
	"github.com/brocaar/lorawan"
)

// maxAckRetries is the max. number of transmissions of a LoRaWAN 1.0.x
// confirmed uplink.
const maxAckRetries = 8

// protocolVersion implements the behavior which differs between the LoRaWAN
// 1.0.x and 1.1.x session versions.
type protocolVersion interface {
	// macVersion returns the session version.
	macVersion() lorawan.MACVersion

	// protocol returns the protocol version used for the max. payload-size
	// lookup.
	protocol() string

	// fCntDownID returns the frame-counter of a unicast downlink of the
	// given shape.
	fCntDownID(ft frameType) crypto.FCntID

	// confirmedLimit returns the max. number of transmissions of a
	// confirmed uplink.
	confirmedLimit(nbTrials, nbTrans int) int

	// decreaseDR returns true when the data-rate of the given (re)transmission
	// of a confirmed uplink must be decreased.
	decreaseDR(nbTransCounter int) bool

	// restoreChannelsOnAckFailure returns true when the default channels
	// must be enabled when a confirmed uplink was never acknowledged.
	restoreChannelsOnAckFailure() bool

	// confirmOnSend returns true when an unconfirmed uplink is confirmed
	// as soon as it has been scheduled.
	confirmOnSend() bool

	// supportsRejoin returns true when rejoin-requests and the 1.1
	// indication mac-commands (ResetInd, RekeyInd, DeviceModeInd) are
	// supported.
	supportsRejoin() bool

	// trackLastRxMIC returns true when the MIC of the last confirmed
	// downlink is tracked to re-acknowledge repeated frames.
	trackLastRxMIC() bool
}

type lorawan10 struct {
	protocolVersion string
}

func (lorawan10) macVersion() lorawan.MACVersion { return lorawan.LoRaWAN1_0 }

func (v lorawan10) protocol() string {
	if v.protocolVersion == "" {
		return "1.0.3"
	}
	return v.protocolVersion
}

func (lorawan10) fCntDownID(frameType) crypto.FCntID { return crypto.FCntDown }

func (lorawan10) confirmedLimit(nbTrials, nbTrans int) int {
	if nbTrials == 0 {
		nbTrials = nbTrans
	}
	switch {
	case nbTrials < 1:
		return 1
	case nbTrials > maxAckRetries:
		return maxAckRetries
	default:
		return nbTrials
	}
}

func (lorawan10) decreaseDR(nbTransCounter int) bool { return nbTransCounter%2 == 0 }

func (lorawan10) restoreChannelsOnAckFailure() bool { return true }

func (lorawan10) confirmOnSend() bool { return true }

func (lorawan10) supportsRejoin() bool { return false }

func (lorawan10) trackLastRxMIC() bool { return true }

type lorawan11 struct{}

func (lorawan11) macVersion() lorawan.MACVersion { return lorawan.LoRaWAN1_1 }

func (lorawan11) protocol() string { return "1.1.0" }

// fCntDownID returns the application frame-counter for frames carrying an
// application payload, else the network frame-counter.
func (lorawan11) fCntDownID(ft frameType) crypto.FCntID {
	if ft == frameTypeA || ft == frameTypeD {
		return crypto.AFCntDown
	}
	return crypto.NFCntDown
}

func (lorawan11) confirmedLimit(nbTrials, nbTrans int) int {
	if nbTrans < 1 {
		return 1
	}
	return nbTrans
}

func (lorawan11) decreaseDR(int) bool { return false }

func (lorawan11) restoreChannelsOnAckFailure() bool { return false }

func (lorawan11) confirmOnSend() bool { return false }

func (lorawan11) supportsRejoin() bool { return true }

func (lorawan11) trackLastRxMIC() bool { return false }
