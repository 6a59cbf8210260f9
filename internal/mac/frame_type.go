package mac

import (
	"fmt"

	"github.com/brocaar/lorawan"
)

// frameType defines the shape of a received data frame.
type frameType int

// Frame shapes:
//
//	A: FOpts > 0, FPort > 0 (mac-commands and application payload)
//	B: FOpts >= 0, no FRMPayload (mac-commands only, or an empty frame)
//	C: FOpts = 0, FPort = 0 (mac-commands in the FRMPayload)
//	D: FOpts = 0, FPort > 0 (application payload)
const (
	frameTypeA frameType = iota
	frameTypeB
	frameTypeC
	frameTypeD
)

func (t frameType) String() string {
	return [...]string{"A", "B", "C", "D"}[t]
}

// classifyFrame returns the shape of a frame given its FOpts length, FPort
// (nil when absent) and FRMPayload length.
func classifyFrame(fOptsLen int, fPort *uint8, payloadLen int) (frameType, error) {
	switch {
	case fOptsLen > 0 && fPort != nil && *fPort > 0:
		return frameTypeA, nil
	case payloadLen == 0:
		return frameTypeB, nil
	case fOptsLen == 0 && fPort != nil && *fPort == 0:
		return frameTypeC, nil
	case fOptsLen == 0 && fPort != nil && *fPort > 0:
		return frameTypeD, nil
	default:
		return 0, fmt.Errorf("invalid frame (fopts: %d, payload: %d)", fOptsLen, payloadLen)
	}
}

// payloadsSize returns the marshaled size of the given payloads.
func payloadsSize(pls []lorawan.Payload) int {
	var n int
	for _, pl := range pls {
		b, err := pl.MarshalBinary()
		if err != nil {
			continue
		}
		n += len(b)
	}
	return n
}

// dataPayloadBytes returns the concatenated bytes of the given (decrypted)
// data payloads.
func dataPayloadBytes(pls []lorawan.Payload) []byte {
	var out []byte
	for _, pl := range pls {
		if dpl, ok := pl.(*lorawan.DataPayload); ok {
			out = append(out, dpl.Bytes...)
		}
	}
	return out
}

// macCommands returns the mac-commands of the given (decoded) payloads.
func macCommands(pls []lorawan.Payload) []lorawan.MACCommand {
	var out []lorawan.MACCommand
	for _, pl := range pls {
		if cmd, ok := pl.(*lorawan.MACCommand); ok {
			out = append(out, *cmd)
		}
	}
	return out
}
