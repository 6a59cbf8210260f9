package marshaler

import (
	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

// MarshalDownlinkTXAck marshals the given DownlinkTXAck.
func MarshalDownlinkTXAck(t Type, ack gw.DownlinkTXAck) ([]byte, error) {
	return marshal(t, &ack)
}
