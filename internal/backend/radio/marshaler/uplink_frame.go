package marshaler

import (
	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

// MarshalUplinkFrame marshals the given UplinkFrame.
func MarshalUplinkFrame(t Type, uf gw.UplinkFrame) ([]byte, error) {
	return marshal(t, &uf)
}
