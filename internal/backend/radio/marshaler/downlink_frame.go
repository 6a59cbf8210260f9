package marshaler

import (
	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

// UnmarshalDownlinkFrame unmarshals a DownlinkFrame. Frames using the
// deprecated single item fields are converted into a one item frame.
func UnmarshalDownlinkFrame(b []byte, df *gw.DownlinkFrame) (Type, error) {
	t, err := unmarshal(b, df)
	if err != nil {
		return t, err
	}

	if len(df.Items) == 0 && df.TxInfo != nil {
		df.Items = []*gw.DownlinkFrameItem{
			{
				PhyPayload: df.PhyPayload,
				TxInfo:     df.TxInfo,
			},
		}
		if len(df.GatewayId) == 0 {
			df.GatewayId = df.TxInfo.GatewayId
		}
	}

	return t, nil
}
