package marshaler

import (
	"testing"

	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		In            string
		Expected      Type
		ExpectedError bool
	}{
		{"", Protobuf, false},
		{"protobuf", Protobuf, false},
		{"json", JSON, false},
		{"v2_json", Protobuf, true},
	}

	for _, tst := range tests {
		t.Run(tst.In, func(t *testing.T) {
			assert := require.New(t)

			typ, err := ParseType(tst.In)
			if tst.ExpectedError {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(tst.Expected, typ)
		})
	}
}

func TestMarshalUplinkFrame(t *testing.T) {
	in := gw.UplinkFrame{
		PhyPayload: []byte{1, 2, 3},
		TxInfo: &gw.UplinkTXInfo{
			Frequency: 868100000,
		},
		RxInfo: &gw.UplinkRXInfo{
			GatewayId: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		},
	}

	t.Run("JSON", func(t *testing.T) {
		assert := require.New(t)

		b, err := MarshalUplinkFrame(JSON, in)
		assert.NoError(err)
		assert.Contains(string(b), `"gatewayID"`)

		var out gw.UplinkFrame
		assert.NoError(jsonpb.UnmarshalString(string(b), &out))
		assert.True(proto.Equal(&in, &out))
	})

	t.Run("Protobuf", func(t *testing.T) {
		assert := require.New(t)

		b, err := MarshalUplinkFrame(Protobuf, in)
		assert.NoError(err)

		var out gw.UplinkFrame
		assert.NoError(proto.Unmarshal(b, &out))
		assert.True(proto.Equal(&in, &out))
	})
}

func TestUnmarshalDownlinkFrame(t *testing.T) {
	in := gw.DownlinkFrame{
		GatewayId:  []byte{1, 2, 3, 4, 5, 6, 7, 8},
		DownlinkId: []byte{1, 2, 3, 4},
		Items: []*gw.DownlinkFrameItem{
			{
				PhyPayload: []byte{4, 5, 6},
				TxInfo: &gw.DownlinkTXInfo{
					Frequency: 869525000,
				},
			},
		},
	}

	t.Run("JSON", func(t *testing.T) {
		assert := require.New(t)

		m := jsonpb.Marshaler{}
		str, err := m.MarshalToString(&in)
		assert.NoError(err)

		var out gw.DownlinkFrame
		typ, err := UnmarshalDownlinkFrame([]byte(str), &out)
		assert.NoError(err)
		assert.Equal(JSON, typ)
		assert.True(proto.Equal(&in, &out))
	})

	t.Run("Protobuf", func(t *testing.T) {
		assert := require.New(t)

		b, err := proto.Marshal(&in)
		assert.NoError(err)

		var out gw.DownlinkFrame
		typ, err := UnmarshalDownlinkFrame(b, &out)
		assert.NoError(err)
		assert.Equal(Protobuf, typ)
		assert.True(proto.Equal(&in, &out))
	})

	t.Run("Single item", func(t *testing.T) {
		assert := require.New(t)

		single := gw.DownlinkFrame{
			PhyPayload: []byte{4, 5, 6},
			TxInfo: &gw.DownlinkTXInfo{
				GatewayId: []byte{1, 2, 3, 4, 5, 6, 7, 8},
				Frequency: 869525000,
			},
		}
		b, err := proto.Marshal(&single)
		assert.NoError(err)

		var out gw.DownlinkFrame
		_, err = UnmarshalDownlinkFrame(b, &out)
		assert.NoError(err)
		assert.Len(out.Items, 1)
		assert.Equal([]byte{4, 5, 6}, out.Items[0].PhyPayload)
		assert.Equal([]byte{1, 2, 3, 4, 5, 6, 7, 8}, out.GatewayId)
	})
}

func TestMarshalDownlinkTXAck(t *testing.T) {
	assert := require.New(t)

	in := gw.DownlinkTXAck{
		GatewayId:  []byte{1, 2, 3, 4, 5, 6, 7, 8},
		DownlinkId: []byte{1, 2, 3, 4},
		Items: []*gw.DownlinkTXAckItem{
			{Status: gw.TxAckStatus_OK},
		},
	}

	b, err := MarshalDownlinkTXAck(Protobuf, in)
	assert.NoError(err)

	var out gw.DownlinkTXAck
	assert.NoError(proto.Unmarshal(b, &out))
	assert.True(proto.Equal(&in, &out))
}
