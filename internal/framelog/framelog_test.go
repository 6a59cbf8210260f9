package framelog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-api/go/v3/common"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-device-mac/internal/config"
	"github.com/brocaar/chirpstack-device-mac/internal/mac"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/chirpstack-device-mac/internal/test"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

var testDR = loraband.DataRate{Modulation: loraband.LoRaModulation, SpreadFactor: 9, Bandwidth: 125}

func joinRequestBytes(t *testing.T) []byte {
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.JoinRequest,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.JoinRequestPayload{
			JoinEUI:  lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
			DevEUI:   lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			DevNonce: 258,
		},
	}
	b, err := phy.MarshalBinary()
	require.NoError(t, err)
	return b
}

func TestMType(t *testing.T) {
	assert := require.New(t)

	assert.Equal("JoinRequest", mType(joinRequestBytes(t)))
	assert.Equal("", mType(nil))
}

func TestFrames(t *testing.T) {
	t.Run("uplink", func(t *testing.T) {
		assert := require.New(t)

		uf := uplinkFrame(mac.TxParams{
			Frequency: 868300000,
			DR:        3,
			DataRate:  testDR,
		}, []byte{1, 2, 3})

		assert.Equal([]byte{1, 2, 3}, uf.PhyPayload)
		assert.EqualValues(868300000, uf.TxInfo.Frequency)
		assert.Equal(common.Modulation_LORA, uf.TxInfo.Modulation)
		assert.EqualValues(9, uf.TxInfo.GetLoraModulationInfo().SpreadingFactor)
		assert.NotNil(uf.RxInfo.Time)
	})

	t.Run("downlink", func(t *testing.T) {
		assert := require.New(t)

		df := downlinkFrame(mac.RxParams{
			Frequency: 869525000,
			DataRate:  testDR,
		}, []byte{3, 2, 1})

		assert.Len(df.Items, 1)
		assert.Equal([]byte{3, 2, 1}, df.Items[0].PhyPayload)
		assert.EqualValues(869525000, df.Items[0].TxInfo.Frequency)
		assert.True(df.Items[0].TxInfo.GetLoraModulationInfo().PolarizationInversion)
	})

	t.Run("fsk downlink", func(t *testing.T) {
		assert := require.New(t)

		df := downlinkFrame(mac.RxParams{
			DataRate: loraband.DataRate{Modulation: loraband.FSKModulation, BitRate: 50000},
		}, nil)
		assert.Equal(common.Modulation_FSK, df.Items[0].TxInfo.Modulation)
	})
}

func TestMessageToFrameLog(t *testing.T) {
	b, err := proto.Marshal(&gw.UplinkFrame{PhyPayload: []byte{1, 2, 3}})
	require.NoError(t, err)

	tests := []struct {
		name     string
		msg      redis.XMessage
		uplink   bool
		downlink bool
		err      bool
	}{
		{
			name: "uplink",
			msg: redis.XMessage{
				ID:     "1-0",
				Values: map[string]interface{}{uplinkField: string(b), mTypeField: "UnconfirmedDataUp"},
			},
			uplink: true,
		},
		{
			name: "downlink",
			msg: redis.XMessage{
				ID:     "2-0",
				Values: map[string]interface{}{downlinkField: ""},
			},
			downlink: true,
		},
		{
			name: "no frame",
			msg: redis.XMessage{
				ID:     "3-0",
				Values: map[string]interface{}{mTypeField: "JoinRequest"},
			},
			err: true,
		},
	}

	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			assert := require.New(t)

			fl, err := messageToFrameLog(tst.msg)
			if tst.err {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(tst.msg.ID, fl.ID)
			assert.Equal(tst.uplink, fl.UplinkFrame != nil)
			assert.Equal(tst.downlink, fl.DownlinkFrame != nil)
		})
	}
}

// nopRadio completes every operation immediately.
type nopRadio struct {
	events mac.RadioEvents
}

func (r *nopRadio) Init(events mac.RadioEvents) error {
	r.events = events
	return nil
}

func (r *nopRadio) SetPublicNetwork(bool) {}
func (r *nopRadio) Send(mac.TxParams, []byte) error { return nil }
func (r *nopRadio) Rx(mac.RxParams) error { return nil }
func (r *nopRadio) SetTxContinuousWave(uint32, int, time.Duration) error { return nil }
func (r *nopRadio) Standby() {}
func (r *nopRadio) Sleep() {}

type FrameLogTestSuite struct {
	suite.Suite

	devEUI lorawan.EUI64
}

func (ts *FrameLogTestSuite) SetupSuite() {
	assert := require.New(ts.T())

	conf := test.GetConfig()
	conf.Device.NVM.Backend = "redis"
	config.C = conf
	assert.NoError(storage.Setup(conf))

	ts.devEUI = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
}

func (ts *FrameLogTestSuite) SetupTest() {
	require.New(ts.T()).NoError(storage.RedisClient().FlushAll(context.Background()).Err())
}

func (ts *FrameLogTestSuite) TestGetFrameLogForDevice() {
	assert := require.New(ts.T())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frameLogChan := make(chan FrameLog, 2)
	errChan := make(chan error, 1)
	go func() {
		errChan <- GetFrameLogForDevice(ctx, ts.devEUI, frameLogChan)
	}()

	// some time to start reading
	time.Sleep(100 * time.Millisecond)

	r := NewRadio(&nopRadio{}, ts.devEUI)
	var received [][]byte
	assert.NoError(r.Init(mac.RadioEvents{
		RxDone: func(b []byte, rssi int, snr float64) {
			received = append(received, b)
		},
	}))

	phy := joinRequestBytes(ts.T())
	assert.NoError(r.Send(mac.TxParams{Frequency: 868100000, DataRate: testDR}, phy))
	assert.NoError(r.Rx(mac.RxParams{Frequency: 869525000, DataRate: testDR}))
	r.Radio.(*nopRadio).events.RxDone([]byte{1, 2, 3}, -60, 7)

	assert.Equal([][]byte{{1, 2, 3}}, received)

	ts.T().Run("uplink", func(t *testing.T) {
		assert := require.New(t)

		fl := <-frameLogChan
		assert.Equal("JoinRequest", fl.MType)
		assert.NotNil(fl.UplinkFrame)
		assert.Equal(phy, fl.UplinkFrame.PhyPayload)
		assert.EqualValues(868100000, fl.UplinkFrame.TxInfo.Frequency)
	})

	ts.T().Run("downlink", func(t *testing.T) {
		assert := require.New(t)

		fl := <-frameLogChan
		assert.NotNil(fl.DownlinkFrame)
		assert.Equal([]byte{1, 2, 3}, fl.DownlinkFrame.Items[0].PhyPayload)
		assert.EqualValues(869525000, fl.DownlinkFrame.Items[0].TxInfo.Frequency)
	})

	cancel()
	assert.NoError(<-errChan)
}

func TestFrameLog(t *testing.T) {
	if os.Getenv("TEST_REDIS_URL") == "" {
		t.Skip("TEST_REDIS_URL is not set")
	}

	suite.Run(t, new(FrameLogTestSuite))
}
