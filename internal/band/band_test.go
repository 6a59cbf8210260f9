package band

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

func newTestRegion(t *testing.T) *Region {
	r, err := New(Config{
		Name: loraband.EU_863_870,
	})
	require.NoError(t, err)
	return r
}

func TestNew(t *testing.T) {
	assert := require.New(t)

	r := newTestRegion(t)
	assert.Equal("EU868", r.Name())
	assert.Equal([]int{0, 1, 2}, r.EnabledChannels())
	assert.Equal(0, r.MinTxDR())
	assert.Equal(5, r.MaxTxDR())

	d := r.Defaults()
	assert.Equal(uint32(869525000), d.RX2Frequency)
	assert.Equal(0, d.RX2DR)
	assert.Equal(time.Second, d.ReceiveDelay1)
	assert.Equal(5*time.Second, d.JoinAcceptDelay1)

	t.Run("Unknown region", func(t *testing.T) {
		assert := require.New(t)
		_, err := New(Config{Name: "foo"})
		assert.Equal(ErrRegionNotSupported, errors.Cause(err))
	})

	t.Run("Extra channels", func(t *testing.T) {
		assert := require.New(t)
		r, err := New(Config{
			Name: loraband.EU_863_870,
			ExtraChannels: []storage.Channel{
				{Frequency: 867100000, MinDR: 0, MaxDR: 5, Enabled: true},
			},
			EnabledUplinkChannels: []int{0, 3},
		})
		assert.NoError(err)
		assert.Equal([]int{0, 3}, r.EnabledChannels())
		c, err := r.Channel(3)
		assert.NoError(err)
		assert.Equal(1, c.Band)
	})
}

func TestNextChannel(t *testing.T) {
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("Fresh state", func(t *testing.T) {
		assert := require.New(t)
		r := newTestRegion(t)

		res, err := r.NextChannel(NextChannelRequest{DR: 5, Joined: true, DutyCycleOn: true, Now: now})
		assert.NoError(err)
		assert.Contains([]int{0, 1, 2}, res.Channel)
	})

	t.Run("Data-rate not supported", func(t *testing.T) {
		assert := require.New(t)
		r := newTestRegion(t)

		_, err := r.NextChannel(NextChannelRequest{DR: 7, Joined: true, Now: now})
		assert.Equal(ErrNoChannelFound, errors.Cause(err))
	})

	t.Run("Sub-band restricted", func(t *testing.T) {
		assert := require.New(t)
		r := newTestRegion(t)

		assert.NoError(r.SetTxDone(TxDoneRequest{
			Channel:     0,
			Joined:      true,
			DutyCycleOn: true,
			TimeOnAir:   100 * time.Millisecond,
			Now:         now,
		}))

		res, err := r.NextChannel(NextChannelRequest{DR: 5, Joined: true, DutyCycleOn: true, Now: now.Add(time.Second)})
		assert.Equal(ErrDutyCycleRestricted, err)
		assert.Equal(8900*time.Millisecond, res.Wait)

		_, err = r.NextChannel(NextChannelRequest{DR: 5, Joined: true, DutyCycleOn: true, Now: now.Add(10 * time.Second)})
		assert.NoError(err)
	})

	t.Run("Duty-cycle disabled", func(t *testing.T) {
		assert := require.New(t)
		r := newTestRegion(t)

		assert.NoError(r.SetTxDone(TxDoneRequest{
			Channel:   0,
			Joined:    true,
			TimeOnAir: 100 * time.Millisecond,
			Now:       now,
		}))

		_, err := r.NextChannel(NextChannelRequest{DR: 5, Joined: true, Now: now})
		assert.NoError(err)
	})

	t.Run("Aggregated time-off", func(t *testing.T) {
		assert := require.New(t)
		r := newTestRegion(t)

		res, err := r.NextChannel(NextChannelRequest{
			DR:                5,
			Joined:            true,
			Now:               now.Add(time.Second),
			LastTxDone:        now,
			AggregatedTimeOff: 3 * time.Second,
		})
		assert.Equal(ErrDutyCycleRestricted, err)
		assert.Equal(2*time.Second, res.Wait)
	})

	t.Run("Join back-off", func(t *testing.T) {
		assert := require.New(t)
		r := newTestRegion(t)

		assert.NoError(r.SetTxDone(TxDoneRequest{
			Channel:   0,
			TimeOnAir: 100 * time.Millisecond,
			Now:       now,
			SinceInit: 2 * time.Hour,
		}))

		res, err := r.NextChannel(NextChannelRequest{DR: 0, Now: now})
		assert.Equal(ErrDutyCycleRestricted, err)
		assert.Equal(99900*time.Millisecond, res.Wait)
	})
}

func TestJoinBackOffDCycle(t *testing.T) {
	assert := require.New(t)

	assert.Equal(100, JoinBackOffDCycle(0))
	assert.Equal(100, JoinBackOffDCycle(59*time.Minute))
	assert.Equal(1000, JoinBackOffDCycle(time.Hour))
	assert.Equal(1000, JoinBackOffDCycle(10*time.Hour))
	assert.Equal(10000, JoinBackOffDCycle(11*time.Hour))
}

func TestAggregatedTimeOff(t *testing.T) {
	assert := require.New(t)

	assert.Equal(time.Duration(0), AggregatedTimeOff(time.Second, 1))
	assert.Equal(time.Duration(0), AggregatedTimeOff(time.Second, 0))
	assert.Equal(15*time.Second, AggregatedTimeOff(time.Second, 16))
}

func TestRxWindow(t *testing.T) {
	tests := []struct {
		Name            string
		DR              int
		ExpectedTimeout int
		ExpectedOffset  time.Duration
	}{
		{
			Name:            "SF7BW125",
			DR:              5,
			ExpectedTimeout: 24,
			ExpectedOffset:  -8 * time.Millisecond,
		},
		{
			Name:            "SF12BW125",
			DR:              0,
			ExpectedTimeout: 6,
			ExpectedOffset:  33 * time.Millisecond,
		},
	}

	r := newTestRegion(t)

	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)

			rx, err := r.RxWindow(869525000, tst.DR, 6, 10*time.Millisecond)
			assert.NoError(err)
			assert.Equal(tst.ExpectedTimeout, rx.WindowTimeout)
			assert.Equal(tst.ExpectedOffset, rx.WindowOffset)
			assert.Equal(uint32(869525000), rx.Frequency)
		})
	}
}

func TestTxConfig(t *testing.T) {
	assert := require.New(t)
	r := newTestRegion(t)

	tx, err := r.TxConfig(TxConfigRequest{
		Channel:     1,
		DR:          5,
		TxPower:     1,
		PayloadSize: 23,
	})
	assert.NoError(err)
	assert.Equal(uint32(868300000), tx.Frequency)
	assert.Equal(14, tx.Power)
	assert.Equal(7, tx.DataRate.SpreadFactor)
	assert.True(tx.TimeOnAir > 0)

	_, err = r.TxConfig(TxConfigRequest{Channel: 0, DR: 5, TxPower: 20})
	assert.Equal(ErrInvalidTxPower, errors.Cause(err))
}

func TestLinkADRReq(t *testing.T) {
	t.Run("Valid request", func(t *testing.T) {
		assert := require.New(t)
		r := newTestRegion(t)

		res := r.LinkADRReq(LinkADRRequest{
			Payloads: []lorawan.LinkADRReqPayload{
				{
					DataRate: 3,
					TXPower:  2,
					ChMask:   lorawan.ChMask{true, true},
					Redundancy: lorawan.Redundancy{
						NbRep: 2,
					},
				},
			},
		})
		assert.True(res.OK())
		assert.Equal(3, res.DR)
		assert.Equal(2, res.TxPower)
		assert.Equal(2, res.NbTrans)
		assert.Equal([]int{0, 1}, r.EnabledChannels())
	})

	t.Run("Undefined channel", func(t *testing.T) {
		assert := require.New(t)
		r := newTestRegion(t)

		res := r.LinkADRReq(LinkADRRequest{
			Payloads: []lorawan.LinkADRReqPayload{
				{
					DataRate: 3,
					ChMask:   lorawan.ChMask{true, false, false, false, true},
				},
			},
		})
		assert.False(res.ChannelMaskACK)
		assert.Equal([]int{0, 1, 2}, r.EnabledChannels())
	})

	t.Run("Keep data-rate and tx-power", func(t *testing.T) {
		assert := require.New(t)
		r := newTestRegion(t)

		res := r.LinkADRReq(LinkADRRequest{
			DR:      4,
			TxPower: 1,
			Payloads: []lorawan.LinkADRReqPayload{
				{
					DataRate:   0x0f,
					TXPower:    0x0f,
					Redundancy: lorawan.Redundancy{ChMaskCntl: 6},
				},
			},
		})
		assert.True(res.OK())
		assert.Equal(4, res.DR)
		assert.Equal(1, res.TxPower)
		assert.Equal(1, res.NbTrans)
	})
}

func TestNewChannel(t *testing.T) {
	assert := require.New(t)
	r := newTestRegion(t)

	freqOK, drOK := r.NewChannel(lorawan.NewChannelReqPayload{ChIndex: 3, Freq: 867100000, MinDR: 0, MaxDR: 5})
	assert.True(freqOK)
	assert.True(drOK)
	assert.Equal([]int{0, 1, 2, 3}, r.EnabledChannels())

	freqOK, _ = r.NewChannel(lorawan.NewChannelReqPayload{ChIndex: 4, Freq: 915000000, MaxDR: 5})
	assert.False(freqOK)

	freqOK, drOK = r.NewChannel(lorawan.NewChannelReqPayload{ChIndex: 1, Freq: 867300000, MaxDR: 5})
	assert.False(freqOK || drOK)

	freqOK, drOK = r.NewChannel(lorawan.NewChannelReqPayload{ChIndex: 3})
	assert.True(freqOK && drOK)
	assert.Equal([]int{0, 1, 2}, r.EnabledChannels())

	t.Run("DLChannelReq", func(t *testing.T) {
		assert := require.New(t)

		freqOK, ulExists := r.DLChannel(lorawan.DLChannelReqPayload{ChIndex: 0, Freq: 868900000})
		assert.True(freqOK)
		assert.True(ulExists)

		f, err := r.RX1Frequency(0)
		assert.NoError(err)
		assert.Equal(uint32(868900000), f)

		_, ulExists = r.DLChannel(lorawan.DLChannelReqPayload{ChIndex: 7, Freq: 868900000})
		assert.False(ulExists)
	})
}

func TestApplyCFList(t *testing.T) {
	assert := require.New(t)
	r := newTestRegion(t)

	assert.NoError(r.ApplyCFList(&lorawan.CFList{
		CFListType: lorawan.CFListChannel,
		Payload: &lorawan.CFListChannelPayload{
			Channels: [5]uint32{867100000, 867300000, 867500000},
		},
	}))
	assert.Equal([]int{0, 1, 2, 3, 4, 5}, r.EnabledChannels())

	c, err := r.Channel(5)
	assert.NoError(err)
	assert.Equal(uint32(867500000), c.Frequency)
	assert.Equal(5, c.MaxDR)
}

func TestBind(t *testing.T) {
	assert := require.New(t)
	r := newTestRegion(t)

	var nvm storage.NVM
	assert.NoError(r.Bind(&nvm.Region))
	assert.Len(nvm.Region.Channels, 3)
	assert.Len(nvm.Region.Bands, 6)

	nvm.Region.Channels[2].Enabled = false
	assert.Equal([]int{0, 1}, r.EnabledChannels())

	assert.Error(r.Bind(&storage.RegionGroup{Channels: []storage.Channel{{}}}))
}

func TestSetRepeaterCompatible(t *testing.T) {
	assert := require.New(t)
	r := newTestRegion(t)

	var nvm storage.NVM
	assert.NoError(r.Bind(&nvm.Region))
	nvm.Region.Channels[2].Enabled = false

	n, err := r.MaxPayloadSize("1.0.3", 5)
	assert.NoError(err)
	assert.Equal(242, n)

	assert.NoError(r.SetRepeaterCompatible(true))
	assert.True(r.RepeaterCompatible())

	n, err = r.MaxPayloadSize("1.0.3", 5)
	assert.NoError(err)
	assert.Equal(222, n)

	// the channel state is not touched by the reload
	assert.Equal([]int{0, 1}, r.EnabledChannels())

	assert.NoError(r.SetRepeaterCompatible(false))
	n, err = r.MaxPayloadSize("1.0.3", 5)
	assert.NoError(err)
	assert.Equal(242, n)
}

func TestJoinDR(t *testing.T) {
	assert := require.New(t)
	r := newTestRegion(t)

	assert.Equal(5, r.JoinDR(1, 5))
	assert.Equal(5, r.JoinDR(2, 5))
	assert.Equal(4, r.JoinDR(3, 5))
	assert.Equal(0, r.JoinDR(48, 5))
}

func TestEnableDefaultChannels(t *testing.T) {
	assert := require.New(t)
	r := newTestRegion(t)

	assert.NoError(r.ApplyCFList(&lorawan.CFList{
		CFListType: lorawan.CFListChannel,
		Payload: &lorawan.CFListChannelPayload{
			Channels: [5]uint32{867100000, 867300000},
		},
	}))
	assert.NoError(r.SetEnabledChannels([]int{3, 4}))

	r.EnableDefaultChannels()
	assert.Equal([]int{0, 1, 2}, r.EnabledChannels())

	t.Run("reset keeps the band state", func(t *testing.T) {
		assert := require.New(t)
		now := time.Now()
		assert.NoError(r.SetTxDone(TxDoneRequest{
			Channel:     0,
			Joined:      true,
			DutyCycleOn: true,
			TimeOnAir:   time.Second,
			Now:         now,
		}))

		assert.NoError(r.ResetChannels())
		assert.Len(r.State().Channels, 3)
		assert.Equal(now, r.State().Bands[r.State().Channels[0].Band].LastTxDone)

		assert.NoError(r.Reset())
		assert.True(r.State().Bands[r.State().Channels[0].Band].LastTxDone.IsZero())
	})
}
