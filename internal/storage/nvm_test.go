package storage

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/lorawan"
)

func testNVM() NVM {
	n := NVM{
		Crypto: CryptoGroup{
			DevEUI:     lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			JoinEUI:    lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
			AppKey:     lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8},
			NwkKey:     lorawan.AES128Key{8, 7, 6, 5, 4, 3, 2, 1, 8, 7, 6, 5, 4, 3, 2, 1},
			MACVersion: lorawan.LoRaWAN1_0,
			DevNonce:   12,
			FCntList: FCntList{
				FCntUp:    10,
				NFCntDown: FCntDownInitial,
				AFCntDown: FCntDownInitial,
				FCntDown:  FCntDownInitial,
			},
		},
		MACGroup1: MACGroup1{
			ChannelsDatarate: 5,
			ChannelsTxPower:  1,
			AdrAckCounter:    3,
			LastTxDoneTime:   time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		MACGroup2: MACGroup2{
			Region:            "EU868",
			NetworkActivation: ActivationOTAA,
			DevAddr:           lorawan.DevAddr{1, 2, 3, 4},
			AdrCtrlOn:         true,
			ADRAckLimit:       64,
			ADRAckDelay:       32,
		},
		Region: RegionGroup{
			Channels: []Channel{
				{Frequency: 868100000, MaxDR: 5, Enabled: true},
			},
			Bands: []BandState{{}},
		},
	}
	return n
}

func TestNVMUpdate(t *testing.T) {
	assert := require.New(t)

	n := testNVM()

	flags, err := n.Update()
	assert.NoError(err)
	assert.Equal(NotifyAll, flags)

	t.Run("Second update without changes", func(t *testing.T) {
		assert := require.New(t)
		flags, err := n.Update()
		assert.NoError(err)
		assert.Equal(NotifyNone, flags)
	})

	t.Run("Single group changed", func(t *testing.T) {
		assert := require.New(t)
		n.MACGroup1.AdrAckCounter++
		flags, err := n.Update()
		assert.NoError(err)
		assert.Equal(NotifyMACGroup1, flags)
		assert.NoError(n.Verify())
	})

	t.Run("Verify detects inconsistent group", func(t *testing.T) {
		assert := require.New(t)
		n.MACGroup2.DevAddr = lorawan.DevAddr{4, 3, 2, 1}
		err := n.Verify()
		assert.Error(err)
		assert.Equal(ErrNVMDataInconsistent, errors.Cause(err))
	})
}

func TestNotifyFlags(t *testing.T) {
	assert := require.New(t)

	f := NotifyCrypto | NotifyRegion
	assert.True(f.Has(NotifyCrypto))
	assert.True(f.Has(NotifyRegion))
	assert.False(f.Has(NotifyClassB))
	assert.False(f.Has(NotifyCrypto | NotifyClassB))
	assert.True(NotifyAll.Has(f))
}

func TestCodec(t *testing.T) {
	tests := []struct {
		Name string
		KEK  []byte
	}{
		{
			Name: "plain root keys",
		},
		{
			Name: "wrapped root keys",
			KEK:  []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		},
	}

	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)

			codec, err := NewCodec(tst.KEK)
			assert.NoError(err)

			n := testNVM()
			_, err = n.Update()
			assert.NoError(err)

			records, err := codec.Records(&n, NotifyAll)
			assert.NoError(err)
			assert.Len(records, 5)

			if len(tst.KEK) != 0 {
				assert.NotContains(string(records[0].Data), `"appKey":"01020304050607080102030405060708"`)
			}

			var out NVM
			assert.NoError(codec.Apply(&out, records))
			assert.Equal(n.Crypto, out.Crypto)
			assert.Equal(n.MACGroup2, out.MACGroup2)
			assert.True(n.MACGroup1.LastTxDoneTime.Equal(out.MACGroup1.LastTxDoneTime))
		})
	}

	t.Run("Invalid KEK", func(t *testing.T) {
		assert := require.New(t)
		_, err := NewCodec([]byte{1, 2, 3})
		assert.Error(err)
	})

	t.Run("Wrapped keys without KEK", func(t *testing.T) {
		assert := require.New(t)

		wrapping, err := NewCodec([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
		assert.NoError(err)
		plain, err := NewCodec(nil)
		assert.NoError(err)

		n := testNVM()
		_, err = n.Update()
		assert.NoError(err)

		records, err := wrapping.Records(&n, NotifyCrypto)
		assert.NoError(err)

		var out NVM
		assert.Error(plain.Apply(&out, records))
	})
}

func TestMemoryStore(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	codec, err := NewCodec(nil)
	assert.NoError(err)
	s := NewMemoryStore(codec)

	n := testNVM()
	_, err = n.Update()
	assert.NoError(err)
	devEUI := n.Crypto.DevEUI

	_, err = s.LoadNVM(ctx, devEUI)
	assert.Equal(ErrDoesNotExist, err)

	assert.NoError(s.SaveNVM(ctx, devEUI, NotifyAll, &n))

	t.Run("Partial update", func(t *testing.T) {
		assert := require.New(t)

		n.MACGroup1.AdrAckCounter = 10
		flags, err := n.Update()
		assert.NoError(err)
		assert.NoError(s.SaveNVM(ctx, devEUI, flags, &n))

		out, err := s.LoadNVM(ctx, devEUI)
		assert.NoError(err)
		assert.EqualValues(10, out.MACGroup1.AdrAckCounter)
		assert.Equal(n.MACGroup2.DevAddr, out.MACGroup2.DevAddr)
	})

	t.Run("Delete", func(t *testing.T) {
		assert := require.New(t)

		assert.NoError(s.DeleteNVM(ctx, devEUI))
		assert.Equal(ErrDoesNotExist, s.DeleteNVM(ctx, devEUI))
	})
}
