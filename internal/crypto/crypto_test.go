package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

var (
	testDevEUI  = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	testJoinEUI = lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	testAppKey  = lorawan.AES128Key{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	testNwkKey  = lorawan.AES128Key{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}
)

func newTestCrypto(t *testing.T) *Crypto {
	var g storage.CryptoGroup
	c := New(&g, 16384)
	require.NoError(t, c.SetRootKeys(testDevEUI, testJoinEUI, testAppKey, testNwkKey))
	c.ResetFCnts()
	return c
}

func TestGetFCntDown(t *testing.T) {
	tests := []struct {
		Name          string
		MACVersion    lorawan.MACVersion
		Last          uint32
		FrameFCnt     uint16
		ExpectedFCnt  uint32
		ExpectedError error
	}{
		{
			Name:         "first frame",
			MACVersion:   lorawan.LoRaWAN1_0,
			Last:         storage.FCntDownInitial,
			FrameFCnt:    10,
			ExpectedFCnt: 10,
		},
		{
			Name:         "increment",
			MACVersion:   lorawan.LoRaWAN1_0,
			Last:         10,
			FrameFCnt:    12,
			ExpectedFCnt: 12,
		},
		{
			Name:          "duplicate",
			MACVersion:    lorawan.LoRaWAN1_0,
			Last:          10,
			FrameFCnt:     10,
			ExpectedFCnt:  10,
			ExpectedError: ErrFCntDuplicated,
		},
		{
			Name:         "16 bit rollover",
			MACVersion:   lorawan.LoRaWAN1_1,
			Last:         0x1fffe,
			FrameFCnt:    1,
			ExpectedFCnt: 0x20001,
		},
		{
			Name:          "max gap exceeded (1.0)",
			MACVersion:    lorawan.LoRaWAN1_0,
			Last:          10,
			FrameFCnt:     10 + 16384,
			ExpectedFCnt:  10 + 16384,
			ExpectedError: ErrMaxGapExceeded,
		},
		{
			Name:         "max gap ignored (1.1)",
			MACVersion:   lorawan.LoRaWAN1_1,
			Last:         10,
			FrameFCnt:    10 + 16384,
			ExpectedFCnt: 10 + 16384,
		},
	}

	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)
			c := newTestCrypto(t)
			c.SetMACVersion(tst.MACVersion)
			c.Group().FCntList.FCntDown = tst.Last

			fCnt, err := c.GetFCntDown(FCntDown, tst.FrameFCnt)
			assert.Equal(tst.ExpectedError, err)
			assert.Equal(tst.ExpectedFCnt, fCnt)
		})
	}
}

func TestCheckMcFCnt(t *testing.T) {
	assert := require.New(t)
	mc := storage.MulticastChannel{FCntMin: 10, FCntMax: 20}

	assert.NoError(CheckMcFCnt(mc, 10))
	assert.NoError(CheckMcFCnt(mc, 20))
	assert.Error(CheckMcFCnt(mc, 9))
	assert.Error(CheckMcFCnt(mc, 21))
}

func TestJoin(t *testing.T) {
	tests := []struct {
		Name       string
		OptNeg     bool
		MACVersion lorawan.MACVersion
	}{
		{"lorawan 1.0", false, lorawan.LoRaWAN1_0},
		{"lorawan 1.1", true, lorawan.LoRaWAN1_1},
	}

	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)
			c := newTestCrypto(t)

			jrPHY, err := c.PrepareJoinRequest()
			assert.NoError(err)
			assert.Equal(lorawan.DevNonce(1), c.Group().DevNonce)

			// validate as the network would
			ok, err := jrPHY.ValidateUplinkJoinMIC(testNwkKey)
			assert.NoError(err)
			assert.True(ok)

			jaPHY := lorawan.PHYPayload{
				MHDR: lorawan.MHDR{
					MType: lorawan.JoinAccept,
					Major: lorawan.LoRaWANR1,
				},
				MACPayload: &lorawan.JoinAcceptPayload{
					JoinNonce: 197121,
					HomeNetID: lorawan.NetID{3, 2, 1},
					DevAddr:   lorawan.DevAddr{1, 2, 3, 4},
					DLSettings: lorawan.DLSettings{
						OptNeg:      tst.OptNeg,
						RX2DataRate: 3,
						RX1DROffset: 1,
					},
					RXDelay: 2,
				},
			}
			micKey := testNwkKey
			if tst.OptNeg {
				micKey = c.Group().JSIntKey
			}
			assert.NoError(jaPHY.SetDownlinkJoinMIC(lorawan.JoinRequestType, testJoinEUI, lorawan.DevNonce(1), micKey))
			assert.NoError(jaPHY.EncryptJoinAcceptPayload(testNwkKey))
			b, err := jaPHY.MarshalBinary()
			assert.NoError(err)

			var rxPHY lorawan.PHYPayload
			assert.NoError(rxPHY.UnmarshalBinary(b))

			ja, err := c.HandleJoinAccept(lorawan.JoinRequestType, &rxPHY)
			assert.NoError(err)
			assert.Equal(tst.MACVersion, ja.MACVersion)
			assert.Equal(lorawan.DevAddr{1, 2, 3, 4}, ja.Payload.DevAddr)
			assert.Equal(uint8(3), ja.Payload.DLSettings.RX2DataRate)
			assert.Equal(storage.FCntDownInitial, c.Group().FCntList.FCntDown)

			var keys SessionKeys
			if tst.OptNeg {
				keys, err = DeriveSessionKeys11(testNwkKey, testAppKey, 197121, testJoinEUI, 1)
			} else {
				keys, err = DeriveSessionKeys10(testNwkKey, 197121, lorawan.NetID{3, 2, 1}, 1)
			}
			assert.NoError(err)
			assert.Equal(keys.AppSKey, c.Group().AppSKey)
			assert.Equal(keys.FNwkSIntKey, c.Group().FNwkSIntKey)
		})
	}
}

func TestHandleJoinAcceptInvalidMIC(t *testing.T) {
	assert := require.New(t)
	c := newTestCrypto(t)

	_, err := c.PrepareJoinRequest()
	assert.NoError(err)

	jaPHY := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.JoinAccept,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.JoinAcceptPayload{
			JoinNonce: 1,
			DevAddr:   lorawan.DevAddr{1, 2, 3, 4},
		},
	}
	assert.NoError(jaPHY.SetDownlinkJoinMIC(lorawan.JoinRequestType, testJoinEUI, lorawan.DevNonce(1), testAppKey))
	assert.NoError(jaPHY.EncryptJoinAcceptPayload(testNwkKey))

	_, err = c.HandleJoinAccept(lorawan.JoinRequestType, &jaPHY)
	assert.Equal(ErrMICFailed, err)
	assert.Equal(lorawan.AES128Key{}, c.Group().AppSKey)
}

func TestSecureUnsecure(t *testing.T) {
	tests := []struct {
		Name       string
		MACVersion lorawan.MACVersion
	}{
		{"lorawan 1.0", lorawan.LoRaWAN1_0},
		{"lorawan 1.1", lorawan.LoRaWAN1_1},
	}

	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			c := newTestCrypto(t)
			c.SetABPSession(SessionKeys{
				FNwkSIntKey: lorawan.AES128Key{1},
				SNwkSIntKey: lorawan.AES128Key{2},
				NwkSEncKey:  lorawan.AES128Key{3},
				AppSKey:     lorawan.AES128Key{4},
			}, tst.MACVersion)
			g := c.Group()

			t.Run("uplink", func(t *testing.T) {
				assert := require.New(t)
				fPort := uint8(10)
				phy := lorawan.PHYPayload{
					MHDR: lorawan.MHDR{
						MType: lorawan.UnconfirmedDataUp,
						Major: lorawan.LoRaWANR1,
					},
					MACPayload: &lorawan.MACPayload{
						FHDR: lorawan.FHDR{
							DevAddr: lorawan.DevAddr{1, 2, 3, 4},
						},
						FPort:      &fPort,
						FRMPayload: []lorawan.Payload{&lorawan.DataPayload{Bytes: []byte{1, 2, 3}}},
					},
				}
				assert.NoError(c.SecureMessage(&phy, 5, 3, 1))

				ok, err := phy.ValidateUplinkDataMIC(tst.MACVersion, 0, 3, 1, g.FNwkSIntKey, g.SNwkSIntKey)
				assert.NoError(err)
				assert.True(ok)

				assert.NoError(phy.DecryptFRMPayload(g.AppSKey))
				macPL := phy.MACPayload.(*lorawan.MACPayload)
				assert.Equal(uint32(5), macPL.FHDR.FCnt)
				assert.Equal([]lorawan.Payload{&lorawan.DataPayload{Bytes: []byte{1, 2, 3}}}, macPL.FRMPayload)
			})

			t.Run("downlink", func(t *testing.T) {
				assert := require.New(t)
				fPort := uint8(20)
				phy := lorawan.PHYPayload{
					MHDR: lorawan.MHDR{
						MType: lorawan.UnconfirmedDataDown,
						Major: lorawan.LoRaWANR1,
					},
					MACPayload: &lorawan.MACPayload{
						FHDR: lorawan.FHDR{
							DevAddr: lorawan.DevAddr{1, 2, 3, 4},
							FCnt:    7,
						},
						FPort:      &fPort,
						FRMPayload: []lorawan.Payload{&lorawan.DataPayload{Bytes: []byte{4, 5, 6}}},
					},
				}
				assert.NoError(phy.EncryptFRMPayload(g.AppSKey))
				assert.NoError(phy.SetDownlinkDataMIC(tst.MACVersion, 0, g.SNwkSIntKey))

				fCnt, err := c.GetFCntDown(FCntDown, 7)
				assert.NoError(err)
				assert.NoError(c.UnsecureMessage(UnicastDevAddr, FCntDown, fCnt, 0, &phy))
				assert.Equal(uint32(7), g.FCntList.FCntDown)

				macPL := phy.MACPayload.(*lorawan.MACPayload)
				assert.Equal([]lorawan.Payload{&lorawan.DataPayload{Bytes: []byte{4, 5, 6}}}, macPL.FRMPayload)

				_, err = c.GetFCntDown(FCntDown, 7)
				assert.Equal(ErrFCntDuplicated, err)
			})

			t.Run("downlink invalid mic", func(t *testing.T) {
				assert := require.New(t)
				fPort := uint8(20)
				phy := lorawan.PHYPayload{
					MHDR: lorawan.MHDR{
						MType: lorawan.UnconfirmedDataDown,
						Major: lorawan.LoRaWANR1,
					},
					MACPayload: &lorawan.MACPayload{
						FHDR: lorawan.FHDR{
							DevAddr: lorawan.DevAddr{1, 2, 3, 4},
							FCnt:    8,
						},
						FPort: &fPort,
					},
				}
				assert.NoError(phy.SetDownlinkDataMIC(tst.MACVersion, 0, lorawan.AES128Key{9}))

				err := c.UnsecureMessage(UnicastDevAddr, FCntDown, 8, 0, &phy)
				assert.Equal(ErrMICFailed, err)
				assert.Equal(uint32(7), g.FCntList.FCntDown)
			})
		})
	}
}

func TestPrepareRejoinRequest(t *testing.T) {
	assert := require.New(t)
	c := newTestCrypto(t)

	phy, err := c.PrepareRejoinRequest(lorawan.RejoinRequestType1, lorawan.NetID{})
	assert.NoError(err)
	assert.Equal(uint16(1), c.Group().RJCount1)

	ok, err := phy.ValidateUplinkJoinMIC(c.Group().JSIntKey)
	assert.NoError(err)
	assert.True(ok)

	_, err = c.PrepareRejoinRequest(lorawan.RejoinRequestType0, lorawan.NetID{1, 2, 3})
	assert.NoError(err)
	assert.Equal(uint16(1), c.Group().RJCount0)
}

func TestMulticastKeys(t *testing.T) {
	assert := require.New(t)
	c := newTestCrypto(t)
	c.SetMACVersion(lorawan.LoRaWAN1_0)

	assert.NoError(c.SetMulticastKeys(1, lorawan.AES128Key{5}, lorawan.DevAddr{1, 2, 3, 4}))
	assert.NotEqual(lorawan.AES128Key{}, c.Group().MulticastKeys[1].McAppSKey)
	assert.NotEqual(c.Group().MulticastKeys[1].McAppSKey, c.Group().MulticastKeys[1].McNwkSKey)

	assert.Error(c.SetMulticastKeys(4, lorawan.AES128Key{}, lorawan.DevAddr{}))
}
