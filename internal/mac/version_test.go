package mac

import (
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-device-mac/internal/crypto"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

func (ts *EngineTestSuite) TestFCntDownLoRaWAN11() {
	assert := require.New(ts.T())
	ts.activateABP11(false)

	fCnt := func(id crypto.FCntID) uint32 {
		v, err := ts.engine.crypto.FCnt(id)
		assert.NoError(err)
		return v
	}

	fPort := uint8(2)
	ts.radio.queue(ts.downlink(testDownlink{
		MType:      lorawan.UnconfirmedDataDown,
		FCnt:       5,
		FPort:      &fPort,
		Data:       []byte{1},
		MACVersion: lorawan.LoRaWAN1_1,
	}))

	_, err := ts.engine.McpsRequest(McpsRequest{Type: McpsUnconfirmed, FPort: 1, Data: []byte{1}, DR: 5}, false)
	assert.NoError(err)
	ts.run(5 * time.Second)

	assert.Len(ts.mcpsIndications, 1)
	assert.Equal(StatusOK, ts.mcpsIndications[0].Status)
	assert.Equal(uint32(5), fCnt(crypto.AFCntDown))
	assert.Equal(storage.FCntDownInitial, fCnt(crypto.NFCntDown))

	ts.Run("A frame without application payload uses the network counter", func() {
		assert := require.New(ts.T())
		ts.radio.queue(ts.downlink(testDownlink{
			MType:      lorawan.UnconfirmedDataDown,
			FCnt:       3,
			MACVersion: lorawan.LoRaWAN1_1,
		}))

		_, err := ts.engine.McpsRequest(McpsRequest{Type: McpsUnconfirmed, FPort: 1, Data: []byte{2}, DR: 5}, false)
		assert.NoError(err)
		ts.run(5 * time.Second)

		assert.Len(ts.mcpsIndications, 2)
		assert.Equal(StatusOK, ts.mcpsIndications[1].Status)
		assert.False(ts.mcpsIndications[1].RxData)
		assert.Equal(uint32(3), fCnt(crypto.NFCntDown))
		assert.Equal(uint32(5), fCnt(crypto.AFCntDown))
	})

	ts.Run("A repeated network frame-counter is not indicated", func() {
		assert := require.New(ts.T())
		ts.radio.queue(ts.downlink(testDownlink{
			MType:      lorawan.UnconfirmedDataDown,
			FCnt:       3,
			MACVersion: lorawan.LoRaWAN1_1,
		}))

		_, err := ts.engine.McpsRequest(McpsRequest{Type: McpsUnconfirmed, FPort: 1, Data: []byte{3}, DR: 5}, false)
		assert.NoError(err)
		ts.run(5 * time.Second)

		assert.Len(ts.mcpsIndications, 2)
		assert.Equal(uint32(3), fCnt(crypto.NFCntDown))
	})
}

func (ts *EngineTestSuite) TestConfirmedUplinkLoRaWAN11() {
	assert := require.New(ts.T())
	ts.activateABP11(false)
	assert.NoError(ts.engine.SetMib(MibParam{Type: MibChannelsNbTrans, Int: 2}))

	// NbTrials is ignored, the number of transmissions follows NbTrans.
	_, err := ts.engine.McpsRequest(McpsRequest{
		Type:     McpsConfirmed,
		FPort:    1,
		Data:     []byte{1},
		DR:       5,
		NbTrials: 5,
	}, false)
	assert.NoError(err)
	ts.run(30 * time.Second)

	frames := ts.radio.txFrames()
	assert.Len(frames, 2)
	for _, f := range frames {
		assert.Equal(5, f.Params.DR)

		var phy lorawan.PHYPayload
		assert.NoError(phy.UnmarshalBinary(f.Payload))
		assert.Equal(lorawan.ConfirmedDataUp, phy.MHDR.MType)
		assert.Equal(uint32(0), phy.MACPayload.(*lorawan.MACPayload).FHDR.FCnt)
	}

	assert.Len(ts.mcpsConfirms, 1)
	c := ts.mcpsConfirms[0]
	assert.Equal(StatusRx2Timeout, c.Status)
	assert.False(c.AckReceived)
	assert.Equal(2, c.NbTrans)
	assert.False(ts.engine.IsBusy())
}

func (ts *EngineTestSuite) TestUplinkEncodingLoRaWAN11() {
	assert := require.New(ts.T())
	ts.activateABP11(false)

	_, err := ts.engine.McpsRequest(McpsRequest{Type: McpsUnconfirmed, FPort: 10, Data: []byte{1, 2, 3}, DR: 5}, false)
	assert.NoError(err)
	ts.run(5 * time.Second)

	frames := ts.radio.txFrames()
	assert.Len(frames, 1)

	var phy lorawan.PHYPayload
	assert.NoError(phy.UnmarshalBinary(frames[0].Payload))
	assert.Equal(lorawan.LoRaWANR1, phy.MHDR.Major)

	ok, err := phy.ValidateUplinkDataMICF(testNwkSKey)
	assert.NoError(err)
	assert.True(ok)

	assert.NoError(phy.DecryptFOpts(testEncKey))
	assert.NoError(phy.DecryptFRMPayload(testAppSKey))

	macPL := phy.MACPayload.(*lorawan.MACPayload)
	assert.Len(macPL.FHDR.FOpts, 1)
	cmd, ok := macPL.FHDR.FOpts[0].(*lorawan.MACCommand)
	assert.True(ok)
	assert.Equal(lorawan.ResetInd, cmd.CID)

	assert.Equal(uint8(10), *macPL.FPort)
	assert.Equal([]byte{1, 2, 3}, macPL.FRMPayload[0].(*lorawan.DataPayload).Bytes)
}
