package classb

import (
	"crypto/aes"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

// Class-B timing constants.
const (
	BeaconPeriod   = 128 * time.Second
	BeaconReserved = 2120 * time.Millisecond
	BeaconGuard    = 3 * time.Second
	BeaconWindow   = 122880 * time.Millisecond
	PingSlotLen    = 30 * time.Millisecond

	pingPeriodBase = 1 << 12
)

// PingNb returns the number of ping-slots per beacon period for the given
// ping-slot periodicity (0 - 7).
func PingNb(periodicity int) int {
	if periodicity < 0 || periodicity > 7 {
		return 0
	}
	return 1 << uint(7-periodicity)
}

// BeaconStart returns the start of the beacon period containing the given
// time, as duration since GPS epoch.
func BeaconStart(ts time.Time) time.Duration {
	gpsTime := TimeSinceGPSEpoch(ts)
	return gpsTime - (gpsTime % BeaconPeriod)
}

// PingOffset returns the ping-offset (in slots) for the given beacon.
func PingOffset(beacon time.Duration, devAddr lorawan.DevAddr, pingNb int) (int, error) {
	if pingNb <= 0 {
		return 0, errors.New("pingNb must be > 0")
	}
	if beacon%BeaconPeriod != 0 {
		return 0, errors.Errorf("beacon must be a multiple of %s", BeaconPeriod)
	}

	devAddrBytes, err := devAddr.MarshalBinary()
	if err != nil {
		return 0, errors.Wrap(err, "marshal devaddr error")
	}

	var key lorawan.AES128Key
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return 0, errors.Wrap(err, "new cipher error")
	}

	b := make([]byte, block.BlockSize())
	rand := make([]byte, block.BlockSize())
	binary.LittleEndian.PutUint32(b[0:4], uint32(int64(beacon/time.Second)%(1<<32)))
	copy(b[4:8], devAddrBytes)
	block.Encrypt(rand, b)

	return (int(rand[0]) + int(rand[1])*256) % (pingPeriodBase / pingNb), nil
}

// NextPingSlot returns the start of the first ping-slot after the given GPS
// epoch timestamp.
func NextPingSlot(after time.Duration, devAddr lorawan.DevAddr, pingNb int) (time.Duration, error) {
	if pingNb <= 0 {
		return 0, errors.New("pingNb must be > 0")
	}
	beaconStart := after - (after % BeaconPeriod)
	pingPeriod := pingPeriodBase / pingNb

	for {
		pingOffset, err := PingOffset(beaconStart, devAddr, pingNb)
		if err != nil {
			return 0, err
		}

		for n := 0; n < pingNb; n++ {
			ts := beaconStart + BeaconReserved + time.Duration(pingOffset+n*pingPeriod)*PingSlotLen
			if ts > after {
				return ts, nil
			}
		}

		beaconStart += BeaconPeriod
	}
}
