// Package classb implements the class-B timing of the device: the beacon
// state, the beacon reserved windows and the ping-slots. Beacon acquisition
// itself is driven by the radio, this package only tracks its outcome.
package classb

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/chirpstack-device-mac/internal/timer"
	"github.com/brocaar/lorawan"
)

// beaconLostTimeout is the time without beacon after which the device
// must revert to class A.
const beaconLostTimeout = 2 * time.Hour

// beaconPreamble is the margin before the beacon start at which the beacon
// receive window opens.
const beaconPreamble = 100 * time.Millisecond

// errors
var (
	ErrInvalidBeacon = errors.New("invalid beacon")
)

// BeaconState defines the beacon tracking state.
type BeaconState int

// Beacon states.
const (
	BeaconStateNone BeaconState = iota
	BeaconStateAcquiring
	BeaconStateLocked
	BeaconStateLost
)

func (s BeaconState) String() string {
	switch s {
	case BeaconStateAcquiring:
		return "ACQUIRING"
	case BeaconStateLocked:
		return "LOCKED"
	case BeaconStateLost:
		return "LOST"
	default:
		return "NONE"
	}
}

// Beacon holds a received beacon.
type Beacon struct {
	Time       time.Duration
	GwSpecific [7]byte
	RSSI       int
	SNR        float64
}

// ClassB tracks the beacon and the ping-slots.
type ClassB struct {
	mu sync.Mutex

	clock     timer.Clock
	group     *storage.ClassBGroup
	state     BeaconState
	suspended bool

	// gpsCorrection is added to the GPS time derived from the local clock.
	gpsCorrection time.Duration
}

// New creates a new ClassB operating on the given group.
func New(clock timer.Clock, group *storage.ClassBGroup) *ClassB {
	if group == nil {
		group = &storage.ClassBGroup{}
	}
	return &ClassB{
		clock: clock,
		group: group,
	}
}

// Bind makes ClassB operate on the given group.
func (c *ClassB) Bind(group *storage.ClassBGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.group = group
}

// State returns the beacon state.
func (c *ClassB) State() BeaconState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartBeaconAcquisition starts searching for the beacon.
func (c *ClassB) StartBeaconAcquisition() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = BeaconStateAcquiring
	log.Info("classb: beacon acquisition started")
}

// StopBeaconAcquisition stops the beacon search, e.g. after a timeout.
func (c *ClassB) StopBeaconAcquisition() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == BeaconStateAcquiring {
		c.state = BeaconStateNone
	}
}

// Suspend suspends the beacon and ping-slot windows while the MAC layer
// processes a request.
func (c *ClassB) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = true
}

// Resume resumes the beacon and ping-slot windows.
func (c *ClassB) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = false
}

// SyncTime synchronizes the GPS time, e.g. from a DeviceTimeAns.
func (c *ClassB) SyncTime(sinceEpoch time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gpsCorrection = sinceEpoch - TimeSinceGPSEpoch(c.clock.Now())
}

// GPSTime returns the current time as duration since GPS epoch.
func (c *ClassB) GPSTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gpsTime()
}

func (c *ClassB) gpsTime() time.Duration {
	return TimeSinceGPSEpoch(c.clock.Now()) + c.gpsCorrection
}

// IsBeaconExpected returns true when a received frame might be a beacon.
func (c *ClassB) IsBeaconExpected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case BeaconStateAcquiring:
		return true
	case BeaconStateLocked:
		if c.suspended {
			return false
		}
		pos := c.gpsTime() % BeaconPeriod
		return pos < BeaconReserved || pos > BeaconPeriod-beaconPreamble
	default:
		return false
	}
}

// HandleBeacon decodes the given beacon frame. On success the beacon is
// locked and the GPS time synchronized.
func (c *ClassB) HandleBeacon(payload []byte, rssi int, snr float64) (Beacon, error) {
	b, err := decodeBeacon(payload)
	if err != nil {
		return b, err
	}
	b.RSSI = rssi
	b.SNR = snr

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.gpsCorrection = b.Time - TimeSinceGPSEpoch(now)
	c.group.LastBeaconRx = now
	c.state = BeaconStateLocked

	log.WithFields(log.Fields{
		"beacon_time": b.Time,
		"rssi":        rssi,
		"snr":         snr,
	}).Debug("classb: beacon received")

	return b, nil
}

// CheckBeaconLost returns true (once) when no beacon has been received
// within the beacon-less operation timeout.
func (c *ClassB) CheckBeaconLost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != BeaconStateLocked {
		return false
	}
	if c.clock.Now().Sub(c.group.LastBeaconRx) < beaconLostTimeout {
		return false
	}

	c.state = BeaconStateLost
	log.WithField("last_beacon_rx", c.group.LastBeaconRx).Warning("classb: beacon lost")
	return true
}

// IsPingExpected returns true when the current time is within a ping-slot
// of the device.
func (c *ClassB) IsPingExpected(devAddr lorawan.DevAddr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inPingSlot(devAddr, c.group.PingSlotPeriodicity)
}

// IsMulticastExpected returns true when the current time is within a
// ping-slot of one of the class-B multicast channels.
func (c *ClassB) IsMulticastExpected(channels []storage.MulticastChannel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, mc := range channels {
		if !mc.Enabled || mc.Class != storage.ClassB {
			continue
		}
		if c.inPingSlot(mc.Address, mc.Periodicity) {
			return true
		}
	}
	return false
}

func (c *ClassB) inPingSlot(devAddr lorawan.DevAddr, periodicity int) bool {
	if c.state != BeaconStateLocked || c.suspended {
		return false
	}
	pingNb := PingNb(periodicity)
	if pingNb == 0 {
		return false
	}

	now := c.gpsTime()
	slot, err := NextPingSlot(now-PingSlotLen, devAddr, pingNb)
	if err != nil {
		return false
	}
	return slot <= now && now < slot+PingSlotLen
}

// TxCollision returns the time to wait when a transmission of the given
// duration, starting now, would overlap with the beacon guard or reserved
// time. Zero means no collision.
func (c *ClassB) TxCollision(d time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != BeaconStateLocked {
		return 0
	}

	now := c.gpsTime()
	pos := now % BeaconPeriod
	if pos < BeaconReserved {
		return BeaconReserved - pos
	}
	if pos+d > BeaconPeriod-BeaconGuard {
		return BeaconPeriod + BeaconReserved - pos
	}
	return 0
}

// beaconLayouts maps the beacon size to the size of the first RFU field.
var beaconLayouts = map[int]int{
	17: 2,
	19: 3,
	23: 5,
}

func decodeBeacon(b []byte) (Beacon, error) {
	var out Beacon

	rfu1, ok := beaconLayouts[len(b)]
	if !ok {
		return out, errors.Wrapf(ErrInvalidBeacon, "unexpected size: %d", len(b))
	}

	netCommon := b[:rfu1+4]
	crc := binary.LittleEndian.Uint16(b[rfu1+4 : rfu1+6])
	if crc16(netCommon) != crc {
		return out, errors.Wrap(ErrInvalidBeacon, "invalid crc")
	}

	out.Time = time.Duration(binary.LittleEndian.Uint32(b[rfu1:rfu1+4])) * time.Second
	copy(out.GwSpecific[:], b[rfu1+6:rfu1+13])

	return out, nil
}

// crc16 implements the CRC-16/CCITT (XMODEM) used by the beacon frame.
func crc16(b []byte) uint16 {
	var crc uint16
	for _, v := range b {
		crc ^= uint16(v) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
