package classb

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/chirpstack-device-mac/internal/timer"
	"github.com/brocaar/lorawan"
)

func TestGPSTime(t *testing.T) {
	Convey("Given a set of tests", t, func() {
		tests := []struct {
			Time              time.Time
			TimeSinceGPSEpoch time.Duration
		}{
			{Time: gpsEpochTime, TimeSinceGPSEpoch: 0},
			{Time: time.Date(2010, time.January, 28, 16, 36, 24, 0, time.UTC), TimeSinceGPSEpoch: 948731799 * time.Second},
			{Time: time.Date(2012, time.June, 30, 23, 59, 59, 0, time.UTC), TimeSinceGPSEpoch: 1025136014 * time.Second},
			{Time: time.Date(2012, time.July, 1, 0, 0, 0, 0, time.UTC), TimeSinceGPSEpoch: 1025136016 * time.Second},
		}

		for i, test := range tests {
			Convey(fmt.Sprintf("Testing: %s == %s [%d]", test.Time, test.TimeSinceGPSEpoch, i), func() {
				So(TimeSinceGPSEpoch(test.Time), ShouldEqual, test.TimeSinceGPSEpoch)
				So(TimeFromGPSEpoch(test.TimeSinceGPSEpoch).Equal(test.Time), ShouldBeTrue)
			})
		}
	})
}

func TestPingOffset(t *testing.T) {
	for k := 0; k < 8; k++ {
		var beacon time.Duration
		pingNb := 1 << uint(k)
		pingPeriod := pingPeriodBase / pingNb

		for i := 0; i < 1000; i++ {
			offset, err := PingOffset(beacon, lorawan.DevAddr{1, 2, 3, 4}, pingNb)
			if err != nil {
				t.Fatal(err)
			}
			if offset < 0 || offset > pingPeriod-1 {
				t.Errorf("unexpected offset %d at pingNb %d", offset, pingNb)
			}
			beacon += BeaconPeriod
		}
	}

	t.Run("invalid beacon", func(t *testing.T) {
		assert := require.New(t)
		_, err := PingOffset(time.Second, lorawan.DevAddr{}, 1)
		assert.Error(err)
	})
}

func TestNextPingSlot(t *testing.T) {
	tests := []struct {
		After    time.Duration
		PingNb   int
		Expected string
	}{
		{After: 0, PingNb: 1, Expected: "1m14.3s"},
		{After: 2 * time.Minute, PingNb: 1, Expected: "3m5.62s"},
		{After: 0, PingNb: 2, Expected: "12.86s"},
		{After: 13 * time.Second, PingNb: 2, Expected: "1m14.3s"},
		{After: 124 * time.Second, PingNb: 128, Expected: "2m4.22s"},
	}

	for _, tst := range tests {
		t.Run(fmt.Sprintf("after %s ping nb %d", tst.After, tst.PingNb), func(t *testing.T) {
			assert := require.New(t)
			exp, err := time.ParseDuration(tst.Expected)
			assert.NoError(err)

			ts, err := NextPingSlot(tst.After, lorawan.DevAddr{}, tst.PingNb)
			assert.NoError(err)
			assert.Equal(exp, ts)
		})
	}
}

func TestPingNb(t *testing.T) {
	assert := require.New(t)
	assert.Equal(128, PingNb(0))
	assert.Equal(1, PingNb(7))
	assert.Equal(0, PingNb(8))
}

func testBeacon(ts time.Duration) []byte {
	b := make([]byte, 17)
	binary.LittleEndian.PutUint32(b[2:6], uint32(ts/time.Second))
	binary.LittleEndian.PutUint16(b[6:8], crc16(b[:6]))
	copy(b[8:15], []byte{1, 2, 3, 4, 5, 6, 7})
	return b
}

func TestClassB(t *testing.T) {
	Convey("Given a ClassB with a manual clock", t, func() {
		clock := timer.NewManualClock(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
		group := storage.ClassBGroup{PingSlotPeriodicity: 7}
		c := New(clock, &group)

		So(c.State(), ShouldEqual, BeaconStateNone)
		So(c.IsBeaconExpected(), ShouldBeFalse)
		So(c.TxCollision(time.Second), ShouldEqual, 0)

		Convey("When the beacon acquisition is started", func() {
			c.StartBeaconAcquisition()

			Convey("Then every frame might be a beacon", func() {
				So(c.State(), ShouldEqual, BeaconStateAcquiring)
				So(c.IsBeaconExpected(), ShouldBeTrue)
			})

			Convey("When the acquisition is stopped", func() {
				c.StopBeaconAcquisition()
				So(c.State(), ShouldEqual, BeaconStateNone)
			})

			Convey("When a beacon with an invalid crc is received", func() {
				b := testBeacon(1000 * BeaconPeriod)
				b[6]++
				_, err := c.HandleBeacon(b, -50, 7)

				Convey("Then an error is returned", func() {
					So(err, ShouldNotBeNil)
					So(c.State(), ShouldEqual, BeaconStateAcquiring)
				})
			})

			Convey("When a valid beacon is received", func() {
				beaconTime := 1000 * BeaconPeriod
				b, err := c.HandleBeacon(testBeacon(beaconTime), -50, 7)
				So(err, ShouldBeNil)

				Convey("Then the beacon is locked", func() {
					So(b.Time, ShouldEqual, beaconTime)
					So(b.GwSpecific, ShouldResemble, [7]byte{1, 2, 3, 4, 5, 6, 7})
					So(c.State(), ShouldEqual, BeaconStateLocked)
					So(c.GPSTime(), ShouldEqual, beaconTime)
					So(group.LastBeaconRx, ShouldResemble, clock.Now())
				})

				Convey("Then a beacon is expected during the reserved time only", func() {
					So(c.IsBeaconExpected(), ShouldBeTrue)
					clock.Advance(3 * time.Second)
					So(c.IsBeaconExpected(), ShouldBeFalse)
				})

				Convey("Then the reserved time is not available for transmission", func() {
					So(c.TxCollision(time.Second), ShouldEqual, BeaconReserved)
				})

				Convey("Then a transmission reaching into the beacon guard must wait", func() {
					clock.Advance(10 * time.Second)
					So(c.TxCollision(time.Second), ShouldEqual, 0)

					clock.Advance(116 * time.Second)
					So(c.TxCollision(0), ShouldEqual, 4120*time.Millisecond)
				})

				Convey("Then the ping-slot matches the computed slot", func() {
					slot, err := NextPingSlot(beaconTime, lorawan.DevAddr{1, 2, 3, 4}, 1)
					So(err, ShouldBeNil)

					So(c.IsPingExpected(lorawan.DevAddr{1, 2, 3, 4}), ShouldBeFalse)
					clock.Advance(slot - beaconTime)
					So(c.IsPingExpected(lorawan.DevAddr{1, 2, 3, 4}), ShouldBeTrue)

					Convey("Then no ping-slot is expected while suspended", func() {
						c.Suspend()
						So(c.IsPingExpected(lorawan.DevAddr{1, 2, 3, 4}), ShouldBeFalse)
						c.Resume()
						So(c.IsPingExpected(lorawan.DevAddr{1, 2, 3, 4}), ShouldBeTrue)
					})

					Convey("Then a class-B multicast channel on the same address is expected", func() {
						So(c.IsMulticastExpected([]storage.MulticastChannel{
							{Enabled: true, Class: storage.ClassB, Address: lorawan.DevAddr{1, 2, 3, 4}, Periodicity: 7},
						}), ShouldBeTrue)
						So(c.IsMulticastExpected([]storage.MulticastChannel{
							{Enabled: true, Class: storage.ClassC, Address: lorawan.DevAddr{1, 2, 3, 4}},
						}), ShouldBeFalse)
					})
				})

				Convey("When no beacon is received for two hours", func() {
					clock.Advance(2 * time.Hour)

					Convey("Then the beacon is lost once", func() {
						So(c.CheckBeaconLost(), ShouldBeTrue)
						So(c.CheckBeaconLost(), ShouldBeFalse)
						So(c.State(), ShouldEqual, BeaconStateLost)
					})
				})
			})
		})

		Convey("When the time is synchronized", func() {
			c.SyncTime(5000 * time.Second)
			So(c.GPSTime(), ShouldEqual, 5000*time.Second)
			clock.Advance(time.Second)
			So(c.GPSTime(), ShouldEqual, 5001*time.Second)
		})
	})
}
