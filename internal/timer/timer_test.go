package timer

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestTimer(t *testing.T) {
	Convey("Given a manual clock and a timer", t, func() {
		clock := NewManualClock(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
		var fired int
		tmr := New(clock, "test", func() { fired++ })

		Convey("Then the timer is not running", func() {
			So(tmr.IsRunning(), ShouldBeFalse)
			So(tmr.Name(), ShouldEqual, "test")
		})

		Convey("When the timer is started for one second", func() {
			tmr.Start(time.Second)

			Convey("Then it is running with the given duration", func() {
				So(tmr.IsRunning(), ShouldBeTrue)
				So(tmr.Duration(), ShouldEqual, time.Second)
				So(tmr.Deadline(), ShouldResemble, clock.Now().Add(time.Second))
			})

			Convey("Then it does not fire before the deadline", func() {
				clock.Advance(999 * time.Millisecond)
				So(fired, ShouldEqual, 0)
				So(tmr.IsRunning(), ShouldBeTrue)
			})

			Convey("Then it fires exactly once on the deadline", func() {
				clock.Advance(time.Second)
				clock.Advance(time.Second)
				So(fired, ShouldEqual, 1)
				So(tmr.IsRunning(), ShouldBeFalse)
			})

			Convey("When the timer is stopped", func() {
				tmr.Stop()

				Convey("Then it never fires", func() {
					clock.Advance(time.Minute)
					So(fired, ShouldEqual, 0)
					So(clock.Pending(), ShouldEqual, 0)
				})
			})

			Convey("When the timer is restarted", func() {
				clock.Advance(500 * time.Millisecond)
				tmr.Start(time.Second)

				Convey("Then only the new schedule fires", func() {
					clock.Advance(600 * time.Millisecond)
					So(fired, ShouldEqual, 0)
					clock.Advance(400 * time.Millisecond)
					So(fired, ShouldEqual, 1)
				})
			})
		})

		Convey("When a timer is started with a negative duration", func() {
			tmr.Start(-time.Second)

			Convey("Then it fires on the next advance", func() {
				clock.Advance(0)
				So(fired, ShouldEqual, 1)
			})
		})
	})
}

func TestManualClockOrdering(t *testing.T) {
	Convey("Given timers armed out of order", t, func() {
		clock := NewManualClock(time.Now())
		var order []string

		New(clock, "b", func() { order = append(order, "b") }).Start(2 * time.Second)
		New(clock, "a", func() { order = append(order, "a") }).Start(time.Second)
		New(clock, "c", func() { order = append(order, "c") }).Start(2 * time.Second)

		Convey("Then advancing fires them in expiry and arming order", func() {
			clock.Advance(3 * time.Second)
			So(order, ShouldResemble, []string{"a", "b", "c"})
		})
	})

	Convey("Given the zero time", t, func() {
		clock := NewManualClock(time.Now())
		So(Elapsed(clock, time.Time{}), ShouldEqual, 0)
		start := clock.Now()
		clock.Advance(time.Second)
		So(Elapsed(clock, start), ShouldEqual, time.Second)
	})
}
