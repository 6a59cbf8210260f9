package classb

import (
	"time"
)

var gpsEpochTime = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// leapSeconds holds the UTC times after which a leap second was inserted.
var leapSeconds = []time.Time{
	time.Date(1981, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1982, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1983, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1985, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1987, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1989, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1990, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1992, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1993, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1994, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1995, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1997, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1998, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2005, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2008, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2012, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(2015, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(2016, time.December, 31, 23, 59, 59, 0, time.UTC),
}

// TimeSinceGPSEpoch returns the duration since the GPS epoch of the given
// UTC time, including the leap seconds.
func TimeSinceGPSEpoch(t time.Time) time.Duration {
	var offset time.Duration
	for _, ls := range leapSeconds {
		if ls.Before(t) {
			offset += time.Second
		}
	}
	return t.Sub(gpsEpochTime) + offset
}

// TimeFromGPSEpoch returns the UTC time for the given duration since the GPS
// epoch.
func TimeFromGPSEpoch(sinceEpoch time.Duration) time.Time {
	t := gpsEpochTime.Add(sinceEpoch)
	for _, ls := range leapSeconds {
		if ls.Before(t) {
			t = t.Add(-time.Second)
		}
	}
	return t
}
