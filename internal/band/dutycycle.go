package band

import (
	"time"

	"github.com/pkg/errors"

	loraband "github.com/brocaar/lorawan/band"
)

// subBand defines a frequency range sharing a duty-cycle limitation. The
// duty-cycle is expressed as 1/DCycle (e.g. 100 for 1%).
type subBand struct {
	MinFrequency uint32
	MaxFrequency uint32
	DCycle       int
}

// join back-off duty-cycles, relative to the initialization time.
const (
	joinBackOffDCycle1h  = 100
	joinBackOffDCycle11h = 1000
	joinBackOffDCycle    = 10000
)

func subBandsForRegion(name loraband.Name) []subBand {
	switch name {
	case loraband.EU_863_870:
		return []subBand{
			{863000000, 865000000, 1000},
			{865000000, 868000000, 100},
			{868000000, 868600000, 100},
			{868700000, 869200000, 1000},
			{869400000, 869650000, 10},
			{869700000, 870000000, 100},
		}
	case loraband.EU_433, loraband.CN_779_787:
		return []subBand{
			{0, ^uint32(0), 100},
		}
	default:
		return []subBand{
			{0, ^uint32(0), 1},
		}
	}
}

func (r *Region) subBandIndex(freq uint32) int {
	for i, b := range r.subBands {
		if freq >= b.MinFrequency && freq < b.MaxFrequency {
			return i
		}
	}
	return 0
}

// NextChannelRequest holds the input for selecting the next uplink channel.
type NextChannelRequest struct {
	DR                int
	Joined            bool
	DutyCycleOn       bool
	Now               time.Time
	LastTxDone        time.Time
	AggregatedTimeOff time.Duration
}

// NextChannelResult holds the selected channel.
type NextChannelResult struct {
	Channel int

	// Wait is set when the selection is duty-cycle restricted.
	Wait time.Duration
}

// NextChannel selects a random enabled channel, supporting the requested
// data-rate, of which the sub-band is not duty-cycle restricted. When all
// matching channels are restricted, ErrDutyCycleRestricted is returned
// together with the time to wait.
func (r *Region) NextChannel(req NextChannelRequest) (NextChannelResult, error) {
	var out NextChannelResult

	if !req.LastTxDone.IsZero() {
		if elapsed := req.Now.Sub(req.LastTxDone); req.AggregatedTimeOff > elapsed {
			out.Wait = req.AggregatedTimeOff - elapsed
			return out, ErrDutyCycleRestricted
		}
	}

	available := make([]bool, len(r.state.Bands))
	var minWait time.Duration
	for i := range r.state.Bands {
		bs := &r.state.Bands[i]
		if !req.DutyCycleOn && req.Joined {
			bs.TimeOff = 0
		}

		remaining := bs.TimeOff - req.Now.Sub(bs.LastTxDone)
		if bs.LastTxDone.IsZero() || remaining <= 0 {
			available[i] = true
			bs.TimeOff = 0
			continue
		}
		if minWait == 0 || remaining < minWait {
			minWait = remaining
		}
	}

	var candidates []int
	var restricted bool
	for _, i := range r.EnabledChannels() {
		c := r.state.Channels[i]
		if req.DR < c.MinDR || req.DR > c.MaxDR {
			continue
		}
		if !available[c.Band] {
			restricted = true
			continue
		}
		candidates = append(candidates, i)
	}

	if len(candidates) != 0 {
		out.Channel = r.randomIndex(candidates)
		return out, nil
	}
	if restricted {
		out.Wait = minWait
		return out, ErrDutyCycleRestricted
	}

	return out, errors.Wrapf(ErrNoChannelFound, "dr %d", req.DR)
}

// TxDoneRequest holds the input for the duty-cycle bookkeeping after a
// transmission.
type TxDoneRequest struct {
	Channel     int
	Joined      bool
	DutyCycleOn bool
	TimeOnAir   time.Duration
	Now         time.Time

	// SinceInit is the time elapsed since the device initialization, used
	// for the join back-off.
	SinceInit time.Duration
}

// SetTxDone updates the time-off of the sub-band of the used channel.
func (r *Region) SetTxDone(req TxDoneRequest) error {
	c, err := r.Channel(req.Channel)
	if err != nil {
		return err
	}

	dcycle := r.subBands[c.Band].DCycle
	if !req.Joined {
		if jdc := JoinBackOffDCycle(req.SinceInit); jdc > dcycle {
			dcycle = jdc
		}
	} else if !req.DutyCycleOn {
		dcycle = 1
	}

	bs := &r.state.Bands[c.Band]
	bs.LastTxDone = req.Now
	bs.TimeOff = req.TimeOnAir*time.Duration(dcycle) - req.TimeOnAir

	return nil
}

// JoinBackOffDCycle returns the join-request duty-cycle given the time
// elapsed since the device initialization.
func JoinBackOffDCycle(sinceInit time.Duration) int {
	switch {
	case sinceInit < time.Hour:
		return joinBackOffDCycle1h
	case sinceInit < 11*time.Hour:
		return joinBackOffDCycle11h
	default:
		return joinBackOffDCycle
	}
}

// AggregatedTimeOff returns the aggregated time-off for the given time-on-air
// and aggregated duty-cycle (1/2^MaxDCycle).
func AggregatedTimeOff(toa time.Duration, aggregatedDCycle uint16) time.Duration {
	if aggregatedDCycle <= 1 {
		return 0
	}
	return toa*time.Duration(aggregatedDCycle) - toa
}
