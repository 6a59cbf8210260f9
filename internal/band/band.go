// Package band implements the device-side regional parameters on top of the
// channel-plans of github.com/brocaar/lorawan/band.
package band

import (
	"math/rand"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/config"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// errors
var (
	ErrRegionNotSupported  = errors.New("region not supported")
	ErrDutyCycleRestricted = errors.New("duty-cycle restricted")
	ErrNoChannelFound      = errors.New("no channel found")
	ErrInvalidDataRate     = errors.New("invalid data-rate")
	ErrInvalidTxPower      = errors.New("invalid tx-power")
	ErrInvalidChannel      = errors.New("invalid channel")
)

// maxFCntGap is the MAX_FCNT_GAP of LoRaWAN 1.0.x.
const maxFCntGap = 16384

// Config holds the region configuration.
type Config struct {
	Name                   loraband.Name
	RepeaterCompatible     bool
	UplinkDwellTime400ms   bool
	DownlinkDwellTime400ms bool
	UplinkMaxEIRP          float32
	EnabledUplinkChannels  []int
	ExtraChannels          []storage.Channel
}

// ConfigFromConfig returns the region Config from the global configuration.
func ConfigFromConfig(c config.Config) Config {
	out := Config{
		Name:                   c.Region.Name,
		RepeaterCompatible:     c.Region.RepeaterCompatible,
		UplinkDwellTime400ms:   c.Region.UplinkDwellTime400ms,
		DownlinkDwellTime400ms: c.Region.DownlinkDwellTime400ms,
		UplinkMaxEIRP:          c.Region.UplinkMaxEIRP,
		EnabledUplinkChannels:  c.Region.EnabledUplinkChannels,
	}
	for _, ec := range c.Region.ExtraChannels {
		out.ExtraChannels = append(out.ExtraChannels, storage.Channel{
			Frequency: ec.Frequency,
			MinDR:     ec.MinDR,
			MaxDR:     ec.MaxDR,
			Enabled:   true,
		})
	}
	return out
}

// Defaults holds the default MAC parameters of the region.
type Defaults struct {
	RX2Frequency     uint32
	RX2DR            int
	ReceiveDelay1    time.Duration
	ReceiveDelay2    time.Duration
	JoinAcceptDelay1 time.Duration
	JoinAcceptDelay2 time.Duration
	MaxFCntGap       uint32
	ADRAckLimit      int
	ADRAckDelay      int
	TxPower          int
	TxDR             int
	MaxEIRP          float32
}

// Region implements the regional parameters for a single device.
type Region struct {
	conf     Config
	band     loraband.Band
	subBands []subBand
	state    *storage.RegionGroup
	uplinkDT bool
	dlDT     bool
	maxEIRP  float32
	rand     *rand.Rand
}

// New creates a new Region.
func New(conf Config) (*Region, error) {
	r := Region{
		conf:     conf,
		uplinkDT: conf.UplinkDwellTime400ms,
		dlDT:     conf.DownlinkDwellTime400ms,
		state:    &storage.RegionGroup{},
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := r.loadBand(); err != nil {
		return nil, err
	}

	r.maxEIRP = r.band.GetDefaultMaxUplinkEIRP()
	if conf.UplinkMaxEIRP != 0 && conf.UplinkMaxEIRP < r.maxEIRP {
		r.maxEIRP = conf.UplinkMaxEIRP
	}

	r.subBands = subBandsForRegion(conf.Name)
	if err := r.Reset(); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"region":   conf.Name,
		"channels": len(r.state.Channels),
		"bands":    len(r.subBands),
	}).Info("band: region configured")

	return &r, nil
}

func (r *Region) loadBand() error {
	dt := lorawan.DwellTimeNoLimit
	if r.dlDT {
		dt = lorawan.DwellTime400ms
	}
	b, err := loraband.GetConfig(r.conf.Name, r.conf.RepeaterCompatible, dt)
	if err != nil {
		return errors.Wrap(ErrRegionNotSupported, err.Error())
	}
	r.band = b
	return nil
}

// SetRepeaterCompatible reloads the band with the max. payload-size tables
// for repeater compatible (or incompatible) devices.
func (r *Region) SetRepeaterCompatible(repeater bool) error {
	if r.conf.RepeaterCompatible == repeater {
		return nil
	}

	prev := r.conf.RepeaterCompatible
	r.conf.RepeaterCompatible = repeater
	if err := r.loadBand(); err != nil {
		r.conf.RepeaterCompatible = prev
		return err
	}

	log.WithFields(log.Fields{
		"region":   r.conf.Name,
		"repeater": repeater,
	}).Debug("band: band reloaded")

	return nil
}

// RepeaterCompatible returns true when the repeater compatible max.
// payload-sizes are used.
func (r *Region) RepeaterCompatible() bool {
	return r.conf.RepeaterCompatible
}

// Reset restores the default channel-plan and clears the duty-cycle state.
func (r *Region) Reset() error {
	if err := r.ResetChannels(); err != nil {
		return err
	}
	r.state.Bands = make([]storage.BandState, len(r.subBands))
	return nil
}

// ResetChannels restores the default channel-plan. The duty-cycle state of
// the sub-bands is kept.
func (r *Region) ResetChannels() error {
	var channels []storage.Channel
	for _, i := range r.band.GetUplinkChannelIndices() {
		c, err := r.band.GetUplinkChannel(i)
		if err != nil {
			return errors.Wrap(err, "get uplink channel error")
		}
		channels = append(channels, storage.Channel{
			Frequency: c.Frequency,
			MinDR:     c.MinDR,
			MaxDR:     c.MaxDR,
			Enabled:   true,
		})
	}
	channels = append(channels, r.conf.ExtraChannels...)

	if len(r.conf.EnabledUplinkChannels) != 0 {
		for i := range channels {
			channels[i].Enabled = false
		}
		for _, i := range r.conf.EnabledUplinkChannels {
			if i < 0 || i >= len(channels) {
				return errors.Wrapf(ErrInvalidChannel, "channel %d", i)
			}
			channels[i].Enabled = true
		}
	}

	for i := range channels {
		channels[i].Band = r.subBandIndex(channels[i].Frequency)
	}

	r.state.Channels = channels
	if len(r.state.Bands) != len(r.subBands) {
		r.state.Bands = make([]storage.BandState, len(r.subBands))
	}

	return nil
}

// Name returns the region name.
func (r *Region) Name() string {
	return string(r.conf.Name)
}

// Band returns the underlying band configuration.
func (r *Region) Band() loraband.Band {
	return r.band
}

// Defaults returns the default MAC parameters.
func (r *Region) Defaults() Defaults {
	d := r.band.GetDefaults()
	return Defaults{
		RX2Frequency:     d.RX2Frequency,
		RX2DR:            d.RX2DataRate,
		ReceiveDelay1:    d.ReceiveDelay1,
		ReceiveDelay2:    d.ReceiveDelay2,
		JoinAcceptDelay1: d.JoinAcceptDelay1,
		JoinAcceptDelay2: d.JoinAcceptDelay2,
		MaxFCntGap:       maxFCntGap,
		ADRAckLimit:      64,
		ADRAckDelay:      32,
		TxPower:          0,
		TxDR:             r.MinTxDR(),
		MaxEIRP:          r.maxEIRP,
	}
}

// Bind makes the region operate on the given state, which is owned by the
// caller (e.g. as part of the NVM). An empty state is initialized with the
// current channel-plan.
func (r *Region) Bind(s *storage.RegionGroup) error {
	if len(s.Channels) == 0 {
		s.Channels = r.state.Channels
		s.Bands = r.state.Bands
	}
	if len(s.Bands) != len(r.subBands) {
		return errors.New("band count mismatch")
	}
	for i := range s.Channels {
		if s.Channels[i].Band >= len(s.Bands) {
			return errors.Wrapf(ErrInvalidChannel, "channel %d has invalid band", i)
		}
	}
	r.state = s
	return nil
}

// State returns a copy of the region state.
func (r *Region) State() storage.RegionGroup {
	out := *r.state
	out.Channels = append([]storage.Channel(nil), r.state.Channels...)
	out.Bands = append([]storage.BandState(nil), r.state.Bands...)
	return out
}

// EnabledChannels returns the indices of the enabled uplink channels.
func (r *Region) EnabledChannels() []int {
	var out []int
	for i, c := range r.state.Channels {
		if c.Enabled && c.Frequency != 0 {
			out = append(out, i)
		}
	}
	return out
}

// SetEnabledChannels enables exactly the given channels.
func (r *Region) SetEnabledChannels(channels []int) error {
	if len(channels) == 0 {
		return errors.Wrap(ErrInvalidChannel, "at least one channel must be enabled")
	}
	enabled := make(map[int]struct{})
	for _, i := range channels {
		if i < 0 || i >= len(r.state.Channels) || r.state.Channels[i].Frequency == 0 {
			return errors.Wrapf(ErrInvalidChannel, "channel %d", i)
		}
		enabled[i] = struct{}{}
	}
	for i := range r.state.Channels {
		_, ok := enabled[i]
		r.state.Channels[i].Enabled = ok
	}
	return nil
}

// Channel returns the uplink channel with the given index.
func (r *Region) Channel(i int) (storage.Channel, error) {
	if i < 0 || i >= len(r.state.Channels) {
		return storage.Channel{}, errors.Wrapf(ErrInvalidChannel, "channel %d", i)
	}
	return r.state.Channels[i], nil
}

// MinTxDR returns the lowest uplink data-rate of the enabled channels.
func (r *Region) MinTxDR() int {
	min := -1
	for _, i := range r.EnabledChannels() {
		c := r.state.Channels[i]
		if min == -1 || c.MinDR < min {
			min = c.MinDR
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// MaxTxDR returns the highest uplink data-rate of the enabled channels.
func (r *Region) MaxTxDR() int {
	var max int
	for _, i := range r.EnabledChannels() {
		if c := r.state.Channels[i]; c.MaxDR > max {
			max = c.MaxDR
		}
	}

	// the uplink dwell-time limits AS923 to DR2 and up
	if r.uplinkDT && max < 2 {
		return 2
	}
	return max
}

// VerifyTxDR returns true when at least one enabled channel supports the
// given uplink data-rate.
func (r *Region) VerifyTxDR(dr int) bool {
	if _, err := r.band.GetDataRate(dr); err != nil {
		return false
	}
	for _, i := range r.EnabledChannels() {
		c := r.state.Channels[i]
		if dr >= c.MinDR && dr <= c.MaxDR {
			return true
		}
	}
	return false
}

// VerifyRxDR returns true when the given data-rate is a valid downlink
// data-rate.
func (r *Region) VerifyRxDR(dr int) bool {
	_, err := r.band.GetDataRate(dr)
	return err == nil
}

// VerifyTxPower returns true when the given tx-power index is valid.
func (r *Region) VerifyTxPower(txPower int) bool {
	_, err := r.band.GetTXPowerOffset(txPower)
	return err == nil
}

// MaxTxPower returns the highest valid tx-power index (the lowest output
// power).
func (r *Region) MaxTxPower() int {
	var i int
	for r.VerifyTxPower(i + 1) {
		i++
	}
	return i
}

// MaxEIRP returns the max uplink EIRP.
func (r *Region) MaxEIRP() float32 {
	return r.maxEIRP
}

// JoinDR returns the data-rate to use for the given join attempt. The
// data-rate is decreased by one every second attempt, until the lowest
// data-rate has been reached.
func (r *Region) JoinDR(trials int, dr int) int {
	if trials < 1 {
		trials = 1
	}
	min := r.MinTxDR()
	if r.uplinkDT && min < 2 {
		min = 2
	}
	out := dr - (trials-1)/2
	if out < min {
		return min
	}
	return out
}

// MaxPayloadSize returns the max MACPayload size (N) for the given
// data-rate.
func (r *Region) MaxPayloadSize(macVersion string, dr int) (int, error) {
	ps, err := r.band.GetMaxPayloadSizeForDataRateIndex(macVersion, "", dr)
	if err != nil {
		return 0, errors.Wrap(ErrInvalidDataRate, err.Error())
	}
	return ps.N, nil
}

// PingSlotFrequency returns the class-B ping-slot frequency.
func (r *Region) PingSlotFrequency(devAddr lorawan.DevAddr, beaconTime time.Duration) (uint32, error) {
	f, err := r.band.GetPingSlotFrequency(devAddr, beaconTime)
	if err != nil {
		return 0, errors.Wrap(err, "get ping-slot frequency error")
	}
	return f, nil
}

func (r *Region) randomIndex(candidates []int) int {
	sort.Ints(candidates)
	return candidates[r.rand.Intn(len(candidates))]
}
