package band

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// frequencyRange defines the allowed uplink / downlink frequency range of
// the dynamic channel-plan regions.
var frequencyRange = map[loraband.Name][2]uint32{
	loraband.EU_863_870: {863000000, 870000000},
	loraband.EU_433:     {433175000, 434665000},
	loraband.CN_779_787: {779500000, 786500000},
	loraband.IN_865_867: {865000000, 867000000},
	loraband.KR_920_923: {920900000, 923300000},
	loraband.AS_923:     {915000000, 928000000},
	loraband.RU_864_870: {864000000, 870000000},
}

// isFixedPlan returns true for the regions with a fixed channel-plan
// (e.g. US915), which do not implement NewChannelReq and CFList channels.
func (r *Region) isFixedPlan() bool {
	switch r.conf.Name {
	case loraband.US_902_928, loraband.AU_915_928, loraband.CN_470_510:
		return true
	default:
		return false
	}
}

func (r *Region) validFrequency(f uint32) bool {
	rng, ok := frequencyRange[r.conf.Name]
	if !ok {
		return f != 0
	}
	return f >= rng[0] && f <= rng[1]
}

func (r *Region) defaultChannelCount() int {
	return len(r.band.GetStandardUplinkChannelIndices())
}

// ApplyCFList applies the CFList received as part of the join-accept.
func (r *Region) ApplyCFList(cfList *lorawan.CFList) error {
	if cfList == nil {
		return nil
	}

	switch cfList.CFListType {
	case lorawan.CFListChannel:
		if r.isFixedPlan() {
			return errors.New("cflist channels are not supported by this region")
		}
		pl, ok := cfList.Payload.(*lorawan.CFListChannelPayload)
		if !ok {
			return fmt.Errorf("expected *lorawan.CFListChannelPayload, got: %T", cfList.Payload)
		}

		maxDR := r.defaultMaxDR()
		start := r.defaultChannelCount()
		for i, f := range pl.Channels {
			idx := start + i
			if f == 0 {
				r.removeChannel(idx)
				continue
			}
			if !r.validFrequency(f) {
				continue
			}
			r.setChannel(idx, storage.Channel{
				Frequency: f,
				MinDR:     0,
				MaxDR:     maxDR,
				Enabled:   true,
			})
		}
	case lorawan.CFListChannelMask:
		pl, ok := cfList.Payload.(*lorawan.CFListChannelMaskPayload)
		if !ok {
			return fmt.Errorf("expected *lorawan.CFListChannelMaskPayload, got: %T", cfList.Payload)
		}
		for block, mask := range pl.ChannelMasks {
			for bit, set := range mask {
				idx := block*16 + bit
				if idx >= len(r.state.Channels) {
					break
				}
				r.state.Channels[idx].Enabled = set
			}
		}
	default:
		return fmt.Errorf("unexpected cflist type: %d", cfList.CFListType)
	}

	return nil
}

func (r *Region) defaultMaxDR() int {
	var max int
	for _, i := range r.band.GetStandardUplinkChannelIndices() {
		if c, err := r.band.GetUplinkChannel(i); err == nil && c.MaxDR > max {
			max = c.MaxDR
		}
	}
	return max
}

// EnableDefaultChannels (re-)enables the default channels of the region
// and disables all others.
func (r *Region) EnableDefaultChannels() {
	def := make(map[int]struct{})
	for _, i := range r.band.GetStandardUplinkChannelIndices() {
		def[i] = struct{}{}
	}
	for i := range r.state.Channels {
		_, ok := def[i]
		r.state.Channels[i].Enabled = ok && r.state.Channels[i].Frequency != 0
	}
}

func (r *Region) setChannel(idx int, c storage.Channel) {
	for len(r.state.Channels) <= idx {
		r.state.Channels = append(r.state.Channels, storage.Channel{})
	}
	c.Band = r.subBandIndex(c.Frequency)
	r.state.Channels[idx] = c
}

func (r *Region) removeChannel(idx int) {
	if idx < len(r.state.Channels) {
		r.state.Channels[idx] = storage.Channel{}
	}
}

// LinkADRRequest holds the (block of) LinkADRReq payloads and the current
// transmission parameters.
type LinkADRRequest struct {
	Payloads []lorawan.LinkADRReqPayload
	DR       int
	TxPower  int
	NbTrans  int
}

// LinkADRResult holds the LinkADRAns status and the new transmission
// parameters, which must only be applied when all status bits are set.
type LinkADRResult struct {
	ChannelMaskACK bool
	DataRateACK    bool
	PowerACK       bool

	DR       int
	TxPower  int
	NbTrans  int
	Channels []int
}

// OK returns true when all the status bits are set.
func (r LinkADRResult) OK() bool {
	return r.ChannelMaskACK && r.DataRateACK && r.PowerACK
}

// LinkADRReq validates a (block of) LinkADRReq commands. The channel-mask
// is applied when all status bits are set.
func (r *Region) LinkADRReq(req LinkADRRequest) LinkADRResult {
	out := LinkADRResult{
		DR:      req.DR,
		TxPower: req.TxPower,
		NbTrans: req.NbTrans,
	}
	if len(req.Payloads) == 0 {
		return out
	}

	channels, err := r.channelsForLinkADRReq(req.Payloads)
	out.ChannelMaskACK = err == nil && len(channels) != 0
	out.Channels = channels

	// the last command of the block holds the data-rate, tx-power and nbrep
	last := req.Payloads[len(req.Payloads)-1]

	if last.DataRate == 0x0f {
		out.DataRateACK = true
	} else {
		out.DR = int(last.DataRate)
		out.DataRateACK = r.drSupportedByChannels(out.DR, channels)
	}

	if last.TXPower == 0x0f {
		out.PowerACK = true
	} else {
		out.TxPower = int(last.TXPower)
		out.PowerACK = r.VerifyTxPower(out.TxPower)
	}

	if last.Redundancy.NbRep == 0 {
		out.NbTrans = 1
	} else {
		out.NbTrans = int(last.Redundancy.NbRep)
	}

	if out.OK() {
		for i := range r.state.Channels {
			r.state.Channels[i].Enabled = false
		}
		for _, i := range channels {
			r.state.Channels[i].Enabled = true
		}
	}

	return out
}

func (r *Region) channelsForLinkADRReq(pls []lorawan.LinkADRReqPayload) ([]int, error) {
	if r.isFixedPlan() {
		out, err := r.band.GetEnabledUplinkChannelIndicesForLinkADRReqPayloads(r.EnabledChannels(), pls)
		if err != nil {
			return nil, errors.Wrap(err, "get enabled uplink channels error")
		}
		return out, nil
	}

	enabled := make(map[int]bool)
	for _, i := range r.EnabledChannels() {
		enabled[i] = true
	}

	for _, pl := range pls {
		switch pl.Redundancy.ChMaskCntl {
		case 0:
			for i, set := range pl.ChMask {
				if !set {
					enabled[i] = false
					continue
				}
				if i >= len(r.state.Channels) || r.state.Channels[i].Frequency == 0 {
					return nil, errors.Wrapf(ErrInvalidChannel, "channel %d is not defined", i)
				}
				enabled[i] = true
			}
		case 6:
			for i, c := range r.state.Channels {
				enabled[i] = c.Frequency != 0
			}
		default:
			return nil, fmt.Errorf("unsupported ChMaskCntl: %d", pl.Redundancy.ChMaskCntl)
		}
	}

	var out []int
	for i := range r.state.Channels {
		if enabled[i] {
			out = append(out, i)
		}
	}
	return out, nil
}

func (r *Region) drSupportedByChannels(dr int, channels []int) bool {
	if _, err := r.band.GetDataRate(dr); err != nil {
		return false
	}
	for _, i := range channels {
		if i >= len(r.state.Channels) {
			continue
		}
		c := r.state.Channels[i]
		if dr >= c.MinDR && dr <= c.MaxDR {
			return true
		}
	}
	return false
}

// RXParamSetupResult holds the RXParamSetupAns status bits.
type RXParamSetupResult struct {
	ChannelACK     bool
	RX2DataRateACK bool
	RX1DROffsetACK bool
}

// OK returns true when all the status bits are set.
func (r RXParamSetupResult) OK() bool {
	return r.ChannelACK && r.RX2DataRateACK && r.RX1DROffsetACK
}

// RXParamSetup validates the RXParamSetupReq parameters.
func (r *Region) RXParamSetup(frequency uint32, rx2DR, rx1DROffset int) RXParamSetupResult {
	var out RXParamSetupResult
	out.ChannelACK = r.validFrequency(frequency)
	out.RX2DataRateACK = r.VerifyRxDR(rx2DR)
	_, err := r.band.GetRX1DataRateIndex(r.MinTxDR(), rx1DROffset)
	out.RX1DROffsetACK = err == nil
	return out
}

// NewChannel validates and applies a NewChannelReq. It returns the
// channel-frequency and data-rate range status bits.
func (r *Region) NewChannel(pl lorawan.NewChannelReqPayload) (bool, bool) {
	if r.isFixedPlan() {
		return false, false
	}

	idx := int(pl.ChIndex)
	if idx < r.defaultChannelCount() {
		return false, false
	}

	if pl.Freq == 0 {
		r.removeChannel(idx)
		return true, true
	}

	freqOK := r.validFrequency(pl.Freq)
	drOK := pl.MinDR <= pl.MaxDR
	if _, err := r.band.GetDataRate(int(pl.MinDR)); err != nil {
		drOK = false
	}
	if _, err := r.band.GetDataRate(int(pl.MaxDR)); err != nil {
		drOK = false
	}

	if freqOK && drOK {
		r.setChannel(idx, storage.Channel{
			Frequency: pl.Freq,
			MinDR:     int(pl.MinDR),
			MaxDR:     int(pl.MaxDR),
			Enabled:   true,
		})
	}

	return freqOK, drOK
}

// DLChannel validates and applies a DLChannelReq. It returns the
// channel-frequency and uplink-frequency-exists status bits.
func (r *Region) DLChannel(pl lorawan.DLChannelReqPayload) (bool, bool) {
	if r.isFixedPlan() {
		return false, false
	}

	idx := int(pl.ChIndex)
	ulExists := idx < len(r.state.Channels) && r.state.Channels[idx].Frequency != 0
	freqOK := r.validFrequency(pl.Freq)

	if ulExists && freqOK {
		r.state.Channels[idx].DLFrequency = pl.Freq
	}

	return freqOK, ulExists
}

// maxEIRPTable maps the TXParamSetupReq MaxEIRP field to dBm.
var maxEIRPTable = [16]float32{8, 10, 12, 13, 14, 16, 18, 20, 21, 24, 26, 27, 29, 30, 33, 36}

// ImplementsTXParamSetup returns true when the region implements the
// TXParamSetupReq command.
func (r *Region) ImplementsTXParamSetup() bool {
	return r.conf.Name == loraband.AS_923
}

// TXParamSetup applies a TXParamSetupReq. It returns false when the region
// does not implement the command.
func (r *Region) TXParamSetup(pl lorawan.TXParamSetupReqPayload) (bool, error) {
	if !r.ImplementsTXParamSetup() {
		return false, nil
	}
	if int(pl.MaxEIRP) >= len(maxEIRPTable) {
		return false, errors.New("invalid max eirp")
	}

	r.uplinkDT = pl.UplinkDwellTime == lorawan.DwellTime400ms
	r.dlDT = pl.DownlinkDwelltime == lorawan.DwellTime400ms
	r.maxEIRP = maxEIRPTable[pl.MaxEIRP]

	if err := r.loadBand(); err != nil {
		return false, err
	}

	return true, nil
}

// DwellTime returns the uplink and downlink dwell-time settings.
func (r *Region) DwellTime() (bool, bool) {
	return r.uplinkDT, r.dlDT
}

// VerifyFrequency returns true when the given frequency is within the
// frequency range of the region.
func (r *Region) VerifyFrequency(f uint32) bool {
	return r.validFrequency(f)
}
