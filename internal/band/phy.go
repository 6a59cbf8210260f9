package band

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan/airtime"
	loraband "github.com/brocaar/lorawan/band"
)

// LoRa PHY constants.
const (
	loraPreambleSymbols = 8
	fskPreambleBytes    = 5
	fskSyncWordBytes    = 3
)

// TxConfigRequest holds the input for configuring a transmission.
type TxConfigRequest struct {
	Channel     int
	DR          int
	TxPower     int
	AntennaGain float32
	PayloadSize int
}

// TxConfig holds the radio parameters of a transmission.
type TxConfig struct {
	Frequency uint32
	DR        int
	DataRate  loraband.DataRate

	// Power holds the radio output power in dBm.
	Power     int
	TimeOnAir time.Duration
}

// TxConfig returns the radio parameters for the given transmission.
func (r *Region) TxConfig(req TxConfigRequest) (TxConfig, error) {
	var out TxConfig

	c, err := r.Channel(req.Channel)
	if err != nil {
		return out, err
	}
	if req.DR < c.MinDR || req.DR > c.MaxDR {
		return out, errors.Wrapf(ErrInvalidDataRate, "dr %d not supported by channel %d", req.DR, req.Channel)
	}

	dr, err := r.band.GetDataRate(req.DR)
	if err != nil {
		return out, errors.Wrap(ErrInvalidDataRate, err.Error())
	}

	offset, err := r.band.GetTXPowerOffset(req.TxPower)
	if err != nil {
		return out, errors.Wrap(ErrInvalidTxPower, err.Error())
	}

	toa, err := TimeOnAir(dr, req.PayloadSize)
	if err != nil {
		return out, err
	}

	out = TxConfig{
		Frequency: c.Frequency,
		DR:        req.DR,
		DataRate:  dr,
		Power:     int(math.Floor(float64(r.maxEIRP) + float64(offset) - float64(req.AntennaGain))),
		TimeOnAir: toa,
	}
	return out, nil
}

// TimeOnAir returns the time-on-air of a PHYPayload of the given size.
func TimeOnAir(dr loraband.DataRate, size int) (time.Duration, error) {
	switch dr.Modulation {
	case loraband.LoRaModulation:
		ldro := dr.SpreadFactor >= 11 && dr.Bandwidth == 125
		d, err := airtime.CalculateLoRaAirtime(size, dr.SpreadFactor, dr.Bandwidth, loraPreambleSymbols, airtime.CodingRate45, true, ldro)
		if err != nil {
			return 0, errors.Wrap(err, "calculate lora airtime error")
		}
		return d, nil
	case loraband.FSKModulation:
		if dr.BitRate == 0 {
			return 0, errors.Wrap(ErrInvalidDataRate, "bitrate must not be 0")
		}
		// preamble, sync-word, length, payload and crc
		bits := (fskPreambleBytes + fskSyncWordBytes + 1 + size + 2) * 8
		return time.Duration(float64(bits) / float64(dr.BitRate) * float64(time.Second)), nil
	default:
		return 0, errors.Wrapf(ErrInvalidDataRate, "unsupported modulation: %s", dr.Modulation)
	}
}

// RxConfig holds the parameters of a receive window.
type RxConfig struct {
	Frequency uint32
	DR        int
	DataRate  loraband.DataRate

	// WindowTimeout is the receive window timeout in symbols.
	WindowTimeout int

	// WindowOffset is the offset which must be added to the nominal
	// receive-delay.
	WindowOffset time.Duration

	RxContinuous bool
}

// RxWindow computes the receive window parameters for the given data-rate,
// such that at least minRxSymbols symbols of the preamble can be detected
// given the max timing error.
func (r *Region) RxWindow(frequency uint32, dr int, minRxSymbols int, rxError time.Duration) (RxConfig, error) {
	out := RxConfig{
		Frequency: frequency,
		DR:        dr,
	}

	d, err := r.band.GetDataRate(dr)
	if err != nil {
		return out, errors.Wrap(ErrInvalidDataRate, err.Error())
	}
	out.DataRate = d

	tSym := SymbolTime(d)
	if tSym == 0 {
		return out, errors.Wrapf(ErrInvalidDataRate, "dr %d has no symbol time", dr)
	}
	out.WindowTimeout, out.WindowOffset = rxWindowParams(tSym, minRxSymbols, rxError)

	return out, nil
}

// SymbolTime returns the duration of a single symbol (LoRa) or byte (FSK).
func SymbolTime(dr loraband.DataRate) time.Duration {
	switch dr.Modulation {
	case loraband.LoRaModulation:
		if dr.Bandwidth == 0 {
			return 0
		}
		return time.Duration(float64(uint64(1)<<uint(dr.SpreadFactor)) / float64(dr.Bandwidth) * float64(time.Millisecond))
	case loraband.FSKModulation:
		if dr.BitRate == 0 {
			return 0
		}
		return time.Duration(8 / float64(dr.BitRate) * float64(time.Second))
	default:
		return 0
	}
}

func rxWindowParams(tSym time.Duration, minRxSymbols int, rxError time.Duration) (int, time.Duration) {
	ts := float64(tSym) / float64(time.Millisecond)
	re := float64(rxError) / float64(time.Millisecond)

	timeout := int(math.Ceil((float64(2*minRxSymbols-8)*ts + 2*re) / ts))
	if timeout < minRxSymbols {
		timeout = minRxSymbols
	}

	offset := math.Ceil(4*ts - float64(timeout)*ts/2)
	return timeout, time.Duration(offset) * time.Millisecond
}

// RX1DataRate returns the RX1 data-rate given the uplink data-rate and the
// RX1 data-rate offset.
func (r *Region) RX1DataRate(txDR, rx1DROffset int) (int, error) {
	dr, err := r.band.GetRX1DataRateIndex(txDR, rx1DROffset)
	if err != nil {
		return 0, errors.Wrap(ErrInvalidDataRate, err.Error())
	}
	return dr, nil
}

// RX1Frequency returns the RX1 frequency for the given uplink channel.
func (r *Region) RX1Frequency(channel int) (uint32, error) {
	c, err := r.Channel(channel)
	if err != nil {
		return 0, err
	}
	if c.DLFrequency != 0 {
		return c.DLFrequency, nil
	}
	f, err := r.band.GetRX1FrequencyForUplinkFrequency(c.Frequency)
	if err != nil {
		return 0, errors.Wrap(err, "get rx1 frequency error")
	}
	return f, nil
}

// RetransmitTimeout returns the random delay, relative to the end of the
// RX2 window, after which an unacknowledged confirmed uplink is retried.
func (r *Region) RetransmitTimeout() time.Duration {
	return time.Second + time.Duration(r.rand.Int63n(int64(2*time.Second)))
}
