// Package radio implements a virtual LoRa radio. The radio exchanges its
// frames with a network server using the ChirpStack Gateway Bridge protocol,
// acting as the single gateway receiving the uplinks of the device.
package radio

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang/protobuf/ptypes"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/common"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-device-mac/internal/band"
	"github.com/brocaar/chirpstack-device-mac/internal/classb"
	"github.com/brocaar/chirpstack-device-mac/internal/mac"
	"github.com/brocaar/chirpstack-device-mac/internal/timer"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// preambleSymbols holds the LoRa preamble length including the sync-word.
const preambleSymbols = 12.25

// uplinkContextSize defines how many uplink timestamps are kept for
// resolving the context of delayed downlinks.
const uplinkContextSize = 16

// defaultWindowSymbols is used when a window is opened without timeout.
const defaultWindowSymbols = 8

// Errors.
var (
	ErrBusy = errors.New("radio is transmitting")
)

// Transport defines the gateway-bridge transport of the virtual radio.
type Transport interface {
	SendUplinkFrame(gw.UplinkFrame) error     // publish the given uplink
	SendDownlinkTXAck(gw.DownlinkTXAck) error // publish the given downlink acknowledgement
	DownlinkFrameChan() chan gw.DownlinkFrame // channel containing the received downlinks
	Close() error                             // close the transport
}

// Config holds the virtual radio configuration.
type Config struct {
	GatewayID lorawan.EUI64

	// RSSI and SNR are reported as reception metadata, both for the uplinks
	// and the received downlinks.
	RSSI int
	SNR  float64
}

type mode int

const (
	modeSleep mode = iota
	modeStandby
	modeTx
	modeRx
	modeRxBusy
	modeCw
)

func (m mode) String() string {
	return [...]string{"SLEEP", "STANDBY", "TX", "RX", "RX_BUSY", "CW"}[m]
}

// frame holds a downlink which is on air.
type frame struct {
	payload []byte
	txInfo  *gw.DownlinkTXInfo
	start   time.Time
}

// Radio implements mac.Radio. Downlinks are received when a matching
// receive window is opened while their preamble is on air.
type Radio struct {
	mu sync.Mutex
	wg sync.WaitGroup

	config    Config
	clock     timer.Clock
	transport Transport

	events mac.RadioEvents
	public bool
	mode   mode
	window mac.RxParams

	txTimer     *timer.Timer
	windowTimer *timer.Timer
	rxDoneTimer *timer.Timer

	// receiving holds the frame being received in the open window.
	receiving *frame

	// onAir holds the downlinks of which the preamble has not yet ended.
	onAir []*frame

	uplinkCnt uint32
	uplinks   map[uint32]time.Time
}

// New creates a new Radio and starts consuming the downlinks of the given
// transport.
func New(c Config, clock timer.Clock, t Transport) *Radio {
	r := Radio{
		config:    c,
		clock:     clock,
		transport: t,
		mode:      modeSleep,
		uplinks:   make(map[uint32]time.Time),
	}

	r.txTimer = timer.New(clock, "radio_tx", r.onTxDone)
	r.windowTimer = timer.New(clock, "radio_rx_window", r.onWindowTimeout)
	r.rxDoneTimer = timer.New(clock, "radio_rx_done", r.onRxDone)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for df := range t.DownlinkFrameChan() {
			r.handleDownlinkFrame(df)
		}
	}()

	return &r
}

// Close closes the transport and waits until the received downlinks are
// handled.
func (r *Radio) Close() error {
	r.Standby()
	if err := r.transport.Close(); err != nil {
		return errors.Wrap(err, "close transport error")
	}
	r.wg.Wait()
	return nil
}

// Init sets the event callbacks.
func (r *Radio) Init(events mac.RadioEvents) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = events
	r.mode = modeStandby
	return nil
}

// SetPublicNetwork sets the sync-word. The gateway bridge protocol does not
// carry the sync-word, it is only logged.
func (r *Radio) SetPublicNetwork(public bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.public = public
	log.WithFields(log.Fields{
		"gateway_id":     r.config.GatewayID,
		"public_network": public,
	}).Debug("radio: sync-word set")
}

// Send publishes the given payload as an uplink. TxDone is raised once the
// time-on-air has elapsed.
func (r *Radio) Send(params mac.TxParams, payload []byte) error {
	r.mu.Lock()
	if r.mode == modeTx || r.mode == modeCw {
		r.mu.Unlock()
		return ErrBusy
	}

	r.stopRxLocked()
	r.mode = modeTx

	now := r.clock.Now()
	r.uplinkCnt++
	cnt := r.uplinkCnt
	r.uplinks[cnt] = now.Add(params.TimeOnAir)
	delete(r.uplinks, cnt-uplinkContextSize)
	r.mu.Unlock()

	uf, err := r.uplinkFrame(now, cnt, params, payload)
	if err == nil {
		err = r.transport.SendUplinkFrame(uf)
	}
	if err != nil {
		r.mu.Lock()
		r.mode = modeStandby
		r.mu.Unlock()
		return errors.Wrap(err, "send uplink frame error")
	}

	uplinkCounter().Inc()
	log.WithFields(log.Fields{
		"gateway_id":  r.config.GatewayID,
		"frequency":   params.Frequency,
		"dr":          params.DR,
		"time_on_air": params.TimeOnAir,
	}).Info("radio: uplink frame sent")

	r.txTimer.Start(params.TimeOnAir)
	return nil
}

func (r *Radio) uplinkFrame(now time.Time, cnt uint32, params mac.TxParams, payload []byte) (gw.UplinkFrame, error) {
	uplinkID, err := uuid.NewV4()
	if err != nil {
		return gw.UplinkFrame{}, errors.Wrap(err, "new uuid error")
	}

	ts, err := ptypes.TimestampProto(now)
	if err != nil {
		return gw.UplinkFrame{}, errors.Wrap(err, "timestamp proto error")
	}

	ctx := make([]byte, 4)
	binary.BigEndian.PutUint32(ctx, cnt)

	txInfo := gw.UplinkTXInfo{
		Frequency: params.Frequency,
	}
	switch params.DataRate.Modulation {
	case loraband.FSKModulation:
		txInfo.Modulation = common.Modulation_FSK
		txInfo.ModulationInfo = &gw.UplinkTXInfo_FskModulationInfo{
			FskModulationInfo: &gw.FSKModulationInfo{
				Bandwidth: uint32(params.DataRate.Bandwidth),
			},
		}
	default:
		txInfo.Modulation = common.Modulation_LORA
		txInfo.ModulationInfo = &gw.UplinkTXInfo_LoraModulationInfo{
			LoraModulationInfo: &gw.LoRaModulationInfo{
				Bandwidth:       uint32(params.DataRate.Bandwidth),
				SpreadingFactor: uint32(params.DataRate.SpreadFactor),
				CodeRate:        "4/5",
			},
		}
	}

	return gw.UplinkFrame{
		PhyPayload: append([]byte(nil), payload...),
		TxInfo:     &txInfo,
		RxInfo: &gw.UplinkRXInfo{
			GatewayId:         r.config.GatewayID[:],
			Time:              ts,
			TimeSinceGpsEpoch: ptypes.DurationProto(classb.TimeSinceGPSEpoch(now)),
			Rssi:              int32(r.config.RSSI),
			LoraSnr:           r.config.SNR,
			Context:           ctx,
			UplinkId:          uplinkID[:],
			CrcStatus:         gw.CRCStatus_CRC_OK,
		},
	}, nil
}

// Rx opens a receive window. A frame on air matching the window is received
// immediately.
func (r *Radio) Rx(params mac.RxParams) error {
	r.mu.Lock()
	if r.mode == modeTx || r.mode == modeCw {
		r.mu.Unlock()
		return ErrBusy
	}

	r.stopRxLocked()
	r.mode = modeRx
	r.window = params

	now := r.clock.Now()
	var match *frame
	var onAir []*frame
	for _, f := range r.onAir {
		if now.After(f.start.Add(preambleDuration(params.DataRate))) {
			continue
		}
		onAir = append(onAir, f)
		if match == nil && windowMatches(params, f.txInfo) {
			match = f
		}
	}
	r.onAir = onAir

	if match != nil {
		r.receiveLocked(match)
	} else if !params.Continuous {
		symbols := params.Timeout
		if symbols <= 0 {
			symbols = defaultWindowSymbols
		}
		r.windowTimer.Start(time.Duration(symbols) * band.SymbolTime(params.DataRate))
	}
	r.mu.Unlock()

	return nil
}

// SetTxContinuousWave emulates a continuous wave transmission, TxDone is
// raised after the given timeout.
func (r *Radio) SetTxContinuousWave(frequency uint32, power int, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode == modeTx || r.mode == modeCw {
		return ErrBusy
	}

	r.stopRxLocked()
	r.mode = modeCw
	r.txTimer.Start(timeout)

	log.WithFields(log.Fields{
		"frequency": frequency,
		"power":     power,
		"timeout":   timeout,
	}).Info("radio: continuous wave started")
	return nil
}

// Standby aborts the ongoing operation.
func (r *Radio) Standby() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.txTimer.Stop()
	r.stopRxLocked()
	r.mode = modeStandby
}

// Sleep aborts the ongoing operation and puts the radio in sleep mode.
func (r *Radio) Sleep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.txTimer.Stop()
	r.stopRxLocked()
	r.mode = modeSleep
}

func (r *Radio) stopRxLocked() {
	r.windowTimer.Stop()
	r.rxDoneTimer.Stop()
	r.receiving = nil
}

func (r *Radio) receiveLocked(f *frame) {
	r.windowTimer.Stop()
	r.mode = modeRxBusy
	r.receiving = f

	toa, err := band.TimeOnAir(r.window.DataRate, len(f.payload))
	if err != nil {
		log.WithError(err).Warning("radio: calculate time-on-air error")
	}
	r.rxDoneTimer.Start(toa - r.clock.Now().Sub(f.start))
}

func (r *Radio) onTxDone() {
	r.mu.Lock()
	if r.mode != modeTx && r.mode != modeCw {
		r.mu.Unlock()
		return
	}
	r.mode = modeStandby
	cb := r.events.TxDone
	r.mu.Unlock()

	if cb != nil {
		cb(r.clock.Now())
	}
}

func (r *Radio) onWindowTimeout() {
	r.mu.Lock()
	if r.mode != modeRx || r.window.Continuous {
		r.mu.Unlock()
		return
	}
	r.mode = modeStandby
	cb := r.events.RxTimeout
	r.mu.Unlock()

	if cb != nil {
		cb()
	}
}

func (r *Radio) onRxDone() {
	r.mu.Lock()
	if r.mode != modeRxBusy || r.receiving == nil {
		r.mu.Unlock()
		return
	}
	payload := r.receiving.payload
	r.receiving = nil

	// A continuous window stays open after the reception.
	if r.window.Continuous {
		r.mode = modeRx
	} else {
		r.mode = modeStandby
	}
	cb := r.events.RxDone
	slot := r.window.Slot
	r.mu.Unlock()

	downlinkCounter("received").Inc()
	log.WithFields(log.Fields{
		"gateway_id": r.config.GatewayID,
		"slot":       slot,
	}).Info("radio: downlink frame received")

	if cb != nil {
		cb(payload, r.config.RSSI, r.config.SNR)
	}
}

// handleDownlinkFrame schedules the first item of the given frame which can
// still be transmitted in time and acknowledges the frame.
func (r *Radio) handleDownlinkFrame(df gw.DownlinkFrame) {
	var gatewayID lorawan.EUI64
	copy(gatewayID[:], df.GetGatewayId())
	if gatewayID != r.config.GatewayID {
		log.WithField("gateway_id", gatewayID).Debug("radio: ignoring downlink for other gateway")
		return
	}

	var downID uuid.UUID
	copy(downID[:], df.GetDownlinkId())

	now := r.clock.Now()
	ack := gw.DownlinkTXAck{
		GatewayId:  df.GetGatewayId(),
		Token:      df.GetToken(),
		DownlinkId: df.GetDownlinkId(),
	}

	scheduled := false
	for i, item := range df.GetItems() {
		status := gw.TxAckStatus_IGNORED
		if !scheduled {
			start, err := r.downlinkStart(now, item.GetTxInfo())
			switch {
			case err != nil:
				log.WithError(err).WithFields(log.Fields{
					"downlink_id": downID,
					"item":        i,
				}).Warning("radio: resolve downlink timing error")
				status = gw.TxAckStatus_TOO_LATE
			case start.Before(now):
				status = gw.TxAckStatus_TOO_LATE
			default:
				status = gw.TxAckStatus_OK
				scheduled = true
				r.schedule(&frame{
					payload: item.GetPhyPayload(),
					txInfo:  item.GetTxInfo(),
					start:   start,
				})
			}
		}
		ack.Items = append(ack.Items, &gw.DownlinkTXAckItem{Status: status})
	}

	log.WithFields(log.Fields{
		"downlink_id": downID,
		"scheduled":   scheduled,
	}).Info("radio: downlink frame handled")

	if !scheduled {
		downlinkCounter("too_late").Inc()
	}

	if err := r.transport.SendDownlinkTXAck(ack); err != nil {
		log.WithError(err).WithField("downlink_id", downID).Error("radio: send downlink tx ack error")
	}
}

// downlinkStart returns the start of the transmission of the given item.
func (r *Radio) downlinkStart(now time.Time, txInfo *gw.DownlinkTXInfo) (time.Time, error) {
	if txInfo == nil {
		return now, errors.New("tx_info must not be nil")
	}

	switch txInfo.GetTiming() {
	case gw.DownlinkTiming_DELAY:
		if len(txInfo.GetContext()) != 4 {
			return now, errors.New("invalid context")
		}
		delay, err := ptypes.Duration(txInfo.GetDelayTimingInfo().GetDelay())
		if err != nil {
			return now, errors.Wrap(err, "delay duration error")
		}

		r.mu.Lock()
		txEnd, ok := r.uplinks[binary.BigEndian.Uint32(txInfo.GetContext())]
		r.mu.Unlock()
		if !ok {
			return now, errors.New("unknown uplink context")
		}
		return txEnd.Add(delay), nil
	case gw.DownlinkTiming_GPS_EPOCH:
		d, err := ptypes.Duration(txInfo.GetGpsEpochTimingInfo().GetTimeSinceGpsEpoch())
		if err != nil {
			return now, errors.Wrap(err, "gps epoch duration error")
		}
		return classb.TimeFromGPSEpoch(d), nil
	default:
		return now, nil
	}
}

// schedule puts the given frame on air at its start time.
func (r *Radio) schedule(f *frame) {
	r.clock.AfterFunc(f.start.Sub(r.clock.Now()), func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.mode == modeRx && windowMatches(r.window, f.txInfo) {
			r.receiveLocked(f)
			return
		}
		r.onAir = append(r.onAir, f)
	})
}

func windowMatches(p mac.RxParams, txInfo *gw.DownlinkTXInfo) bool {
	if txInfo == nil || txInfo.GetFrequency() != p.Frequency {
		return false
	}

	switch txInfo.GetModulation() {
	case common.Modulation_LORA:
		mi := txInfo.GetLoraModulationInfo()
		return p.DataRate.Modulation == loraband.LoRaModulation &&
			mi != nil &&
			int(mi.GetSpreadingFactor()) == p.DataRate.SpreadFactor &&
			int(mi.GetBandwidth()) == p.DataRate.Bandwidth
	case common.Modulation_FSK:
		return p.DataRate.Modulation == loraband.FSKModulation
	default:
		return false
	}
}

func preambleDuration(dr loraband.DataRate) time.Duration {
	return time.Duration(preambleSymbols * float64(band.SymbolTime(dr)))
}
