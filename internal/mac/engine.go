// Package mac implements the LoRaWAN end-device MAC layer: the uplink
// scheduling, the receive windows, the confirm / indication flow towards the
// application and the persistent MAC state.
//
// All the request functions and Process must be called from a single
// goroutine. The radio and timer callbacks only record events and request a
// Process call through Callbacks.ProcessNotify.
package mac

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/adr"
	iadr "github.com/brocaar/chirpstack-device-mac/internal/adr"
	"github.com/brocaar/chirpstack-device-mac/internal/band"
	"github.com/brocaar/chirpstack-device-mac/internal/classb"
	"github.com/brocaar/chirpstack-device-mac/internal/crypto"
	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/chirpstack-device-mac/internal/maccommand"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/chirpstack-device-mac/internal/timer"
	"github.com/brocaar/lorawan"
)

// defaultBeaconDR is the beacon data-rate used when none is configured.
const defaultBeaconDR = 3

// Config holds the engine configuration.
type Config struct {
	Clock     timer.Clock
	Radio     Radio
	Region    *band.Region
	ADR       adr.Handler
	Callbacks Callbacks

	// ProtocolVersion holds the LoRaWAN 1.0.x protocol version used for
	// the max. payload-size lookup (e.g. "1.0.3").
	ProtocolVersion string

	DevEUI  lorawan.EUI64
	JoinEUI lorawan.EUI64
	AppKey  lorawan.AES128Key
	NwkKey  lorawan.AES128Key

	DutyCycleOn     bool
	PublicNetwork   bool
	RepeaterSupport bool

	ADRAckLimit      int
	ADRAckDelay      int
	MinRxSymbols     int
	SystemMaxRxError time.Duration
	AntennaGain      float32
	BeaconDR         int

	// MACCommandQueueSize holds the max. serialized size of the uplink
	// mac-command queue.
	MACCommandQueueSize int
}

// rxFrame holds a frame captured by the RxDone callback.
type rxFrame struct {
	payload []byte
	rssi    int
	snr     float64
	slot    RxSlot
	dr      int
}

// Engine implements the LoRaWAN end-device MAC layer.
type Engine struct {
	conf  Config
	ctx   context.Context
	clock timer.Clock
	radio Radio
	cb    Callbacks

	region  *band.Region
	crypto  *crypto.Crypto
	classB  *classb.ClassB
	macCmds *maccommand.Queue
	adr     adr.Handler

	// mu guards the state shared with the radio and timer callbacks.
	mu          sync.Mutex
	radioEvents RadioEvent
	timerEvents TimerEvent
	rxSlot      RxSlot
	rxIdleSlot  RxSlot
	rxFrame     rxFrame
	rxEventSlot RxSlot
	rx1Params   RxParams
	rx2Params   RxParams
	openParams  RxParams
	pingParams  RxParams
	beaconRx    RxParams
	radioTx     bool
	rxcActive   bool
	txDoneTime  time.Time

	nvm          storage.NVM
	state        State
	flags        Flags
	confirmQueue confirmQueue

	// allowRequests is false while the confirms and indications are
	// handed to the application.
	allowRequests bool

	txMsg                  txMessage
	nodeAckRequested       bool
	nbTransCounter         int
	ackLimit               int
	retransmitTimeoutRetry bool
	joinTrials             int
	rxDelay1               time.Duration
	rxDelay2               time.Duration
	txChannel              int
	txTimeOnAir            time.Duration
	dutyCycleWaitTime      time.Duration

	mcpsConfirm    McpsConfirm
	mcpsIndication McpsIndication
	mlmeConfirm    MlmeConfirm
	mlmeIndication MlmeIndication
	rxStatus       RxStatus

	rejoin0Pending     bool
	rejoin1Pending     bool
	forceRejoinPending bool
	forceRejoinRetries int

	txDelayedTimer   *timer.Timer
	rx1Timer         *timer.Timer
	rx2Timer         *timer.Timer
	retransmitTimer  *timer.Timer
	rejoin0Timer     *timer.Timer
	rejoin1Timer     *timer.Timer
	forceRejoinTimer *timer.Timer
	beaconTimer      *timer.Timer
	beaconAcqTimer   *timer.Timer
	pingSlotTimer    *timer.Timer
}

// New creates a new Engine. The engine must be initialized with Init before
// it can be started.
func New(conf Config) (*Engine, error) {
	if conf.Radio == nil {
		return nil, errors.Wrap(ErrParameterInvalid, "radio must be set")
	}
	if conf.Region == nil {
		return nil, errors.Wrap(ErrRegionNotSupported, "region must be set")
	}
	if conf.Clock == nil {
		conf.Clock = timer.SystemClock{}
	}
	if conf.BeaconDR == 0 {
		conf.BeaconDR = defaultBeaconDR
	}
	if conf.ADR == nil {
		conf.ADR = iadr.GetHandler(iadr.DefaultHandlerID)
	}

	ctx, err := logging.NewContext(context.Background())
	if err != nil {
		return nil, errors.Wrap(err, "new context error")
	}

	e := Engine{
		conf:          conf,
		ctx:           ctx,
		clock:         conf.Clock,
		radio:         conf.Radio,
		cb:            conf.Callbacks,
		region:        conf.Region,
		adr:           conf.ADR,
		macCmds:       maccommand.NewQueue(conf.MACCommandQueueSize),
		state:         StateStopped,
		allowRequests: true,
	}

	e.crypto = crypto.New(&e.nvm.Crypto, conf.Region.Defaults().MaxFCntGap)
	e.classB = classb.New(conf.Clock, &e.nvm.ClassB)

	e.txDelayedTimer = timer.New(e.clock, "tx_delayed", e.postTimerEvent(TimerEventTxDelayed))
	e.rx1Timer = timer.New(e.clock, "rx1", e.onRxWindow1)
	e.rx2Timer = timer.New(e.clock, "rx2", e.onRxWindow2)
	e.retransmitTimer = timer.New(e.clock, "retransmit_timeout", e.postTimerEvent(TimerEventRetransmitTimeout))
	e.rejoin0Timer = timer.New(e.clock, "rejoin_0_cycle", e.postTimerEvent(TimerEventRejoin0Cycle))
	e.rejoin1Timer = timer.New(e.clock, "rejoin_1_cycle", e.postTimerEvent(TimerEventRejoin1Cycle))
	e.forceRejoinTimer = timer.New(e.clock, "force_rejoin", e.postTimerEvent(TimerEventForceRejoin))
	e.beaconTimer = timer.New(e.clock, "beacon", e.onBeaconWindow)
	e.beaconAcqTimer = timer.New(e.clock, "beacon_acquisition", e.postTimerEvent(TimerEventBeaconAcquisitionTimeout))
	e.pingSlotTimer = timer.New(e.clock, "ping_slot", e.onPingSlot)

	return &e, nil
}

// Init initializes the engine. When nvm is not nil, the MAC state is
// restored from it, else the MAC state is set to its defaults. After Init
// the engine is stopped.
func (e *Engine) Init(nvm *storage.NVM) error {
	if nvm != nil {
		if err := e.restoreNVM(*nvm); err != nil {
			return err
		}
	} else {
		e.initDefaults()
	}

	if err := e.radio.Init(RadioEvents{
		TxDone:    e.onRadioTxDone,
		RxDone:    e.onRadioRxDone,
		TxTimeout: e.onRadioTxTimeout,
		RxTimeout: e.onRadioRxTimeout,
		RxError:   e.onRadioRxError,
	}); err != nil {
		return errors.Wrap(err, "init radio error")
	}

	e.radio.SetPublicNetwork(e.nvm.MACGroup2.PublicNetwork)
	e.radioSleep()

	// Mark the current state as persisted.
	if _, err := e.nvm.Update(); err != nil {
		return errors.Wrap(err, "update nvm error")
	}

	e.state = StateStopped

	log.WithFields(log.Fields{
		"dev_eui":  e.conf.DevEUI,
		"region":   e.region.Name(),
		"restored": nvm != nil,
		"ctx_id":   e.ctx.Value(logging.ContextIDKey),
	}).Info("mac: engine initialized")

	return nil
}

// Start starts the engine. The rejoin cycles and the class B windows of a
// restored or stopped session are re-armed.
func (e *Engine) Start() error {
	e.state = StateIdle
	e.classB.Resume()
	e.updateRxIdleSlot()
	e.startRejoinCycles()
	e.scheduleBeacon()
	e.schedulePingSlot(0)
	e.notify()
	return nil
}

// Stop stops the engine, stops all timers and puts the radio to sleep. It
// fails with ErrBusy while an uplink is in progress or delayed.
func (e *Engine) Stop() error {
	if e.state.Has(StateTxRunning) || e.state.Has(StateTxDelayed) {
		return ErrBusy
	}

	e.stopTimers()
	e.radioSleep()

	e.mu.Lock()
	e.rxSlot = RxSlotNone
	e.radioTx = false
	e.mu.Unlock()

	e.state = StateStopped
	return nil
}

// Halt aborts any ongoing operation, persists the state and stops the
// engine.
func (e *Engine) Halt() error {
	e.stopTimers()
	e.classB.Suspend()
	e.radioSleep()

	e.mu.Lock()
	e.rxSlot = RxSlotNone
	e.radioTx = false
	e.mu.Unlock()

	e.state = StateIdle
	e.handleNVM()
	e.state = StateStopped
	return nil
}

// Deinit stops the engine and resets the MAC parameters. It fails with
// ErrBusy while the engine is busy.
func (e *Engine) Deinit() error {
	if err := e.Stop(); err != nil {
		return err
	}
	e.resetMACParameters(true)
	return nil
}

// IsBusy returns true when the engine can not accept a new request.
func (e *Engine) IsBusy() bool {
	e.mu.Lock()
	ev := e.radioEvents
	e.mu.Unlock()
	return ev != 0 || e.state != StateIdle || !e.allowRequests
}

// IsJoined returns true when the device has been activated.
func (e *Engine) IsJoined() bool {
	return e.nvm.MACGroup2.NetworkActivation != storage.ActivationNone
}

// IsStopped returns true when the engine is stopped.
func (e *Engine) IsStopped() bool {
	return e.state.Has(StateStopped)
}

// State returns the MAC state.
func (e *Engine) State() State {
	return e.state
}

// NVM returns a copy of the persistent state.
func (e *Engine) NVM() storage.NVM {
	out := e.nvm
	out.Region.Channels = append([]storage.Channel(nil), e.nvm.Region.Channels...)
	out.Region.Bands = append([]storage.BandState(nil), e.nvm.Region.Bands...)
	return out
}

func (e *Engine) version() protocolVersion {
	if e.nvm.MACGroup2.MACVersion == lorawan.LoRaWAN1_1 {
		return lorawan11{}
	}
	return lorawan10{protocolVersion: e.conf.ProtocolVersion}
}

func (e *Engine) logFields() log.Fields {
	return log.Fields{
		"dev_eui": e.conf.DevEUI,
		"ctx_id":  e.ctx.Value(logging.ContextIDKey),
	}
}

func (e *Engine) notify() {
	if e.cb.ProcessNotify != nil {
		e.cb.ProcessNotify()
	}
}

func (e *Engine) stopTimers() {
	for _, t := range []*timer.Timer{
		e.txDelayedTimer,
		e.rx1Timer,
		e.rx2Timer,
		e.retransmitTimer,
		e.rejoin0Timer,
		e.rejoin1Timer,
		e.forceRejoinTimer,
		e.beaconTimer,
		e.beaconAcqTimer,
		e.pingSlotTimer,
	} {
		t.Stop()
	}
}

// updateRxIdleSlot sets the slot the radio returns to after a class A
// window, given the device class.
func (e *Engine) updateRxIdleSlot() {
	idle := RxSlotNone
	if e.nvm.MACGroup2.DeviceClass == storage.ClassC {
		idle = RxSlotClassC
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rxIdleSlot = idle
	if e.rxSlot == RxSlotNone || e.rxSlot == RxSlotClassC {
		e.rxSlot = idle
	}
}

func (e *Engine) radioSleep() {
	e.mu.Lock()
	e.rxcActive = false
	e.mu.Unlock()
	e.radio.Sleep()
}

// sleepIfIdle puts the radio to sleep, unless a receive window is open or
// the device listens continuously.
func (e *Engine) sleepIfIdle() {
	e.mu.Lock()
	idle := e.rxSlot == RxSlotNone && !e.radioTx
	e.mu.Unlock()

	if idle && e.nvm.MACGroup2.DeviceClass != storage.ClassC {
		e.radioSleep()
	}
}

func (e *Engine) postTimerEvent(ev TimerEvent) func() {
	return func() {
		e.mu.Lock()
		e.timerEvents |= ev
		e.mu.Unlock()
		e.notify()
	}
}

func (e *Engine) postRadioEvent(ev RadioEvent) {
	e.mu.Lock()
	e.radioEvents |= ev
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) onRadioTxDone(ts time.Time) {
	e.mu.Lock()
	if ts.IsZero() {
		ts = e.clock.Now()
	}
	e.txDoneTime = ts
	e.radioTx = false
	e.radioEvents |= RadioEventTxDone
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) onRadioRxDone(payload []byte, rssi int, snr float64) {
	e.mu.Lock()
	e.rxFrame = rxFrame{
		payload: append([]byte(nil), payload...),
		rssi:    rssi,
		snr:     snr,
		slot:    e.rxSlot,
		dr:      e.openParams.DR,
	}
	if e.rxSlot == RxSlotClassC || e.rxSlot == RxSlotClassCMulticast {
		e.rxcActive = false
	}
	e.radioEvents |= RadioEventRxDone
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) onRadioTxTimeout() {
	e.mu.Lock()
	e.radioTx = false
	e.radioEvents |= RadioEventTxTimeout
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) onRadioRxTimeout() {
	e.onRxEnd(RadioEventRxTimeout)
}

func (e *Engine) onRadioRxError() {
	e.onRxEnd(RadioEventRxError)
}

func (e *Engine) onRxEnd(ev RadioEvent) {
	e.mu.Lock()
	e.rxEventSlot = e.rxSlot
	if e.rxSlot == RxSlotClassC || e.rxSlot == RxSlotClassCMulticast {
		e.rxcActive = false
	}
	e.rxSlot = e.rxIdleSlot
	e.radioEvents |= ev
	e.mu.Unlock()
	e.notify()
}

// onRxWindow1 opens the RX1 window. It runs in the timer goroutine.
func (e *Engine) onRxWindow1() {
	e.mu.Lock()
	e.rxSlot = RxSlotWin1
	e.rxcActive = false
	p := e.rx1Params
	e.openParams = p
	e.mu.Unlock()

	e.radio.Standby()
	if err := e.radio.Rx(p); err != nil {
		log.WithFields(e.logFields()).WithError(err).Error("mac: open rx1 window error")
	}
}

// onRxWindow2 opens the RX2 window, unless a frame is being received in RX1.
func (e *Engine) onRxWindow2() {
	e.mu.Lock()
	if e.rxSlot == RxSlotWin1 {
		e.mu.Unlock()
		return
	}
	e.rxSlot = RxSlotWin2
	e.rxcActive = false
	p := e.rx2Params
	e.openParams = p
	e.mu.Unlock()

	e.radio.Standby()
	if err := e.radio.Rx(p); err != nil {
		log.WithFields(e.logFields()).WithError(err).Error("mac: open rx2 window error")
	}
}

// openScheduledWindow opens the given window when the radio is idle and
// posts the given timer event to re-arm the schedule.
func (e *Engine) openScheduledWindow(p RxParams, ev TimerEvent) {
	e.mu.Lock()
	open := !e.radioTx && (e.rxSlot == RxSlotNone || e.rxSlot == RxSlotClassC)
	if open {
		e.rxSlot = p.Slot
		e.rxcActive = false
		e.openParams = p
	}
	e.timerEvents |= ev
	e.mu.Unlock()

	if open {
		e.radio.Standby()
		if err := e.radio.Rx(p); err != nil {
			log.WithFields(e.logFields()).WithError(err).WithField("slot", p.Slot).Error("mac: open window error")
		}
	}
	e.notify()
}

func (e *Engine) onPingSlot() {
	e.mu.Lock()
	p := e.pingParams
	e.mu.Unlock()
	e.openScheduledWindow(p, TimerEventPingSlot)
}

func (e *Engine) onBeaconWindow() {
	e.mu.Lock()
	p := e.beaconRx
	e.mu.Unlock()
	e.openScheduledWindow(p, TimerEventBeacon)
}

// openContinuousRxCWindow opens the RXC window when it is not open yet.
func (e *Engine) openContinuousRxCWindow() {
	e.mu.Lock()
	if e.rxcActive || e.radioTx || e.rxSlot != RxSlotClassC {
		e.mu.Unlock()
		return
	}
	params := e.rxcParamsLocked()
	e.rxcActive = true
	e.openParams = params
	e.mu.Unlock()

	if err := e.radio.Rx(params); err != nil {
		log.WithFields(e.logFields()).WithError(err).Error("mac: open rxc window error")
	}
}

func (e *Engine) rxcParamsLocked() RxParams {
	ch := e.nvm.MACGroup2.MACParams.RXCChannel
	p := RxParams{
		Frequency:  ch.Frequency,
		DR:         ch.DR,
		Continuous: true,
		Slot:       RxSlotClassC,
	}
	if rxw, err := e.region.RxWindow(ch.Frequency, ch.DR, e.nvm.MACGroup2.MACParams.MinRxSymbols, e.nvm.MACGroup2.MACParams.SystemMaxRxError); err == nil {
		p.DataRate = rxw.DataRate
	}
	return p
}
