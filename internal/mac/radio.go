package mac

import (
	"time"

	loraband "github.com/brocaar/lorawan/band"
)

// TxParams holds the radio parameters of a transmission.
type TxParams struct {
	Frequency uint32
	DR        int
	DataRate  loraband.DataRate
	Power     int
	TimeOnAir time.Duration
}

// RxParams holds the radio parameters of a receive window.
type RxParams struct {
	Frequency uint32
	DR        int
	DataRate  loraband.DataRate

	// Timeout holds the window timeout in symbols, it is ignored for
	// continuous reception.
	Timeout    int
	Continuous bool
	Slot       RxSlot
}

// RadioEvents holds the callbacks a Radio must call on completion of its
// operations. The callbacks may be called from any goroutine.
type RadioEvents struct {
	TxDone    func(ts time.Time)
	RxDone    func(payload []byte, rssi int, snr float64)
	TxTimeout func()
	RxTimeout func()
	RxError   func()
}

// Radio defines the radio driver interface. Implementations must be safe
// for concurrent use as receive windows are opened from timer callbacks.
type Radio interface {
	// Init sets the event callbacks.
	Init(events RadioEvents) error

	// SetPublicNetwork sets the public or private sync-word.
	SetPublicNetwork(public bool)

	// Send transmits the given payload, TxDone or TxTimeout is raised on
	// completion.
	Send(params TxParams, payload []byte) error

	// Rx opens a receive window. RxDone, RxTimeout or RxError is raised on
	// completion, except for continuous reception which only raises RxDone
	// and RxError.
	Rx(params RxParams) error

	// SetTxContinuousWave transmits an unmodulated carrier for the given
	// duration, TxDone is raised on completion.
	SetTxContinuousWave(frequency uint32, power int, timeout time.Duration) error

	// Standby puts the radio in standby mode, aborting any ongoing
	// operation.
	Standby()

	// Sleep puts the radio in sleep mode.
	Sleep()
}
