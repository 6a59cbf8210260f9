package mac

import "strings"

// State holds the MAC state bits. Multiple bits can be set at the same time,
// the empty set means idle.
type State uint8

// MAC state bits.
const (
	StateStopped State = 1 << iota
	StateTxRunning
	StateRx
	StateAckRetransmitPending
	StateTxDelayed
	StateTxConfiguring
	StateRxAbort

	StateIdle State = 0
)

var stateNames = []struct {
	s    State
	name string
}{
	{StateStopped, "STOPPED"},
	{StateTxRunning, "TX_RUNNING"},
	{StateRx, "RX"},
	{StateAckRetransmitPending, "ACK_RETRANSMIT_PENDING"},
	{StateTxDelayed, "TX_DELAYED"},
	{StateTxConfiguring, "TX_CONFIG"},
	{StateRxAbort, "RX_ABORT"},
}

// Has returns true when all the given bits are set.
func (s State) Has(b State) bool {
	return s&b == b && b != 0
}

func (s State) String() string {
	if s == StateIdle {
		return "IDLE"
	}
	var parts []string
	for _, n := range stateNames {
		if s&n.s != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// RadioEvent holds the radio events raised by the radio callbacks.
type RadioEvent uint8

// Radio events.
const (
	RadioEventTxDone RadioEvent = 1 << iota
	RadioEventRxDone
	RadioEventTxTimeout
	RadioEventRxTimeout
	RadioEventRxError
	RadioEventRxProcessPending
)

// TimerEvent holds the expired timers which must be handled by the process
// loop.
type TimerEvent uint16

// Timer events.
const (
	TimerEventTxDelayed TimerEvent = 1 << iota
	TimerEventRetransmitTimeout
	TimerEventRejoin0Cycle
	TimerEventRejoin1Cycle
	TimerEventForceRejoin
	TimerEventBeacon
	TimerEventBeaconAcquisitionTimeout
	TimerEventPingSlot
)

// Flags holds the pending request, indication and housekeeping flags.
type Flags struct {
	McpsReq            bool
	MlmeReq            bool
	McpsInd            bool
	McpsIndSkip        bool
	MlmeInd            bool
	MlmeSchedUplinkInd bool
	MacDone            bool
	NvmHandle          bool
}
