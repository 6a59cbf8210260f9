package mac

import (
	"sync"
	"time"
)

type testTx struct {
	Params  TxParams
	Payload []byte
}

type testCw struct {
	Frequency uint32
	Power     int
	Timeout   time.Duration
}

// testRadio implements Radio. Transmissions complete immediately and a
// class A window either receives the next queued frame or times out.
type testRadio struct {
	mu sync.Mutex

	events   RadioEvents
	public   bool
	sendErr  error
	tx       []testTx
	rx       []RxParams
	cw       []testCw
	rxQueue  [][]byte
	sleeps   int
	standbys int

	// noTxDone disables the automatic TxDone on Send.
	noTxDone bool
}

func (r *testRadio) Init(events RadioEvents) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = events
	return nil
}

func (r *testRadio) SetPublicNetwork(public bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.public = public
}

func (r *testRadio) Send(params TxParams, payload []byte) error {
	r.mu.Lock()
	if r.sendErr != nil {
		r.mu.Unlock()
		return r.sendErr
	}
	r.tx = append(r.tx, testTx{Params: params, Payload: append([]byte(nil), payload...)})
	done := !r.noTxDone
	cb := r.events.TxDone
	r.mu.Unlock()

	if done {
		cb(time.Time{})
	}
	return nil
}

func (r *testRadio) Rx(params RxParams) error {
	r.mu.Lock()
	r.rx = append(r.rx, params)
	if params.Continuous {
		r.mu.Unlock()
		return nil
	}

	var payload []byte
	if len(r.rxQueue) != 0 {
		payload = r.rxQueue[0]
		r.rxQueue = r.rxQueue[1:]
	}
	events := r.events
	r.mu.Unlock()

	if payload != nil {
		events.RxDone(payload, -60, 7.5)
	} else {
		events.RxTimeout()
	}
	return nil
}

func (r *testRadio) SetTxContinuousWave(frequency uint32, power int, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cw = append(r.cw, testCw{Frequency: frequency, Power: power, Timeout: timeout})
	return nil
}

func (r *testRadio) Standby() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.standbys++
}

func (r *testRadio) Sleep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps++
}

// queue adds a frame which is received in the next class A window.
func (r *testRadio) queue(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rxQueue = append(r.rxQueue, b)
}

// receive delivers a frame in the currently open window.
func (r *testRadio) receive(b []byte) {
	r.mu.Lock()
	cb := r.events.RxDone
	r.mu.Unlock()
	cb(b, -60, 7.5)
}

func (r *testRadio) txFrames() []testTx {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]testTx(nil), r.tx...)
}

func (r *testRadio) rxWindows() []RxParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RxParams(nil), r.rx...)
}

func (r *testRadio) sleepCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sleeps
}
