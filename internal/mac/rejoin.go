package mac

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/maccommand"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
)

// forceRejoinBase is the unit of the ForceRejoinReq period.
const forceRejoinBase = 32 * time.Second

// startRejoinCycles (re)starts the periodic type 0 and type 1
// rejoin-requests of a LoRaWAN 1.1 OTAA session.
func (e *Engine) startRejoinCycles() {
	g2 := &e.nvm.MACGroup2

	e.rejoin0Timer.Stop()
	e.rejoin1Timer.Stop()

	if !e.version().supportsRejoin() || g2.NetworkActivation != storage.ActivationOTAA {
		return
	}

	if g2.Rejoin0CycleTime > 0 {
		e.rejoin0Timer.Start(g2.Rejoin0CycleTime)
	}
	if g2.Rejoin1CycleTime > 0 {
		e.rejoin1Timer.Start(g2.Rejoin1CycleTime)
	}
}

func (e *Engine) onRejoin0Cycle() {
	e.rejoin0Pending = true
	if d := e.nvm.MACGroup2.Rejoin0CycleTime; d > 0 {
		e.rejoin0Timer.Start(d)
	}
}

func (e *Engine) onRejoin1Cycle() {
	e.rejoin1Pending = true
	if d := e.nvm.MACGroup2.Rejoin1CycleTime; d > 0 {
		e.rejoin1Timer.Start(d)
	}
}

// handleForceRejoinReq starts the forced rejoin-requests. The first
// rejoin-request is sent as soon as the engine is idle.
func (e *Engine) handleForceRejoinReq(req maccommand.ForceRejoin) {
	if req.DR != 0 && e.region.VerifyTxDR(int(req.DR)) {
		e.nvm.MACGroup1.ChannelsDatarate = int(req.DR)
	}

	e.forceRejoinTimer.Stop()
	e.forceRejoinRetries = 0
	e.forceRejoinPending = true
}

func (e *Engine) onForceRejoin() {
	e.forceRejoinPending = true
}

// forceRejoinDelay returns the delay between the forced rejoin-requests:
// 32s * 2^period plus a random delay of up to 32s.
func forceRejoinDelay(period int) time.Duration {
	return forceRejoinBase*time.Duration(1<<uint(period)) + time.Duration(rand.Int63n(int64(forceRejoinBase)))
}

// handleRejoinEvents sends the pending rejoin-requests. The uplink counter
// triggered type 0 request has priority over the periodic ones, the forced
// rejoin-requests come last.
func (e *Engine) handleRejoinEvents() {
	g1 := &e.nvm.MACGroup1
	g2 := &e.nvm.MACGroup2

	if !e.version().supportsRejoin() || g2.NetworkActivation != storage.ActivationOTAA || e.IsBusy() {
		return
	}

	switch {
	case g2.Rejoin0UplinksLimit != 0 && g1.Rejoin0Counter >= g2.Rejoin0UplinksLimit:
		if e.sendRejoin(MlmeRejoin0) {
			g1.Rejoin0Counter = 0
		}
	case e.rejoin0Pending:
		if e.sendRejoin(MlmeRejoin0) {
			e.rejoin0Pending = false
		}
	case e.rejoin1Pending:
		if e.sendRejoin(MlmeRejoin1) {
			e.rejoin1Pending = false
		}
	case e.forceRejoinPending:
		req := MlmeRejoin0
		if g2.ForceRejoinType == 2 {
			req = MlmeRejoin2
		}
		if !e.sendRejoin(req) {
			return
		}

		e.forceRejoinPending = false
		e.forceRejoinRetries++
		if e.forceRejoinRetries <= g2.ForceRejoinMaxRetries {
			e.forceRejoinTimer.Start(forceRejoinDelay(g2.ForceRejoinPeriod))
		}
	}
}

// sendRejoin requests the given rejoin-request. It returns false when the
// request must be retried later.
func (e *Engine) sendRejoin(req MlmeType) bool {
	_, err := e.MlmeRequest(MlmeRequest{Type: req})
	if err == nil {
		return true
	}

	cause := errors.Cause(err)
	log.WithFields(e.logFields()).WithError(err).WithField("request", req).Warning("mac: rejoin-request error")

	return cause != ErrBusy && cause != ErrDutyCycleRestricted
}
