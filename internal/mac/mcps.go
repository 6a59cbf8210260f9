package mac

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

// TxInfo holds the payload sizes possible with the current data-rate.
type TxInfo struct {
	// MaxPossibleApplicationDataSize is the max. application payload size,
	// ignoring the queued mac-commands.
	MaxPossibleApplicationDataSize int

	// CurrentPossiblePayloadSize is the application payload size possible
	// together with the queued mac-commands.
	CurrentPossiblePayloadSize int
}

// McpsRequest submits a data uplink. When allowDelayed is set, an uplink
// restricted by the duty-cycle is delayed instead of rejected. The outcome
// is reported through the McpsConfirm callback.
func (e *Engine) McpsRequest(req McpsRequest, allowDelayed bool) (RequestReturn, error) {
	var ret RequestReturn
	g1 := &e.nvm.MACGroup1
	g2 := &e.nvm.MACGroup2

	if e.state.Has(StateStopped) {
		return ret, ErrStopped
	}
	if e.IsBusy() {
		return ret, ErrBusy
	}

	e.mcpsConfirm = McpsConfirm{
		Type:   req.Type,
		Status: StatusError,
	}

	var mType lorawan.MType
	switch req.Type {
	case McpsUnconfirmed:
		mType = lorawan.UnconfirmedDataUp
		e.ackLimit = 1
	case McpsConfirmed:
		mType = lorawan.ConfirmedDataUp
		e.ackLimit = e.version().confirmedLimit(req.NbTrials, g2.MACParams.ChannelsNbTrans)
	case McpsProprietary:
		mType = lorawan.Proprietary
		e.ackLimit = 1
	default:
		return ret, errors.Wrapf(ErrParameterInvalid, "request type %s", req.Type)
	}

	// A class C device must get a downlink in a class A window before its
	// uplinks can go unconfirmed.
	if req.Type == McpsUnconfirmed && g2.DeviceClass == storage.ClassC && !g2.DownlinkReceived {
		mType = lorawan.ConfirmedDataUp
		e.mcpsConfirm.Type = McpsConfirmed
		e.ackLimit = e.version().confirmedLimit(req.NbTrials, g2.MACParams.ChannelsNbTrans)
	}

	if mType != lorawan.Proprietary && req.FPort == 0 && len(req.Data) != 0 {
		return ret, errors.Wrap(ErrParameterInvalid, "fport 0 is reserved for mac-commands")
	}
	if req.FPort > 223 {
		return ret, errors.Wrapf(ErrParameterInvalid, "fport %d", req.FPort)
	}

	if !g2.AdrCtrlOn {
		dr := req.DR
		if min := e.region.MinTxDR(); dr < min {
			dr = min
		}
		if !e.region.VerifyTxDR(dr) {
			return ret, errors.Wrapf(ErrParameterInvalid, "dr %d", dr)
		}
		g1.ChannelsDatarate = dr
	}

	err := e.send(mType, req.FPort, req.Data, allowDelayed)
	ret.DutyCycleWaitTime = e.dutyCycleWaitTime

	switch errors.Cause(err) {
	case nil, ErrSkippedAppData:
		e.flags.McpsReq = true
		e.mcpsConfirm.Type = mcpsTypeOf(mType)
	default:
		e.nodeAckRequested = false
		log.WithFields(e.logFields()).WithError(err).WithField("type", req.Type).Warning("mac: mcps request error")
	}

	return ret, err
}

func mcpsTypeOf(mType lorawan.MType) McpsType {
	switch mType {
	case lorawan.ConfirmedDataUp:
		return McpsConfirmed
	case lorawan.Proprietary:
		return McpsProprietary
	default:
		return McpsUnconfirmed
	}
}

// QueryTxPossible returns the payload sizes possible with the current
// data-rate. It fails with ErrLength when the given application payload
// size does not fit together with the queued mac-commands.
func (e *Engine) QueryTxPossible(size int) (TxInfo, error) {
	var out TxInfo
	g1 := &e.nvm.MACGroup1

	dr := g1.ChannelsDatarate
	if e.nvm.MACGroup2.AdrCtrlOn {
		// Query the ADR handler without committing its outcome.
		resp, err := e.handleADR()
		if err == nil {
			dr = resp.DR
		}
	}

	maxN, err := e.region.MaxPayloadSize(e.version().protocol(), dr)
	if err != nil {
		return out, errors.Wrap(ErrParameterInvalid, err.Error())
	}

	fOptsLen := e.macCmds.Size()
	if fOptsLen > maxFOptsLen {
		fOptsLen = 0
	}

	out.MaxPossibleApplicationDataSize = maxN
	if maxN >= fOptsLen {
		out.CurrentPossiblePayloadSize = maxN - fOptsLen
	}

	if size+fOptsLen > maxN || size > maxPHYPayloadSize {
		return out, errors.Wrapf(ErrLength, "size %d, possible %d", size, out.CurrentPossiblePayloadSize)
	}
	return out, nil
}
