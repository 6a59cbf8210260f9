package adr

import (
	"github.com/brocaar/chirpstack-device-mac/adr"
)

// DefaultHandler implements the LoRaWAN ADR back-off. When no downlink has
// been received within ADR_ACK_LIMIT uplinks, the ADRACKReq bit is set. When
// still no downlink has been received after an additional ADR_ACK_DELAY
// uplinks, the device first switches to its default (max.) tx-power and then
// lowers its data-rate every ADR_ACK_DELAY uplinks. Once at the lowest
// data-rate, the default channels and NbTrans are restored.
type DefaultHandler struct{}

// ID returns the default ID.
func (h *DefaultHandler) ID() (string, error) {
	return "default", nil
}

// Name returns the default name.
func (h *DefaultHandler) Name() (string, error) {
	return "Default ADR back-off algorithm", nil
}

// Handle handles the ADR request.
func (h *DefaultHandler) Handle(req adr.HandleRequest) (adr.HandleResponse, error) {
	resp := adr.HandleResponse{
		DR:            req.DR,
		TxPowerIndex:  req.TxPowerIndex,
		NbTrans:       req.NbTrans,
		AdrAckCounter: req.AdrAckCounter,
	}

	// Without ADR, the device is managed by the application.
	if !req.ADR {
		return resp, nil
	}

	if resp.DR < req.MinDR {
		resp.DR = req.MinDR
	}

	limit := uint32(req.ADRAckLimit)
	delay := uint32(req.ADRAckDelay)
	if delay == 0 {
		delay = 1
	}

	if req.AdrAckCounter >= limit {
		resp.AdrAckReq = true
	}

	if req.AdrAckCounter >= limit+delay {
		resp.TxPowerIndex = req.DefaultTxPowerIndex
	}

	if req.AdrAckCounter >= limit+2*delay && (req.AdrAckCounter-limit)%delay == 0 {
		if resp.DR == req.MinDR {
			resp.RestoreDefaultChannels = true
			resp.NbTrans = 1
		}
		resp.DR = h.nextLowerDR(resp.DR, req.MinDR)
	}

	return resp, nil
}

func (h *DefaultHandler) nextLowerDR(dr, minDR int) int {
	if dr <= minDR {
		return minDR
	}
	return dr - 1
}
