package adr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-device-mac/adr"
)

func TestDefaultHandler(t *testing.T) {
	h := &DefaultHandler{}

	t.Run("ID", func(t *testing.T) {
		assert := require.New(t)
		id, err := h.ID()
		assert.NoError(err)
		assert.Equal("default", id)
	})

	t.Run("Handle", func(t *testing.T) {
		base := adr.HandleRequest{
			Region:              "EU868",
			ADR:                 true,
			DR:                  5,
			TxPowerIndex:        3,
			NbTrans:             2,
			ADRAckLimit:         64,
			ADRAckDelay:         32,
			MinDR:               0,
			MaxDR:               5,
			DefaultTxPowerIndex: 0,
			MaxTxPowerIndex:     7,
		}

		tests := []struct {
			name     string
			request  func(adr.HandleRequest) adr.HandleRequest
			expected adr.HandleResponse
		}{
			{
				name: "adr disabled",
				request: func(r adr.HandleRequest) adr.HandleRequest {
					r.ADR = false
					r.AdrAckCounter = 200
					return r
				},
				expected: adr.HandleResponse{DR: 5, TxPowerIndex: 3, NbTrans: 2, AdrAckCounter: 200},
			},
			{
				name: "below limit",
				request: func(r adr.HandleRequest) adr.HandleRequest {
					r.AdrAckCounter = 63
					return r
				},
				expected: adr.HandleResponse{DR: 5, TxPowerIndex: 3, NbTrans: 2, AdrAckCounter: 63},
			},
			{
				name: "limit reached",
				request: func(r adr.HandleRequest) adr.HandleRequest {
					r.AdrAckCounter = 64
					return r
				},
				expected: adr.HandleResponse{DR: 5, TxPowerIndex: 3, NbTrans: 2, AdrAckCounter: 64, AdrAckReq: true},
			},
			{
				name: "limit + delay restores default tx-power",
				request: func(r adr.HandleRequest) adr.HandleRequest {
					r.AdrAckCounter = 96
					return r
				},
				expected: adr.HandleResponse{DR: 5, TxPowerIndex: 0, NbTrans: 2, AdrAckCounter: 96, AdrAckReq: true},
			},
			{
				name: "limit + 2 * delay lowers the data-rate",
				request: func(r adr.HandleRequest) adr.HandleRequest {
					r.AdrAckCounter = 128
					return r
				},
				expected: adr.HandleResponse{DR: 4, TxPowerIndex: 0, NbTrans: 2, AdrAckCounter: 128, AdrAckReq: true},
			},
			{
				name: "between delay steps keeps the data-rate",
				request: func(r adr.HandleRequest) adr.HandleRequest {
					r.AdrAckCounter = 129
					r.TxPowerIndex = 0
					return r
				},
				expected: adr.HandleResponse{DR: 5, TxPowerIndex: 0, NbTrans: 2, AdrAckCounter: 129, AdrAckReq: true},
			},
			{
				name: "min data-rate restores channels and nb trans",
				request: func(r adr.HandleRequest) adr.HandleRequest {
					r.AdrAckCounter = 160
					r.DR = 0
					return r
				},
				expected: adr.HandleResponse{DR: 0, TxPowerIndex: 0, NbTrans: 1, AdrAckCounter: 160, AdrAckReq: true, RestoreDefaultChannels: true},
			},
			{
				name: "data-rate below min is raised",
				request: func(r adr.HandleRequest) adr.HandleRequest {
					r.DR = 0
					r.MinDR = 2
					return r
				},
				expected: adr.HandleResponse{DR: 2, TxPowerIndex: 3, NbTrans: 2},
			},
			{
				name: "zero delay",
				request: func(r adr.HandleRequest) adr.HandleRequest {
					r.ADRAckDelay = 0
					r.AdrAckCounter = 66
					return r
				},
				expected: adr.HandleResponse{DR: 4, TxPowerIndex: 0, NbTrans: 2, AdrAckCounter: 66, AdrAckReq: true},
			},
		}

		for _, tst := range tests {
			t.Run(tst.name, func(t *testing.T) {
				assert := require.New(t)
				resp, err := h.Handle(tst.request(base))
				assert.NoError(err)
				assert.Equal(tst.expected, resp)
			})
		}
	})
}
