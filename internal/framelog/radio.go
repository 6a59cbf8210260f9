package framelog

import (
	"context"
	"sync"

	"github.com/golang/protobuf/ptypes"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/common"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-device-mac/internal/mac"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// Radio wraps a mac.Radio and logs every transmitted and received frame.
type Radio struct {
	mac.Radio

	devEUI lorawan.EUI64

	mu     sync.Mutex
	window mac.RxParams
}

// NewRadio returns a new Radio logging the frames of the given device.
func NewRadio(r mac.Radio, devEUI lorawan.EUI64) *Radio {
	return &Radio{
		Radio:  r,
		devEUI: devEUI,
	}
}

// Init wraps the RxDone callback before passing the events to the wrapped
// radio.
func (r *Radio) Init(events mac.RadioEvents) error {
	rxDone := events.RxDone
	events.RxDone = func(payload []byte, rssi int, snr float64) {
		r.mu.Lock()
		window := r.window
		r.mu.Unlock()

		df := downlinkFrame(window, payload)
		if err := LogDownlinkFrame(context.Background(), r.devEUI, &df); err != nil {
			log.WithError(err).WithField("dev_eui", r.devEUI).Error("framelog: log downlink frame error")
		}

		if rxDone != nil {
			rxDone(payload, rssi, snr)
		}
	}

	return r.Radio.Init(events)
}

// Send logs the frame after it has been handed to the wrapped radio.
func (r *Radio) Send(params mac.TxParams, payload []byte) error {
	if err := r.Radio.Send(params, payload); err != nil {
		return err
	}

	uf := uplinkFrame(params, payload)
	if err := LogUplinkFrame(context.Background(), r.devEUI, &uf); err != nil {
		log.WithError(err).WithField("dev_eui", r.devEUI).Error("framelog: log uplink frame error")
	}

	return nil
}

// Rx keeps the window parameters for logging the received frame.
func (r *Radio) Rx(params mac.RxParams) error {
	r.mu.Lock()
	r.window = params
	r.mu.Unlock()

	return r.Radio.Rx(params)
}

func uplinkFrame(params mac.TxParams, payload []byte) gw.UplinkFrame {
	txInfo := gw.UplinkTXInfo{
		Frequency: params.Frequency,
	}

	if params.DataRate.Modulation == loraband.FSKModulation {
		txInfo.Modulation = common.Modulation_FSK
		txInfo.ModulationInfo = &gw.UplinkTXInfo_FskModulationInfo{
			FskModulationInfo: &gw.FSKModulationInfo{
				Bandwidth: uint32(params.DataRate.Bandwidth),
			},
		}
	} else {
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
			Time: ptypes.TimestampNow(),
		},
	}
}

func downlinkFrame(window mac.RxParams, payload []byte) gw.DownlinkFrame {
	txInfo := gw.DownlinkTXInfo{
		Frequency: window.Frequency,
	}

	if window.DataRate.Modulation == loraband.FSKModulation {
		txInfo.Modulation = common.Modulation_FSK
		txInfo.ModulationInfo = &gw.DownlinkTXInfo_FskModulationInfo{
			FskModulationInfo: &gw.FSKModulationInfo{
				Bandwidth: uint32(window.DataRate.Bandwidth),
			},
		}
	} else {
		txInfo.Modulation = common.Modulation_LORA
		txInfo.ModulationInfo = &gw.DownlinkTXInfo_LoraModulationInfo{
			LoraModulationInfo: &gw.LoRaModulationInfo{
				Bandwidth:             uint32(window.DataRate.Bandwidth),
				SpreadingFactor:       uint32(window.DataRate.SpreadFactor),
				CodeRate:              "4/5",
				PolarizationInversion: true,
			},
		}
	}

	return gw.DownlinkFrame{
		Items: []*gw.DownlinkFrameItem{
			{
				PhyPayload: append([]byte(nil), payload...),
				TxInfo:     &txInfo,
			},
		},
	}
}
