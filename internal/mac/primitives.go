package mac

import (
	"time"

	"github.com/brocaar/chirpstack-device-mac/internal/classb"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

//go:generate stringer -type=EventStatus -trimprefix=Status
//go:generate stringer -type=McpsType -trimprefix=Mcps
//go:generate stringer -type=MlmeType -trimprefix=Mlme

// EventStatus defines the status of a confirm or indication.
type EventStatus int

// Event statuses.
const (
	StatusOK EventStatus = iota
	StatusError
	StatusTxTimeout
	StatusRx1Timeout
	StatusRx2Timeout
	StatusRx1Error
	StatusRx2Error
	StatusJoinFail
	StatusDownlinkRepeated
	StatusTxDRPayloadSizeError
	StatusDownlinkTooManyFramesLoss
	StatusAddressFail
	StatusMICFail
	StatusMulticastFail
	StatusBeaconLocked
	StatusBeaconLost
	StatusBeaconNotFound
)

// McpsType defines the data service type.
type McpsType int

// Data service types.
const (
	McpsUnconfirmed McpsType = iota
	McpsConfirmed
	McpsMulticast
	McpsProprietary
)

// MlmeType defines the management service type.
type MlmeType int

// Management service types. MlmeBeacon, MlmeBeaconLost and
// MlmeScheduleUplink are only used for indications.
const (
	MlmeJoin MlmeType = iota
	MlmeRejoin0
	MlmeRejoin1
	MlmeRejoin2
	MlmeLinkCheck
	MlmeDeviceTime
	MlmeTxCw
	MlmeBeaconAcquisition
	MlmePingSlotInfo
	MlmeBeacon
	MlmeBeaconLost
	MlmeScheduleUplink
)

// RxSlot defines the receive slot.
type RxSlot int

// Receive slots.
const (
	RxSlotNone RxSlot = iota
	RxSlotWin1
	RxSlotWin2
	RxSlotClassC
	RxSlotClassCMulticast
	RxSlotClassBPingSlot
	RxSlotClassBMulticastSlot

	// rxSlotBeacon is the beacon window, beacons are not indicated as
	// downlinks.
	rxSlotBeacon
)

func (s RxSlot) String() string {
	switch s {
	case RxSlotWin1:
		return "RX1"
	case RxSlotWin2:
		return "RX2"
	case RxSlotClassC:
		return "RXC"
	case RxSlotClassCMulticast:
		return "RXC_MULTICAST"
	case RxSlotClassBPingSlot:
		return "PING_SLOT"
	case RxSlotClassBMulticastSlot:
		return "MULTICAST_SLOT"
	case rxSlotBeacon:
		return "BEACON"
	default:
		return "NONE"
	}
}

// classA returns true for the class A receive windows.
func (s RxSlot) classA() bool {
	return s == RxSlotWin1 || s == RxSlotWin2
}

// McpsRequest holds a data request.
type McpsRequest struct {
	Type  McpsType
	FPort uint8
	Data  []byte
	DR    int

	// NbTrials holds the number of transmissions of a LoRaWAN 1.0.x
	// confirmed uplink. Zero means the configured NbTrans.
	NbTrials int
}

// JoinParams holds the join request parameters.
type JoinParams struct {
	Activation storage.Activation
	DR         int
}

// TxCwParams holds the continuous-wave test parameters.
type TxCwParams struct {
	Timeout   time.Duration
	Frequency uint32
	Power     int
}

// MlmeRequest holds a management request.
type MlmeRequest struct {
	Type MlmeType

	Join                JoinParams
	TxCw                TxCwParams
	PingSlotPeriodicity int
}

// RequestReturn holds the additional return values of a request.
type RequestReturn struct {
	DutyCycleWaitTime time.Duration
}

// McpsConfirm is returned on completion of a data request.
type McpsConfirm struct {
	Type          McpsType
	Status        EventStatus
	DR            int
	TxPower       int
	AckReceived   bool
	NbTrans       int
	TxTimeOnAir   time.Duration
	UplinkCounter uint32
	Channel       int
}

// McpsIndication is raised on a received downlink.
type McpsIndication struct {
	Type                  McpsType
	Status                EventStatus
	Multicast             bool
	FPort                 uint8
	RxDR                  int
	FramePending          bool
	Buffer                []byte
	RxData                bool
	RSSI                  int
	SNR                   float64
	RxSlot                RxSlot
	AckReceived           bool
	DownlinkCounter       uint32
	DevAddr               lorawan.DevAddr
	DeviceTimeAnsReceived bool

	// IsUplinkTxPending is set when the network expects an uplink, e.g. to
	// acknowledge a confirmed downlink.
	IsUplinkTxPending bool
}

// MlmeConfirm is returned on completion of a management request.
type MlmeConfirm struct {
	Type        MlmeType
	Status      EventStatus
	TxTimeOnAir time.Duration
	DemodMargin uint8
	NbGateways  uint8
	NbRetries   int
}

// MlmeIndication is raised on management events.
type MlmeIndication struct {
	Type   MlmeType
	Status EventStatus
	Beacon classb.Beacon
}

// RxStatus holds the reception properties of the last received frame.
type RxStatus struct {
	RSSI   int
	SNR    float64
	RxSlot RxSlot
}

// Callbacks holds the upcalls into the application. The confirm and
// indication callbacks are called from within Process.
type Callbacks struct {
	McpsConfirm    func(McpsConfirm)
	McpsIndication func(McpsIndication, RxStatus)
	MlmeConfirm    func(MlmeConfirm)
	MlmeIndication func(MlmeIndication, RxStatus)

	// NvmDataChange is called with the groups that changed since the last
	// call.
	NvmDataChange func(storage.NotifyFlags)

	// ProcessNotify is called (possibly from a timer or radio goroutine)
	// when Process must be called.
	ProcessNotify func()

	// BatteryLevel returns the DevStatusAns battery level.
	BatteryLevel func() uint8
}
