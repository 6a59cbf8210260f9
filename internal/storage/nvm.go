package storage

import (
	"encoding/json"
	"hash/crc32"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
)

// NotifyFlags is a bitmask of the NVM groups which have changed.
type NotifyFlags uint16

// NVM notify flags.
const (
	NotifyNone      NotifyFlags = 0
	NotifyCrypto    NotifyFlags = 1 << 0
	NotifyMACGroup1 NotifyFlags = 1 << 1
	NotifyMACGroup2 NotifyFlags = 1 << 2
	NotifyRegion    NotifyFlags = 1 << 3
	NotifyClassB    NotifyFlags = 1 << 4

	NotifyAll = NotifyCrypto | NotifyMACGroup1 | NotifyMACGroup2 | NotifyRegion | NotifyClassB
)

// Has returns true when all bits of f2 are set.
func (f NotifyFlags) Has(f2 NotifyFlags) bool {
	return f&f2 == f2
}

// Activation defines the network activation type.
type Activation int

// Activation types.
const (
	ActivationNone Activation = iota
	ActivationABP
	ActivationOTAA
)

// DeviceClass defines the LoRaWAN device class.
type DeviceClass int

// Device classes.
const (
	ClassA DeviceClass = iota
	ClassB
	ClassC
)

func (c DeviceClass) String() string {
	switch c {
	case ClassB:
		return "B"
	case ClassC:
		return "C"
	default:
		return "A"
	}
}

// FCntDownInitial is the value of a downlink frame-counter which has not
// received any frame yet.
const FCntDownInitial uint32 = 0xffffffff

// MaxMulticastGroups defines the number of multicast contexts.
const MaxMulticastGroups = 4

// FCntList holds the frame-counters of the device.
type FCntList struct {
	FCntUp     uint32                     `json:"fCntUp"`
	NFCntDown  uint32                     `json:"nFCntDown"`
	AFCntDown  uint32                     `json:"aFCntDown"`
	FCntDown   uint32                     `json:"fCntDown"`
	McFCntDown [MaxMulticastGroups]uint32 `json:"mcFCntDown"`
}

// MulticastKeys holds the session-keys of a multicast group.
type MulticastKeys struct {
	McAppSKey lorawan.AES128Key `json:"mcAppSKey"`
	McNwkSKey lorawan.AES128Key `json:"mcNwkSKey"`
}

// CryptoGroup holds the security context. It is owned by the crypto package.
type CryptoGroup struct {
	DevEUI  lorawan.EUI64     `json:"devEUI"`
	JoinEUI lorawan.EUI64     `json:"joinEUI"`
	AppKey  lorawan.AES128Key `json:"appKey"`
	NwkKey  lorawan.AES128Key `json:"nwkKey"`

	JSIntKey    lorawan.AES128Key `json:"jsIntKey"`
	JSEncKey    lorawan.AES128Key `json:"jsEncKey"`
	FNwkSIntKey lorawan.AES128Key `json:"fNwkSIntKey"`
	SNwkSIntKey lorawan.AES128Key `json:"sNwkSIntKey"`
	NwkSEncKey  lorawan.AES128Key `json:"nwkSEncKey"`
	AppSKey     lorawan.AES128Key `json:"appSKey"`

	MACVersion lorawan.MACVersion `json:"macVersion"`
	DevNonce   lorawan.DevNonce   `json:"devNonce"`
	JoinNonce  lorawan.JoinNonce  `json:"joinNonce"`
	RJCount0   uint16             `json:"rjCount0"`
	RJCount1   uint16             `json:"rjCount1"`

	FCntList      FCntList                          `json:"fCntList"`
	LastDownFCnt  uint32                            `json:"lastDownFCnt"`
	MulticastKeys [MaxMulticastGroups]MulticastKeys `json:"multicastKeys"`

	CRC uint32 `json:"-"`
}

// RxChannelParams holds the frequency and data-rate of a receive window.
type RxChannelParams struct {
	Frequency uint32 `json:"frequency"`
	DR        int    `json:"dr"`
}

// MACParams holds the MAC parameters which can be changed by the network.
type MACParams struct {
	SystemMaxRxError  time.Duration   `json:"systemMaxRxError"`
	MinRxSymbols      int             `json:"minRxSymbols"`
	ReceiveDelay1     time.Duration   `json:"receiveDelay1"`
	ReceiveDelay2     time.Duration   `json:"receiveDelay2"`
	JoinAcceptDelay1  time.Duration   `json:"joinAcceptDelay1"`
	JoinAcceptDelay2  time.Duration   `json:"joinAcceptDelay2"`
	ChannelsNbTrans   int             `json:"channelsNbTrans"`
	RX1DROffset       int             `json:"rx1DROffset"`
	RX2Channel        RxChannelParams `json:"rx2Channel"`
	RXCChannel        RxChannelParams `json:"rxCChannel"`
	UplinkDwellTime   bool            `json:"uplinkDwellTime"`
	DownlinkDwellTime bool            `json:"downlinkDwellTime"`
	MaxEIRP           float32         `json:"maxEIRP"`
	AntennaGain       float32         `json:"antennaGain"`
	ChannelsTxPower   int             `json:"channelsTxPower"`
	ChannelsDatarate  int             `json:"channelsDatarate"`
}

// MulticastChannel holds the parameters of a multicast group.
type MulticastChannel struct {
	Enabled     bool            `json:"enabled"`
	GroupID     int             `json:"groupID"`
	Address     lorawan.DevAddr `json:"address"`
	Class       DeviceClass     `json:"class"`
	Frequency   uint32          `json:"frequency"`
	DR          int             `json:"dr"`
	Periodicity int             `json:"periodicity"`
	FCntMin     uint32          `json:"fCntMin"`
	FCntMax     uint32          `json:"fCntMax"`
}

// MACGroup1 holds the MAC state which changes on (almost) every uplink.
type MACGroup1 struct {
	ChannelsTxPower   int           `json:"channelsTxPower"`
	ChannelsDatarate  int           `json:"channelsDatarate"`
	SrvAckRequested   bool          `json:"srvAckRequested"`
	AdrAckCounter     uint32        `json:"adrAckCounter"`
	AggregatedTimeOff time.Duration `json:"aggregatedTimeOff"`
	LastTxDoneTime    time.Time     `json:"lastTxDoneTime"`
	LastTxChannel     int           `json:"lastTxChannel"`
	LastRxMIC         lorawan.MIC   `json:"lastRxMIC"`
	Rejoin0Counter    uint32        `json:"rejoin0Counter"`
	RekeyIndCounter   int           `json:"rekeyIndCounter"`

	CRC uint32 `json:"-"`
}

// MACGroup2 holds the MAC state which changes on join and by network
// commands.
type MACGroup2 struct {
	Region            string             `json:"region"`
	NetworkActivation Activation         `json:"networkActivation"`
	MACVersion        lorawan.MACVersion `json:"macVersion"`
	DeviceClass       DeviceClass        `json:"deviceClass"`
	AdrCtrlOn         bool               `json:"adrCtrlOn"`
	DutyCycleOn       bool               `json:"dutyCycleOn"`
	MaxDCycle         uint8              `json:"maxDCycle"`
	AggregatedDCycle  uint16             `json:"aggregatedDCycle"`
	DevAddr           lorawan.DevAddr    `json:"devAddr"`
	NetID             lorawan.NetID      `json:"netID"`
	PublicNetwork     bool               `json:"publicNetwork"`
	RepeaterSupport   bool               `json:"repeaterSupport"`
	MACParams         MACParams          `json:"macParams"`

	ADRAckLimit int `json:"adrAckLimit"`
	ADRAckDelay int `json:"adrAckDelay"`

	Rejoin0CycleTime      time.Duration `json:"rejoin0CycleTime"`
	Rejoin1CycleTime      time.Duration `json:"rejoin1CycleTime"`
	Rejoin0UplinksLimit   uint32        `json:"rejoin0UplinksLimit"`
	ForceRejoinMaxRetries int           `json:"forceRejoinMaxRetries"`
	ForceRejoinType       int           `json:"forceRejoinType"`
	ForceRejoinPeriod     int           `json:"forceRejoinPeriod"`

	IsRejoinAcceptPending bool      `json:"isRejoinAcceptPending"`
	DownlinkReceived      bool      `json:"downlinkReceived"`
	InitializationTime    time.Time `json:"initializationTime"`

	// The 1.1 indications which are repeated until confirmed.
	ResetIndPending      bool `json:"resetIndPending"`
	RekeyIndPending      bool `json:"rekeyIndPending"`
	DeviceModeIndPending bool `json:"deviceModeIndPending"`

	MulticastChannels [MaxMulticastGroups]MulticastChannel `json:"multicastChannels"`

	CRC uint32 `json:"-"`
}

// Channel holds an uplink channel of the region channel-plan.
type Channel struct {
	Frequency   uint32 `json:"frequency"`
	DLFrequency uint32 `json:"dlFrequency"`
	MinDR       int    `json:"minDR"`
	MaxDR       int    `json:"maxDR"`
	Enabled     bool   `json:"enabled"`
	Band        int    `json:"band"`
}

// BandState holds the duty-cycle state of a sub-band.
type BandState struct {
	LastTxDone time.Time     `json:"lastTxDone"`
	TimeOff    time.Duration `json:"timeOff"`
}

// RegionGroup holds the channel-plan state. It is owned by the band package.
type RegionGroup struct {
	Channels []Channel   `json:"channels"`
	Bands    []BandState `json:"bands"`

	CRC uint32 `json:"-"`
}

// ClassBGroup holds the class-B parameters.
type ClassBGroup struct {
	PingSlotPeriodicity int       `json:"pingSlotPeriodicity"`
	PingSlotFrequency   uint32    `json:"pingSlotFrequency"`
	PingSlotDR          int       `json:"pingSlotDR"`
	BeaconFrequency     uint32    `json:"beaconFrequency"`
	LastBeaconRx        time.Time `json:"lastBeaconRx"`

	CRC uint32 `json:"-"`
}

// NVM holds all the persistent device state.
type NVM struct {
	Crypto    CryptoGroup
	MACGroup1 MACGroup1
	MACGroup2 MACGroup2
	Region    RegionGroup
	ClassB    ClassBGroup
}

// Checksum returns the CRC32 (IEEE) of the JSON encoding of the given
// group. The CRC fields of the groups are excluded from the encoding.
func Checksum(group interface{}) (uint32, error) {
	b, err := json.Marshal(group)
	if err != nil {
		return 0, errors.Wrap(err, "marshal group error")
	}
	return crc32.ChecksumIEEE(b), nil
}

type groupRef struct {
	flag  NotifyFlags
	name  string
	group interface{}
	crc   *uint32
}

func (n *NVM) groups() []groupRef {
	return []groupRef{
		{NotifyCrypto, "crypto", &n.Crypto, &n.Crypto.CRC},
		{NotifyMACGroup1, "mac_group_1", &n.MACGroup1, &n.MACGroup1.CRC},
		{NotifyMACGroup2, "mac_group_2", &n.MACGroup2, &n.MACGroup2.CRC},
		{NotifyRegion, "region", &n.Region, &n.Region.CRC},
		{NotifyClassB, "class_b", &n.ClassB, &n.ClassB.CRC},
	}
}

// Update recomputes the CRC of every group, updates the stored CRC of the
// groups that changed and returns the flags of these groups.
func (n *NVM) Update() (NotifyFlags, error) {
	var flags NotifyFlags

	for _, g := range n.groups() {
		crc, err := Checksum(g.group)
		if err != nil {
			return NotifyNone, errors.Wrapf(err, "checksum %s error", g.name)
		}
		if crc != *g.crc {
			*g.crc = crc
			flags |= g.flag
		}
	}

	return flags, nil
}

// Verify returns ErrNVMDataInconsistent when the stored CRC of one of the
// groups does not match its content.
func (n *NVM) Verify() error {
	for _, g := range n.groups() {
		crc, err := Checksum(g.group)
		if err != nil {
			return errors.Wrapf(err, "checksum %s error", g.name)
		}
		if crc != *g.crc {
			return errors.Wrap(ErrNVMDataInconsistent, g.name)
		}
	}
	return nil
}
