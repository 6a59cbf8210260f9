package mac

import (
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-mac/internal/classb"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

// MibType defines a MAC information base attribute.
type MibType int

// MIB attributes.
const (
	MibDeviceClass MibType = iota
	MibNetworkActivation
	MibMACVersion
	MibADR
	MibDevAddr
	MibNetID
	MibAppKey
	MibNwkKey
	MibFNwkSIntKey
	MibSNwkSIntKey
	MibNwkSEncKey
	MibAppSKey
	MibPublicNetwork
	MibRepeaterSupport
	MibDutyCycleOn
	MibRX2Channel
	MibRXCChannel
	MibReceiveDelay1
	MibReceiveDelay2
	MibJoinAcceptDelay1
	MibJoinAcceptDelay2
	MibChannelsDatarate
	MibChannelsDefaultDatarate
	MibChannelsTxPower
	MibChannelsDefaultTxPower
	MibChannelsNbTrans
	MibChannelsMask
	MibSystemMaxRxError
	MibMinRxSymbols
	MibAntennaGain
	MibMaxEIRP
	MibADRAckLimit
	MibADRAckDelay
	MibRejoin0Cycle
	MibRejoin1Cycle
	MibPingSlotPeriodicity
	MibBeaconState
	MibGPSTime
	MibNVM
)

// MibParam holds the value of a MIB attribute. Only the field matching the
// attribute is used.
type MibParam struct {
	Type MibType

	Bool       bool
	Int        int
	Float      float32
	Duration   time.Duration
	Class      storage.DeviceClass
	Activation storage.Activation
	MACVersion lorawan.MACVersion
	DevAddr    lorawan.DevAddr
	NetID      lorawan.NetID
	Key        lorawan.AES128Key
	Channel    storage.RxChannelParams
	Channels   []int
	Beacon     classb.BeaconState
	NVM        *storage.NVM
}

// GetMib returns the value of the given attribute.
func (e *Engine) GetMib(t MibType) (MibParam, error) {
	g1 := &e.nvm.MACGroup1
	g2 := &e.nvm.MACGroup2
	cg := e.crypto.Group()
	out := MibParam{Type: t}

	switch t {
	case MibDeviceClass:
		out.Class = g2.DeviceClass
	case MibNetworkActivation:
		out.Activation = g2.NetworkActivation
	case MibMACVersion:
		out.MACVersion = g2.MACVersion
	case MibADR:
		out.Bool = g2.AdrCtrlOn
	case MibDevAddr:
		out.DevAddr = g2.DevAddr
	case MibNetID:
		out.NetID = g2.NetID
	case MibAppKey:
		out.Key = cg.AppKey
	case MibNwkKey:
		out.Key = cg.NwkKey
	case MibFNwkSIntKey:
		out.Key = cg.FNwkSIntKey
	case MibSNwkSIntKey:
		out.Key = cg.SNwkSIntKey
	case MibNwkSEncKey:
		out.Key = cg.NwkSEncKey
	case MibAppSKey:
		out.Key = cg.AppSKey
	case MibPublicNetwork:
		out.Bool = g2.PublicNetwork
	case MibRepeaterSupport:
		out.Bool = g2.RepeaterSupport
	case MibDutyCycleOn:
		out.Bool = g2.DutyCycleOn
	case MibRX2Channel:
		out.Channel = g2.MACParams.RX2Channel
	case MibRXCChannel:
		out.Channel = g2.MACParams.RXCChannel
	case MibReceiveDelay1:
		out.Duration = g2.MACParams.ReceiveDelay1
	case MibReceiveDelay2:
		out.Duration = g2.MACParams.ReceiveDelay2
	case MibJoinAcceptDelay1:
		out.Duration = g2.MACParams.JoinAcceptDelay1
	case MibJoinAcceptDelay2:
		out.Duration = g2.MACParams.JoinAcceptDelay2
	case MibChannelsDatarate:
		out.Int = g1.ChannelsDatarate
	case MibChannelsDefaultDatarate:
		out.Int = g2.MACParams.ChannelsDatarate
	case MibChannelsTxPower:
		out.Int = g1.ChannelsTxPower
	case MibChannelsDefaultTxPower:
		out.Int = g2.MACParams.ChannelsTxPower
	case MibChannelsNbTrans:
		out.Int = g2.MACParams.ChannelsNbTrans
	case MibChannelsMask:
		out.Channels = e.region.EnabledChannels()
	case MibSystemMaxRxError:
		out.Duration = g2.MACParams.SystemMaxRxError
	case MibMinRxSymbols:
		out.Int = g2.MACParams.MinRxSymbols
	case MibAntennaGain:
		out.Float = g2.MACParams.AntennaGain
	case MibMaxEIRP:
		out.Float = g2.MACParams.MaxEIRP
	case MibADRAckLimit:
		out.Int = g2.ADRAckLimit
	case MibADRAckDelay:
		out.Int = g2.ADRAckDelay
	case MibRejoin0Cycle:
		out.Duration = g2.Rejoin0CycleTime
	case MibRejoin1Cycle:
		out.Duration = g2.Rejoin1CycleTime
	case MibPingSlotPeriodicity:
		out.Int = e.nvm.ClassB.PingSlotPeriodicity
	case MibBeaconState:
		out.Beacon = e.classB.State()
	case MibGPSTime:
		out.Duration = e.classB.GPSTime()
	case MibNVM:
		nvm := e.NVM()
		out.NVM = &nvm
	default:
		return out, errors.Wrapf(ErrParameterInvalid, "mib type %d", t)
	}

	return out, nil
}

// SetMib sets the value of the given attribute. The session attributes can
// not be changed while a transmission is in progress.
func (e *Engine) SetMib(p MibParam) error {
	g1 := &e.nvm.MACGroup1
	g2 := &e.nvm.MACGroup2
	cg := e.crypto.Group()

	if e.state.Has(StateTxRunning) {
		return ErrBusy
	}

	switch p.Type {
	case MibDeviceClass:
		return e.SwitchClass(p.Class)
	case MibNetworkActivation:
		if p.Activation == storage.ActivationOTAA {
			return errors.Wrap(ErrParameterInvalid, "otaa activation requires a join")
		}
		g2.NetworkActivation = p.Activation
	case MibMACVersion:
		g2.MACVersion = p.MACVersion
		e.crypto.SetMACVersion(p.MACVersion)
	case MibADR:
		g2.AdrCtrlOn = p.Bool
	case MibDevAddr:
		g2.DevAddr = p.DevAddr
	case MibNetID:
		g2.NetID = p.NetID
	case MibAppKey:
		return e.crypto.SetRootKeys(cg.DevEUI, cg.JoinEUI, p.Key, cg.NwkKey)
	case MibNwkKey:
		return e.crypto.SetRootKeys(cg.DevEUI, cg.JoinEUI, cg.AppKey, p.Key)
	case MibFNwkSIntKey:
		cg.FNwkSIntKey = p.Key
	case MibSNwkSIntKey:
		cg.SNwkSIntKey = p.Key
	case MibNwkSEncKey:
		cg.NwkSEncKey = p.Key
	case MibAppSKey:
		cg.AppSKey = p.Key
	case MibPublicNetwork:
		g2.PublicNetwork = p.Bool
		e.radio.SetPublicNetwork(p.Bool)
	case MibRepeaterSupport:
		if err := e.region.SetRepeaterCompatible(p.Bool); err != nil {
			return errors.Wrap(ErrRegionNotSupported, err.Error())
		}
		g2.RepeaterSupport = p.Bool
	case MibDutyCycleOn:
		g2.DutyCycleOn = p.Bool
	case MibRX2Channel:
		if err := e.verifyRxChannel(p.Channel); err != nil {
			return err
		}
		g2.MACParams.RX2Channel = p.Channel
	case MibRXCChannel:
		if err := e.verifyRxChannel(p.Channel); err != nil {
			return err
		}
		g2.MACParams.RXCChannel = p.Channel
		if g2.DeviceClass == storage.ClassC {
			// Reopen the window with the new parameters.
			e.radio.Standby()
			e.mu.Lock()
			e.rxcActive = false
			e.mu.Unlock()
			e.openContinuousRxCWindow()
		}
	case MibReceiveDelay1:
		g2.MACParams.ReceiveDelay1 = p.Duration
	case MibReceiveDelay2:
		g2.MACParams.ReceiveDelay2 = p.Duration
	case MibJoinAcceptDelay1:
		g2.MACParams.JoinAcceptDelay1 = p.Duration
	case MibJoinAcceptDelay2:
		g2.MACParams.JoinAcceptDelay2 = p.Duration
	case MibChannelsDatarate:
		if !e.region.VerifyTxDR(p.Int) {
			return errors.Wrapf(ErrParameterInvalid, "dr %d", p.Int)
		}
		g1.ChannelsDatarate = p.Int
	case MibChannelsDefaultDatarate:
		if !e.region.VerifyTxDR(p.Int) {
			return errors.Wrapf(ErrParameterInvalid, "dr %d", p.Int)
		}
		g2.MACParams.ChannelsDatarate = p.Int
	case MibChannelsTxPower:
		if !e.region.VerifyTxPower(p.Int) {
			return errors.Wrapf(ErrParameterInvalid, "tx power %d", p.Int)
		}
		g1.ChannelsTxPower = p.Int
	case MibChannelsDefaultTxPower:
		if !e.region.VerifyTxPower(p.Int) {
			return errors.Wrapf(ErrParameterInvalid, "tx power %d", p.Int)
		}
		g2.MACParams.ChannelsTxPower = p.Int
	case MibChannelsNbTrans:
		if p.Int < 1 || p.Int > 15 {
			return errors.Wrapf(ErrParameterInvalid, "nb trans %d", p.Int)
		}
		g2.MACParams.ChannelsNbTrans = p.Int
	case MibChannelsMask:
		if err := e.region.SetEnabledChannels(p.Channels); err != nil {
			return errors.Wrap(ErrParameterInvalid, err.Error())
		}
	case MibSystemMaxRxError:
		g2.MACParams.SystemMaxRxError = p.Duration
	case MibMinRxSymbols:
		g2.MACParams.MinRxSymbols = p.Int
	case MibAntennaGain:
		g2.MACParams.AntennaGain = p.Float
	case MibMaxEIRP:
		g2.MACParams.MaxEIRP = p.Float
	case MibADRAckLimit:
		if p.Int < 1 {
			return errors.Wrapf(ErrParameterInvalid, "adr ack limit %d", p.Int)
		}
		g2.ADRAckLimit = p.Int
	case MibADRAckDelay:
		if p.Int < 1 {
			return errors.Wrapf(ErrParameterInvalid, "adr ack delay %d", p.Int)
		}
		g2.ADRAckDelay = p.Int
	case MibRejoin0Cycle:
		g2.Rejoin0CycleTime = p.Duration
		e.startRejoinCycles()
	case MibRejoin1Cycle:
		g2.Rejoin1CycleTime = p.Duration
		e.startRejoinCycles()
	case MibPingSlotPeriodicity:
		if p.Int < 0 || p.Int > 7 {
			return errors.Wrapf(ErrParameterInvalid, "periodicity %d", p.Int)
		}
		e.nvm.ClassB.PingSlotPeriodicity = p.Int
	case MibNVM:
		if p.NVM == nil {
			return errors.Wrap(ErrParameterInvalid, "nvm must be set")
		}
		if err := e.restoreNVM(*p.NVM); err != nil {
			return err
		}
		if !e.IsStopped() {
			e.startRejoinCycles()
		}
	default:
		return errors.Wrapf(ErrParameterInvalid, "mib type %d is read-only or unknown", p.Type)
	}

	return nil
}

func (e *Engine) verifyRxChannel(c storage.RxChannelParams) error {
	if !e.region.VerifyRxDR(c.DR) {
		return errors.Wrapf(ErrParameterInvalid, "rx dr %d", c.DR)
	}
	if !e.region.VerifyFrequency(c.Frequency) {
		return errors.Wrapf(ErrParameterInvalid, "rx frequency %d", c.Frequency)
	}
	return nil
}
