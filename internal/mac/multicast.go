package mac

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

// McChannel holds the parameters of a multicast group.
type McChannel struct {
	GroupID int
	Address lorawan.DevAddr
	Class   storage.DeviceClass

	// McKeyEncrypted holds the McKey, encrypted with the McKEKey.
	McKeyEncrypted lorawan.AES128Key

	// FCntMin and FCntMax define the range of valid downlink
	// frame-counters.
	FCntMin uint32
	FCntMax uint32

	// Frequency and DR of the class B or C window. A zero frequency for
	// class B means the ping-slot frequency hopping of the region.
	Frequency   uint32
	DR          int
	Periodicity int
}

// McChannelSetup sets up the given multicast group.
func (e *Engine) McChannelSetup(c McChannel) error {
	if e.state.Has(StateTxRunning) {
		return ErrBusy
	}
	if c.GroupID < 0 || c.GroupID >= storage.MaxMulticastGroups {
		return errors.Wrapf(ErrParameterInvalid, "group id %d", c.GroupID)
	}
	if c.Class != storage.ClassB && c.Class != storage.ClassC {
		return errors.Wrapf(ErrParameterInvalid, "multicast class %s", c.Class)
	}
	if c.FCntMax < c.FCntMin {
		return errors.Wrap(ErrParameterInvalid, "fcnt max must be >= fcnt min")
	}
	if c.Frequency != 0 && !e.region.VerifyFrequency(c.Frequency) {
		return errors.Wrapf(ErrParameterInvalid, "frequency %d", c.Frequency)
	}
	if !e.region.VerifyRxDR(c.DR) {
		return errors.Wrapf(ErrParameterInvalid, "dr %d", c.DR)
	}

	if err := e.crypto.SetMulticastKeys(c.GroupID, c.McKeyEncrypted, c.Address); err != nil {
		return errors.Wrap(ErrCrypto, err.Error())
	}

	e.nvm.MACGroup2.MulticastChannels[c.GroupID] = storage.MulticastChannel{
		Enabled:     true,
		GroupID:     c.GroupID,
		Address:     c.Address,
		Class:       c.Class,
		Frequency:   c.Frequency,
		DR:          c.DR,
		Periodicity: c.Periodicity,
		FCntMin:     c.FCntMin,
		FCntMax:     c.FCntMax,
	}

	if c.Class == storage.ClassB {
		e.schedulePingSlot(0)
	}

	log.WithFields(e.logFields()).WithFields(log.Fields{
		"group_id": c.GroupID,
		"mc_addr":  c.Address,
		"class":    c.Class,
	}).Info("mac: multicast group setup")

	return nil
}

// McChannelDelete deletes the given multicast group.
func (e *Engine) McChannelDelete(groupID int) error {
	if e.state.Has(StateTxRunning) {
		return ErrBusy
	}
	if groupID < 0 || groupID >= storage.MaxMulticastGroups {
		return errors.Wrapf(ErrParameterInvalid, "group id %d", groupID)
	}

	e.nvm.MACGroup2.MulticastChannels[groupID] = storage.MulticastChannel{}
	e.schedulePingSlot(0)
	return nil
}
