// Package crypto implements the device-side LoRaWAN frame security: join
// procedure, session-key derivation, frame-counter handling and frame
// (un)securing.
package crypto

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

// errors
var (
	ErrMICFailed         = errors.New("mic check failed")
	ErrFCntDuplicated    = errors.New("frame-counter duplicated")
	ErrMaxGapExceeded    = errors.New("frame-counter max gap exceeded")
	ErrJoinNonceInvalid  = errors.New("join-nonce is not incremented")
	ErrFCntOutOfRange    = errors.New("frame-counter out of multicast range")
	ErrInvalidAddress    = errors.New("invalid address identifier")
	ErrInvalidFCntID     = errors.New("invalid frame-counter identifier")
	ErrDevNonceExhausted = errors.New("dev-nonce exhausted")
)

// FCntID identifies a frame-counter.
type FCntID int

// Frame-counter identifiers.
const (
	FCntUp FCntID = iota
	NFCntDown
	AFCntDown
	FCntDown
	McFCntDown0
	McFCntDown1
	McFCntDown2
	McFCntDown3
)

// AddrID identifies the address a downlink was received for.
type AddrID int

// Address identifiers.
const (
	UnicastDevAddr AddrID = iota
	MulticastAddr0
	MulticastAddr1
	MulticastAddr2
	MulticastAddr3
)

// Multicast returns true for the multicast address identifiers.
func (a AddrID) Multicast() bool {
	return a >= MulticastAddr0 && a <= MulticastAddr3
}

// McFCntID returns the frame-counter identifier of the given multicast
// address identifier.
func (a AddrID) McFCntID() FCntID {
	return McFCntDown0 + FCntID(a-MulticastAddr0)
}

// Crypto implements the frame security on top of the crypto NVM group.
type Crypto struct {
	g *storage.CryptoGroup

	maxFCntGap uint32
}

// New creates a new Crypto operating on the given NVM group.
func New(g *storage.CryptoGroup, maxFCntGap uint32) *Crypto {
	return &Crypto{
		g:          g,
		maxFCntGap: maxFCntGap,
	}
}

// Group returns the underlying NVM group.
func (c *Crypto) Group() *storage.CryptoGroup {
	return c.g
}

// SetMACVersion sets the LoRaWAN version of the session.
func (c *Crypto) SetMACVersion(v lorawan.MACVersion) {
	c.g.MACVersion = v
}

// MACVersion returns the LoRaWAN version of the session.
func (c *Crypto) MACVersion() lorawan.MACVersion {
	return c.g.MACVersion
}

// ResetFCnts resets all the frame-counters.
func (c *Crypto) ResetFCnts() {
	c.g.FCntList = storage.FCntList{
		NFCntDown: storage.FCntDownInitial,
		AFCntDown: storage.FCntDownInitial,
		FCntDown:  storage.FCntDownInitial,
	}
	for i := range c.g.FCntList.McFCntDown {
		c.g.FCntList.McFCntDown[i] = storage.FCntDownInitial
	}
	c.g.LastDownFCnt = 0
}

// SetABPSession installs the session-keys of an activation-by-personalization
// session and resets the frame-counters.
func (c *Crypto) SetABPSession(keys SessionKeys, macVersion lorawan.MACVersion) {
	c.g.FNwkSIntKey = keys.FNwkSIntKey
	c.g.SNwkSIntKey = keys.SNwkSIntKey
	c.g.NwkSEncKey = keys.NwkSEncKey
	c.g.AppSKey = keys.AppSKey
	c.g.MACVersion = macVersion
	if macVersion == lorawan.LoRaWAN1_0 {
		c.g.SNwkSIntKey = keys.FNwkSIntKey
		c.g.NwkSEncKey = keys.FNwkSIntKey
	}
	c.ResetFCnts()
}

// FCnt returns the value of the given frame-counter.
func (c *Crypto) FCnt(id FCntID) (uint32, error) {
	p, err := c.fCntRef(id)
	if err != nil {
		return 0, err
	}
	return *p, nil
}

// NextFCntUp returns the frame-counter for the next new uplink.
func (c *Crypto) NextFCntUp() uint32 {
	return c.g.FCntList.FCntUp
}

// SetFCntUp stores the frame-counter of the next new uplink.
func (c *Crypto) SetFCntUp(fCnt uint32) {
	c.g.FCntList.FCntUp = fCnt
}

func (c *Crypto) fCntRef(id FCntID) (*uint32, error) {
	switch id {
	case FCntUp:
		return &c.g.FCntList.FCntUp, nil
	case NFCntDown:
		return &c.g.FCntList.NFCntDown, nil
	case AFCntDown:
		return &c.g.FCntList.AFCntDown, nil
	case FCntDown:
		return &c.g.FCntList.FCntDown, nil
	case McFCntDown0, McFCntDown1, McFCntDown2, McFCntDown3:
		return &c.g.FCntList.McFCntDown[id-McFCntDown0], nil
	default:
		return nil, errors.Wrapf(ErrInvalidFCntID, "id %d", id)
	}
}

// GetFCntDown returns the full 32bit downlink frame-counter, given the 16 LSB
// transmitted over the air. ErrFCntDuplicated is returned when the counter
// equals the last received counter and ErrMaxGapExceeded when (LoRaWAN 1.0.x
// only) too many frames have been lost.
func (c *Crypto) GetFCntDown(id FCntID, frameFCnt uint16) (uint32, error) {
	p, err := c.fCntRef(id)
	if err != nil {
		return 0, err
	}
	last := *p

	if last == storage.FCntDownInitial {
		return uint32(frameFCnt), nil
	}

	var fCnt uint32
	diff := int32(frameFCnt) - int32(last&0xffff)
	switch {
	case diff > 0:
		fCnt = last + uint32(diff)
	case diff == 0:
		return last, ErrFCntDuplicated
	default:
		fCnt = (last & 0xffff0000) + 0x10000 + uint32(frameFCnt)
	}

	if c.g.MACVersion == lorawan.LoRaWAN1_0 && c.maxFCntGap != 0 && fCnt-last >= c.maxFCntGap {
		return fCnt, ErrMaxGapExceeded
	}

	return fCnt, nil
}

// CheckMcFCnt validates the multicast frame-counter against the FCnt window
// of the multicast group.
func CheckMcFCnt(mc storage.MulticastChannel, fCnt uint32) error {
	if fCnt < mc.FCntMin || (mc.FCntMax != 0 && fCnt > mc.FCntMax) {
		return errors.Wrapf(ErrFCntOutOfRange, "fcnt %d not in [%d, %d]", fCnt, mc.FCntMin, mc.FCntMax)
	}
	return nil
}

// SecureMessage sets the frame-counter, encrypts the FRMPayload (and for
// LoRaWAN 1.1 the FOpts) and sets the MIC of the given uplink.
func (c *Crypto) SecureMessage(phy *lorawan.PHYPayload, fCntUp uint32, txDR, txCh uint8) error {
	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return fmt.Errorf("expected *lorawan.MACPayload, got: %T", phy.MACPayload)
	}
	macPL.FHDR.FCnt = fCntUp

	if macPL.FPort != nil && *macPL.FPort == 0 {
		if err := phy.EncryptFRMPayload(c.g.NwkSEncKey); err != nil {
			return errors.Wrap(err, "encrypt frmpayload error")
		}
	} else {
		if err := phy.EncryptFRMPayload(c.g.AppSKey); err != nil {
			return errors.Wrap(err, "encrypt frmpayload error")
		}
	}

	if c.g.MACVersion == lorawan.LoRaWAN1_1 && len(macPL.FHDR.FOpts) != 0 {
		if err := phy.EncryptFOpts(c.g.NwkSEncKey); err != nil {
			return errors.Wrap(err, "encrypt fopts error")
		}
	}

	var confFCnt uint32
	if c.g.MACVersion == lorawan.LoRaWAN1_1 && macPL.FHDR.FCtrl.ACK {
		confFCnt = c.g.LastDownFCnt % (1 << 16)
	}

	if err := phy.SetUplinkDataMIC(c.g.MACVersion, confFCnt, txDR, txCh, c.g.FNwkSIntKey, c.g.SNwkSIntKey); err != nil {
		return errors.Wrap(err, "set uplink data mic error")
	}

	return nil
}

// UnsecureMessage validates the MIC and decrypts the given downlink. The
// full frame-counter must be obtained first using GetFCntDown. On success
// the frame-counter is stored. confFCnt is the counter of the last uplink
// (used when the downlink acknowledges a confirmed uplink).
func (c *Crypto) UnsecureMessage(addrID AddrID, fCntID FCntID, fCnt, confFCnt uint32, phy *lorawan.PHYPayload) error {
	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return fmt.Errorf("expected *lorawan.MACPayload, got: %T", phy.MACPayload)
	}
	macPL.FHDR.FCnt = fCnt

	p, err := c.fCntRef(fCntID)
	if err != nil {
		return err
	}

	var micKey, appKey, nwkEncKey lorawan.AES128Key
	macVersion := c.g.MACVersion
	if addrID.Multicast() {
		mk := c.g.MulticastKeys[addrID-MulticastAddr0]
		micKey = mk.McNwkSKey
		appKey = mk.McAppSKey
		macVersion = lorawan.LoRaWAN1_0
	} else if addrID == UnicastDevAddr {
		micKey = c.g.SNwkSIntKey
		appKey = c.g.AppSKey
		nwkEncKey = c.g.NwkSEncKey
	} else {
		return errors.Wrapf(ErrInvalidAddress, "id %d", addrID)
	}

	if !macPL.FHDR.FCtrl.ACK || macVersion != lorawan.LoRaWAN1_1 {
		confFCnt = 0
	}

	ok, err = phy.ValidateDownlinkDataMIC(macVersion, confFCnt%(1<<16), micKey)
	if err != nil {
		return errors.Wrap(err, "validate mic error")
	}
	if !ok {
		return ErrMICFailed
	}

	if macVersion == lorawan.LoRaWAN1_1 {
		if err := phy.DecryptFOpts(nwkEncKey); err != nil {
			return errors.Wrap(err, "decrypt fopts error")
		}
	} else {
		if err := phy.DecodeFOptsToMACCommands(); err != nil {
			return errors.Wrap(err, "decode fopts error")
		}
	}

	if macPL.FPort != nil && *macPL.FPort == 0 {
		if addrID.Multicast() {
			return errors.New("mac-commands are not allowed on multicast")
		}
		err = phy.DecryptFRMPayload(nwkEncKey)
	} else {
		err = phy.DecryptFRMPayload(appKey)
	}
	if err != nil {
		return errors.Wrap(err, "decrypt frmpayload error")
	}

	*p = fCnt
	c.g.LastDownFCnt = fCnt

	return nil
}
