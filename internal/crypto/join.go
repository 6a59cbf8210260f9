package crypto

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

// SetRootKeys sets the root keys and identifiers used by the join procedure
// and derives the join-server keys.
func (c *Crypto) SetRootKeys(devEUI, joinEUI lorawan.EUI64, appKey, nwkKey lorawan.AES128Key) error {
	c.g.DevEUI = devEUI
	c.g.JoinEUI = joinEUI
	c.g.AppKey = appKey
	c.g.NwkKey = nwkKey

	var err error
	c.g.JSIntKey, c.g.JSEncKey, err = DeriveJSKeys(nwkKey, devEUI)
	if err != nil {
		return errors.Wrap(err, "derive js keys error")
	}
	return nil
}

// PrepareJoinRequest increments the DevNonce and returns the join-request
// PHYPayload, including its MIC.
func (c *Crypto) PrepareJoinRequest() (lorawan.PHYPayload, error) {
	if c.g.DevNonce == ^lorawan.DevNonce(0) {
		return lorawan.PHYPayload{}, ErrDevNonceExhausted
	}
	c.g.DevNonce++

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.JoinRequest,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.JoinRequestPayload{
			JoinEUI:  c.g.JoinEUI,
			DevEUI:   c.g.DevEUI,
			DevNonce: c.g.DevNonce,
		},
	}

	if err := phy.SetUplinkJoinMIC(c.g.NwkKey); err != nil {
		return phy, errors.Wrap(err, "set uplink join mic error")
	}

	return phy, nil
}

// PrepareRejoinRequest increments the matching rejoin counter and returns the
// rejoin-request PHYPayload of the given type, including its MIC.
func (c *Crypto) PrepareRejoinRequest(rejoinType lorawan.JoinType, netID lorawan.NetID) (lorawan.PHYPayload, error) {
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.RejoinRequest,
			Major: lorawan.LoRaWANR1,
		},
	}

	var key lorawan.AES128Key
	switch rejoinType {
	case lorawan.RejoinRequestType0, lorawan.RejoinRequestType2:
		phy.MACPayload = &lorawan.RejoinRequestType02Payload{
			RejoinType: rejoinType,
			NetID:      netID,
			DevEUI:     c.g.DevEUI,
			RJCount0:   c.g.RJCount0,
		}
		c.g.RJCount0++
		key = c.g.SNwkSIntKey
	case lorawan.RejoinRequestType1:
		phy.MACPayload = &lorawan.RejoinRequestType1Payload{
			RejoinType: rejoinType,
			JoinEUI:    c.g.JoinEUI,
			DevEUI:     c.g.DevEUI,
			RJCount1:   c.g.RJCount1,
		}
		c.g.RJCount1++
		key = c.g.JSIntKey
	default:
		return phy, fmt.Errorf("invalid rejoin type: %d", rejoinType)
	}

	if err := phy.SetUplinkJoinMIC(key); err != nil {
		return phy, errors.Wrap(err, "set uplink join mic error")
	}

	return phy, nil
}

// JoinAccept holds the decoded join-accept content.
type JoinAccept struct {
	Payload    lorawan.JoinAcceptPayload
	MACVersion lorawan.MACVersion
}

// HandleJoinAccept decrypts and validates the given join-accept, sent in
// response to a join-request (or rejoin-request) of the given type. On
// success the session-keys are derived, the frame-counters reset and the
// session version is set.
func (c *Crypto) HandleJoinAccept(joinType lorawan.JoinType, phy *lorawan.PHYPayload) (JoinAccept, error) {
	var out JoinAccept

	decKey := c.g.NwkKey
	if joinType != lorawan.JoinRequestType {
		decKey = c.g.JSEncKey
	}

	if err := phy.DecryptJoinAcceptPayload(decKey); err != nil {
		return out, errors.Wrap(err, "decrypt join-accept error")
	}

	jaPL, ok := phy.MACPayload.(*lorawan.JoinAcceptPayload)
	if !ok {
		return out, fmt.Errorf("expected *lorawan.JoinAcceptPayload, got: %T", phy.MACPayload)
	}

	macVersion := lorawan.LoRaWAN1_0
	micKey := c.g.NwkKey
	if jaPL.DLSettings.OptNeg {
		macVersion = lorawan.LoRaWAN1_1
		micKey = c.g.JSIntKey
	}

	var devNonce lorawan.DevNonce
	switch joinType {
	case lorawan.JoinRequestType:
		devNonce = c.g.DevNonce
	case lorawan.RejoinRequestType0, lorawan.RejoinRequestType2:
		devNonce = lorawan.DevNonce(c.g.RJCount0 - 1)
	case lorawan.RejoinRequestType1:
		devNonce = lorawan.DevNonce(c.g.RJCount1 - 1)
	}

	ok, err := phy.ValidateDownlinkJoinMIC(joinType, c.g.JoinEUI, devNonce, micKey)
	if err != nil {
		return out, errors.Wrap(err, "validate join-accept mic error")
	}
	if !ok {
		return out, ErrMICFailed
	}

	if macVersion == lorawan.LoRaWAN1_1 {
		if jaPL.JoinNonce <= c.g.JoinNonce && c.g.JoinNonce != 0 {
			return out, errors.Wrapf(ErrJoinNonceInvalid, "received %d, last %d", jaPL.JoinNonce, c.g.JoinNonce)
		}
	}

	var keys SessionKeys
	if macVersion == lorawan.LoRaWAN1_1 {
		keys, err = DeriveSessionKeys11(c.g.NwkKey, c.g.AppKey, jaPL.JoinNonce, c.g.JoinEUI, devNonce)
	} else {
		keys, err = DeriveSessionKeys10(c.g.NwkKey, jaPL.JoinNonce, jaPL.HomeNetID, devNonce)
	}
	if err != nil {
		return out, errors.Wrap(err, "derive session keys error")
	}

	c.g.JoinNonce = jaPL.JoinNonce
	c.g.FNwkSIntKey = keys.FNwkSIntKey
	c.g.SNwkSIntKey = keys.SNwkSIntKey
	c.g.NwkSEncKey = keys.NwkSEncKey
	c.g.AppSKey = keys.AppSKey
	c.g.MACVersion = macVersion
	c.g.RJCount0 = 0
	c.ResetFCnts()

	out.Payload = *jaPL
	out.MACVersion = macVersion
	return out, nil
}

// SetMulticastKeys derives and stores the session-keys of the given
// multicast group from the encrypted McKey.
func (c *Crypto) SetMulticastKeys(groupID int, mcKeyEncrypted lorawan.AES128Key, mcAddr lorawan.DevAddr) error {
	if groupID < 0 || groupID >= len(c.g.MulticastKeys) {
		return fmt.Errorf("invalid multicast group id: %d", groupID)
	}

	mcKEKey, err := DeriveMcKEKey(c.g.AppKey, c.g.MACVersion)
	if err != nil {
		return errors.Wrap(err, "derive mc_ke_key error")
	}

	mcAppSKey, mcNwkSKey, err := DeriveMcSessionKeys(mcKEKey, mcKeyEncrypted, mcAddr)
	if err != nil {
		return err
	}

	c.g.MulticastKeys[groupID].McAppSKey = mcAppSKey
	c.g.MulticastKeys[groupID].McNwkSKey = mcNwkSKey
	c.g.FCntList.McFCntDown[groupID] = storage.FCntDownInitial

	return nil
}
