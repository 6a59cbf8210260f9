package crypto

import (
	"crypto/aes"
	"fmt"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

// key derivation type bytes
const (
	typeFNwkSIntKey byte = 0x01
	typeAppSKey     byte = 0x02
	typeSNwkSIntKey byte = 0x03
	typeNwkSEncKey  byte = 0x04
	typeJSEncKey    byte = 0x05
	typeJSIntKey    byte = 0x06
	typeMcRootKey10 byte = 0x00
	typeMcRootKey11 byte = 0x20
	typeMcKEKey     byte = 0x00
	typeMcAppSKey   byte = 0x01
	typeMcNwkSKey   byte = 0x02
)

// SessionKeys holds the keys derived on join.
type SessionKeys struct {
	FNwkSIntKey lorawan.AES128Key
	SNwkSIntKey lorawan.AES128Key
	NwkSEncKey  lorawan.AES128Key
	AppSKey     lorawan.AES128Key
}

// deriveKey returns aes128_encrypt(key, typ | parts | pad16). The parts
// must already be in little-endian (over-the-air) byte order.
func deriveKey(key lorawan.AES128Key, typ byte, parts ...[]byte) (lorawan.AES128Key, error) {
	var out lorawan.AES128Key
	b := make([]byte, 0, 16)
	b = append(b, typ)
	for _, p := range parts {
		b = append(b, p...)
	}
	if len(b) > 16 {
		return out, fmt.Errorf("key derivation input exceeds block-size: %d bytes", len(b))
	}
	pad := make([]byte, 16-len(b))
	b = append(b, pad...)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return out, errors.Wrap(err, "new cipher error")
	}
	block.Encrypt(out[:], b)
	return out, nil
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

func joinNonceBytes(n lorawan.JoinNonce) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16)}
}

func devNonceBytes(n lorawan.DevNonce) []byte {
	return []byte{byte(n), byte(n >> 8)}
}

// DeriveSessionKeys10 derives the LoRaWAN 1.0.x session-keys. All the
// network session-keys are equal to the NwkSKey.
func DeriveSessionKeys10(nwkKey lorawan.AES128Key, joinNonce lorawan.JoinNonce, netID lorawan.NetID, devNonce lorawan.DevNonce) (SessionKeys, error) {
	var out SessionKeys
	var err error

	parts := [][]byte{joinNonceBytes(joinNonce), reverse(netID[:]), devNonceBytes(devNonce)}

	nwkSKey, err := deriveKey(nwkKey, typeFNwkSIntKey, parts...)
	if err != nil {
		return out, errors.Wrap(err, "derive nwk_s_key error")
	}
	out.AppSKey, err = deriveKey(nwkKey, typeAppSKey, parts...)
	if err != nil {
		return out, errors.Wrap(err, "derive app_s_key error")
	}

	out.FNwkSIntKey = nwkSKey
	out.SNwkSIntKey = nwkSKey
	out.NwkSEncKey = nwkSKey

	return out, nil
}

// DeriveSessionKeys11 derives the LoRaWAN 1.1 session-keys.
func DeriveSessionKeys11(nwkKey, appKey lorawan.AES128Key, joinNonce lorawan.JoinNonce, joinEUI lorawan.EUI64, devNonce lorawan.DevNonce) (SessionKeys, error) {
	var out SessionKeys
	var err error

	parts := [][]byte{joinNonceBytes(joinNonce), reverse(joinEUI[:]), devNonceBytes(devNonce)}

	if out.FNwkSIntKey, err = deriveKey(nwkKey, typeFNwkSIntKey, parts...); err != nil {
		return out, errors.Wrap(err, "derive f_nwk_s_int_key error")
	}
	if out.SNwkSIntKey, err = deriveKey(nwkKey, typeSNwkSIntKey, parts...); err != nil {
		return out, errors.Wrap(err, "derive s_nwk_s_int_key error")
	}
	if out.NwkSEncKey, err = deriveKey(nwkKey, typeNwkSEncKey, parts...); err != nil {
		return out, errors.Wrap(err, "derive nwk_s_enc_key error")
	}
	if out.AppSKey, err = deriveKey(appKey, typeAppSKey, parts...); err != nil {
		return out, errors.Wrap(err, "derive app_s_key error")
	}

	return out, nil
}

// DeriveJSKeys derives the JSIntKey and JSEncKey from the NwkKey.
func DeriveJSKeys(nwkKey lorawan.AES128Key, devEUI lorawan.EUI64) (lorawan.AES128Key, lorawan.AES128Key, error) {
	jsIntKey, err := deriveKey(nwkKey, typeJSIntKey, reverse(devEUI[:]))
	if err != nil {
		return jsIntKey, jsIntKey, errors.Wrap(err, "derive js_int_key error")
	}
	jsEncKey, err := deriveKey(nwkKey, typeJSEncKey, reverse(devEUI[:]))
	if err != nil {
		return jsIntKey, jsEncKey, errors.Wrap(err, "derive js_enc_key error")
	}
	return jsIntKey, jsEncKey, nil
}

// DeriveMcKEKey derives the multicast key-encryption key from the AppKey
// (LoRaWAN 1.0.x uses the GenAppKey).
func DeriveMcKEKey(appKey lorawan.AES128Key, macVersion lorawan.MACVersion) (lorawan.AES128Key, error) {
	typ := typeMcRootKey10
	if macVersion == lorawan.LoRaWAN1_1 {
		typ = typeMcRootKey11
	}

	mcRootKey, err := deriveKey(appKey, typ)
	if err != nil {
		return mcRootKey, errors.Wrap(err, "derive mc_root_key error")
	}
	return deriveKey(mcRootKey, typeMcKEKey)
}

// DeriveMcSessionKeys decrypts the encrypted McKey using the McKEKey and
// derives the multicast session-keys for the given multicast address.
func DeriveMcSessionKeys(mcKEKey, mcKeyEncrypted lorawan.AES128Key, mcAddr lorawan.DevAddr) (lorawan.AES128Key, lorawan.AES128Key, error) {
	var mcKey, mcAppSKey, mcNwkSKey lorawan.AES128Key

	block, err := aes.NewCipher(mcKEKey[:])
	if err != nil {
		return mcAppSKey, mcNwkSKey, errors.Wrap(err, "new cipher error")
	}
	block.Decrypt(mcKey[:], mcKeyEncrypted[:])

	addr := reverse(mcAddr[:])
	if mcAppSKey, err = deriveKey(mcKey, typeMcAppSKey, addr); err != nil {
		return mcAppSKey, mcNwkSKey, errors.Wrap(err, "derive mc_app_s_key error")
	}
	if mcNwkSKey, err = deriveKey(mcKey, typeMcNwkSKey, addr); err != nil {
		return mcAppSKey, mcNwkSKey, errors.Wrap(err, "derive mc_nwk_s_key error")
	}

	return mcAppSKey, mcNwkSKey, nil
}
