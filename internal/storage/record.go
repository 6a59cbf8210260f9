package storage

import (
	"crypto/aes"
	"encoding/json"

	keywrap "github.com/NickBall/go-aes-key-wrap"
	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
)

// GroupRecord holds the persisted representation of a single NVM group.
type GroupRecord struct {
	Name string          `json:"-"`
	CRC  uint32          `json:"crc"`
	Data json.RawMessage `json:"data"`
}

// wrappedCrypto is the persisted form of the crypto group. When a KEK is
// configured, the root keys are stored RFC 3394 wrapped.
type wrappedCrypto struct {
	CryptoGroup

	AppKeyWrapped []byte `json:"appKeyWrapped,omitempty"`
	NwkKeyWrapped []byte `json:"nwkKeyWrapped,omitempty"`
}

// Codec converts NVM groups into records and back.
type Codec struct {
	kek []byte
}

// NewCodec creates a new Codec. When kek is not empty, it must be a valid
// AES key which is used to wrap the root keys.
func NewCodec(kek []byte) (*Codec, error) {
	if len(kek) != 0 {
		if _, err := aes.NewCipher(kek); err != nil {
			return nil, errors.Wrap(err, "invalid kek")
		}
	}
	return &Codec{kek: kek}, nil
}

// Records returns the records of the groups selected by flags.
func (c *Codec) Records(n *NVM, flags NotifyFlags) ([]GroupRecord, error) {
	var out []GroupRecord

	for _, g := range n.groups() {
		if !flags.Has(g.flag) {
			continue
		}

		var v interface{} = g.group
		if g.flag == NotifyCrypto {
			wc, err := c.wrapCrypto(n.Crypto)
			if err != nil {
				return nil, errors.Wrap(err, "wrap crypto group error")
			}
			v = wc
		}

		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal %s error", g.name)
		}

		out = append(out, GroupRecord{
			Name: g.name,
			CRC:  *g.crc,
			Data: b,
		})
	}

	return out, nil
}

// Apply decodes the given records into n. It returns ErrNVMDataInconsistent
// when a decoded group does not match its stored CRC.
func (c *Codec) Apply(n *NVM, records []GroupRecord) error {
	byName := make(map[string]GroupRecord)
	for _, r := range records {
		byName[r.Name] = r
	}

	for _, g := range n.groups() {
		r, ok := byName[g.name]
		if !ok {
			continue
		}

		if g.flag == NotifyCrypto {
			var wc wrappedCrypto
			if err := json.Unmarshal(r.Data, &wc); err != nil {
				return errors.Wrapf(err, "unmarshal %s error", g.name)
			}
			if err := c.unwrapCrypto(&wc); err != nil {
				return errors.Wrap(err, "unwrap crypto group error")
			}
			n.Crypto = wc.CryptoGroup
		} else if err := json.Unmarshal(r.Data, g.group); err != nil {
			return errors.Wrapf(err, "unmarshal %s error", g.name)
		}

		*g.crc = r.CRC
	}

	return n.Verify()
}

func (c *Codec) wrapCrypto(cg CryptoGroup) (wrappedCrypto, error) {
	wc := wrappedCrypto{CryptoGroup: cg}
	if len(c.kek) == 0 {
		return wc, nil
	}

	block, err := aes.NewCipher(c.kek)
	if err != nil {
		return wc, errors.Wrap(err, "new cipher error")
	}

	if wc.AppKeyWrapped, err = keywrap.Wrap(block, cg.AppKey[:]); err != nil {
		return wc, errors.Wrap(err, "wrap app_key error")
	}
	if wc.NwkKeyWrapped, err = keywrap.Wrap(block, cg.NwkKey[:]); err != nil {
		return wc, errors.Wrap(err, "wrap nwk_key error")
	}

	wc.AppKey = lorawan.AES128Key{}
	wc.NwkKey = lorawan.AES128Key{}
	return wc, nil
}

func (c *Codec) unwrapCrypto(wc *wrappedCrypto) error {
	if len(wc.AppKeyWrapped) == 0 && len(wc.NwkKeyWrapped) == 0 {
		return nil
	}
	if len(c.kek) == 0 {
		return errors.New("root keys are wrapped but no kek is configured")
	}

	block, err := aes.NewCipher(c.kek)
	if err != nil {
		return errors.Wrap(err, "new cipher error")
	}

	for _, k := range []struct {
		wrapped []byte
		out     *lorawan.AES128Key
	}{
		{wc.AppKeyWrapped, &wc.AppKey},
		{wc.NwkKeyWrapped, &wc.NwkKey},
	} {
		b, err := keywrap.Unwrap(block, k.wrapped)
		if err != nil {
			return errors.Wrap(err, "unwrap key error")
		}
		if len(b) != len(k.out) {
			return errors.New("unwrapped key has invalid length")
		}
		copy(k.out[:], b)
	}

	return nil
}
