package device

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-device-mac/internal/config"
	"github.com/brocaar/chirpstack-device-mac/internal/mac"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/chirpstack-device-mac/internal/test"
	"github.com/brocaar/chirpstack-device-mac/internal/timer"
	"github.com/brocaar/lorawan"
)

// testRadio completes every transmission immediately and closes every
// class A window without a frame.
type testRadio struct {
	mu     sync.Mutex
	events mac.RadioEvents
	tx     [][]byte
}

func (r *testRadio) Init(events mac.RadioEvents) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = events
	return nil
}

func (r *testRadio) SetPublicNetwork(bool) {}

func (r *testRadio) Send(params mac.TxParams, payload []byte) error {
	r.mu.Lock()
	r.tx = append(r.tx, append([]byte(nil), payload...))
	cb := r.events.TxDone
	r.mu.Unlock()

	cb(time.Time{})
	return nil
}

func (r *testRadio) Rx(params mac.RxParams) error {
	if params.Continuous {
		return nil
	}

	r.mu.Lock()
	cb := r.events.RxTimeout
	r.mu.Unlock()

	cb()
	return nil
}

func (r *testRadio) SetTxContinuousWave(uint32, int, time.Duration) error {
	return nil
}

func (r *testRadio) Standby() {}

func (r *testRadio) Sleep() {}

func (r *testRadio) frames() []lorawan.PHYPayload {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []lorawan.PHYPayload
	for _, b := range r.tx {
		var phy lorawan.PHYPayload
		if err := phy.UnmarshalBinary(b); err != nil {
			panic(err)
		}
		out = append(out, phy)
	}
	return out
}

type ServerTestSuite struct {
	suite.Suite

	conf  config.Config
	clock *timer.ManualClock
	radio *testRadio
	store storage.Store
}

func (ts *ServerTestSuite) SetupTest() {
	assert := require.New(ts.T())

	ts.conf = test.GetConfig()
	ts.conf.Region.DutyCycle = false
	ts.conf.Device.Uplink.Payload = "0102"

	ts.clock = timer.NewManualClock(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	ts.radio = &testRadio{}

	codec, err := storage.NewCodec(nil)
	assert.NoError(err)
	ts.store = storage.NewMemoryStore(codec)
}

func (ts *ServerTestSuite) newServer() *Server {
	assert := require.New(ts.T())

	s, err := NewServer(ts.conf, ts.clock, ts.radio, ts.store)
	assert.NoError(err)
	assert.NoError(s.init())
	return s
}

// drain runs the main-loop steps which have been requested.
func (ts *ServerTestSuite) drain(s *Server) {
	for {
		select {
		case <-s.notifyChan:
			s.step()
		default:
			return
		}
	}
}

func (ts *ServerTestSuite) run(s *Server, d time.Duration) {
	const step = 10 * time.Millisecond
	ts.drain(s)
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		ts.clock.Advance(step)
		ts.drain(s)
	}
}

func (ts *ServerTestSuite) setABP() {
	key := lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8}

	ts.conf.Device.Activation = "abp"
	ts.conf.Device.ABP.DevAddr = lorawan.DevAddr{1, 2, 3, 4}
	ts.conf.Device.ABP.NetID = lorawan.NetID{1, 2, 3}
	ts.conf.Device.ABP.AppSKey = key
	ts.conf.Device.ABP.FNwkSIntKey = key
	ts.conf.Device.ABP.SNwkSIntKey = key
	ts.conf.Device.ABP.NwkSEncKey = key
}

func (ts *ServerTestSuite) TestABPPeriodicUplink() {
	assert := require.New(ts.T())
	ts.setABP()

	s := ts.newServer()
	ts.run(s, 3*time.Second)

	assert.True(s.Engine().IsJoined())
	frames := ts.radio.frames()
	assert.Len(frames, 1)
	assert.Equal(lorawan.UnconfirmedDataUp, frames[0].MHDR.MType)

	pl, ok := frames[0].MACPayload.(*lorawan.MACPayload)
	assert.True(ok)
	assert.Equal(lorawan.DevAddr{1, 2, 3, 4}, pl.FHDR.DevAddr)
	assert.NotNil(pl.FPort)
	assert.EqualValues(10, *pl.FPort)

	ts.T().Run("next uplink after interval", func(t *testing.T) {
		assert := require.New(t)

		ts.run(s, ts.conf.Device.Uplink.Interval-5*time.Second)
		assert.Len(ts.radio.frames(), 1)

		ts.run(s, 5*time.Second)
		frames := ts.radio.frames()
		assert.Len(frames, 2)
		assert.EqualValues(1, frames[1].MACPayload.(*lorawan.MACPayload).FHDR.FCnt)
	})

	ts.T().Run("state is persisted", func(t *testing.T) {
		assert := require.New(t)

		nvm, err := ts.store.LoadNVM(s.ctx, ts.conf.Device.DevEUI)
		assert.NoError(err)
		assert.Equal(storage.ActivationABP, nvm.MACGroup2.NetworkActivation)
		assert.Equal(lorawan.DevAddr{1, 2, 3, 4}, nvm.MACGroup2.DevAddr)
	})

	ts.T().Run("restored server continues the session", func(t *testing.T) {
		assert := require.New(t)

		assert.NoError(s.engine.Halt())

		s2 := ts.newServer()
		assert.True(s2.Engine().IsJoined())
		ts.run(s2, 3*time.Second)

		frames := ts.radio.frames()
		assert.Len(frames, 3)
		assert.EqualValues(2, frames[2].MACPayload.(*lorawan.MACPayload).FHDR.FCnt)
	})
}

func (ts *ServerTestSuite) TestOTAAJoinRetry() {
	assert := require.New(ts.T())

	// the join back-off (1%) of a DR5 join-request is ~6s
	ts.conf.Device.Join.DR = 5

	s := ts.newServer()
	ts.run(s, 100*time.Millisecond)

	frames := ts.radio.frames()
	assert.Len(frames, 1)
	assert.Equal(lorawan.JoinRequest, frames[0].MHDR.MType)

	// both join-accept windows close without a frame, the join is retried
	// after the retry interval
	ts.run(s, 6*time.Second)
	assert.False(s.Engine().IsJoined())
	assert.Len(ts.radio.frames(), 1)
	ts.run(s, 2*ts.conf.Device.Join.RetryInterval)

	frames = ts.radio.frames()
	assert.Len(frames, 2)
	assert.Equal(lorawan.JoinRequest, frames[1].MHDR.MType)
}

func (ts *ServerTestSuite) TestStartStop() {
	assert := require.New(ts.T())
	ts.setABP()

	s, err := NewServer(ts.conf, timer.SystemClock{}, ts.radio, ts.store)
	assert.NoError(err)
	assert.NoError(s.Start())
	assert.NoError(s.Stop())
	assert.True(s.Engine().IsStopped())
}

func TestServer(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func TestNewServerErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*config.Config)
	}{
		{
			name: "invalid class",
			mod: func(c *config.Config) {
				c.Device.Class = "D"
			},
		},
		{
			name: "invalid payload",
			mod: func(c *config.Config) {
				c.Device.Uplink.Payload = "zz"
			},
		},
		{
			name: "invalid region",
			mod: func(c *config.Config) {
				c.Region.Name = "XX"
			},
		},
	}

	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			assert := require.New(t)

			conf := test.GetConfig()
			tst.mod(&conf)

			codec, err := storage.NewCodec(nil)
			assert.NoError(err)

			_, err = NewServer(conf, timer.NewManualClock(time.Now()), &testRadio{}, storage.NewMemoryStore(codec))
			assert.Error(err)
		})
	}
}

func TestParseClass(t *testing.T) {
	assert := require.New(t)

	for in, out := range map[string]storage.DeviceClass{
		"":  storage.ClassA,
		"a": storage.ClassA,
		"B": storage.ClassB,
		"c": storage.ClassC,
	} {
		class, err := parseClass(in)
		assert.NoError(err)
		assert.Equal(out, class)
	}
}
