package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-device-mac/internal/test"
)

type StoreTestSuite struct {
	suite.Suite

	store Store
	flush func()
}

func (ts *StoreTestSuite) SetupTest() {
	if ts.flush != nil {
		ts.flush()
	}
}

func (ts *StoreTestSuite) TestSaveLoadDelete() {
	assert := ts.Require()
	ctx := context.Background()

	n := testNVM()
	_, err := n.Update()
	assert.NoError(err)
	devEUI := n.Crypto.DevEUI

	_, err = ts.store.LoadNVM(ctx, devEUI)
	assert.Equal(ErrDoesNotExist, err)

	assert.NoError(ts.store.SaveNVM(ctx, devEUI, NotifyAll, &n))

	ts.T().Run("Load", func(t *testing.T) {
		assert := ts.Require()

		out, err := ts.store.LoadNVM(ctx, devEUI)
		assert.NoError(err)
		assert.Equal(n.Crypto, out.Crypto)
		assert.Equal(n.MACGroup2.DevAddr, out.MACGroup2.DevAddr)
		assert.Equal(n.Region.Channels, out.Region.Channels)
	})

	ts.T().Run("Update single group", func(t *testing.T) {
		assert := ts.Require()

		n.Crypto.FCntList.FCntUp = 11
		flags, err := n.Update()
		assert.NoError(err)
		assert.Equal(NotifyCrypto, flags)
		assert.NoError(ts.store.SaveNVM(ctx, devEUI, flags, &n))

		out, err := ts.store.LoadNVM(ctx, devEUI)
		assert.NoError(err)
		assert.EqualValues(11, out.Crypto.FCntList.FCntUp)
	})

	ts.T().Run("Delete", func(t *testing.T) {
		assert := ts.Require()

		assert.NoError(ts.store.DeleteNVM(ctx, devEUI))
		assert.Equal(ErrDoesNotExist, ts.store.DeleteNVM(ctx, devEUI))
	})
}

func TestRedisStore(t *testing.T) {
	if os.Getenv("TEST_REDIS_URL") == "" {
		t.Skip("TEST_REDIS_URL is not set")
	}

	conf := test.GetConfig()
	if err := setupRedis(conf); err != nil {
		t.Fatal(err)
	}
	keyPrefix = conf.Redis.KeyPrefix

	codec, err := NewCodec(nil)
	if err != nil {
		t.Fatal(err)
	}

	suite.Run(t, &StoreTestSuite{
		store: NewRedisStore(RedisClient(), codec),
		flush: func() {
			if err := RedisClient().FlushAll(context.Background()).Err(); err != nil {
				t.Fatal(err)
			}
		},
	})
}

func TestPostgreSQLStore(t *testing.T) {
	if os.Getenv("TEST_POSTGRES_DSN") == "" {
		t.Skip("TEST_POSTGRES_DSN is not set")
	}

	conf := test.GetConfig()
	conf.PostgreSQL.Automigrate = false
	if err := setupPostgreSQL(conf); err != nil {
		t.Fatal(err)
	}

	codec, err := NewCodec([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	if err != nil {
		t.Fatal(err)
	}

	suite.Run(t, &StoreTestSuite{
		store: NewPostgreSQLStore(DB(), codec),
		flush: func() {
			if err := MigrateDown(DB()); err != nil {
				t.Fatal(err)
			}
			if err := MigrateUp(DB()); err != nil {
				t.Fatal(err)
			}
		},
	})
}
