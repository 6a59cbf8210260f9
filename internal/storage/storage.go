package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/config"
	"github.com/brocaar/lorawan"
)

// Store defines the interface for persisting the device NVM.
type Store interface {
	// SaveNVM persists the groups of the NVM selected by flags.
	SaveNVM(ctx context.Context, devEUI lorawan.EUI64, flags NotifyFlags, n *NVM) error

	// LoadNVM restores the NVM of the given device.
	LoadNVM(ctx context.Context, devEUI lorawan.EUI64) (NVM, error)

	// DeleteNVM removes the NVM of the given device.
	DeleteNVM(ctx context.Context, devEUI lorawan.EUI64) error
}

var (
	redisClient redis.UniversalClient
	db          *sqlx.DB
	keyPrefix   string
)

// Setup configures the storage backends.
func Setup(c config.Config) error {
	log.Info("storage: setting up storage module")

	keyPrefix = c.Redis.KeyPrefix

	switch c.Device.NVM.Backend {
	case "redis", "":
		if err := setupRedis(c); err != nil {
			return err
		}
	case "postgresql":
		if err := setupPostgreSQL(c); err != nil {
			return err
		}
	case "none":
		log.Warning("storage: nvm persistence is disabled")
	default:
		return fmt.Errorf("storage: unknown nvm backend: %s", c.Device.NVM.Backend)
	}

	// the frame-log is always written to redis
	if redisClient == nil && c.FrameLog.Enabled {
		if err := setupRedis(c); err != nil {
			return err
		}
	}

	return nil
}

func setupRedis(c config.Config) error {
	log.Info("storage: setting up Redis client")
	if len(c.Redis.Servers) == 0 {
		return errors.New("at least one redis server must be configured")
	}

	var tlsConfig *tls.Config
	if c.Redis.TLSEnabled {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	if c.Redis.Cluster {
		redisClient = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:     c.Redis.Servers,
			PoolSize:  c.Redis.PoolSize,
			Password:  c.Redis.Password,
			TLSConfig: tlsConfig,
		})
	} else if c.Redis.MasterName != "" {
		redisClient = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       c.Redis.MasterName,
			SentinelAddrs:    c.Redis.Servers,
			SentinelPassword: c.Redis.Password,
			DB:               c.Redis.Database,
			PoolSize:         c.Redis.PoolSize,
			TLSConfig:        tlsConfig,
		})
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:      c.Redis.Servers[0],
			DB:        c.Redis.Database,
			Password:  c.Redis.Password,
			PoolSize:  c.Redis.PoolSize,
			TLSConfig: tlsConfig,
		})
	}

	return nil
}

func setupPostgreSQL(c config.Config) error {
	log.Info("storage: connecting to PostgreSQL")
	d, err := sqlx.Open("postgres", c.PostgreSQL.DSN)
	if err != nil {
		return errors.Wrap(err, "storage: PostgreSQL connection error")
	}
	d.SetMaxOpenConns(c.PostgreSQL.MaxOpenConnections)
	d.SetMaxIdleConns(c.PostgreSQL.MaxIdleConnections)
	for {
		if err := d.Ping(); err != nil {
			log.WithError(err).Warning("storage: ping PostgreSQL database error, will retry in 2s")
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	db = d

	if c.PostgreSQL.Automigrate {
		if err := MigrateUp(db); err != nil {
			return err
		}
	}

	return nil
}

// RedisClient returns the Redis client. It is nil when Redis has not been
// configured.
func RedisClient() redis.UniversalClient {
	return redisClient
}

// DB returns the PostgreSQL database object. It is nil when PostgreSQL has
// not been configured.
func DB() *sqlx.DB {
	return db
}

// NewStore returns the Store of the configured NVM backend. When persistence
// is disabled, an in-memory store is returned.
func NewStore(c config.Config) (Store, error) {
	codec, err := NewCodec(nil)
	if c.Device.NVM.KEK != "" {
		var kek lorawan.AES128Key
		if err := kek.UnmarshalText([]byte(c.Device.NVM.KEK)); err != nil {
			return nil, errors.Wrap(err, "decode kek error")
		}
		codec, err = NewCodec(kek[:])
	}
	if err != nil {
		return nil, err
	}

	switch c.Device.NVM.Backend {
	case "redis", "":
		return NewRedisStore(redisClient, codec), nil
	case "postgresql":
		return NewPostgreSQLStore(db, codec), nil
	default:
		return NewMemoryStore(codec), nil
	}
}

// GetRedisKey returns the Redis key given a template and parameters.
func GetRedisKey(tmpl string, params ...interface{}) string {
	return keyPrefix + fmt.Sprintf(tmpl, params...)
}
