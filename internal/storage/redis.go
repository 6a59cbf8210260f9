package storage

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

const nvmKeyTempl = "lora:device:%s:nvm"

// RedisStore persists the NVM groups as fields of a Redis hash.
type RedisStore struct {
	client redis.UniversalClient
	codec  *Codec
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(client redis.UniversalClient, codec *Codec) *RedisStore {
	return &RedisStore{
		client: client,
		codec:  codec,
	}
}

// SaveNVM writes the groups selected by flags in a single transaction.
func (s *RedisStore) SaveNVM(ctx context.Context, devEUI lorawan.EUI64, flags NotifyFlags, n *NVM) error {
	records, err := s.codec.Records(n, flags)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	key := GetRedisKey(nvmKeyTempl, devEUI)
	pipe := s.client.TxPipeline()
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return errors.Wrap(err, "marshal record error")
		}
		pipe.HSet(ctx, key, r.Name, b)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec error")
	}

	nvmSaveCounter("redis").Inc()

	log.WithFields(log.Fields{
		"dev_eui": devEUI,
		"groups":  len(records),
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Debug("storage: nvm saved")

	return nil
}

// LoadNVM reads all the stored groups of the given device.
func (s *RedisStore) LoadNVM(ctx context.Context, devEUI lorawan.EUI64) (NVM, error) {
	var n NVM

	val, err := s.client.HGetAll(ctx, GetRedisKey(nvmKeyTempl, devEUI)).Result()
	if err != nil {
		return n, errors.Wrap(err, "hgetall error")
	}
	if len(val) == 0 {
		return n, ErrDoesNotExist
	}

	var records []GroupRecord
	for name, v := range val {
		var r GroupRecord
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return n, errors.Wrap(err, "unmarshal record error")
		}
		r.Name = name
		records = append(records, r)
	}

	if err := s.codec.Apply(&n, records); err != nil {
		return n, err
	}

	nvmLoadCounter("redis").Inc()

	return n, nil
}

// DeleteNVM removes the stored NVM of the given device.
func (s *RedisStore) DeleteNVM(ctx context.Context, devEUI lorawan.EUI64) error {
	val, err := s.client.Del(ctx, GetRedisKey(nvmKeyTempl, devEUI)).Result()
	if err != nil {
		return errors.Wrap(err, "delete error")
	}
	if val == 0 {
		return ErrDoesNotExist
	}

	log.WithFields(log.Fields{
		"dev_eui": devEUI,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Info("storage: nvm deleted")

	return nil
}
