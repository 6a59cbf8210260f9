// Package framelog writes the transmitted and received PHYPayloads of a
// device to a Redis stream.
package framelog

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-device-mac/internal/config"
	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/chirpstack-device-mac/internal/storage"
	"github.com/brocaar/lorawan"
)

const (
	deviceFrameLogStreamKey = "lora:device:%s:stream:frame"

	uplinkField   = "up"
	downlinkField = "down"
	mTypeField    = "m_type"
)

// FrameLog contains either an uplink or a downlink frame.
type FrameLog struct {
	ID            string
	MType         string
	UplinkFrame   *gw.UplinkFrame
	DownlinkFrame *gw.DownlinkFrame
}

// LogUplinkFrame logs the given uplink frame for the given device.
func LogUplinkFrame(ctx context.Context, devEUI lorawan.EUI64, uf *gw.UplinkFrame) error {
	b, err := proto.Marshal(uf)
	if err != nil {
		return errors.Wrap(err, "marshal uplink frame error")
	}

	return logFrame(ctx, devEUI, uplinkField, uf.PhyPayload, b)
}

// LogDownlinkFrame logs the given downlink frame for the given device.
func LogDownlinkFrame(ctx context.Context, devEUI lorawan.EUI64, df *gw.DownlinkFrame) error {
	b, err := proto.Marshal(df)
	if err != nil {
		return errors.Wrap(err, "marshal downlink frame error")
	}

	var phy []byte
	if len(df.Items) != 0 {
		phy = df.Items[0].PhyPayload
	}

	return logFrame(ctx, devEUI, downlinkField, phy, b)
}

func logFrame(ctx context.Context, devEUI lorawan.EUI64, field string, phy, b []byte) error {
	client := storage.RedisClient()
	if client == nil {
		return errors.New("redis client is not configured")
	}

	key := storage.GetRedisKey(deviceFrameLogStreamKey, devEUI)
	if err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: config.C.FrameLog.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			field:      b,
			mTypeField: mType(phy),
		},
	}).Err(); err != nil {
		return errors.Wrap(err, "redis xadd error")
	}

	log.WithFields(log.Fields{
		"dev_eui": devEUI,
		"type":    field,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Debug("framelog: frame logged")

	return nil
}

// GetFrameLogForDevice subscribes to the frame log of the given device and
// sends every new frame to the given channel. It blocks until the context
// is cancelled.
func GetFrameLogForDevice(ctx context.Context, devEUI lorawan.EUI64, frameLogChan chan FrameLog) error {
	client := storage.RedisClient()
	if client == nil {
		return errors.New("redis client is not configured")
	}

	key := storage.GetRedisKey(deviceFrameLogStreamKey, devEUI)
	lastID := "$"

	for {
		resp, err := client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "redis xread error")
		}

		for _, stream := range resp {
			for _, msg := range stream.Messages {
				lastID = msg.ID

				fl, err := messageToFrameLog(msg)
				if err != nil {
					log.WithError(err).WithField("id", msg.ID).Error("framelog: decode frame-log error")
					continue
				}

				select {
				case frameLogChan <- fl:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func messageToFrameLog(msg redis.XMessage) (FrameLog, error) {
	fl := FrameLog{
		ID: msg.ID,
	}

	if v, ok := msg.Values[mTypeField].(string); ok {
		fl.MType = v
	}

	if v, ok := msg.Values[uplinkField].(string); ok {
		fl.UplinkFrame = &gw.UplinkFrame{}
		if err := proto.Unmarshal([]byte(v), fl.UplinkFrame); err != nil {
			return fl, errors.Wrap(err, "unmarshal uplink frame error")
		}
	}

	if v, ok := msg.Values[downlinkField].(string); ok {
		fl.DownlinkFrame = &gw.DownlinkFrame{}
		if err := proto.Unmarshal([]byte(v), fl.DownlinkFrame); err != nil {
			return fl, errors.Wrap(err, "unmarshal downlink frame error")
		}
	}

	if fl.UplinkFrame == nil && fl.DownlinkFrame == nil {
		return fl, errors.New("message does not contain a frame")
	}

	return fl, nil
}

// mType returns the message-type of the given PHYPayload, or an empty
// string when it can not be decoded.
func mType(b []byte) string {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(b); err != nil {
		return ""
	}
	return phy.MHDR.MType.String()
}
