package storage

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/internal/logging"
	"github.com/brocaar/lorawan"
)

// PostgreSQLStore persists the NVM groups as rows of the device_nvm table.
type PostgreSQLStore struct {
	db    *sqlx.DB
	codec *Codec
}

// NewPostgreSQLStore creates a new PostgreSQLStore.
func NewPostgreSQLStore(db *sqlx.DB, codec *Codec) *PostgreSQLStore {
	return &PostgreSQLStore{
		db:    db,
		codec: codec,
	}
}

type nvmRow struct {
	DevEUI    lorawan.EUI64 `db:"dev_eui"`
	Name      string        `db:"name"`
	CRC       int64         `db:"crc"`
	Data      []byte        `db:"data"`
	UpdatedAt time.Time     `db:"updated_at"`
}

// SaveNVM upserts the groups selected by flags in a single transaction.
func (s *PostgreSQLStore) SaveNVM(ctx context.Context, devEUI lorawan.EUI64, flags NotifyFlags, n *NVM) error {
	records, err := s.codec.Records(n, flags)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	err = Transaction(ctx, s.db, func(tx *sqlx.Tx) error {
		now := time.Now()
		for _, r := range records {
			_, err := tx.ExecContext(ctx, `
				insert into device_nvm (
					dev_eui,
					name,
					crc,
					data,
					updated_at
				) values ($1, $2, $3, $4, $5)
				on conflict (dev_eui, name) do update
				set
					crc = excluded.crc,
					data = excluded.data,
					updated_at = excluded.updated_at`,
				devEUI[:],
				r.Name,
				int64(r.CRC),
				[]byte(r.Data),
				now,
			)
			if err != nil {
				return handlePSQLError(err, "upsert error")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	nvmSaveCounter("postgresql").Inc()

	log.WithFields(log.Fields{
		"dev_eui": devEUI,
		"groups":  len(records),
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Debug("storage: nvm saved")

	return nil
}

// LoadNVM reads all the stored groups of the given device.
func (s *PostgreSQLStore) LoadNVM(ctx context.Context, devEUI lorawan.EUI64) (NVM, error) {
	var n NVM
	var rows []nvmRow

	err := sqlx.SelectContext(ctx, s.db, &rows, `
		select
			dev_eui,
			name,
			crc,
			data,
			updated_at
		from device_nvm
		where
			dev_eui = $1`,
		devEUI[:],
	)
	if err != nil {
		return n, handlePSQLError(err, "select error")
	}
	if len(rows) == 0 {
		return n, ErrDoesNotExist
	}

	records := make([]GroupRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, GroupRecord{
			Name: r.Name,
			CRC:  uint32(r.CRC),
			Data: r.Data,
		})
	}

	if err := s.codec.Apply(&n, records); err != nil {
		return n, err
	}

	nvmLoadCounter("postgresql").Inc()

	return n, nil
}

// DeleteNVM removes the stored NVM of the given device.
func (s *PostgreSQLStore) DeleteNVM(ctx context.Context, devEUI lorawan.EUI64) error {
	res, err := s.db.ExecContext(ctx, "delete from device_nvm where dev_eui = $1", devEUI[:])
	if err != nil {
		return handlePSQLError(err, "delete error")
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "get rows affected error")
	}
	if ra == 0 {
		return ErrDoesNotExist
	}

	log.WithFields(log.Fields{
		"dev_eui": devEUI,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Info("storage: nvm deleted")

	return nil
}
