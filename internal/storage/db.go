package storage

import (
	"context"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Transaction wraps the given function in a transaction. In case the given
// functions returns an error, the transaction will be rolled back.
func Transaction(ctx context.Context, db *sqlx.DB, f func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction error")
	}

	err = f(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrap(rbErr, "transaction rollback error")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "transaction commit error")
	}
	return nil
}

// MigrateUp applies all the database migrations.
func MigrateUp(db *sqlx.DB) error {
	log.Info("storage: applying PostgreSQL data migrations")

	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "apply migrations error")
	}

	v, _, _ := m.Version()
	log.WithField("version", v).Info("storage: PostgreSQL data migrations applied")

	return nil
}

// MigrateDown reverts all the database migrations.
func MigrateDown(db *sqlx.DB) error {
	log.Info("storage: reverting PostgreSQL data migrations")

	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	if err := m.Down(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "revert migrations error")
	}

	return nil
}

func newMigrate(db *sqlx.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "new migrations source error")
	}

	drv, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "new migrate driver error")
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return nil, errors.Wrap(err, "new migrate instance error")
	}

	return m, nil
}
