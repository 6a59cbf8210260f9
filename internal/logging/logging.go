package logging

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ContextKey defines the context key type.
type ContextKey string

// ContextIDKey holds the key of the context ID.
const ContextIDKey ContextKey = "ctx_id"

// NewContext returns a new context carrying a random context ID.
func NewContext(ctx context.Context) (context.Context, error) {
	ctxID, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Wrap(err, "new uuid error")
	}
	return context.WithValue(ctx, ContextIDKey, ctxID), nil
}

// ContextID returns the context ID stored in the given context. It returns
// uuid.Nil when no ID was set.
func ContextID(ctx context.Context) uuid.UUID {
	if ctx == nil {
		return uuid.Nil
	}
	id, _ := ctx.Value(ContextIDKey).(uuid.UUID)
	return id
}

// WithContext returns a log entry carrying the ctx_id field.
func WithContext(ctx context.Context) *log.Entry {
	return log.WithField("ctx_id", ContextID(ctx))
}
