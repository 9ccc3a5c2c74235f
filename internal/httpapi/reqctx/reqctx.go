// Package reqctx carries the authenticated caller's identity through a
// request's context.Context, grounded on the teacher's requestdata package.
// This core owns no user/session model of its own (workflows only ever
// reference a userId it was handed), so the only thing worth stashing here
// is the UUID a bearer token resolved to.
package reqctx

import (
	"context"

	"github.com/google/uuid"
)

type key struct{}

var userIDKey = key{}

func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the caller's id, or uuid.Nil if the context carries none.
func UserID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(userIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
