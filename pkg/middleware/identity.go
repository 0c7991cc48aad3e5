package middleware

import (
	"context"
	"strings"

	"promotions-ledger/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// HeaderUserID carries the caller identity resolved by the upstream auth layer.
const HeaderUserID = "X-User-ID"

type userKey struct{}

var UserContextKey = userKey{}

// Identity copies the caller identity header into the request context.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(HeaderUserID)); id != "" {
			c.Request = c.Request.WithContext(WithUser(c.Request.Context(), id))
		}
		c.Next()
	}
}

// RequireUser rejects requests that carry no caller identity.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c.Request.Context()) == "" {
			_ = c.Error(errutil.Unauthorized("caller identity is required", nil, errutil.WithReason(errutil.ReasonUnauthenticated)))
			c.Abort()
			return
		}
		c.Next()
	}
}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserContextKey, userID)
}

// UserID returns the caller identity, or "" for anonymous calls.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(UserContextKey).(string)
	return id
}
