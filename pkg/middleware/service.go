package middleware

import (
	"context"
	"crypto/subtle"
	"strings"

	"promotions-ledger/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderServiceToken carries the shared secret of internal callers.
	HeaderServiceToken = "X-Service-Token"
	// HeaderServiceName names the internal caller for audit fields.
	HeaderServiceName = "X-Service-Name"
)

type serviceKey struct{}

// RequireService admits only callers presenting token. An empty token admits
// nobody, so an unconfigured deployment keeps internal routes closed.
func RequireService(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderServiceToken)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			_ = c.Error(errutil.Unauthorized("service credentials are required", nil, errutil.WithReason(errutil.ReasonUnauthenticated)))
			c.Abort()
			return
		}

		name := strings.TrimSpace(c.GetHeader(HeaderServiceName))
		if name == "" {
			name = "internal"
		}
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), serviceKey{}, name))
		c.Next()
	}
}

// ServiceName returns the internal caller admitted by RequireService, or "".
func ServiceName(ctx context.Context) string {
	name, _ := ctx.Value(serviceKey{}).(string)
	return name
}
