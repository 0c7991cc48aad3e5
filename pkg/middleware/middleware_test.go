package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"promotions-ledger/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func newRouter(h gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Error(), Identity())
	r.GET("/open", h)
	r.GET("/auth", RequireUser(), h)
	return r
}

func TestIdentity(t *testing.T) {
	var got string
	r := newRouter(func(c *gin.Context) {
		got = UserID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	req.Header.Set(HeaderUserID, "user-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "user-1", got)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), string(errutil.ReasonUnauthenticated))
}

func TestError_RendersReason(t *testing.T) {
	r := newRouter(func(c *gin.Context) {
		_ = c.Error(errutil.Policy(errutil.ReasonInsufficientBalance, "not enough balance"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Contains(t, w.Body.String(), `"reason":"INSUFFICIENT_BALANCE"`)
}

func TestError_HidesUnknownErrors(t *testing.T) {
	r := newRouter(func(c *gin.Context) {
		_ = c.Error(errors.New("pq: relation does not exist"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "relation")
}

func TestRequireService(t *testing.T) {
	var caller string
	handler := func(c *gin.Context) {
		caller = ServiceName(c.Request.Context())
		c.Status(http.StatusNoContent)
	}

	r := gin.New()
	r.Use(Error())
	r.POST("/internal", RequireService("s3cret"), handler)
	r.POST("/closed", RequireService(""), handler)

	send := func(path, token, name string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if token != "" {
			req.Header.Set(HeaderServiceToken, token)
		}
		if name != "" {
			req.Header.Set(HeaderServiceName, name)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusUnauthorized, send("/internal", "", "").Code)
	require.Equal(t, http.StatusUnauthorized, send("/internal", "wrong", "").Code)
	require.Equal(t, http.StatusUnauthorized, send("/closed", "s3cret", "").Code)

	require.Equal(t, http.StatusNoContent, send("/internal", "s3cret", "payments").Code)
	require.Equal(t, "payments", caller)

	require.Equal(t, http.StatusNoContent, send("/internal", "s3cret", "").Code)
	require.Equal(t, "internal", caller)
}
