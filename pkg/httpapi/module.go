package httpapi

import (
	"net/http"

	"promotions-ledger/pkg/config"
	"promotions-ledger/pkg/health"
	"promotions-ledger/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		fx.Annotate(NewEngine, fx.As(new(http.Handler))),
	),
)

// Route is implemented by every service handler mounted under /v1.
type Route interface {
	Register(rg *gin.RouterGroup)
}

// AsRoute annotates a handler constructor so its result joins the route group.
func AsRoute(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(Route)),
		fx.ResultTags(`group:"routes"`),
	)
}

type EngineParams struct {
	fx.In
	Config *config.Config
	Health health.HealthService `optional:"true"`
	Routes []Route              `group:"routes"`
}

func NewEngine(p EngineParams) *gin.Engine {
	if p.Config != nil && p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(), middleware.Error(), middleware.Identity())

	if p.Health != nil {
		r.GET("/healthz", p.Health.Liveness)
		r.GET("/readyz", p.Health.Readiness)
	}

	v1 := r.Group("/v1")
	for _, route := range p.Routes {
		route.Register(v1)
	}

	return r
}
