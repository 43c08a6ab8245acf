package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/smallbiznis/qrlink-auth/internal/config"
	"github.com/smallbiznis/qrlink-auth/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/qrlink-auth/internal/http/middleware"
	"github.com/smallbiznis/qrlink-auth/internal/middleware"
)

// NewRouter wires Gin routes and middleware. The callback route is reached by
// the node, not the browser, so it sits outside the session group.
func NewRouter(cfg config.Config, flowHandler *handler.FlowHandler, authMiddleware *httpmiddleware.Auth, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(otelgin.Middleware(cfg.ServiceName))

	qr := r.Group("/qr")
	{
		browser := qr.Group("")
		browser.Use(httpmiddleware.Session(cfg.Environment != "development"))
		{
			browser.POST("/login", flowHandler.Start)
			browser.GET("/watch/:loginId", flowHandler.Watch)
			browser.POST("/logout", flowHandler.Logout)
		}

		qr.POST("/callback/:loginId", flowHandler.Callback)
		qr.GET("/me", authMiddleware.ValidateBearer, flowHandler.Me)
	}

	r.GET("/healthz", flowHandler.Health)

	return r
}
