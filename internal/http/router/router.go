// Package router assembles the gin engine from the registered modules.
package router

import (
	"context"
	"net/http"
	"time"

	apphttp "clinic_engine/internal/http"
	"clinic_engine/platform/httpkit"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Request budgets. Clinic staff browse patient records; admin routes fan out
// over every clinic, so one admin gets a handful of runs per minute.
const (
	ipRate       = rate.Limit(20)
	ipBurst      = 40
	staffRate    = rate.Limit(5)
	staffBurst   = 20
	adminRate    = rate.Limit(0.2)
	adminBurst   = 5
	limiterIdle  = 10 * time.Minute
	readyTimeout = 2 * time.Second
)

// New builds the HTTP engine: shared middleware, health checks and every
// module's routes under /api/v1.
func New(app *apphttp.App) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpkit.RequestID())
	engine.Use(httpkit.RequestLogger(app.Logger))
	engine.Use(httpkit.SecurityHeaders())
	engine.Use(cors.New(corsConfig(app.Config)))

	engine.Use(httpkit.NewLimiter(ipRate, ipBurst, limiterIdle, app.Logger).ByClientIP())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/readyz", func(c *gin.Context) {
		if app.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()
		if err := app.Health.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := httpkit.AuthRequired(app.Config)
	v1 := engine.Group("/api/v1")
	clinic := v1.Group("",
		auth,
		httpkit.RequireRole(httpkit.RoleStaff),
		httpkit.RequireClinic(),
		httpkit.NewLimiter(staffRate, staffBurst, limiterIdle, app.Logger).ByUser(),
	)
	admin := v1.Group("/admin",
		auth,
		httpkit.RequireRole(httpkit.RoleAdmin),
		httpkit.NewLimiter(adminRate, adminBurst, limiterIdle, app.Logger).ByUser(),
	)

	routerCtx := &apphttp.RouterContext{V1: v1, Clinic: clinic, Admin: admin}

	for _, module := range app.Modules {
		module.RegisterRoutes(routerCtx)
		if app.Logger != nil {
			app.Logger.Debug("registered module routes", "module", module.Name())
		}
	}

	return engine
}

func corsConfig(cfg apphttp.RouterConfig) cors.Config {
	corsCfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if cfg.GetCORSAllowAll() {
		corsCfg.AllowAllOrigins = true
	} else if origins := cfg.GetCORSOrigins(); len(origins) > 0 {
		corsCfg.AllowOrigins = origins
	} else {
		corsCfg.AllowOriginFunc = func(string) bool { return false }
	}
	return corsCfg
}
