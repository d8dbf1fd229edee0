package http

import (
	"context"

	"clinic_engine/platform/config"
	"clinic_engine/platform/logger"
)

// RouterConfig combines the config interfaces needed by the HTTP router.
type RouterConfig interface {
	config.HTTPConfig
	config.JWTConfig
}

// HealthChecker is pinged by /readyz.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// App is what cmd/api hands the router.
type App struct {
	Config RouterConfig
	Logger *logger.Logger
	// Health may be nil, in which case /readyz always reports ok.
	Health  HealthChecker
	Modules []Module
}
