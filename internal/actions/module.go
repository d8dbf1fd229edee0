// Package actions provides the action generator bounded context module.
package actions

import (
	"clinic_engine/internal/actions/handler"
	"clinic_engine/internal/actions/repository"
	"clinic_engine/internal/actions/service"
	"clinic_engine/internal/audit"
	"clinic_engine/internal/clinicdata"
	"clinic_engine/internal/events"
	apphttp "clinic_engine/internal/http"
	"clinic_engine/platform/config"
	"clinic_engine/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module is the actions bounded context module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates and initializes the actions module with all its dependencies.
func NewModule(pool *pgxpool.Pool, eventBus events.Bus, cfg config.EngineConfig, log *logger.Logger) *Module {
	svc := service.New(clinicdata.New(pool), repository.New(pool), eventBus, cfg, log)
	svc.SetAuditor(audit.NewRecorder(audit.NewRepository(pool), log))
	return &Module{handler: handler.New(svc), service: svc}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "actions"
}

// Service returns the service layer for the scheduler and CLI.
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes mounts generator routes; running a generator is admin-only.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.Admin.Group("/generators"))
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
