// Package attribution provides the attribution bounded context module.
package attribution

import (
	"clinic_engine/internal/attribution/handler"
	"clinic_engine/internal/attribution/repository"
	"clinic_engine/internal/attribution/service"
	"clinic_engine/internal/audit"
	"clinic_engine/internal/clinicdata"
	"clinic_engine/internal/events"
	apphttp "clinic_engine/internal/http"
	"clinic_engine/platform/config"
	"clinic_engine/platform/logger"
	"clinic_engine/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module is the attribution bounded context module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates and initializes the attribution module with all its dependencies.
func NewModule(
	pool *pgxpool.Pool,
	eventBus events.Bus,
	val *validator.Validator,
	cfg config.EngineConfig,
	log *logger.Logger,
) *Module {
	records := clinicdata.New(pool)
	auditRepo := audit.NewRepository(pool)
	auditor := audit.NewRecorder(auditRepo, log)
	svc := service.New(records, repository.New(pool), auditor, eventBus, cfg, log)
	return &Module{handler: handler.New(svc, val, auditRepo), service: svc}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "attribution"
}

// Service returns the service layer for the scheduler and CLI.
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes mounts clinic reads and overrides, plus the admin evaluate
// and sweep triggers under /admin.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.Clinic.Group("/attributions"))
	m.handler.RegisterAdminRoutes(ctx.Admin.Group("/attributions"))
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
