package handler

import (
	"context"
	"net/http"
	"strconv"

	"clinic_engine/internal/attribution/service"
	"clinic_engine/internal/attribution/transport"
	"clinic_engine/internal/audit"
	"clinic_engine/platform/httpkit"
	"clinic_engine/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"

	defaultAuditLimit = 100
)

// AuditTrail reads the audit rows written for a record.
type AuditTrail interface {
	ListForTarget(ctx context.Context, clinicID uuid.UUID, targetType string, targetID uuid.UUID, limit int) ([]audit.Log, error)
}

// Handler handles HTTP requests for attributions.
type Handler struct {
	svc   *service.Service
	val   *validator.Validator
	trail AuditTrail
}

// New creates a new attribution handler.
func New(svc *service.Service, val *validator.Validator, trail AuditTrail) *Handler {
	return &Handler{svc: svc, val: val, trail: trail}
}

// RegisterRoutes registers clinic-scoped attribution routes. The group must
// carry httpkit.RequireClinic.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/patient/:patientId", h.GetPatientAttribution)
	rg.POST("/:id/override", h.Override)
	rg.GET("/:id/audit", h.ListAudit)
}

// RegisterAdminRoutes registers cross-clinic maintenance routes.
func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.POST("/evaluate", h.Evaluate)
	rg.POST("/sweep", h.Sweep)
}

func (h *Handler) GetPatientAttribution(c *gin.Context) {
	patientID, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}

	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}
	clinicID, ok := httpkit.MustGetClinic(c)
	if !ok {
		return
	}

	actorID := identity.UserID()
	result, err := h.svc.GetPatientAttribution(requestContext(c), clinicID, patientID, &actorID)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, transport.ToAttributionResponse(result))
}

func (h *Handler) Override(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}

	var req transport.OverrideAttributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}
	source, err := req.SourceRef()
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}
	clinicID, ok := httpkit.MustGetClinic(c)
	if !ok {
		return
	}

	result, err := h.svc.OverrideInClinic(requestContext(c), clinicID, id, identity.UserID(), source, req.Reason)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, transport.ToAttributionResponse(result))
}

// ListAudit returns who read or corrected an attribution. Rows of other
// clinics never match because the trail is filtered by the caller's clinic.
func (h *Handler) ListAudit(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}

	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, "limit must be a positive integer")
			return
		}
	}

	clinicID, ok := httpkit.MustGetClinic(c)
	if !ok {
		return
	}

	logs, err := h.trail.ListForTarget(c.Request.Context(), clinicID, service.AuditTargetType, id, limit)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, transport.ToAuditLogResponses(logs))
}

func (h *Handler) Evaluate(c *gin.Context) {
	var req transport.EvaluateAttributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	result, err := h.svc.EvaluateAttribution(requestContext(c), req.PatientID, req.InvoiceID)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, transport.ToAttributionResponse(result))
}

func (h *Handler) Sweep(c *gin.Context) {
	var req transport.SweepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
			return
		}
	}

	result, err := h.svc.SweepPendingAttributions(requestContext(c), req.ClinicID)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, transport.SweepResponse{
		Scanned:   result.Scanned,
		Evaluated: result.Evaluated,
		Skipped:   result.Skipped,
		Failed:    result.Failed,
	})
}

// requestContext carries the caller's network provenance to the audit trail.
func requestContext(c *gin.Context) context.Context {
	return audit.WithProvenance(c.Request.Context(), audit.ProvenanceFromRequest(c.Request))
}
