package handler

import (
	"net/http"
	"time"

	"clinic_engine/internal/actions/service"
	"clinic_engine/internal/actions/transport"
	"clinic_engine/platform/httpkit"

	"github.com/gin-gonic/gin"
)

const msgInvalidRequest = "invalid request"

// Handler handles manual generator re-triggers.
type Handler struct {
	svc *service.Service
	now func() time.Time
}

// New creates a new actions handler.
func New(svc *service.Service) *Handler {
	return &Handler{svc: svc, now: time.Now}
}

// RegisterRoutes registers generator routes.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.List)
	rg.POST("/:name/run", h.Run)
}

func (h *Handler) List(c *gin.Context) {
	httpkit.OK(c, transport.ListGeneratorsResponse{Generators: service.Generators()})
}

func (h *Handler) Run(c *gin.Context) {
	var req transport.RunGeneratorRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
			return
		}
	}

	at := h.now()
	if req.At != nil {
		at = *req.At
	}

	name := c.Param("name")
	result, err := h.svc.RunByName(c.Request.Context(), name, req.ClinicID, at)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, transport.RunGeneratorResponse{
		Generator: name,
		Scanned:   result.Scanned,
		Created:   result.Created,
		Skipped:   result.Skipped,
		Failed:    result.Failed,
	})
}
