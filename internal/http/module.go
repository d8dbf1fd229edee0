// Package http provides HTTP server infrastructure including the Module interface
// that all domain modules must implement for route registration.
package http

import "github.com/gin-gonic/gin"

// Module is a bounded context that mounts its own routes.
type Module interface {
	// Name returns the module's identifier for logging purposes.
	Name() string
	RegisterRoutes(ctx *RouterContext)
}

// RouterContext hands modules the route groups they may mount on. The
// middleware each group carries decides who reaches a handler, so modules
// never check roles or clinic binding themselves.
type RouterContext struct {
	// V1 is /api/v1 without authentication.
	V1 *gin.RouterGroup
	// Clinic is /api/v1 for staff tokens bound to one clinic. Handlers read
	// that clinic with httpkit.MustGetClinic.
	Clinic *gin.RouterGroup
	// Admin is /api/v1/admin for admin tokens. No clinic is required and
	// callers are throttled harder because these routes scan every clinic.
	Admin *gin.RouterGroup
}
