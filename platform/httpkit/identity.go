package httpkit

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Identity is the authenticated caller as seen by handlers.
type Identity interface {
	UserID() uuid.UUID
	Roles() []string
	// HasRole reports whether the caller holds role. Admin satisfies staff.
	HasRole(role string) bool
	IsAuthenticated() bool
}

type identity struct {
	userID uuid.UUID
	roles  []string
}

// NewIdentity builds an authenticated Identity.
func NewIdentity(userID uuid.UUID, roles ...string) Identity {
	return &identity{userID: userID, roles: roles}
}

func (i *identity) UserID() uuid.UUID     { return i.userID }
func (i *identity) Roles() []string       { return i.roles }
func (i *identity) IsAuthenticated() bool { return i.userID != uuid.Nil }

func (i *identity) HasRole(role string) bool {
	if slices.Contains(i.roles, role) {
		return true
	}
	return role == RoleStaff && slices.Contains(i.roles, RoleAdmin)
}

var anonymous Identity = &identity{}

// GetIdentity returns the caller stored on the request context, or an
// unauthenticated Identity.
func GetIdentity(c *gin.Context) Identity {
	if id, ok := IdentityFromContext(c.Request.Context()); ok {
		return id
	}
	return anonymous
}

// MustGetIdentity returns the caller or aborts with 401 and returns nil.
func MustGetIdentity(c *gin.Context) Identity {
	id := GetIdentity(c)
	if !id.IsAuthenticated() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil
	}
	return id
}
