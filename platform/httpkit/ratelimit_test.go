package httpkit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func TestLimiterEvictsIdleKeys(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewLimiter(1, 1, time.Minute, nil)
	l.now = func() time.Time { return now }

	if !l.Allow("ip:10.0.0.1") {
		t.Fatal("first request must pass")
	}
	if l.Allow("ip:10.0.0.1") {
		t.Fatal("second request in the same instant must be throttled")
	}
	l.Allow("ip:10.0.0.2")
	if l.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", l.Len())
	}

	now = now.Add(2 * time.Minute)
	l.Allow("ip:10.0.0.3")
	if l.Len() != 1 {
		t.Fatalf("expected idle keys to be evicted, got %d", l.Len())
	}
}

func TestLimiterByUserSeparatesCallersBehindOneAddress(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewLimiter(1, 1, time.Minute, nil)

	asUser := func(userID uuid.UUID) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), NewIdentity(userID, RoleStaff)))
			c.Next()
		}
	}
	serve := func(userID uuid.UUID) int {
		engine := gin.New()
		engine.GET("/", asUser(userID), l.ByUser(), func(c *gin.Context) { c.Status(http.StatusOK) })
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.10:5000"
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		return rec.Code
	}

	alice, bob := uuid.New(), uuid.New()
	if code := serve(alice); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := serve(bob); code != http.StatusOK {
		t.Fatalf("second user on the same address must not share a bucket, got %d", code)
	}
	if code := serve(alice); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for repeated user, got %d", code)
	}
}
