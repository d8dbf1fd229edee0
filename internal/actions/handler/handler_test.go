package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clinic_engine/internal/actions/service"
	"clinic_engine/internal/actions/transport"
	"clinic_engine/internal/clinicdata"
	"clinic_engine/internal/memstore"
	"clinic_engine/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func newTestEngine(t *testing.T) (*gin.Engine, *memstore.Store, time.Time) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memstore.New()
	clinic := clinicdata.Clinic{ID: uuid.New(), Name: "Harbour Dental", Timezone: "UTC", IsActive: true}
	store.AddClinic(clinic)
	store.AddPatient(clinicdata.Patient{ID: uuid.New(), ClinicID: clinic.ID, ExternalID: "p-1", FirstName: "Sam", Phone: "+61412345678"})

	at := time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)
	store.AddCall(clinicdata.CallEvent{
		ID:              uuid.New(),
		ClinicID:        clinic.ID,
		CallSID:         "CA123",
		CallerPhone:     "+61412345678",
		DurationSeconds: 10,
		Timestamp:       at.Add(-time.Hour),
	})

	h := New(service.New(store, store, nil, nil, logger.Nop()))
	h.now = func() time.Time { return at }

	engine := gin.New()
	h.RegisterRoutes(engine.Group("/generators"))
	return engine, store, at
}

func run(t *testing.T, engine *gin.Engine, name string) (*httptest.ResponseRecorder, transport.RunGeneratorResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/generators/"+name+"/run", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	var resp transport.RunGeneratorResponse
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return rec, resp
}

func TestRunGeneratorTwiceCreatesOnce(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	rec, first := run(t, engine, service.GeneratorCallback)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if first.Created != 1 || first.Generator != service.GeneratorCallback {
		t.Fatalf("unexpected first run %+v", first)
	}

	if _, second := run(t, engine, service.GeneratorCallback); second.Created != 0 {
		t.Fatalf("expected no new tasks on rerun, got %+v", second)
	}
	if len(store.Tasks()) != 1 {
		t.Fatalf("expected exactly one task, got %d", len(store.Tasks()))
	}
}

func TestRunUnknownGenerator(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if rec, _ := run(t, engine, "birthday"); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestRunGeneratorRejectsMalformedBody(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	req := httptest.NewRequest(http.MethodPost, "/generators/recall/run", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListGenerators(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/generators", nil))
	var resp transport.ListGeneratorsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Generators) != 4 {
		t.Fatalf("expected 4 generators, got %v", resp.Generators)
	}
}
