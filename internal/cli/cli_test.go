package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	actionsdomain "clinic_engine/internal/actions/domain"
	actionsservice "clinic_engine/internal/actions/service"
	attributionservice "clinic_engine/internal/attribution/service"
	"clinic_engine/internal/audit"
	"clinic_engine/internal/clinicdata"
	"clinic_engine/internal/memstore"
	"clinic_engine/platform/logger"

	"github.com/google/uuid"
)

type cliFixture struct {
	store   *memstore.Store
	backend *Backend
	patient clinicdata.Patient
	invoice clinicdata.Invoice
	closed  int
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	store := memstore.New()
	clinic := clinicdata.Clinic{ID: uuid.New(), Name: "Harbour Dental", Timezone: "UTC", IsActive: true}
	store.AddClinic(clinic)

	paidAt := time.Now().UTC().Add(-time.Hour)
	patient := clinicdata.Patient{ID: uuid.New(), ClinicID: clinic.ID, ExternalID: "p-1", FirstName: "Ada", Phone: "+61412345678"}
	store.AddPatient(patient)
	invoice := clinicdata.Invoice{ID: uuid.New(), ClinicID: clinic.ID, PatientID: patient.ID, ExternalID: "inv-1", Status: clinicdata.InvoiceStatusPaid, TotalAmountCents: 9900, PaidAt: &paidAt}
	store.AddInvoice(invoice)
	store.AddCall(clinicdata.CallEvent{ID: uuid.New(), ClinicID: clinic.ID, CallSID: "CA9", CallerPhone: "+61412345678", DurationSeconds: 12, Timestamp: paidAt.Add(-2 * time.Hour)})

	f := &cliFixture{store: store, patient: patient, invoice: invoice}
	f.backend = &Backend{
		Attribution: attributionservice.New(store, store, audit.NewRecorder(store, logger.Nop()), nil, nil, logger.Nop()),
		Actions:     actionsservice.New(store, store, nil, nil, logger.Nop()),
		Migrate:     func(context.Context) error { return nil },
		Status:      func(context.Context) error { return nil },
		Close:       func() { f.closed++ },
	}
	return f
}

func (f *cliFixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(func(context.Context) (*Backend, error) { return f.backend, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEvaluateCommand(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "evaluate", "--patient", f.patient.ID.String(), "--invoice", f.invoice.ID.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Type:     call (auto)") {
		t.Fatalf("expected call attribution in output, got:\n%s", out)
	}
	if f.closed != 1 {
		t.Fatalf("expected backend to be closed once, got %d", f.closed)
	}
}

func TestOverrideCommandRequiresReason(t *testing.T) {
	f := newCLIFixture(t)
	if _, err := f.run(t, "override", uuid.NewString(), "--actor", uuid.NewString()); err == nil {
		t.Fatal("expected missing --reason to fail")
	}
}

func TestOverrideCommand(t *testing.T) {
	f := newCLIFixture(t)
	a, err := f.backend.Attribution.EvaluateAttribution(context.Background(), f.patient.ID, f.invoice.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	out, err := f.run(t, "override", a.ID.String(),
		"--actor", uuid.NewString(),
		"--source-kind", "none",
		"--reason", "referred by a friend",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "manual (manual)") || !strings.Contains(out, "History:  1 previous") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestGenerateCommandJSON(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "generate", "callback", "--format", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result actionsdomain.Result
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if result.Created != 1 {
		t.Fatalf("expected one callback task, got %+v", result)
	}

	out, err = f.run(t, "generate", "callback", "--format", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Created != 0 {
		t.Fatalf("expected rerun to create nothing, got %+v", result)
	}
}

func TestRootRejectsUnknownFormat(t *testing.T) {
	f := newCLIFixture(t)
	if _, err := f.run(t, "sweep", "--format", "yaml"); err == nil {
		t.Fatal("expected invalid format to fail")
	}
}

func TestGenerateRejectsBadAt(t *testing.T) {
	f := newCLIFixture(t)
	if _, err := f.run(t, "generate", "recall", "--at", "yesterday"); err == nil {
		t.Fatal("expected invalid --at to fail")
	}
}
