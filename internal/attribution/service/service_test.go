package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"clinic_engine/internal/attribution/domain"
	"clinic_engine/internal/audit"
	"clinic_engine/internal/clinicdata"
	"clinic_engine/internal/memstore"
	"clinic_engine/platform/apperr"
	"clinic_engine/platform/logger"

	"github.com/google/uuid"
)

type fixture struct {
	store   *memstore.Store
	svc     *Service
	clinic  clinicdata.Clinic
	patient clinicdata.Patient
	invoice clinicdata.Invoice
	paidAt  time.Time
}

func newFixture(t *testing.T, phone, email string) *fixture {
	t.Helper()

	store := memstore.New()
	clinic := clinicdata.Clinic{ID: uuid.New(), Name: "Harbour Dental", Timezone: "Australia/Sydney", IsActive: true}
	store.AddClinic(clinic)

	paidAt := time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC)
	patient := clinicdata.Patient{
		ID:                   uuid.New(),
		ClinicID:             clinic.ID,
		ExternalID:           "p-1",
		FirstName:            "Ada",
		LastName:             "Nguyen",
		Phone:                phone,
		Email:                email,
		FirstPaidInvoiceDate: &paidAt,
	}
	store.AddPatient(patient)

	invoice := clinicdata.Invoice{
		ID:               uuid.New(),
		ClinicID:         clinic.ID,
		PatientID:        patient.ID,
		ExternalID:       "inv-1",
		Status:           clinicdata.InvoiceStatusPaid,
		TotalAmountCents: 45000,
		PaidAt:           &paidAt,
	}
	store.AddInvoice(invoice)

	auditor := audit.NewRecorder(store, logger.Nop())
	svc := New(store, store, auditor, nil, nil, logger.Nop())
	evaluatedAt := paidAt.Add(48 * time.Hour)
	svc.now = func() time.Time { return evaluatedAt }

	return &fixture{store: store, svc: svc, clinic: clinic, patient: patient, invoice: invoice, paidAt: paidAt}
}

func (f *fixture) addCall(at time.Time, caller, campaignID, campaignName string) clinicdata.CallEvent {
	c := clinicdata.CallEvent{
		ID:              uuid.New(),
		ClinicID:        f.clinic.ID,
		CallSID:         "CA" + uuid.NewString()[:8],
		CallerPhone:     caller,
		DurationSeconds: 95,
		Timestamp:       at,
		CampaignID:      campaignID,
		CampaignName:    campaignName,
	}
	f.store.AddCall(c)
	return c
}

func (f *fixture) addTouch(at time.Time, email, source, medium, campaign string) clinicdata.MarketingTouch {
	m := clinicdata.MarketingTouch{
		ID:          uuid.New(),
		ClinicID:    f.clinic.ID,
		Email:       email,
		UTMSource:   source,
		UTMMedium:   medium,
		UTMCampaign: campaign,
		Timestamp:   at,
		Source:      "ga4",
	}
	f.store.AddTouch(m)
	return m
}

func TestEvaluate_PaidCampaignCallScenario(t *testing.T) {
	f := newFixture(t, "+61412345678", "ada@example.com")
	callAt := time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC)
	c := f.addCall(callAt, "+61412345678", "C1", "Implants Spring")
	f.addTouch(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), "ada@example.com", "google", "organic", "")

	a, err := f.svc.EvaluateAttribution(context.Background(), f.patient.ID, f.invoice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a.Type != domain.TypeCall || a.CampaignSource != "phone" || a.CampaignMedium != "call" {
		t.Fatalf("expected paid call attribution, got %s %s/%s", a.Type, a.CampaignSource, a.CampaignMedium)
	}
	if a.Source != domain.CallSource(c.ID) {
		t.Fatalf("expected source %s, got %s", domain.CallSource(c.ID), a.Source)
	}
	if a.Evidence.AttributionReason != domain.ReasonPaidCall {
		t.Fatalf("expected paid campaign call reason, got %q", a.Evidence.AttributionReason)
	}
	if a.Evidence.CallEventsFound != 1 || a.Evidence.MarketingTouchesFound != 1 {
		t.Fatalf("unexpected candidate counts %+v", a.Evidence)
	}
	if a.FirstInvoiceAmountCents == nil || *a.FirstInvoiceAmountCents != 45000 {
		t.Fatalf("expected first invoice amount 45000, got %v", a.FirstInvoiceAmountCents)
	}
	if a.Evidence.InvoiceAmount != "450.00" {
		t.Fatalf("expected evidence amount 450.00, got %q", a.Evidence.InvoiceAmount)
	}
}

func TestEvaluate_NoPhoneNoEmailIsUnknown(t *testing.T) {
	f := newFixture(t, "", "")
	f.addCall(f.paidAt.Add(-time.Hour), "", "C1", "stray")

	a, err := f.svc.EvaluateAttribution(context.Background(), f.patient.ID, f.invoice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Type != domain.TypeUnknown || !a.Source.IsNone() {
		t.Fatalf("expected unknown with empty source, got %s %s", a.Type, a.Source)
	}
}

func TestEvaluate_MatchesNationalFormatPhone(t *testing.T) {
	f := newFixture(t, "0412 345 678", "")
	c := f.addCall(f.paidAt.Add(-72*time.Hour), "+61412345678", "", "")

	a, err := f.svc.EvaluateAttribution(context.Background(), f.patient.ID, f.invoice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Source != domain.CallSource(c.ID) || a.Evidence.Rule != domain.RuleOrganicCall {
		t.Fatalf("expected organic call match across phone formats, got %+v", a)
	}
}

func TestEvaluate_IgnoresSignalsOutsideLookback(t *testing.T) {
	f := newFixture(t, "+61412345678", "ada@example.com")
	f.addCall(f.paidAt.Add(-31*24*time.Hour), "+61412345678", "C1", "old")
	f.addTouch(f.paidAt.Add(time.Hour), "ada@example.com", "google", "cpc", "after payment")

	a, err := f.svc.EvaluateAttribution(context.Background(), f.patient.ID, f.invoice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Type != domain.TypeUnknown {
		t.Fatalf("expected unknown, got %s", a.Type)
	}
	if a.Evidence.AttributionReason != domain.ReasonNoSignal {
		t.Fatalf("unexpected reason %q", a.Evidence.AttributionReason)
	}
}

func TestEvaluate_EmailMatchIsCaseInsensitive(t *testing.T) {
	f := newFixture(t, "", "Ada@Example.com")
	m := f.addTouch(f.paidAt.Add(-24*time.Hour), "ada@example.COM", "facebook", "cpc", "spring")

	a, err := f.svc.EvaluateAttribution(context.Background(), f.patient.ID, f.invoice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Source != domain.TouchSource(m.ID) || a.CampaignName != "spring" {
		t.Fatalf("expected paid touch, got %+v", a)
	}
}

func TestEvaluate_IsIdempotent(t *testing.T) {
	f := newFixture(t, "+61412345678", "ada@example.com")
	f.addCall(f.paidAt.Add(-5*24*time.Hour), "+61412345678", "C1", "Implants")
	ctx := context.Background()

	first, err := f.svc.EvaluateAttribution(ctx, f.patient.ID, f.invoice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	later := f.paidAt.Add(96 * time.Hour)
	f.svc.now = func() time.Time { return later }
	second, err := f.svc.EvaluateAttribution(ctx, f.patient.ID, f.invoice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.store.AttributionCount() != 1 {
		t.Fatalf("expected one attribution per patient, got %d", f.store.AttributionCount())
	}
	if first.ID != second.ID {
		t.Fatal("expected re-evaluation to update the same record")
	}
	if !second.Evidence.EvaluatedAt.Equal(later) {
		t.Fatalf("expected evaluated_at to move to %s, got %s", later, second.Evidence.EvaluatedAt)
	}

	if decisionJSON(t, first) != decisionJSON(t, second) {
		t.Fatalf("expected identical content apart from evaluated_at\nfirst:  %s\nsecond: %s", decisionJSON(t, first), decisionJSON(t, second))
	}
}

// decisionJSON serializes everything but timestamps that legitimately move.
func decisionJSON(t *testing.T, a *domain.Attribution) string {
	t.Helper()
	ev := a.Evidence
	ev.EvaluatedAt = nil
	b, err := json.Marshal(struct {
		Type     domain.Type
		Status   domain.Status
		Source   string
		Campaign [3]string
		Evidence domain.Evidence
		Amount   *int64
		Date     *time.Time
	}{a.Type, a.Status, a.Source.String(), [3]string{a.CampaignName, a.CampaignSource, a.CampaignMedium}, ev, a.FirstInvoiceAmountCents, a.FirstInvoiceDate})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestEvaluate_Preconditions(t *testing.T) {
	f := newFixture(t, "+61412345678", "")
	ctx := context.Background()

	unpaid := clinicdata.Invoice{ID: uuid.New(), ClinicID: f.clinic.ID, PatientID: f.patient.ID, Status: clinicdata.InvoiceStatusIssued}
	f.store.AddInvoice(unpaid)
	if _, err := f.svc.EvaluateAttribution(ctx, f.patient.ID, unpaid.ID); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for unpaid invoice, got %v", err)
	}

	other := clinicdata.Patient{ID: uuid.New(), ClinicID: f.clinic.ID}
	f.store.AddPatient(other)
	if _, err := f.svc.EvaluateAttribution(ctx, other.ID, f.invoice.ID); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for foreign invoice, got %v", err)
	}

	if _, err := f.svc.EvaluateAttribution(ctx, uuid.New(), f.invoice.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for unknown patient, got %v", err)
	}
	if _, err := f.svc.EvaluateAttribution(ctx, f.patient.ID, uuid.New()); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for unknown invoice, got %v", err)
	}
}

func TestOverride_RequiresReasonAndExistingAttribution(t *testing.T) {
	f := newFixture(t, "", "")
	ctx := context.Background()

	if _, err := f.svc.OverrideAttribution(ctx, uuid.New(), uuid.New(), nil, "   "); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for blank reason, got %v", err)
	}
	if _, err := f.svc.OverrideAttribution(ctx, uuid.New(), uuid.New(), nil, "front desk note"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOverride_HistoryGrowsAndSurvivesReevaluation(t *testing.T) {
	f := newFixture(t, "+61412345678", "ada@example.com")
	call := f.addCall(f.paidAt.Add(-5*24*time.Hour), "+61412345678", "C1", "Implants")
	touch := f.addTouch(f.paidAt.Add(-2*24*time.Hour), "ada@example.com", "facebook", "cpc", "spring")
	ctx := context.Background()
	actor := uuid.New()

	a, err := f.svc.EvaluateAttribution(ctx, f.patient.ID, f.invoice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ref := domain.TouchSource(touch.ID)
	ctx = audit.WithProvenance(ctx, audit.Provenance{IP: "203.0.113.9", UserAgent: "portal"})
	overridden, err := f.svc.OverrideAttribution(ctx, a.ID, actor, &ref, "patient mentioned Facebook ad")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if overridden.Type != domain.TypeMarketingTouch || overridden.Status != domain.StatusManual {
		t.Fatalf("expected manual touch attribution, got %s/%s", overridden.Type, overridden.Status)
	}
	if overridden.CampaignName != "spring" || overridden.CampaignSource != "facebook" {
		t.Fatalf("expected campaign from touch, got %q/%q", overridden.CampaignName, overridden.CampaignSource)
	}
	history := overridden.Evidence.PreviousAttributions
	if len(history) != 1 || history[0].Type != domain.TypeCall || history[0].Source != domain.CallSource(call.ID).String() {
		t.Fatalf("expected pre-override call preserved, got %+v", history)
	}

	none := domain.NoSource()
	cleared, err := f.svc.OverrideAttribution(ctx, a.ID, actor, &none, "walk-in referral")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cleared.Type != domain.TypeManual || !cleared.Source.IsNone() {
		t.Fatalf("expected cleared manual attribution, got %+v", cleared)
	}
	if len(cleared.Evidence.PreviousAttributions) != 2 || cleared.Evidence.PreviousAttributions[0] != history[0] {
		t.Fatalf("expected history to grow without rewriting, got %+v", cleared.Evidence.PreviousAttributions)
	}

	again, err := f.svc.EvaluateAttribution(context.Background(), f.patient.ID, f.invoice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Status != domain.StatusManual || again.Type != domain.TypeManual {
		t.Fatalf("expected manual override to stick, got %s/%s", again.Status, again.Type)
	}
	if len(again.Evidence.PreviousAttributions) != 2 {
		t.Fatalf("expected history intact, got %d entries", len(again.Evidence.PreviousAttributions))
	}

	// evaluation, two overrides; the re-evaluation kept the manual row and wrote nothing
	logs := f.store.AuditLogs()
	if len(logs) != 3 {
		t.Fatalf("expected 3 audit rows, got %d: %+v", len(logs), logs)
	}
	if logs[0].Action != audit.ActionCreate || logs[0].ActorID != nil || logs[0].TargetID != a.ID {
		t.Fatalf("expected system create row for the evaluation, got %+v", logs[0])
	}
	for _, l := range logs[1:] {
		if l.Action != audit.ActionUpdate || l.ActorID == nil || *l.ActorID != actor {
			t.Fatalf("unexpected override audit row %+v", l)
		}
		if l.IPAddress == nil || *l.IPAddress != "203.0.113.9" {
			t.Fatalf("expected provenance on audit row, got %v", l.IPAddress)
		}
	}
}

func TestEvaluateAttribution_AuditsEachWriteAsSystem(t *testing.T) {
	f := newFixture(t, "+61412345678", "")
	f.addCall(f.paidAt.Add(-2*24*time.Hour), "+61412345678", "C1", "Implants")
	ctx := context.Background()

	first, err := f.svc.EvaluateAttribution(ctx, f.patient.ID, f.invoice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.svc.EvaluateAttribution(ctx, f.patient.ID, f.invoice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one attribution per patient, got %s and %s", first.ID, second.ID)
	}

	logs := f.store.AuditLogs()
	if len(logs) != 2 {
		t.Fatalf("expected one audit row per evaluation, got %d", len(logs))
	}
	for i, want := range []audit.Action{audit.ActionCreate, audit.ActionUpdate} {
		l := logs[i]
		if l.Action != want {
			t.Fatalf("row %d: expected %s, got %s", i, want, l.Action)
		}
		if l.ActorID != nil {
			t.Fatalf("row %d: expected system actor, got %v", i, *l.ActorID)
		}
		if l.ClinicID != f.clinic.ID || l.TargetType != AuditTargetType || l.TargetID != first.ID {
			t.Fatalf("row %d: unexpected target %+v", i, l)
		}
		if l.Changes["rule"] != domain.RulePaidCall || l.Changes["type"] != domain.TypeCall {
			t.Fatalf("row %d: unexpected changes %+v", i, l.Changes)
		}
	}
}

func TestOverride_RejectsSourceFromOtherClinic(t *testing.T) {
	f := newFixture(t, "", "")
	ctx := context.Background()

	a, err := f.svc.EvaluateAttribution(ctx, f.patient.ID, f.invoice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	foreign := clinicdata.CallEvent{ID: uuid.New(), ClinicID: uuid.New(), CallSID: "CAforeign", Timestamp: f.paidAt}
	f.store.AddCall(foreign)
	ref := domain.CallSource(foreign.ID)

	if _, err := f.svc.OverrideAttribution(ctx, a.ID, uuid.New(), &ref, "typo"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	stored, _ := f.store.GetByID(ctx, a.ID)
	if stored.Status != domain.StatusAuto || len(stored.Evidence.PreviousAttributions) != 0 {
		t.Fatalf("expected failed override to leave record untouched, got %+v", stored)
	}
}

func TestGetPatientAttribution_ScopedToClinicAndAudited(t *testing.T) {
	f := newFixture(t, "", "")
	ctx := context.Background()
	if _, err := f.svc.EvaluateAttribution(ctx, f.patient.ID, f.invoice.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := f.svc.GetPatientAttribution(ctx, uuid.New(), f.patient.ID, nil); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found across clinics, got %v", err)
	}

	reader := uuid.New()
	if _, err := f.svc.GetPatientAttribution(ctx, f.clinic.ID, f.patient.ID, &reader); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logs := f.store.AuditLogs()
	if len(logs) != 2 || logs[1].Action != audit.ActionRead || logs[1].ActorID == nil || *logs[1].ActorID != reader {
		t.Fatalf("expected the evaluation row followed by one read row, got %+v", logs)
	}
}

func TestSweepPendingAttributions(t *testing.T) {
	f := newFixture(t, "+61412345678", "")
	f.addCall(f.paidAt.Add(-time.Hour), "+61412345678", "", "")

	noInvoice := clinicdata.Patient{ID: uuid.New(), ClinicID: f.clinic.ID, FirstPaidInvoiceDate: &f.paidAt}
	f.store.AddPatient(noInvoice)

	ctx := context.Background()
	result, err := f.svc.SweepPendingAttributions(ctx, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Scanned != 2 || result.Evaluated != 1 || result.Skipped != 1 || result.Failed != 0 {
		t.Fatalf("unexpected sweep result %+v", result)
	}

	again, err := f.svc.SweepPendingAttributions(ctx, &f.clinic.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Evaluated != 0 || again.Scanned != 1 {
		t.Fatalf("expected only the invoiceless patient to remain pending, got %+v", again)
	}
}

// brokenInvoices fails to load the first paid invoice of selected patients.
type brokenInvoices struct {
	*memstore.Store
	broken map[uuid.UUID]bool
}

func (b brokenInvoices) FirstPaidInvoice(ctx context.Context, patientID uuid.UUID) (*clinicdata.Invoice, error) {
	if b.broken[patientID] {
		return nil, errors.New("invoice sync incomplete")
	}
	return b.Store.FirstPaidInvoice(ctx, patientID)
}

func TestSweepPendingAttributions_FailuresDoNotStarveLaterPatients(t *testing.T) {
	f := newFixture(t, "", "")
	broken := map[uuid.UUID]bool{}
	for i := 0; i < 3; i++ {
		older := f.paidAt.Add(-time.Duration(i+1) * 24 * time.Hour)
		p := clinicdata.Patient{ID: uuid.New(), ClinicID: f.clinic.ID, FirstPaidInvoiceDate: &older}
		f.store.AddPatient(p)
		broken[p.ID] = true
	}

	svc := New(brokenInvoices{Store: f.store, broken: broken}, f.store, nil, nil, nil, logger.Nop())
	svc.sweepBatch = 2

	result, err := svc.SweepPendingAttributions(context.Background(), &f.clinic.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Scanned != 4 || result.Failed != 3 || result.Evaluated != 1 {
		t.Fatalf("expected the newest patient evaluated behind three failures, got %+v", result)
	}
	if _, err := f.store.GetByPatient(context.Background(), f.patient.ID); err != nil {
		t.Fatalf("expected attribution for the newest patient: %v", err)
	}
}
