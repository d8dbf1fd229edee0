package domain

import (
	"testing"
	"time"

	"clinic_engine/internal/clinicdata"

	"github.com/google/uuid"
)

var paidAt = time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC)

func call(ago time.Duration, campaignID, campaignName string) clinicdata.CallEvent {
	return clinicdata.CallEvent{
		ID:              uuid.New(),
		CallerPhone:     "+61412345678",
		DurationSeconds: 120,
		Timestamp:       paidAt.Add(-ago),
		CampaignID:      campaignID,
		CampaignName:    campaignName,
	}
}

func touch(ago time.Duration, source, medium, campaign string) clinicdata.MarketingTouch {
	return clinicdata.MarketingTouch{
		ID:          uuid.New(),
		Email:       "pat@example.com",
		UTMSource:   source,
		UTMMedium:   medium,
		UTMCampaign: campaign,
		Timestamp:   paidAt.Add(-ago),
	}
}

func TestRank_PaidCallBeatsMoreRecentPaidTouch(t *testing.T) {
	paidCall := call(10*24*time.Hour, "cmp-1", "Implants Q1")
	paidTouch := touch(24*time.Hour, "google", "cpc", "brand")

	d := Rank([]clinicdata.CallEvent{paidCall}, []clinicdata.MarketingTouch{paidTouch})

	if d.Type != TypeCall || d.Rule != RulePaidCall {
		t.Fatalf("expected paid call rule, got %s/%s", d.Type, d.Rule)
	}
	if d.Source != CallSource(paidCall.ID) {
		t.Fatalf("expected source %s, got %s", CallSource(paidCall.ID), d.Source)
	}
	if d.CampaignName != "Implants Q1" || d.CampaignSource != "phone" || d.CampaignMedium != "call" {
		t.Fatalf("unexpected campaign fields %+v", d)
	}
	if d.Reason != ReasonPaidCall {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
}

func TestRank_PaidTouchBeatsOrganicCall(t *testing.T) {
	organic := call(time.Hour, "", "")
	paid := touch(5*24*time.Hour, "facebook", "PPC", "spring")

	d := Rank([]clinicdata.CallEvent{organic}, []clinicdata.MarketingTouch{paid})

	if d.Rule != RulePaidTouch || d.Source != TouchSource(paid.ID) {
		t.Fatalf("expected paid touch, got %+v", d)
	}
	if d.CampaignName != "spring" || d.CampaignSource != "facebook" || d.CampaignMedium != "PPC" {
		t.Fatalf("unexpected campaign fields %+v", d)
	}
}

func TestRank_MostRecentOrganicCallWins(t *testing.T) {
	older := call(20*24*time.Hour, "", "")
	newer := call(2*24*time.Hour, "", "")
	organicTouch := touch(time.Hour, "newsletter", "email", "")

	// Inputs deliberately out of order.
	d := Rank([]clinicdata.CallEvent{older, newer}, []clinicdata.MarketingTouch{organicTouch})

	if d.Rule != RuleOrganicCall || d.Source != CallSource(newer.ID) {
		t.Fatalf("expected newest organic call, got %+v", d)
	}
	if d.CampaignSource != "organic" || d.CampaignMedium != "call" || d.CampaignName != "" {
		t.Fatalf("unexpected campaign fields %+v", d)
	}
}

func TestRank_OrganicTouchDefaults(t *testing.T) {
	older := touch(9*24*time.Hour, "bing", "referral", "old")
	newer := touch(3*24*time.Hour, "", "", "")

	d := Rank(nil, []clinicdata.MarketingTouch{older, newer})

	if d.Rule != RuleOrganicTouch || d.Source != TouchSource(newer.ID) {
		t.Fatalf("expected newest organic touch, got %+v", d)
	}
	if d.CampaignSource != "organic" || d.CampaignMedium != "web" {
		t.Fatalf("expected organic/web defaults, got %s/%s", d.CampaignSource, d.CampaignMedium)
	}
}

func TestRank_NoCandidates(t *testing.T) {
	d := Rank(nil, nil)

	if d.Type != TypeUnknown || !d.Source.IsNone() {
		t.Fatalf("expected unknown with no source, got %+v", d)
	}
	if d.Reason != ReasonNoSignal {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
}

func TestRank_DoesNotReorderInput(t *testing.T) {
	a := call(5*24*time.Hour, "", "")
	b := call(time.Hour, "", "")
	calls := []clinicdata.CallEvent{a, b}

	Rank(calls, nil)

	if calls[0].ID != a.ID || calls[1].ID != b.ID {
		t.Fatal("expected Rank to leave its input untouched")
	}
}

func TestWindowDefaultsToThirtyDays(t *testing.T) {
	start, end := Window(paidAt, 0)
	if !end.Equal(paidAt) {
		t.Fatalf("expected window to end at payment, got %s", end)
	}
	if paidAt.Sub(start) != 30*24*time.Hour {
		t.Fatalf("expected 30 day lookback, got %s", paidAt.Sub(start))
	}
}

func TestNewEvidence(t *testing.T) {
	inv := clinicdata.Invoice{ID: uuid.New(), TotalAmountCents: 123450, PaidAt: &paidAt}
	start, _ := Window(paidAt, DefaultLookback)
	d := Rank(nil, nil)

	ev := NewEvidence(inv, start, paidAt.Add(time.Hour), 0, 0, d)

	if ev.InvoiceAmount != "1234.50" {
		t.Fatalf("expected formatted amount 1234.50, got %q", ev.InvoiceAmount)
	}
	if ev.InvoiceID != inv.ID.String() || ev.PaidAt == nil || !ev.PaidAt.Equal(paidAt) {
		t.Fatalf("unexpected invoice evidence %+v", ev)
	}
	if ev.AttributionReason != ReasonNoSignal || ev.Rule != RuleNoSignal {
		t.Fatalf("unexpected reason %q/%q", ev.AttributionReason, ev.Rule)
	}
}
