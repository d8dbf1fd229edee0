package domain

import (
	"sort"
	"strings"
	"time"

	"clinic_engine/internal/clinicdata"
)

// Rule names the precedence step that produced a decision.
type Rule string

const (
	RulePaidCall     Rule = "paid_call"
	RulePaidTouch    Rule = "paid_touch"
	RuleOrganicCall  Rule = "organic_call"
	RuleOrganicTouch Rule = "organic_touch"
	RuleNoSignal     Rule = "no_signal"
)

// Reasons recorded in evidence for each rule.
const (
	ReasonPaidCall     = "Matched paid campaign call"
	ReasonPaidTouch    = "Matched paid marketing touch"
	ReasonOrganicCall  = "Matched organic call"
	ReasonOrganicTouch = "Matched organic marketing touch"
	ReasonNoSignal     = "No qualifying signal in lookback window"
)

// DefaultLookback is how far before payment signals are considered.
const DefaultLookback = 30 * 24 * time.Hour

// Decision is the outcome of ranking one candidate set.
type Decision struct {
	Type           Type
	Source         SourceRef
	CampaignName   string
	CampaignSource string
	CampaignMedium string
	Rule           Rule
	Reason         string
}

// Rank applies the precedence paid call > paid touch > organic call >
// organic touch > unknown. Candidates are considered most recent first; the
// inputs are not modified.
func Rank(calls []clinicdata.CallEvent, touches []clinicdata.MarketingTouch) Decision {
	calls = sortCalls(calls)
	touches = sortTouches(touches)

	for _, call := range calls {
		if call.HasCampaign() {
			return Decision{
				Type:           TypeCall,
				Source:         CallSource(call.ID),
				CampaignName:   call.CampaignName,
				CampaignSource: "phone",
				CampaignMedium: "call",
				Rule:           RulePaidCall,
				Reason:         ReasonPaidCall,
			}
		}
	}

	for _, touch := range touches {
		if touch.IsPaid() {
			return Decision{
				Type:           TypeMarketingTouch,
				Source:         TouchSource(touch.ID),
				CampaignName:   touch.UTMCampaign,
				CampaignSource: touch.UTMSource,
				CampaignMedium: touch.UTMMedium,
				Rule:           RulePaidTouch,
				Reason:         ReasonPaidTouch,
			}
		}
	}

	if len(calls) > 0 {
		return Decision{
			Type:           TypeCall,
			Source:         CallSource(calls[0].ID),
			CampaignSource: "organic",
			CampaignMedium: "call",
			Rule:           RuleOrganicCall,
			Reason:         ReasonOrganicCall,
		}
	}

	if len(touches) > 0 {
		touch := touches[0]
		return Decision{
			Type:           TypeMarketingTouch,
			Source:         TouchSource(touch.ID),
			CampaignName:   touch.UTMCampaign,
			CampaignSource: orDefault(touch.UTMSource, "organic"),
			CampaignMedium: orDefault(touch.UTMMedium, "web"),
			Rule:           RuleOrganicTouch,
			Reason:         ReasonOrganicTouch,
		}
	}

	return Decision{
		Type:   TypeUnknown,
		Source: NoSource(),
		Rule:   RuleNoSignal,
		Reason: ReasonNoSignal,
	}
}

func sortCalls(calls []clinicdata.CallEvent) []clinicdata.CallEvent {
	out := append([]clinicdata.CallEvent(nil), calls...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func sortTouches(touches []clinicdata.MarketingTouch) []clinicdata.MarketingTouch {
	out := append([]clinicdata.MarketingTouch(nil), touches...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// Window returns the lookback window ending at paidAt.
func Window(paidAt time.Time, lookback time.Duration) (time.Time, time.Time) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return paidAt.Add(-lookback), paidAt
}

// NewEvidence assembles the evidence for a ranked decision.
func NewEvidence(inv clinicdata.Invoice, lookbackStart, evaluatedAt time.Time, callsFound, touchesFound int, d Decision) Evidence {
	start := lookbackStart.UTC()
	evaluated := evaluatedAt.UTC()
	ev := Evidence{
		InvoiceID:             inv.ID.String(),
		InvoiceAmount:         FormatCents(inv.TotalAmountCents),
		LookbackStart:         &start,
		EvaluatedAt:           &evaluated,
		CallEventsFound:       callsFound,
		MarketingTouchesFound: touchesFound,
		AttributionReason:     d.Reason,
		Rule:                  d.Rule,
	}
	if inv.PaidAt != nil {
		paid := inv.PaidAt.UTC()
		ev.PaidAt = &paid
	}
	return ev
}
