package clinicdata

import "testing"

func TestIsPaidMedium(t *testing.T) {
	cases := []struct {
		medium string
		want   bool
	}{
		{"cpc", true},
		{"ppc", true},
		{"paid", true},
		{"CPC", false},
		{" cpc", false},
		{"email", false},
		{"", false},
	}

	for _, tc := range cases {
		if got := IsPaidMedium(tc.medium); got != tc.want {
			t.Errorf("IsPaidMedium(%q) = %v, want %v", tc.medium, got, tc.want)
		}
	}
}

func TestMarketingTouchIsPaid(t *testing.T) {
	if !(MarketingTouch{UTMMedium: "ppc"}).IsPaid() {
		t.Fatal("expected ppc touch to be paid")
	}
	if (MarketingTouch{UTMMedium: "Paid"}).IsPaid() {
		t.Fatal("expected medium matching to be exact")
	}
}
