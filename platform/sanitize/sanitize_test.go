package sanitize

import "testing"

func TestText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  referred by   a\tfriend\n", "referred by a friend"},
		{"<b>walk-in</b> patient", "walk-in patient"},
		{"&lt;script&gt;x&lt;/script&gt;ok", "xok"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Text(tc.in); got != tc.want {
			t.Errorf("Text(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLimit(t *testing.T) {
	if got := Limit("héllo", 2); got != "hé" {
		t.Fatalf("expected rune-safe truncation, got %q", got)
	}
	if got := Limit("short", 10); got != "short" {
		t.Fatalf("expected unchanged, got %q", got)
	}
}
