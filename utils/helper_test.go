package utils

import "testing"

func TestNormalizeLabel(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  ООО Ромашка  ", "ооо ромашка"},
		{"DealerName", "dealername"},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := NormalizeLabel(tc.in); got != tc.want {
			t.Fatalf("NormalizeLabel(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"8 (999) 123-45-67", "+79991234567"},
		{"+79991234567", "+79991234567"},
		{"79991234567", "+79991234567"},
		{"9991234567", "+79991234567"},
		{"", ""},
		{"12345", "12345"}, // unknown format passes through
	}
	for _, tc := range cases {
		if got := NormalizePhone(tc.in); got != tc.want {
			t.Fatalf("NormalizePhone(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestFormatPhoneDisplay(t *testing.T) {
	if got := FormatPhoneDisplay("89991234567"); got != "+7 (999) 123-45-67" {
		t.Fatalf("expected formatted number, got %q", got)
	}
}
