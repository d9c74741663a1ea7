package contact

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+5491112345678", "+5491112345678"},
		{"5491112345678", "+5491112345678"},
		{" +54 9 11 1234-5678 ", "+5491112345678"},
		{"(011) 555-0199", "+0115550199"},
		{"whatsapp:+5491112345678", "+5491112345678"},
		{"WhatsApp:+54 911 1234 5678", "+5491112345678"},
		{"005491112345678", "+5491112345678"},
		{"ALL", "all"},
		{"agent@example.com", "agent@example.com"},
		{"12345", "12345"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEqual(t *testing.T) {
	if !Equal("+54 9 11 1234 5678", "whatsapp:5491112345678") {
		t.Error("equivalent spellings should be equal")
	}
	if Equal("+5491112345678", "+5491112345679") {
		t.Error("different numbers should not be equal")
	}
	if Equal("", "") {
		t.Error("empty identities should never be equal")
	}
}

func TestDisplayName(t *testing.T) {
	if got := DisplayName("+5491112345678"); got != "Contact +5491112345678" {
		t.Errorf("DisplayName = %q", got)
	}
}
