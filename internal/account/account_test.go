package account

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   Account
		want Account
	}{
		{
			in: Account{Email: " me@gmail.com ", Kind: KindGoogle},
			want: Account{
				Email:    "me@gmail.com",
				Kind:     KindGoogle,
				Username: "me@gmail.com",
				IMAP:     Server{Host: "imap.gmail.com", Port: 993, Security: SecuritySSL},
				SMTP:     Server{Host: "smtp.gmail.com", Port: 587, Security: SecurityStartTLS},
			},
		},
		{
			in: Account{
				Email:    "me@example.com",
				Username: "me",
				IMAP:     Server{Host: "mail.example.com", Port: 143, Security: SecurityNone},
			},
			want: Account{
				Email:    "me@example.com",
				Kind:     KindOther,
				Username: "me",
				IMAP:     Server{Host: "mail.example.com", Port: 143, Security: SecurityNone},
			},
		},
	}
	for _, tc := range cases {
		got := tc.in
		got.Normalize()
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Normalize(%+v) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestOwns(t *testing.T) {
	a := Account{Email: "me@example.com"}
	cases := []struct {
		addr string
		want bool
	}{
		{"me@example.com", true},
		{"ME@Example.com", true},
		{"alias@example.com", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := a.Owns(tc.addr); got != tc.want {
			t.Errorf("Owns(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
	if got := a.Domain(); got != "example.com" {
		t.Errorf("Domain() = %q, want %q", got, "example.com")
	}
}
