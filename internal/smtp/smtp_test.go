package smtp

import (
	"context"
	"errors"
	"net/smtp"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/imap"
	"github.com/matta/mailsync/internal/mailerr"
)

type capturedSend struct {
	addrs []string
	auths []smtp.Auth
	from  string
	rcpts []string
	msg   []byte
}

func testTransport(capture *capturedSend, errs ...error) *Transport {
	return &Transport{
		Secrets: fakeSecrets{"me@example.com": "pw"},
		sendMail: func(ctx context.Context, srv account.Server, timeout time.Duration,
			a smtp.Auth, from string, to []string, msg []byte) error {
			capture.addrs = append(capture.addrs, srv.Addr())
			capture.auths = append(capture.auths, a)
			capture.from, capture.rcpts, capture.msg = from, to, msg
			if len(errs) == 0 {
				return nil
			}
			err := errs[0]
			errs = errs[1:]
			return err
		},
	}
}

type fakeSecrets map[string]string

func (f fakeSecrets) Password(email string) (string, error) {
	if p, ok := f[email]; ok {
		return p, nil
	}
	return "", errors.New("no password")
}

func (f fakeSecrets) RefreshToken(string) (string, error) {
	return "", errors.New("no token")
}

type fakeTokens struct {
	n           int
	invalidated int
}

func (f *fakeTokens) AccessToken() (string, error) {
	f.n++
	return "tok", nil
}

func (f *fakeTokens) Invalidate() { f.invalidated++ }

const rawWithBcc = "From: me@example.com\r\n" +
	"To: Ann <ann@example.com>, bob@example.com\r\n" +
	"Cc: ANN@example.com\r\n" +
	"Bcc: carol@example.com\r\n" +
	"Subject: hi\r\n" +
	"\r\n" +
	"body\r\n"

func otherAccount() *account.Account {
	acc := &account.Account{Email: "me@example.com",
		SMTP: account.Server{Host: "smtp.example.com", Port: 587, Security: account.SecurityStartTLS}}
	acc.Normalize()
	return acc
}

func TestSendRecipientsAndBcc(t *testing.T) {
	var c capturedSend
	tr := testTransport(&c)
	if err := tr.Send(context.Background(), otherAccount(), "me@example.com", []byte(rawWithBcc)); err != nil {
		t.Fatalf("Send() = %v", err)
	}
	want := []string{"ann@example.com", "bob@example.com", "carol@example.com"}
	if diff := cmp.Diff(want, c.rcpts); diff != "" {
		t.Errorf("recipients mismatch (-want +got):\n%s", diff)
	}
	if strings.Contains(string(c.msg), "carol") {
		t.Errorf("transmitted message contains the Bcc header:\n%s", c.msg)
	}
	if !strings.HasSuffix(string(c.msg), "\r\n\r\nbody\r\n") {
		t.Errorf("transmitted message lost its body:\n%q", c.msg)
	}
	if c.addrs[0] != "smtp.example.com:587" {
		t.Errorf("addr = %q, want %q", c.addrs[0], "smtp.example.com:587")
	}
}

func TestSendWithoutBccIsUnchanged(t *testing.T) {
	var c capturedSend
	raw := "To: ann@example.com\r\nSubject: x\r\n\r\nhello\r\n"
	if err := testTransport(&c).Send(context.Background(), otherAccount(), "me@example.com", []byte(raw)); err != nil {
		t.Fatal(err)
	}
	if string(c.msg) != raw {
		t.Errorf("msg = %q, want %q", c.msg, raw)
	}
}

func TestSendNoRecipients(t *testing.T) {
	var c capturedSend
	err := testTransport(&c).Send(context.Background(), otherAccount(), "me@example.com",
		[]byte("Subject: x\r\n\r\nhello\r\n"))
	if !errors.Is(err, ErrNoRecipients) {
		t.Errorf("Send() = %v, want %v", err, ErrNoRecipients)
	}
}

func TestSendGoogleRetriesAuthOnce(t *testing.T) {
	var c capturedSend
	tokens := &fakeTokens{}
	tr := testTransport(&c, &textproto.Error{Code: 535, Msg: "5.7.8 Username and Password not accepted"})
	tr.Tokens = func(string) imap.TokenSource { return tokens }
	acc := &account.Account{Email: "me@gmail.com", Kind: account.KindGoogle}
	acc.Normalize()

	if err := tr.Send(context.Background(), acc, "me@gmail.com", []byte(rawWithBcc)); err != nil {
		t.Fatalf("Send() = %v", err)
	}
	if tokens.invalidated != 1 || tokens.n != 2 {
		t.Errorf("invalidated, tokens = %d, %d, want 1, 2", tokens.invalidated, tokens.n)
	}
	if c.addrs[0] != "smtp.gmail.com:587" {
		t.Errorf("addr = %q, want smtp.gmail.com:587", c.addrs[0])
	}
	if _, ok := c.auths[1].(*xoauth2Auth); !ok {
		t.Errorf("auth = %T, want *xoauth2Auth", c.auths[1])
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want mailerr.Kind
	}{
		{&textproto.Error{Code: 535}, mailerr.Auth},
		{&textproto.Error{Code: 421}, mailerr.Connection},
		{&textproto.Error{Code: 550}, mailerr.Protocol},
		{errors.New("boom"), mailerr.Unknown},
	}
	for _, tc := range cases {
		if got := mailerr.KindOf(classify(tc.err)); got != tc.want {
			t.Errorf("classify(%v) kind = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestXOAuth2RefusesPlaintext(t *testing.T) {
	a := &xoauth2Auth{username: "me@gmail.com", token: "tok"}
	if _, _, err := a.Start(&smtp.ServerInfo{Name: "smtp.gmail.com"}); err == nil {
		t.Errorf("Start() without TLS = nil error, want error")
	}
	mech, ir, err := a.Start(&smtp.ServerInfo{Name: "smtp.gmail.com", TLS: true})
	if err != nil || mech != "XOAUTH2" || string(ir) != "user=me@gmail.com\x01auth=Bearer tok\x01\x01" {
		t.Errorf("Start() = %q, %q, %v", mech, ir, err)
	}
}
