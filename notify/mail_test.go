package notify

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func captureMail(s *MailSink, fail map[string]error) *[]sentMail {
	var sent []sentMail
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, auth: a, from: from, to: to, msg: string(msg)})
		return fail[to[0]]
	}
	return &sent
}

func TestMailSink_OneMessagePerRecipient(t *testing.T) {
	s := NewMailSink(MailConfig{Host: "smtp.example.com", Username: "fund@example.com", Password: "pw"})
	sent := captureMail(s, nil)

	e := Event{Kind: KindCaseFiled, Recipients: []string{"a@example.com", "b@example.com"},
		Subject: "New case", Body: "details"}
	require.NoError(t, s.Send(context.Background(), e))

	require.Len(t, *sent, 2)
	first := (*sent)[0]
	assert.Equal(t, "smtp.example.com:587", first.addr)
	assert.Equal(t, "fund@example.com", first.from)
	assert.Equal(t, []string{"a@example.com"}, first.to)
	assert.NotNil(t, first.auth)
	assert.Contains(t, first.msg, "Subject: New case\r\n")
	assert.Contains(t, first.msg, "To: a@example.com\r\n")
	assert.Contains(t, first.msg, "\r\n\r\ndetails")
}

func TestMailSink_SkipsEventsWithoutRecipients(t *testing.T) {
	s := NewMailSink(MailConfig{Host: "smtp.example.com", From: "noreply@example.com"})
	sent := captureMail(s, nil)

	require.NoError(t, s.Send(context.Background(), Event{Kind: KindBalanceChanged}))
	assert.Empty(t, *sent)
}

func TestMailSink_JoinsFailures(t *testing.T) {
	s := NewMailSink(MailConfig{Host: "smtp.example.com", Port: "25", From: "noreply@example.com"})
	sent := captureMail(s, map[string]error{"bad@example.com": errors.New("mailbox unavailable")})

	err := s.Send(context.Background(), Event{Recipients: []string{"bad@example.com", "ok@example.com"}})
	assert.ErrorContains(t, err, "bad@example.com")
	require.Len(t, *sent, 2)
	assert.Nil(t, (*sent)[1].auth)
	assert.Equal(t, "smtp.example.com:25", (*sent)[1].addr)
}
