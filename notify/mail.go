package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

type MailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// MailSink emails events that carry recipients. Events without recipients
// are ignored.
type MailSink struct {
	cfg  MailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewMailSink(cfg MailConfig) *MailSink {
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &MailSink{cfg: cfg, send: smtp.SendMail}
}

func (s *MailSink) Name() string { return "mail" }

func (s *MailSink) Send(ctx context.Context, e Event) error {
	if len(e.Recipients) == 0 {
		return nil
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := s.cfg.Host + ":" + s.cfg.Port

	var errs []error
	for _, to := range e.Recipients {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.send(addr, auth, s.cfg.From, []string{to}, s.message(to, e)); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

func (s *MailSink) message(to string, e Event) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", e.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(e.Body)
	return []byte(b.String())
}
