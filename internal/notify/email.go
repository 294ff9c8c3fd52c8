package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"
)

// EmailConfig configures the SMTP sender.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// EmailSender delivers notifications over SMTP with PLAIN auth.
type EmailSender struct {
	id   string
	cfg  EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender creates an SMTP sender.
func NewEmailSender(id string, cfg EmailConfig) (*EmailSender, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("email %s: host, from and to are required", id)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailSender{id: id, cfg: cfg, send: smtp.SendMail}, nil
}

func (e *EmailSender) ID() string { return e.id }

func (e *EmailSender) message(p Payload) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: [4ex.ninja] %s\r\n", p.Title)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@4ex.ninja>\r\n", p.SignalID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(p.Text, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

func (e *EmailSender) Send(ctx context.Context, p Payload) error {
	addr := net.JoinHostPort(e.cfg.Host, fmt.Sprint(e.cfg.Port))
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	done := make(chan error, 1)
	go func() { done <- e.send(addr, auth, e.cfg.From, e.cfg.To, e.message(p)) }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("email: send: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			return nil
		}
		// 5xx SMTP replies are permanent rejections.
		var perr *textproto.Error
		if errors.As(err, &perr) && perr.Code >= 500 {
			return Permanent(fmt.Errorf("email: %w", err))
		}
		return fmt.Errorf("email: send: %w", err)
	}
}
