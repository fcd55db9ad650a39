package notification

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/model"
)

// EmailNotifier implements the Notifier interface for sending emails.
type EmailNotifier struct {
	cfg  config.SMTPConfig
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier creates a new EmailNotifier.
func NewEmailNotifier(cfg config.SMTPConfig) (model.Notifier, error) {
	if cfg.Host == "" || cfg.From == "" || len(Recipients(cfg.To)) == 0 {
		return nil, fmt.Errorf("smtp host, from and to must be set")
	}
	// PlainAuth will not send credentials until the server identifies itself as a trusted one.
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &EmailNotifier{cfg: cfg, auth: auth, send: smtp.SendMail}, nil
}

// Send sends an HTML email to the configured recipients.
func (n *EmailNotifier) Send(subject, body string) error {
	port := n.cfg.Port
	if port == 0 {
		port = 25
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, port)
	recipients := Recipients(n.cfg.To)

	msg := Message(n.cfg.From, recipients, subject, body)
	if err := n.send(addr, n.auth, n.cfg.From, recipients, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// Recipients splits a comma separated address list, dropping blanks.
func Recipients(to string) []string {
	var out []string
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Message builds the raw RFC 5322 message for an HTML body.
func Message(from string, to []string, subject, body string) []byte {
	return []byte("To: " + strings.Join(to, ", ") + "\r\n" +
		"From: " + from + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n" +
		"\r\n" +
		body)
}
