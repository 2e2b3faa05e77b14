package notification

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"guestkey/config"
	"guestkey/internal/log"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel delivers messages over SMTP.
type EmailChannel struct {
	cfg      config.EmailConfig
	sendMail SendMailFunc
	logger   zerolog.Logger
}

// NewEmailChannel creates an SMTP channel. sendMail may be nil.
func NewEmailChannel(cfg config.EmailConfig, sendMail SendMailFunc) *EmailChannel {
	if sendMail == nil {
		sendMail = smtp.SendMail
	}
	return &EmailChannel{cfg: cfg, sendMail: sendMail, logger: log.WithComponent("email")}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) IsReady() bool {
	return c.cfg.Enabled && c.cfg.Host != "" && c.cfg.From != "" && c.cfg.To != ""
}

// Send mails text. A recipient that looks like an address overrides the
// configured one.
func (c *EmailChannel) Send(ctx context.Context, recipient, text string) bool {
	to := c.cfg.To
	if strings.Contains(recipient, "@") {
		to = recipient
	}

	subject, _, _ := strings.Cut(text, "\n")
	msg := buildMessage(c.cfg.From, to, "GuestKey: "+strings.Trim(subject, "* "), text)

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	if err := c.sendMail(addr, auth, c.cfg.From, []string{to}, msg); err != nil {
		c.logger.Error().Err(err).Str("to", to).Msg("email send failed")
		return false
	}
	return true
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
