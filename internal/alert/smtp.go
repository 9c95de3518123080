// Package alert sends run-failure summaries to the operations mailbox over
// plain SMTP. This is operator plumbing, not customer mail: failures here
// are logged and swallowed so an unreachable relay never masks the
// underlying run failure.
package alert

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"triggermail/internal/types"
)

// Config holds the SMTP relay settings for failure alerts. Alerting is
// disabled entirely when Host is empty.
type Config struct {
	Host     string
	Port     int
	From     string
	To       []string
	Username string
	Password types.SecretString
}

// Mailer delivers failure alerts. The zero-value Mailer (nil config host)
// is a no-op, so callers never need to branch on whether alerting is
// configured.
type Mailer struct {
	cfg    Config
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger *slog.Logger
}

// NewMailer creates a Mailer over the given relay configuration.
func NewMailer(cfg Config, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{cfg: cfg, send: smtp.SendMail, logger: logger}
}

// RunFailed sends a failure summary for one dispatch run. Errors are logged
// and not returned; the run's own exit status already reflects the failure.
func (m *Mailer) RunFailed(mailing types.MailingType, runID string, runErr error) {
	if m.cfg.Host == "" {
		return
	}

	subject := fmt.Sprintf("triggermail run failed: %s", mailing)
	body := fmt.Sprintf(
		"Run %s for mailing %q failed at %s.\n\nError: %v\n",
		runID, mailing, time.Now().Format(time.RFC3339), runErr,
	)

	msg := strings.Join([]string{
		"From: " + m.cfg.From,
		"To: " + strings.Join(m.cfg.To, ", "),
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password.Unmask(), m.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	if err := m.send(addr, auth, m.cfg.From, m.cfg.To, []byte(msg)); err != nil {
		m.logger.Error("failed to deliver failure alert",
			"mailing", string(mailing),
			"run_id", runID,
			"error", err,
		)
	}
}
