// Package notify delivers verification codes to users.
package notify

import (
	"context"
	"fmt"
	"html"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Notifier sends a verification code to an e-mail address.
type Notifier interface {
	SendVerificationCode(ctx context.Context, email, code string) error
}

// SMTPConfig holds outgoing mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// dialer is satisfied by *gomail.Dialer.
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTP sends HTML mails through an SMTP relay (STARTTLS is negotiated by gomail).
type SMTP struct {
	from   string
	dialer dialer
	log    *zap.Logger
}

var _ Notifier = (*SMTP)(nil)

// NewSMTP constructs an SMTP notifier.
func NewSMTP(cfg SMTPConfig, log *zap.Logger) *SMTP {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &SMTP{
		from:   from,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		log:    log,
	}
}

func verificationBody(code string) string {
	return fmt.Sprintf(`<html>
<body>
  <h1>Validation Code</h1>
  <p>This is your verification code: <b>%s</b>. Don't share it with anyone.</p>
</body>
</html>`, html.EscapeString(code))
}

// SendVerificationCode mails the code.
func (s *SMTP) SendVerificationCode(ctx context.Context, email, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(s.from, "Report Keeper"))
	m.SetHeader("To", email)
	m.SetHeader("Subject", "Validation Code")
	m.SetBody("text/html", verificationBody(code))

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send verification mail: %w", err)
	}
	s.log.Info("verification mail sent", zap.String("to", email))
	return nil
}

// Log writes codes to the log instead of mailing them. Development only.
type Log struct{ log *zap.Logger }

var _ Notifier = (*Log)(nil)

// NewLog constructs a log-only notifier.
func NewLog(log *zap.Logger) *Log { return &Log{log: log} }

// SendVerificationCode logs the code.
func (l *Log) SendVerificationCode(_ context.Context, email, code string) error {
	l.log.Warn("verification code (smtp disabled)", zap.String("to", email), zap.String("code", code))
	return nil
}
