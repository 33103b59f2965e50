// Package notify delivers a new user's initial password out of band.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// CredentialNotifier hands an initial password to its owner.
type CredentialNotifier interface {
	SendInitialCredential(ctx context.Context, name, email, password string) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	From     string
}

type EmailNotifier struct {
	from   string
	client *mail.Client
	lg     *zap.SugaredLogger
}

func NewEmailNotifier(cfg SMTPConfig, lg *zap.SugaredLogger) (*EmailNotifier, error) {
	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory),
			mail.WithTLSConfig(&tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mail client: %w", err)
	}
	return &EmailNotifier{from: cfg.From, client: client, lg: lg}, nil
}

func (n *EmailNotifier) SendInitialCredential(ctx context.Context, name, email, password string) error {
	m := mail.NewMsg()
	if err := m.From(n.from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := m.To(email); err != nil {
		return fmt.Errorf("mail to: %w", err)
	}
	m.Subject("Your account has been created")
	m.SetBodyString(mail.TypeTextPlain, fmt.Sprintf(
		"Hello %s,\n\nAn account has been created for you.\nInitial password: %s\n\n"+
			"Sign in from the device you intend to use; an administrator has to approve it before access is granted.\n",
		name, password))
	if err := n.client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	n.lg.Infow("initial credential sent", "email", email)
	return nil
}

// LogNotifier is used when SMTP is not configured. It records that delivery
// was skipped and never logs the password.
type LogNotifier struct {
	lg *zap.SugaredLogger
}

func NewLogNotifier(lg *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{lg: lg}
}

func (n *LogNotifier) SendInitialCredential(_ context.Context, _, email, _ string) error {
	n.lg.Warnw("smtp not configured, initial credential not delivered; use a password reset", "email", email)
	return nil
}
