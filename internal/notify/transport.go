package notify

import (
	"context"
	"errors"
	"fmt"

	mail "github.com/wneessen/go-mail"

	"github.com/agrovision/riceguard/internal/config"
)

// SMTPTransport sends messages through an SMTP server. A fresh connection is
// dialed per message; delivery volume is far below connection-pool territory.
type SMTPTransport struct {
	cfg config.EmailConfig
}

// NewSMTPTransport builds a transport from the email configuration.
func NewSMTPTransport(cfg config.EmailConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

// Send delivers one message. The returned error wraps one of the package
// sentinels so the dispatcher can decide whether to retry.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	opts := []mail.Option{
		mail.WithPort(t.cfg.Port),
		mail.WithTimeout(t.cfg.SendTimeout),
	}
	if t.cfg.UseSSL {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if t.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(t.cfg.Username),
			mail.WithPassword(t.cfg.Password),
		)
	}

	client, err := mail.NewClient(t.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	m := mail.NewMsg()
	if err := m.From(t.cfg.Sender); err != nil {
		return fmt.Errorf("%w: invalid sender: %v", ErrRejected, err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("%w: invalid recipient: %v", ErrRejected, err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	if msg.AttachmentPath != "" {
		m.AttachFile(msg.AttachmentPath, mail.WithFileName(msg.AttachmentName))
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
	defer cancel()

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return classifySendError(err)
	}
	return nil
}

// classifySendError maps SMTP failures onto the package sentinels. Permanent
// server rejections must not be retried; everything else is transient.
func classifySendError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) && !sendErr.IsTemp() {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
}
