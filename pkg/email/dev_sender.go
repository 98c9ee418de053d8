package email

import (
	"context"
	"log/slog"
)

// DevSender implements EmailSender for local development: it logs the mail
// instead of delivering it, so flows that send email can run without
// Postmark credentials.
type DevSender struct {
	log *slog.Logger
}

// NewDevSender creates a log-only email sender.
func NewDevSender(log *slog.Logger) EmailSender {
	if log == nil {
		log = slog.Default()
	}
	return &DevSender{log: log}
}

func (d *DevSender) SendEmail(ctx context.Context, params SendEmailParams) error {
	if err := params.Validate(); err != nil {
		return err
	}

	d.log.InfoContext(ctx, "dev mail",
		slog.String("to", params.SendTo),
		slog.String("subject", params.Subject),
		slog.String("tag", params.Tag),
		slog.String("body", params.BodyHTML),
	)
	return nil
}
