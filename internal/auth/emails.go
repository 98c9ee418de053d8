package auth

import (
	"context"
	"fmt"

	"github.com/ledgerline/billingd/internal/store"
	"github.com/ledgerline/billingd/pkg/email"
)

func (s *Service) sendVerificationEmail(ctx context.Context, user *store.User, verifyToken string) error {
	link := fmt.Sprintf("%s/auth/verify-email?token=%s", s.cfg.AppBaseURL, verifyToken)
	return s.mailer.SendEmail(ctx, email.SendEmailParams{
		SendTo:  user.Email,
		Subject: "Verify your email address",
		BodyHTML: fmt.Sprintf(
			`<p>Welcome! Please confirm your email address by clicking the link below.</p>`+
				`<p><a href="%s">Verify email</a></p>`+
				`<p>The link expires in %s. If you did not create an account, ignore this message.</p>`,
			link, s.cfg.VerificationTTL),
		Tag: "email-verification",
	})
}

func (s *Service) sendPasswordResetEmail(ctx context.Context, user *store.User, resetToken string) error {
	link := fmt.Sprintf("%s/auth/reset-password?token=%s", s.cfg.AppBaseURL, resetToken)
	return s.mailer.SendEmail(ctx, email.SendEmailParams{
		SendTo:  user.Email,
		Subject: "Reset your password",
		BodyHTML: fmt.Sprintf(
			`<p>We received a request to reset your password.</p>`+
				`<p><a href="%s">Choose a new password</a></p>`+
				`<p>The link expires in %s. If you did not request this, ignore this message.</p>`,
			link, s.cfg.PasswordResetTTL),
		Tag: "password-reset",
	})
}
