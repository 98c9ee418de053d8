package auth

import "time"

// Config holds auth service settings. Access and refresh tokens are signed
// with distinct secrets so a leaked access secret cannot mint long-lived
// credentials.
type Config struct {
	AccessTokenSecret  string        `env:"AUTH_ACCESS_TOKEN_SECRET,required"`
	RefreshTokenSecret string        `env:"AUTH_REFRESH_TOKEN_SECRET,required"`
	ResetTokenSecret   string        `env:"AUTH_RESET_TOKEN_SECRET,required"`
	AccessTokenTTL     time.Duration `env:"AUTH_ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL    time.Duration `env:"AUTH_REFRESH_TOKEN_TTL" envDefault:"720h"`
	VerificationTTL    time.Duration `env:"AUTH_VERIFICATION_TTL" envDefault:"24h"`
	PasswordResetTTL   time.Duration `env:"AUTH_PASSWORD_RESET_TTL" envDefault:"1h"`
	BcryptCost         int           `env:"AUTH_BCRYPT_COST" envDefault:"12"`
	MaxLoginAttempts   int           `env:"AUTH_MAX_LOGIN_ATTEMPTS" envDefault:"5"`
	LockoutDuration    time.Duration `env:"AUTH_LOCKOUT_DURATION" envDefault:"30m"`
	AppBaseURL         string        `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`
}
