package goIdentity

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// configEnv holds raw environment values before they are mapped onto Config.
// Key material arrives base64 encoded (standard, padded).
type configEnv struct {
	Environment string `env:"GOIDENTITY_ENV" envDefault:"development"`

	TokenSigningMethod string        `env:"GOIDENTITY_TOKEN_SIGNING_METHOD" envDefault:"ed25519"`
	TokenPrivateKey    string        `env:"GOIDENTITY_TOKEN_PRIVATE_KEY"`
	TokenPublicKey     string        `env:"GOIDENTITY_TOKEN_PUBLIC_KEY"`
	TokenIssuer        string        `env:"GOIDENTITY_TOKEN_ISSUER"`
	TokenKeyID         string        `env:"GOIDENTITY_TOKEN_KEY_ID"`
	TokenLeeway        time.Duration `env:"GOIDENTITY_TOKEN_LEEWAY"`
	AccessTTL          time.Duration `env:"GOIDENTITY_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL         time.Duration `env:"GOIDENTITY_REFRESH_TTL" envDefault:"168h"`
	ReauthorizationTTL time.Duration `env:"GOIDENTITY_REAUTHORIZATION_TTL" envDefault:"5m"`
	ChallengeTTL       time.Duration `env:"GOIDENTITY_CHALLENGE_TTL" envDefault:"5m"`

	PasswordMemory      uint32 `env:"GOIDENTITY_PASSWORD_MEMORY_KB" envDefault:"65536"`
	PasswordTime        uint32 `env:"GOIDENTITY_PASSWORD_TIME" envDefault:"3"`
	PasswordParallelism uint8  `env:"GOIDENTITY_PASSWORD_PARALLELISM" envDefault:"2"`
	PasswordMinLength   int    `env:"GOIDENTITY_PASSWORD_MIN_LENGTH" envDefault:"10"`
	PasswordPoolWorkers int    `env:"GOIDENTITY_PASSWORD_POOL_WORKERS" envDefault:"4"`
	PasswordUpgrade     bool   `env:"GOIDENTITY_PASSWORD_UPGRADE_ON_VERIFY" envDefault:"true"`

	MFAIssuer            string `env:"GOIDENTITY_MFA_ISSUER" envDefault:"goIdentity"`
	MFADigits            int    `env:"GOIDENTITY_MFA_DIGITS" envDefault:"6"`
	MFAPeriod            int    `env:"GOIDENTITY_MFA_PERIOD" envDefault:"30"`
	MFAAlgorithm         string `env:"GOIDENTITY_MFA_ALGORITHM" envDefault:"SHA1"`
	MFASkew              int    `env:"GOIDENTITY_MFA_SKEW" envDefault:"1"`
	MFAChallengeAttempts int    `env:"GOIDENTITY_MFA_CHALLENGE_ATTEMPTS" envDefault:"3"`
	MFABackupCodeCount   int    `env:"GOIDENTITY_MFA_BACKUP_CODE_COUNT" envDefault:"10"`
	MFABackupCodeLength  int    `env:"GOIDENTITY_MFA_BACKUP_CODE_LENGTH" envDefault:"10"`
	MFADebugBypassCode   string `env:"GOIDENTITY_MFA_DEBUG_BYPASS_CODE"`
	MFASecretKey         string `env:"GOIDENTITY_MFA_SECRET_KEY"`

	OAuthStateTTL  time.Duration `env:"GOIDENTITY_OAUTH_STATE_TTL" envDefault:"10m"`
	OAuthTokenKey  string        `env:"GOIDENTITY_OAUTH_TOKEN_KEY"`

	RateLimitEnabled    bool          `env:"GOIDENTITY_RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitIPThrottle bool          `env:"GOIDENTITY_RATE_LIMIT_IP_THROTTLE" envDefault:"true"`
	MaxLoginAttempts    int           `env:"GOIDENTITY_MAX_LOGIN_ATTEMPTS" envDefault:"5"`
	LoginWindow         time.Duration `env:"GOIDENTITY_LOGIN_WINDOW" envDefault:"15m"`
	MaxMFAAttempts      int           `env:"GOIDENTITY_MAX_MFA_ATTEMPTS" envDefault:"10"`
	MFAWindow           time.Duration `env:"GOIDENTITY_MFA_WINDOW" envDefault:"15m"`

	DeletionGracePeriod time.Duration `env:"GOIDENTITY_DELETION_GRACE_PERIOD" envDefault:"336h"`
	EmailChangeTTL      time.Duration `env:"GOIDENTITY_EMAIL_CHANGE_TTL" envDefault:"1h"`
	VerificationTTL     time.Duration `env:"GOIDENTITY_VERIFICATION_TTL" envDefault:"24h"`
	ResetTTL            time.Duration `env:"GOIDENTITY_RESET_TTL" envDefault:"15m"`

	APIKeyDefaultTTL time.Duration `env:"GOIDENTITY_API_KEY_DEFAULT_TTL"`

	AuditEnabled    bool `env:"GOIDENTITY_AUDIT_ENABLED"`
	AuditBufferSize int  `env:"GOIDENTITY_AUDIT_BUFFER_SIZE" envDefault:"1024"`
	AuditDropIfFull bool `env:"GOIDENTITY_AUDIT_DROP_IF_FULL" envDefault:"true"`

	MetricsEnabled    bool `env:"GOIDENTITY_METRICS_ENABLED"`
	MetricsHistograms bool `env:"GOIDENTITY_METRICS_HISTOGRAMS"`

	SweepInterval time.Duration `env:"GOIDENTITY_SWEEP_INTERVAL" envDefault:"10m"`
}

// ConfigFromEnv builds a Config from GOIDENTITY_* environment variables.
// The result is normalized but not validated; callers still pass it to New,
// which validates.
func ConfigFromEnv() (Config, error) {
	var raw configEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		Environment: raw.Environment,
		Token: TokenConfig{
			SigningMethod:      raw.TokenSigningMethod,
			Issuer:             raw.TokenIssuer,
			KeyID:              raw.TokenKeyID,
			Leeway:             raw.TokenLeeway,
			AccessTTL:          raw.AccessTTL,
			RefreshTTL:         raw.RefreshTTL,
			ReauthorizationTTL: raw.ReauthorizationTTL,
			ChallengeTTL:       raw.ChallengeTTL,
		},
		Password: PasswordConfig{
			Memory:          raw.PasswordMemory,
			Time:            raw.PasswordTime,
			Parallelism:     raw.PasswordParallelism,
			MinLength:       raw.PasswordMinLength,
			PoolWorkers:     raw.PasswordPoolWorkers,
			UpgradeOnVerify: raw.PasswordUpgrade,
		},
		MFA: MFAConfig{
			Issuer:            raw.MFAIssuer,
			Digits:            raw.MFADigits,
			Period:            raw.MFAPeriod,
			Algorithm:         raw.MFAAlgorithm,
			Skew:              raw.MFASkew,
			ChallengeAttempts: raw.MFAChallengeAttempts,
			BackupCodeCount:   raw.MFABackupCodeCount,
			BackupCodeLength:  raw.MFABackupCodeLength,
			DebugBypassCode:   raw.MFADebugBypassCode,
		},
		OAuth: OAuthConfig{
			StateTTL: raw.OAuthStateTTL,
		},
		RateLimit: RateLimitConfig{
			Enabled:          raw.RateLimitEnabled,
			EnableIPThrottle: raw.RateLimitIPThrottle,
			MaxLoginAttempts: raw.MaxLoginAttempts,
			LoginWindow:      raw.LoginWindow,
			MaxMFAAttempts:   raw.MaxMFAAttempts,
			MFAWindow:        raw.MFAWindow,
		},
		Lifecycle: LifecycleConfig{
			DeletionGracePeriod: raw.DeletionGracePeriod,
			EmailChangeTTL:      raw.EmailChangeTTL,
			VerificationTTL:     raw.VerificationTTL,
			ResetTTL:            raw.ResetTTL,
		},
		APIKey: APIKeyConfig{
			DefaultTTL: raw.APIKeyDefaultTTL,
		},
		Audit: AuditConfig{
			Enabled:    raw.AuditEnabled,
			BufferSize: raw.AuditBufferSize,
			DropIfFull: raw.AuditDropIfFull,
		},
		Metrics: MetricsConfig{
			Enabled:                 raw.MetricsEnabled,
			EnableLatencyHistograms: raw.MetricsHistograms,
		},
		Sweep: SweepConfig{
			Interval: raw.SweepInterval,
		},
	}

	for _, bind := range []struct {
		name  string
		value string
		dst   *[]byte
	}{
		{"GOIDENTITY_TOKEN_PRIVATE_KEY", raw.TokenPrivateKey, &cfg.Token.PrivateKey},
		{"GOIDENTITY_TOKEN_PUBLIC_KEY", raw.TokenPublicKey, &cfg.Token.PublicKey},
		{"GOIDENTITY_MFA_SECRET_KEY", raw.MFASecretKey, &cfg.MFA.SecretEncryptionKey},
		{"GOIDENTITY_OAUTH_TOKEN_KEY", raw.OAuthTokenKey, &cfg.OAuth.TokenEncryptionKey},
	} {
		if bind.value == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(bind.value)
		if err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", bind.name, err)
		}
		*bind.dst = decoded
	}

	cfg.Normalize()
	return cfg, nil
}
