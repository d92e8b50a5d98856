package goIdentity

import (
	"errors"
	"time"
)

// Config carries every engine tuning knob. Construct it programmatically or
// via ConfigFromEnv, then hand it to New; the engine treats it as immutable
// afterwards.
type Config struct {
	// Environment gates development-only behavior. The TOTP debug bypass
	// code is honored only when this is not "production".
	Environment string

	Token     TokenConfig
	Password  PasswordConfig
	MFA       MFAConfig
	OAuth     OAuthConfig
	RateLimit RateLimitConfig
	Lifecycle LifecycleConfig
	APIKey    APIKeyConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
	Sweep     SweepConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig configures the signed-claim kinds.
type TokenConfig struct {
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte

	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	ReauthorizationTTL time.Duration
	ChallengeTTL       time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig configures argon2id costs and the engine-level policy.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32

	// MinLength is the policy floor in bytes.
	MinLength int
	// PoolWorkers caps concurrent hash/verify derivations.
	PoolWorkers int
	// UpgradeOnVerify rehashes under current costs after a successful
	// verification of a weaker hash.
	UpgradeOnVerify bool
}

/*
====================================
MFA CONFIG
====================================
*/

// MFAConfig configures TOTP, backup codes and the login challenge.
type MFAConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Algorithm string // "SHA1" (default), "SHA256", "SHA512"
	Skew      int

	// ChallengeAttempts is the per-challenge budget carried in the
	// challenge token and decremented across re-issues.
	ChallengeAttempts int

	BackupCodeCount  int
	BackupCodeLength int

	// DebugBypassCode, when set and Environment is not "production",
	// verifies as a valid TOTP code. Validate rejects it in production.
	DebugBypassCode string

	// SecretEncryptionKey seals stored TOTP secrets (16/24/32 byte AES
	// key). Required to enable TOTP.
	SecretEncryptionKey []byte
}

/*
====================================
OAUTH CONFIG
====================================
*/

// OAuthConfig configures the connector-level behavior; providers themselves
// are registered on the engine.
type OAuthConfig struct {
	// StateTTL bounds the window between redirect and callback.
	StateTTL time.Duration
	// TokenEncryptionKey seals stored provider tokens. Required when any
	// registered provider reports RequiresTokenStorage.
	TokenEncryptionKey []byte
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig configures the login and MFA attempt budgets.
type RateLimitConfig struct {
	Enabled          bool
	EnableIPThrottle bool
	MaxLoginAttempts int
	LoginWindow      time.Duration
	MaxMFAAttempts   int
	MFAWindow        time.Duration
}

/*
====================================
LIFECYCLE CONFIG
====================================
*/

// LifecycleConfig configures account lifecycle windows.
type LifecycleConfig struct {
	// DeletionGracePeriod separates confirmed intent from the hard delete.
	DeletionGracePeriod time.Duration
	EmailChangeTTL      time.Duration
	VerificationTTL     time.Duration
	ResetTTL            time.Duration
}

/*
====================================
API KEY CONFIG
====================================
*/

// APIKeyConfig configures API key issuance.
type APIKeyConfig struct {
	// DefaultTTL applies when CreateAPIKey gets no explicit expiry.
	// Zero means keys do not expire by default.
	DefaultTTL time.Duration
}

/*
====================================
AUDIT / METRICS / SWEEP
====================================
*/

// AuditConfig configures the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig configures the counter registry.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// SweepConfig configures the background expiry sweep.
type SweepConfig struct {
	Interval time.Duration
}

func defaultConfig() Config {
	return Config{
		Environment: "development",
		Token: TokenConfig{
			SigningMethod:      "ed25519",
			AccessTTL:          15 * time.Minute,
			RefreshTTL:         7 * 24 * time.Hour,
			ReauthorizationTTL: 5 * time.Minute,
			ChallengeTTL:       5 * time.Minute,
		},
		Password: PasswordConfig{
			Memory:          65536,
			Time:            3,
			Parallelism:     2,
			SaltLength:      16,
			KeyLength:       32,
			MinLength:       10,
			PoolWorkers:     4,
			UpgradeOnVerify: true,
		},
		MFA: MFAConfig{
			Issuer:            "goIdentity",
			Digits:            6,
			Period:            30,
			Algorithm:         "SHA1",
			Skew:              1,
			ChallengeAttempts: 3,
			BackupCodeCount:   10,
			BackupCodeLength:  10,
		},
		OAuth: OAuthConfig{
			StateTTL: 10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:          true,
			EnableIPThrottle: true,
			MaxLoginAttempts: 5,
			LoginWindow:      15 * time.Minute,
			MaxMFAAttempts:   10,
			MFAWindow:        15 * time.Minute,
		},
		Lifecycle: LifecycleConfig{
			DeletionGracePeriod: 14 * 24 * time.Hour,
			EmailChangeTTL:      time.Hour,
			VerificationTTL:     24 * time.Hour,
			ResetTTL:            15 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Sweep: SweepConfig{
			Interval: 10 * time.Minute,
		},
	}
}

// Normalize fills zero values with defaults. Safe to call on a partially
// populated config.
func (c *Config) Normalize() {
	def := defaultConfig()
	if c.Environment == "" {
		c.Environment = def.Environment
	}
	if c.Token.SigningMethod == "" {
		c.Token.SigningMethod = def.Token.SigningMethod
	}
	if c.Token.AccessTTL <= 0 {
		c.Token.AccessTTL = def.Token.AccessTTL
	}
	if c.Token.RefreshTTL <= 0 {
		c.Token.RefreshTTL = def.Token.RefreshTTL
	}
	if c.Token.ReauthorizationTTL <= 0 {
		c.Token.ReauthorizationTTL = def.Token.ReauthorizationTTL
	}
	if c.Token.ChallengeTTL <= 0 {
		c.Token.ChallengeTTL = def.Token.ChallengeTTL
	}
	if c.Password.Memory == 0 {
		c.Password.Memory = def.Password.Memory
	}
	if c.Password.Time == 0 {
		c.Password.Time = def.Password.Time
	}
	if c.Password.Parallelism == 0 {
		c.Password.Parallelism = def.Password.Parallelism
	}
	if c.Password.SaltLength == 0 {
		c.Password.SaltLength = def.Password.SaltLength
	}
	if c.Password.KeyLength == 0 {
		c.Password.KeyLength = def.Password.KeyLength
	}
	if c.Password.MinLength == 0 {
		c.Password.MinLength = def.Password.MinLength
	}
	if c.Password.PoolWorkers == 0 {
		c.Password.PoolWorkers = def.Password.PoolWorkers
	}
	if c.MFA.Issuer == "" {
		c.MFA.Issuer = def.MFA.Issuer
	}
	if c.MFA.Digits == 0 {
		c.MFA.Digits = def.MFA.Digits
	}
	if c.MFA.Period == 0 {
		c.MFA.Period = def.MFA.Period
	}
	if c.MFA.Algorithm == "" {
		c.MFA.Algorithm = def.MFA.Algorithm
	}
	if c.MFA.ChallengeAttempts == 0 {
		c.MFA.ChallengeAttempts = def.MFA.ChallengeAttempts
	}
	if c.MFA.BackupCodeCount == 0 {
		c.MFA.BackupCodeCount = def.MFA.BackupCodeCount
	}
	if c.MFA.BackupCodeLength == 0 {
		c.MFA.BackupCodeLength = def.MFA.BackupCodeLength
	}
	if c.OAuth.StateTTL <= 0 {
		c.OAuth.StateTTL = def.OAuth.StateTTL
	}
	if c.RateLimit.MaxLoginAttempts == 0 {
		c.RateLimit.MaxLoginAttempts = def.RateLimit.MaxLoginAttempts
	}
	if c.RateLimit.LoginWindow <= 0 {
		c.RateLimit.LoginWindow = def.RateLimit.LoginWindow
	}
	if c.RateLimit.MaxMFAAttempts == 0 {
		c.RateLimit.MaxMFAAttempts = def.RateLimit.MaxMFAAttempts
	}
	if c.RateLimit.MFAWindow <= 0 {
		c.RateLimit.MFAWindow = def.RateLimit.MFAWindow
	}
	if c.Lifecycle.DeletionGracePeriod <= 0 {
		c.Lifecycle.DeletionGracePeriod = def.Lifecycle.DeletionGracePeriod
	}
	if c.Lifecycle.EmailChangeTTL <= 0 {
		c.Lifecycle.EmailChangeTTL = def.Lifecycle.EmailChangeTTL
	}
	if c.Lifecycle.VerificationTTL <= 0 {
		c.Lifecycle.VerificationTTL = def.Lifecycle.VerificationTTL
	}
	if c.Lifecycle.ResetTTL <= 0 {
		c.Lifecycle.ResetTTL = def.Lifecycle.ResetTTL
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = def.Audit.BufferSize
	}
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = def.Sweep.Interval
	}
}

// IsProduction reports whether the config targets production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate rejects configurations that would run insecurely or not at all.
// Call after Normalize.
func (c *Config) Validate() error {
	// Token
	if c.Token.SigningMethod != "ed25519" && c.Token.SigningMethod != "hs256" {
		return errors.New("unsupported token signing method")
	}
	if len(c.Token.PrivateKey) == 0 {
		return errors.New("token signing requires PrivateKey")
	}
	if c.Token.SigningMethod == "ed25519" && len(c.Token.PublicKey) == 0 && len(c.Token.VerifyKeys) == 0 {
		return errors.New("ed25519 requires PublicKey or VerifyKeys")
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		return errors.New("token TTLs must be > 0")
	}
	if c.Token.AccessTTL >= c.Token.RefreshTTL {
		return errors.New("access TTL must be shorter than refresh TTL")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 8 {
		return errors.New("password MinLength must be >= 8")
	}
	if c.Password.PoolWorkers < 1 {
		return errors.New("password PoolWorkers must be >= 1")
	}

	// MFA
	if c.MFA.Digits < 6 || c.MFA.Digits > 10 {
		return errors.New("MFA Digits must be between 6 and 10")
	}
	if c.MFA.Period < 15 || c.MFA.Period > 120 {
		return errors.New("MFA Period must be between 15 and 120 seconds")
	}
	switch c.MFA.Algorithm {
	case "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("MFA Algorithm must be SHA1, SHA256 or SHA512")
	}
	if c.MFA.Skew < 0 || c.MFA.Skew > 2 {
		return errors.New("MFA Skew must be between 0 and 2")
	}
	if c.MFA.ChallengeAttempts < 1 {
		return errors.New("MFA ChallengeAttempts must be >= 1")
	}
	if c.MFA.BackupCodeCount < 1 || c.MFA.BackupCodeCount > 50 {
		return errors.New("MFA BackupCodeCount must be between 1 and 50")
	}
	if c.MFA.BackupCodeLength < 8 || c.MFA.BackupCodeLength > 32 {
		return errors.New("MFA BackupCodeLength must be between 8 and 32")
	}
	if c.MFA.DebugBypassCode != "" && c.IsProduction() {
		return errors.New("MFA DebugBypassCode must not be set in production")
	}
	if len(c.MFA.SecretEncryptionKey) > 0 {
		if err := validAESKey(c.MFA.SecretEncryptionKey); err != nil {
			return errors.New("MFA SecretEncryptionKey must be 16, 24 or 32 bytes")
		}
	}

	// OAuth
	if len(c.OAuth.TokenEncryptionKey) > 0 {
		if err := validAESKey(c.OAuth.TokenEncryptionKey); err != nil {
			return errors.New("OAuth TokenEncryptionKey must be 16, 24 or 32 bytes")
		}
	}

	// Rate limiting
	if c.RateLimit.Enabled {
		if c.RateLimit.MaxLoginAttempts < 1 {
			return errors.New("RateLimit MaxLoginAttempts must be >= 1")
		}
		if c.RateLimit.MaxMFAAttempts < 1 {
			return errors.New("RateLimit MaxMFAAttempts must be >= 1")
		}
	}

	// Lifecycle
	if c.Lifecycle.DeletionGracePeriod < time.Hour {
		return errors.New("Lifecycle DeletionGracePeriod must be >= 1h")
	}

	return nil
}

func validAESKey(key []byte) error {
	switch len(key) {
	case 16, 24, 32:
		return nil
	default:
		return errors.New("invalid AES key length")
	}
}
