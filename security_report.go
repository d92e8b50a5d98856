package goIdentity

import "time"

// SecurityReport is a read-only snapshot of the engine's security posture,
// for operators and conformance checks. It carries configuration, never
// secrets.
type SecurityReport struct {
	ProductionMode    bool
	SigningMethod     string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	Argon2            PasswordConfigReport
	TOTPSealed        bool
	OAuthTokensSealed bool
	DebugBypassArmed  bool
	RateLimitActive   bool
	IPThrottleActive  bool
	AuditActive       bool
	MetricsActive     bool
}

// PasswordConfigReport contains the argon2id parameters active in the
// engine.
type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
	PoolWorkers int
}

// SecurityReport summarizes the running configuration.
func (e *Engine) SecurityReport() SecurityReport {
	cfg := e.config
	return SecurityReport{
		ProductionMode: cfg.IsProduction(),
		SigningMethod:  cfg.Token.SigningMethod,
		AccessTTL:      cfg.Token.AccessTTL,
		RefreshTTL:     cfg.Token.RefreshTTL,
		Argon2: PasswordConfigReport{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
			MinLength:   cfg.Password.MinLength,
			PoolWorkers: cfg.Password.PoolWorkers,
		},
		TOTPSealed:        e.totpSealer != nil,
		OAuthTokensSealed: e.oauthSealer != nil,
		DebugBypassArmed:  cfg.MFA.DebugBypassCode != "" && !cfg.IsProduction(),
		RateLimitActive:   e.limiter != nil,
		IPThrottleActive:  e.limiter != nil && cfg.RateLimit.EnableIPThrottle,
		AuditActive:       e.audit != nil,
		MetricsActive:     e.metrics.Enabled(),
	}
}
