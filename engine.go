package goIdentity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goIdentity/internal/rate"
	"github.com/MrEthical07/goIdentity/oauth"
	"github.com/MrEthical07/goIdentity/password"
	"github.com/MrEthical07/goIdentity/secret"
	"github.com/MrEthical07/goIdentity/storage"
	"github.com/MrEthical07/goIdentity/token"
)

// Engine is the authentication core. Construct it with [New]; all methods
// are safe for concurrent use afterwards. The engine does not own the
// store: callers open and close it.
type Engine struct {
	config Config
	store  storage.Store

	tokens    *token.Manager
	passwords *password.Pool
	totp      *totpManager

	totpSealer  *secret.Sealer
	oauthSealer *secret.Sealer

	providers  *oauth.Registry
	httpClient *http.Client

	limiter *rate.Limiter
	metrics *Metrics
	audit   *auditDispatcher

	notifications Notifications
	notifyWG      sync.WaitGroup

	clock func() time.Time
	newID func() string

	sweepStop chan struct{}
	sweepDone chan struct{}
	sweepMu   sync.Mutex

	closeOnce sync.Once
}

// Option customizes engine construction.
type Option func(*engineOptions)

type engineOptions struct {
	clock         func() time.Time
	newID         func() string
	auditSink     AuditSink
	redis         redis.UniversalClient
	rateCounter   rate.Counter
	httpClient    *http.Client
	notifications Notifications
}

// WithClock overrides the engine's time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *engineOptions) { o.clock = clock }
}

// WithIDSource overrides how record ids are generated. The default is
// random UUIDs.
func WithIDSource(newID func() string) Option {
	return func(o *engineOptions) { o.newID = newID }
}

// WithAuditSink sets the destination for audit events. Effective only when
// [AuditConfig.Enabled] is set.
func WithAuditSink(sink AuditSink) Option {
	return func(o *engineOptions) { o.auditSink = sink }
}

// WithRedis backs the rate limiter with a shared Redis deployment so
// attempt budgets hold across processes. Without it the limiter counts
// in-process.
func WithRedis(client redis.UniversalClient) Option {
	return func(o *engineOptions) { o.redis = client }
}

// WithRateCounter injects a custom rate-limit counter backend. Takes
// precedence over [WithRedis].
func WithRateCounter(counter rate.Counter) Option {
	return func(o *engineOptions) { o.rateCounter = counter }
}

// WithHTTPClient sets the client used for OAuth provider calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *engineOptions) { o.httpClient = client }
}

// WithNotifications installs the outbound delivery hooks.
func WithNotifications(n Notifications) Option {
	return func(o *engineOptions) { o.notifications = n }
}

// New validates cfg and assembles an engine over store.
func New(cfg Config, store storage.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("goIdentity: store is required")
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("goIdentity: invalid config: %w", err)
	}

	var options engineOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.clock == nil {
		options.clock = time.Now
	}
	if options.newID == nil {
		options.newID = uuid.NewString
	}

	tokens, err := token.NewManager(token.Config{
		SigningMethod:      token.SigningMethod(cfg.Token.SigningMethod),
		PrivateKey:         cfg.Token.PrivateKey,
		PublicKey:          cfg.Token.PublicKey,
		Issuer:             cfg.Token.Issuer,
		Leeway:             cfg.Token.Leeway,
		KeyID:              cfg.Token.KeyID,
		VerifyKeys:         cfg.Token.VerifyKeys,
		AccessTTL:          cfg.Token.AccessTTL,
		RefreshTTL:         cfg.Token.RefreshTTL,
		ReauthorizationTTL: cfg.Token.ReauthorizationTTL,
		ChallengeTTL:       cfg.Token.ChallengeTTL,
		Clock:              options.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("goIdentity: token manager: %w", err)
	}

	hasher, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, fmt.Errorf("goIdentity: password hasher: %w", err)
	}
	pool, err := password.NewPool(hasher, cfg.Password.PoolWorkers)
	if err != nil {
		return nil, fmt.Errorf("goIdentity: password pool: %w", err)
	}

	e := &Engine{
		config:        cfg,
		store:         store,
		tokens:        tokens,
		passwords:     pool,
		totp:          newTOTPManager(cfg.MFA),
		providers:     oauth.NewRegistry(),
		httpClient:    options.httpClient,
		metrics:       NewMetrics(cfg.Metrics),
		audit:         newAuditDispatcher(cfg.Audit, options.auditSink),
		notifications: options.notifications,
		clock:         options.clock,
		newID:         options.newID,
	}

	if len(cfg.MFA.SecretEncryptionKey) > 0 {
		e.totpSealer, err = secret.NewSealer(cfg.MFA.SecretEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("goIdentity: MFA sealer: %w", err)
		}
	}
	if len(cfg.OAuth.TokenEncryptionKey) > 0 {
		e.oauthSealer, err = secret.NewSealer(cfg.OAuth.TokenEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("goIdentity: OAuth sealer: %w", err)
		}
	}

	if cfg.RateLimit.Enabled {
		counter := options.rateCounter
		if counter == nil {
			if options.redis != nil {
				counter = rate.NewRedisCounter(options.redis)
			} else {
				counter = rate.NewMemoryCounter()
			}
		}
		e.limiter = rate.New(counter, rate.Config{
			EnableIPThrottle: cfg.RateLimit.EnableIPThrottle,
			MaxLoginAttempts: cfg.RateLimit.MaxLoginAttempts,
			LoginWindow:      cfg.RateLimit.LoginWindow,
			MaxMFAAttempts:   cfg.RateLimit.MaxMFAAttempts,
			MFAWindow:        cfg.RateLimit.MFAWindow,
		})
	}

	return e, nil
}

// RegisterOAuthProvider adds a provider to the engine's registry. When the
// provider requires token storage, an OAuth encryption key must be
// configured.
func (e *Engine) RegisterOAuthProvider(p oauth.Provider) error {
	if p == nil {
		return errors.New("goIdentity: nil provider")
	}
	if p.RequiresTokenStorage() && e.oauthSealer == nil {
		return ErrOAuthEncryptionRequired
	}
	return e.providers.Register(p)
}

// Metrics returns the engine's counter registry. Never nil; disabled
// metrics report zeroes.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// MetricsSnapshot copies every counter and histogram, for exporters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// AuditDropped reports how many audit events were discarded under
// backpressure.
func (e *Engine) AuditDropped() uint64 {
	return e.audit.Dropped()
}

// Close stops the background sweeper, waits for in-flight notification
// deliveries, and drains the audit dispatcher. It does not close the
// store.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.stopSweeper()
		e.notifyWG.Wait()
		e.audit.Close()
	})
}

func (e *Engine) now() time.Time {
	return e.clock()
}

// auditFields carries the variable parts of an audit event. Success is
// derived from Error.
type auditFields struct {
	IdentityID string
	Email      string
	IP         string
	Provider   string
	Error      error
	Metadata   map[string]string
}

func (e *Engine) emitAudit(ctx context.Context, eventType string, f auditFields) {
	if e.audit == nil {
		return
	}
	event := AuditEvent{
		Timestamp:  e.now(),
		EventType:  eventType,
		IdentityID: f.IdentityID,
		Email:      f.Email,
		IP:         f.IP,
		Provider:   f.Provider,
		Success:    f.Error == nil,
		Metadata:   f.Metadata,
	}
	if f.Error != nil {
		event.Error = f.Error.Error()
	}
	e.audit.Emit(ctx, event)
}

func (e *Engine) metricInc(id MetricID) {
	e.metrics.Inc(id)
}

// normalizeEmail canonicalizes addresses before storage or lookup so the
// uniqueness constraint is case-insensitive in practice.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// checkPasswordPolicy applies the engine-level policy. Length is measured
// in bytes, matching the hasher's input cap.
func (e *Engine) checkPasswordPolicy(pw string) error {
	if len(pw) < e.config.Password.MinLength {
		return ErrPasswordPolicy
	}
	if len(pw) > password.DefaultMaxPasswordBytes {
		return ErrPasswordPolicy
	}
	return nil
}
