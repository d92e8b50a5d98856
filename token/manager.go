// Package token issues and verifies the signed claims used by the engine:
// access, refresh, reauthorization and MFA challenge tokens. Every kind
// carries the identity's session version so a single counter bump revokes
// all outstanding tokens at once.
package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the signature scheme for all token kinds.
type SigningMethod string

const (
	// MethodEd25519 signs with an Ed25519 key pair.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with a shared HMAC secret.
	MethodHS256 SigningMethod = "hs256"
)

// Kind discriminates the token families. The kind is embedded in the aud
// claim, so a token of one kind never verifies as another.
type Kind string

const (
	KindAccess          Kind = "access"
	KindRefresh         Kind = "refresh"
	KindReauthorization Kind = "reauthorization"
	KindChallenge       Kind = "mfa_challenge"
)

var (
	// ErrExpired marks a token whose exp has passed.
	ErrExpired = errors.New("token expired")
	// ErrWrongKind marks a structurally valid token presented to the wrong
	// verifier, e.g. a refresh token offered as an access token.
	ErrWrongKind = errors.New("token kind mismatch")
	// ErrInvalid covers every other verification failure: bad signature,
	// malformed claims, unknown key id.
	ErrInvalid = errors.New("token invalid")
)

// Config holds the signing material and per-kind lifetimes. Configure once
// at startup and treat as immutable.
type Config struct {
	SigningMethod SigningMethod
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

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Manager signs and verifies all four token kinds.
type Manager struct {
	config Config
}

// AccessClaims is the short-lived proof of an authenticated session.
type AccessClaims struct {
	SessionVersion int64 `json:"sessionVersion"`
	jwt.RegisteredClaims
}

// RefreshClaims mints new access tokens. The jti identifies the grant for
// rotation.
type RefreshClaims struct {
	SessionVersion int64 `json:"sessionVersion"`
	jwt.RegisteredClaims
}

// ReauthorizationClaims proves a recent password or MFA re-check and scopes
// the sensitive operations it unlocks.
type ReauthorizationClaims struct {
	Purpose           string   `json:"purpose"`
	AllowedOperations []string `json:"allowedOperations"`
	SessionVersion    int64    `json:"sessionVersion"`
	jwt.RegisteredClaims
}

// ChallengeClaims is the intermediate token handed out when a login needs a
// second factor. AttemptsRemaining decrements across re-issued tokens so the
// challenge itself stays stateless.
type ChallengeClaims struct {
	SessionVersion    int64    `json:"sessionVersion"`
	AttemptsRemaining int      `json:"attemptsRemaining"`
	AvailableMethods  []string `json:"availableMethods"`
	jwt.RegisteredClaims
}

// Subject packs an identity id and email into the sub claim. Only access
// tokens carry the email; the other kinds use the bare identity id.
func Subject(identityID, email string) string {
	return identityID + ":" + email
}

// SplitSubject unpacks a sub claim built by Subject. Emails can contain
// colons in theory, so only the first separator splits.
func SplitSubject(sub string) (identityID, email string, err error) {
	id, rest, ok := strings.Cut(sub, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("%w: malformed subject", ErrInvalid)
	}
	return id, rest, nil
}

// NewManager validates cfg and returns a ready manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token: access and refresh TTLs are required")
	}
	if cfg.ReauthorizationTTL <= 0 {
		cfg.ReauthorizationTTL = 5 * time.Minute
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("token: invalid leeway")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("token: hs256 requires a private key")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, errors.New("token: ed25519 requires a public key or verify key set")
		}
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("token: verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("token: invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return nil, errors.New("token: unsupported signing method")
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("token: KeyID is not present in VerifyKeys")
		}
	}
	return &Manager{config: cfg}, nil
}

// IssueAccess mints an access token for the identity at its current session
// version.
func (m *Manager) IssueAccess(identityID, email string, sessionVersion int64) (string, error) {
	claims := AccessClaims{
		SessionVersion:   sessionVersion,
		RegisteredClaims: m.registered(KindAccess, Subject(identityID, email), m.config.AccessTTL),
	}
	return m.sign(claims)
}

// ParseAccess verifies an access token and returns its claims.
func (m *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.parse(tokenStr, KindAccess, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// IssueRefresh mints a refresh token. jti names the grant so rotation can
// track it.
func (m *Manager) IssueRefresh(identityID, jti string, sessionVersion int64) (string, error) {
	claims := RefreshClaims{
		SessionVersion:   sessionVersion,
		RegisteredClaims: m.registered(KindRefresh, identityID, m.config.RefreshTTL),
	}
	claims.ID = jti
	return m.sign(claims)
}

// ParseRefresh verifies a refresh token and returns its claims.
func (m *Manager) ParseRefresh(tokenStr string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := m.parse(tokenStr, KindRefresh, claims); err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: refresh token missing jti", ErrInvalid)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: refresh token missing subject", ErrInvalid)
	}
	return claims, nil
}

// IssueReauthorization mints a short-lived proof of re-authentication
// scoped to the named operations.
func (m *Manager) IssueReauthorization(identityID, purpose string, allowedOperations []string, sessionVersion int64) (string, error) {
	claims := ReauthorizationClaims{
		Purpose:           purpose,
		AllowedOperations: allowedOperations,
		SessionVersion:    sessionVersion,
		RegisteredClaims:  m.registered(KindReauthorization, identityID, m.config.ReauthorizationTTL),
	}
	return m.sign(claims)
}

// ParseReauthorization verifies a reauthorization token and returns its
// claims. The caller still has to check AllowedOperations against the
// operation being attempted.
func (m *Manager) ParseReauthorization(tokenStr string) (*ReauthorizationClaims, error) {
	claims := &ReauthorizationClaims{}
	if err := m.parse(tokenStr, KindReauthorization, claims); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: reauthorization token missing subject", ErrInvalid)
	}
	return claims, nil
}

// IssueChallenge mints the intermediate MFA challenge token returned by a
// password login that still needs a second factor.
func (m *Manager) IssueChallenge(identityID string, sessionVersion int64, attemptsRemaining int, availableMethods []string) (string, error) {
	claims := ChallengeClaims{
		SessionVersion:    sessionVersion,
		AttemptsRemaining: attemptsRemaining,
		AvailableMethods:  availableMethods,
		RegisteredClaims:  m.registered(KindChallenge, identityID, m.config.ChallengeTTL),
	}
	return m.sign(claims)
}

// ParseChallenge verifies an MFA challenge token and returns its claims.
func (m *Manager) ParseChallenge(tokenStr string) (*ChallengeClaims, error) {
	claims := &ChallengeClaims{}
	if err := m.parse(tokenStr, KindChallenge, claims); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: challenge token missing subject", ErrInvalid)
	}
	return claims, nil
}

func (m *Manager) registered(kind Kind, subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := m.config.Clock()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{string(kind)},
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	if m.config.Issuer != "" {
		claims.Issuer = m.config.Issuer
	}
	return claims
}

func (m *Manager) sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(m.getMethod(), claims)
	if m.config.KeyID != "" {
		tok.Header["kid"] = m.config.KeyID
	}
	signKey, err := m.getSignKey()
	if err != nil {
		return "", err
	}
	return tok.SignedString(signKey)
}

func (m *Manager) parse(tokenStr string, kind Kind, claims jwt.Claims) error {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.getMethod().Alg()}),
		jwt.WithAudience(string(kind)),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.config.Clock),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(tokenStr, claims, m.resolveVerifyKey)
	if err != nil {
		return mapJWTError(err)
	}
	if !tok.Valid {
		return ErrInvalid
	}
	return nil
}

func (m *Manager) resolveVerifyKey(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != m.getMethod().Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}
	if len(m.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := m.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return m.keyBytesToVerifyKey(key)
	}
	if m.config.KeyID != "" {
		kid, _ := t.Header["kid"].(string)
		if kid != m.config.KeyID {
			return nil, errors.New("unknown kid")
		}
	}
	return m.getVerifyKey()
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrWrongKind, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
}

func (m *Manager) getMethod() jwt.SigningMethod {
	switch m.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (m *Manager) getSignKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPrivateKey(m.config.PrivateKey)
	}
}

func (m *Manager) getVerifyKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPublicKey(m.config.PublicKey)
	}
}

func (m *Manager) keyBytesToVerifyKey(key []byte) (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return key, nil
	default:
		return parseEdPublicKey(key)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("token: invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("token: invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("token: invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("token: invalid ed25519 public key type")
	}
	return edKey, nil
}
