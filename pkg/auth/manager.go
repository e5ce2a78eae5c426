// Package auth manages the signed JWT credential used on every App Store
// Connect API call. A single credential is cached per manager and re-signed
// shortly before expiry; refresh is a critical section so concurrent callers
// observe exactly one signing operation.
package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for token lifecycle.
var (
	ascTokenRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asc_token_refreshes_total",
		Help: "Total number of JWT signing operations",
	})

	ascTokenInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asc_token_invalidations_total",
		Help: "Total number of forced credential invalidations (401 responses)",
	})
)

// Errors returned by the manager. Both map to an authentication failure at
// the executor boundary.
var (
	// ErrInvalidKey is returned when the private key cannot be read or parsed.
	ErrInvalidKey = errors.New("invalid private key")

	// ErrSigningFailed is returned when the ES256 signing operation fails.
	ErrSigningFailed = errors.New("token signing failed")
)

const (
	// Audience is the fixed JWT audience required by App Store Connect.
	Audience = "appstoreconnect-v1"

	// DefaultLifetime is the token lifetime (20 minutes, the maximum Apple allows).
	DefaultLifetime = 20 * time.Minute

	// DefaultRefreshMargin re-signs the token this long before expiry so a
	// credential handed to a caller is never on the edge of expiring.
	DefaultRefreshMargin = 60 * time.Second
)

// Credential is a signed, time-bounded authentication token.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether the credential can still be used, keeping the given
// safety margin before expiry.
func (c Credential) Valid(now time.Time, margin time.Duration) bool {
	return c.Token != "" && now.Before(c.ExpiresAt.Add(-margin))
}

// Config holds the signing key material and identifiers.
type Config struct {
	// KeyID is the App Store Connect API key ID (JWT "kid" header).
	KeyID string

	// IssuerID is the API issuer ID (JWT "iss" claim).
	IssuerID string

	// PrivateKey is the PEM-encoded EC P-256 private key (.p8 contents).
	PrivateKey []byte

	// Lifetime of each signed token (default: DefaultLifetime).
	Lifetime time.Duration

	// RefreshMargin before expiry at which the token is re-signed
	// (default: DefaultRefreshMargin).
	RefreshMargin time.Duration
}

// Manager owns the live credential and its refresh lifecycle.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	key  *ecdsa.PrivateKey
	cred Credential

	// Seams for tests: clock and signing operation.
	now    func() time.Time
	signFn func(now time.Time, expiry time.Time) (string, error)
}

// LoadPrivateKey reads PEM key material from disk.
func LoadPrivateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidKey, path, err)
	}
	return data, nil
}

// NewManager creates a token manager. The private key is parsed lazily on the
// first signing operation so a malformed key surfaces as ErrInvalidKey from
// Credential, not from construction.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("key ID is required")
	}
	if cfg.IssuerID == "" {
		return nil, fmt.Errorf("issuer ID is required")
	}
	if len(cfg.PrivateKey) == 0 {
		return nil, fmt.Errorf("private key is required")
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.RefreshMargin >= cfg.Lifetime {
		return nil, fmt.Errorf("refresh margin (%v) must be shorter than lifetime (%v)", cfg.RefreshMargin, cfg.Lifetime)
	}

	m := &Manager{
		cfg:    cfg,
		logger: log.With().Str("component", "token-manager").Logger(),
		now:    time.Now,
	}
	m.signFn = m.signES256

	return m, nil
}

// Credential returns a credential that will not expire within the refresh
// margin, signing a new token if necessary. Safe for concurrent use; during a
// refresh all callers block and receive the same fresh credential.
func (m *Manager) Credential() (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.cred.Valid(now, m.cfg.RefreshMargin) {
		m.logger.Debug().
			Time("expires_at", m.cred.ExpiresAt).
			Msg("Using cached credential")
		return m.cred, nil
	}

	expiry := now.Add(m.cfg.Lifetime)
	token, err := m.signFn(now, expiry)
	if err != nil {
		return Credential{}, err
	}

	m.cred = Credential{
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: expiry,
	}

	ascTokenRefreshesTotal.Inc()
	m.logger.Debug().
		Time("issued_at", now).
		Time("expires_at", expiry).
		Msg("Signed new credential")

	return m.cred, nil
}

// Invalidate drops the cached credential so the next call signs a fresh one.
// Called by the executor after a 401 response.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred.Token != "" {
		ascTokenInvalidationsTotal.Inc()
		m.logger.Warn().Msg("Credential invalidated, next call will re-sign")
	}
	m.cred = Credential{}
}

// signES256 builds and signs the App Store Connect JWT.
// Caller holds m.mu.
func (m *Manager) signES256(now, expiry time.Time) (string, error) {
	if m.key == nil {
		key, err := jwt.ParseECPrivateKeyFromPEM(m.cfg.PrivateKey)
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to parse private key")
			return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		m.key = key
	}

	claims := jwt.MapClaims{
		"iss": m.cfg.IssuerID,
		"iat": now.Unix(),
		"exp": expiry.Unix(),
		"aud": Audience,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = m.cfg.KeyID

	signed, err := token.SignedString(m.key)
	if err != nil {
		m.logger.Error().Err(err).Msg("ES256 signing failed")
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	return signed, nil
}
