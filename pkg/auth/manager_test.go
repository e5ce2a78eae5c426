package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testPrivateKey generates a fresh P-256 key in PEM form.
func testPrivateKey(t *testing.T) ([]byte, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return pemBytes, key
}

func testConfig(t *testing.T) Config {
	t.Helper()
	pemBytes, _ := testPrivateKey(t)
	return Config{
		KeyID:      "TESTKEY123",
		IssuerID:   "issuer-uuid",
		PrivateKey: pemBytes,
	}
}

func TestNewManager_Validation(t *testing.T) {
	pemBytes, _ := testPrivateKey(t)

	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{
			name: "valid config",
			config: Config{
				KeyID:      "KEY1",
				IssuerID:   "ISS1",
				PrivateKey: pemBytes,
			},
			expectError: false,
		},
		{
			name: "missing key id",
			config: Config{
				IssuerID:   "ISS1",
				PrivateKey: pemBytes,
			},
			expectError: true,
		},
		{
			name: "missing issuer id",
			config: Config{
				KeyID:      "KEY1",
				PrivateKey: pemBytes,
			},
			expectError: true,
		},
		{
			name: "missing private key",
			config: Config{
				KeyID:    "KEY1",
				IssuerID: "ISS1",
			},
			expectError: true,
		},
		{
			name: "refresh margin longer than lifetime",
			config: Config{
				KeyID:         "KEY1",
				IssuerID:      "ISS1",
				PrivateKey:    pemBytes,
				Lifetime:      time.Minute,
				RefreshMargin: 2 * time.Minute,
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.config)
			if tt.expectError && err == nil {
				t.Error("Expected error but got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestCredential_ClaimsAndHeader(t *testing.T) {
	pemBytes, key := testPrivateKey(t)

	mgr, err := NewManager(Config{
		KeyID:      "ABC123",
		IssuerID:   "issuer-1",
		PrivateKey: pemBytes,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	cred, err := mgr.Credential()
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}

	parsed, err := jwt.Parse(cred.Token, func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithAudience(Audience))
	if err != nil {
		t.Fatalf("parse signed token: %v", err)
	}

	if kid := parsed.Header["kid"]; kid != "ABC123" {
		t.Errorf("kid = %v, want ABC123", kid)
	}

	claims := parsed.Claims.(jwt.MapClaims)
	if iss, _ := claims.GetIssuer(); iss != "issuer-1" {
		t.Errorf("iss = %q, want issuer-1", iss)
	}

	if got := cred.ExpiresAt.Sub(cred.IssuedAt); got != DefaultLifetime {
		t.Errorf("token lifetime = %v, want %v", got, DefaultLifetime)
	}
}

func TestCredential_CachedUntilMargin(t *testing.T) {
	mgr, err := NewManager(testConfig(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	var signCount int32
	realSign := mgr.signFn
	mgr.signFn = func(issued, expiry time.Time) (string, error) {
		atomic.AddInt32(&signCount, 1)
		return realSign(issued, expiry)
	}

	first, err := mgr.Credential()
	if err != nil {
		t.Fatalf("first Credential: %v", err)
	}

	// Well within lifetime: cached credential is reused.
	now = now.Add(10 * time.Minute)
	second, err := mgr.Credential()
	if err != nil {
		t.Fatalf("second Credential: %v", err)
	}
	if first.Token != second.Token {
		t.Error("Expected cached credential to be reused")
	}
	if atomic.LoadInt32(&signCount) != 1 {
		t.Errorf("sign count = %d, want 1", signCount)
	}

	// Inside the refresh margin: a new credential is signed.
	now = now.Add(9*time.Minute + 30*time.Second)
	third, err := mgr.Credential()
	if err != nil {
		t.Fatalf("third Credential: %v", err)
	}
	if third.Token == first.Token {
		t.Error("Expected a fresh credential inside the refresh margin")
	}
	if atomic.LoadInt32(&signCount) != 2 {
		t.Errorf("sign count = %d, want 2", signCount)
	}

	// The fresh credential is never expired at hand-off.
	if !third.Valid(now, DefaultRefreshMargin) {
		t.Error("Fresh credential should be valid past the refresh margin")
	}
}

func TestCredential_ConcurrentRefreshSignsOnce(t *testing.T) {
	mgr, err := NewManager(testConfig(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var signCount int32
	mgr.signFn = func(issued, expiry time.Time) (string, error) {
		atomic.AddInt32(&signCount, 1)
		// Simulate a slow signing operation to widen the race window.
		time.Sleep(10 * time.Millisecond)
		return "signed-token", nil
	}

	const callers = 25
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			cred, err := mgr.Credential()
			if err != nil {
				t.Errorf("Credential: %v", err)
				return
			}
			tokens[idx] = cred.Token
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&signCount); got != 1 {
		t.Errorf("sign count = %d, want exactly 1", got)
	}
	for i, tok := range tokens {
		if tok != "signed-token" {
			t.Errorf("caller %d got token %q, want the shared fresh credential", i, tok)
		}
	}
}

func TestCredential_MalformedKey(t *testing.T) {
	mgr, err := NewManager(Config{
		KeyID:      "KEY1",
		IssuerID:   "ISS1",
		PrivateKey: []byte("not a pem key"),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	_, err = mgr.Credential()
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey, got %v", err)
	}
}

func TestInvalidate_ForcesResign(t *testing.T) {
	mgr, err := NewManager(testConfig(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var signCount int32
	realSign := mgr.signFn
	mgr.signFn = func(issued, expiry time.Time) (string, error) {
		atomic.AddInt32(&signCount, 1)
		return realSign(issued, expiry)
	}

	if _, err := mgr.Credential(); err != nil {
		t.Fatalf("Credential: %v", err)
	}

	mgr.Invalidate()

	if _, err := mgr.Credential(); err != nil {
		t.Fatalf("Credential after invalidate: %v", err)
	}
	if got := atomic.LoadInt32(&signCount); got != 2 {
		t.Errorf("sign count = %d, want 2 (invalidate must force a re-sign)", got)
	}
}

func TestLoadPrivateKey_Missing(t *testing.T) {
	_, err := LoadPrivateKey("/nonexistent/key.p8")
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey for missing file, got %v", err)
	}
}
