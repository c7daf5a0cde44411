package auth

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taskflow/callkit/internal/config"
	"github.com/taskflow/callkit/internal/signal"
)

func TestAPIKeyVerifier(t *testing.T) {
	v := APIKeyVerifier{Expected: "secret"}

	if err := v.Verify("secret"); err != nil {
		t.Fatalf("Verify(correct): %v", err)
	}
	if err := v.Verify("wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Verify(wrong)=%v, want ErrInvalidCredentials", err)
	}
	if err := v.Verify(""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Verify(empty)=%v, want ErrInvalidCredentials", err)
	}
	if err := (APIKeyVerifier{}).Verify("secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty expected key must reject everything, got %v", err)
	}
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier("hmac-secret")

	valid := signHS256(t, "hmac-secret", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if err := v.Verify(valid); err != nil {
		t.Fatalf("Verify(valid): %v", err)
	}

	expired := signHS256(t, "hmac-secret", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if err := v.Verify(expired); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Verify(expired)=%v, want ErrInvalidCredentials", err)
	}

	noExp := signHS256(t, "hmac-secret", jwt.MapClaims{"sub": "user-1"})
	if err := v.Verify(noExp); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Verify(no exp)=%v, want ErrInvalidCredentials", err)
	}

	wrongKey := signHS256(t, "other-secret", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if err := v.Verify(wrongKey); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Verify(wrong key)=%v, want ErrInvalidCredentials", err)
	}

	if err := v.Verify("not.a.jwt"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Verify(garbage)=%v, want ErrInvalidCredentials", err)
	}
}

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier(config.Config{AuthMode: config.AuthModeNone})
	if err != nil || v != nil {
		t.Fatalf("NewVerifier(none)=(%v, %v), want (nil, nil)", v, err)
	}

	v, err = NewVerifier(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewVerifier(api_key): %v", err)
	}
	if _, ok := v.(APIKeyVerifier); !ok {
		t.Fatalf("NewVerifier(api_key) returned %T", v)
	}

	v, err = NewVerifier(config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "s"})
	if err != nil {
		t.Fatalf("NewVerifier(jwt): %v", err)
	}
	if _, ok := v.(JWTVerifier); !ok {
		t.Fatalf("NewVerifier(jwt) returned %T", v)
	}
}

func TestCredentialFromQuery(t *testing.T) {
	if cred, err := CredentialFromQuery(config.AuthModeAPIKey, url.Values{"apiKey": {"k"}}); err != nil || cred != "k" {
		t.Fatalf("api_key query = (%q, %v)", cred, err)
	}
	if _, err := CredentialFromQuery(config.AuthModeAPIKey, url.Values{}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("missing apiKey err=%v", err)
	}
	if cred, err := CredentialFromQuery(config.AuthModeJWT, url.Values{"token": {"t"}}); err != nil || cred != "t" {
		t.Fatalf("jwt query = (%q, %v)", cred, err)
	}
}

func TestCredentialFromEnvelope(t *testing.T) {
	if cred, err := CredentialFromEnvelope(config.AuthModeAPIKey, signal.Envelope{Type: signal.TypeAuth, APIKey: "k"}); err != nil || cred != "k" {
		t.Fatalf("api_key envelope = (%q, %v)", cred, err)
	}
	if _, err := CredentialFromEnvelope(config.AuthModeJWT, signal.Envelope{Type: signal.TypeAuth, APIKey: "k"}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("jwt envelope without token err=%v", err)
	}
}
