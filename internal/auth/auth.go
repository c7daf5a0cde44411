// Package auth verifies signaling credentials. The relay accepts credentials
// either via query parameters on the websocket upgrade request or via an
// auth envelope sent as the first message.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/taskflow/callkit/internal/config"
	"github.com/taskflow/callkit/internal/signal"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier returns the verifier for the configured auth mode, or nil when
// authentication is disabled.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

func CredentialFromEnvelope(mode config.AuthMode, e signal.Envelope) (string, error) {
	switch mode {
	case config.AuthModeAPIKey:
		if e.APIKey != "" {
			return e.APIKey, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if e.Token != "" {
			return e.Token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
