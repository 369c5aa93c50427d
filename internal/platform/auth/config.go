package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/veritide-labs/veritide-go/internal/platform/env"
)

type Config struct {
	Mode string

	OIDCIssuerURL string
	OIDCClientID  string
	EmailClaim    string
	RolesClaim    string

	SharedSecret string
	MaxSkew      time.Duration
}

func ConfigFromEnv() (Config, error) {
	maxSkew, err := env.Duration("VERITIDE_CALLBACK_MAX_SKEW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:          strings.ToLower(strings.TrimSpace(env.String("VERITIDE_CALLBACK_AUTH_MODE", ModeSharedSecret))),
		OIDCIssuerURL: strings.TrimSpace(env.String("VERITIDE_OIDC_ISSUER_URL", "")),
		OIDCClientID:  strings.TrimSpace(env.String("VERITIDE_OIDC_CLIENT_ID", "")),
		EmailClaim:    env.String("VERITIDE_OIDC_EMAIL_CLAIM", "email"),
		RolesClaim:    env.String("VERITIDE_OIDC_ROLES_CLAIM", "roles"),
		SharedSecret:  env.String("VERITIDE_CALLBACK_SHARED_SECRET", ""),
		MaxSkew:       maxSkew,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeOIDC:
		if c.OIDCIssuerURL == "" {
			return fmt.Errorf("VERITIDE_OIDC_ISSUER_URL is required for mode %q", ModeOIDC)
		}
		if c.OIDCClientID == "" {
			return fmt.Errorf("VERITIDE_OIDC_CLIENT_ID is required for mode %q", ModeOIDC)
		}
	case ModeSharedSecret:
		if strings.TrimSpace(c.SharedSecret) == "" {
			return fmt.Errorf("VERITIDE_CALLBACK_SHARED_SECRET is required for mode %q", ModeSharedSecret)
		}
		if c.MaxSkew <= 0 {
			return fmt.Errorf("VERITIDE_CALLBACK_MAX_SKEW must be positive")
		}
	default:
		return fmt.Errorf("unsupported callback auth mode: %q", c.Mode)
	}
	return nil
}
