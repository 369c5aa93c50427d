package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderCallbackTimestamp = "X-Veritide-Callback-Ts"
	HeaderCallbackSignature = "X-Veritide-Callback-Sig"
	HeaderCallbackSubject   = "X-Veritide-Callback-Subject"

	maxSignedBodyBytes = 10 << 20
)

// SharedSecretAuthenticator verifies an HMAC signature over the request
// timestamp, method, and body digest. The application-level shared secret
// path for deployments without a signing identity infrastructure.
type SharedSecretAuthenticator struct {
	secret  string
	maxSkew time.Duration
}

func NewSharedSecretAuthenticator(cfg Config) (*SharedSecretAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeSharedSecret {
		return nil, fmt.Errorf("auth mode must be shared_secret (got %q)", cfg.Mode)
	}
	return &SharedSecretAuthenticator{
		secret:  strings.TrimSpace(cfg.SharedSecret),
		maxSkew: cfg.MaxSkew,
	}, nil
}

func (a *SharedSecretAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	ts := strings.TrimSpace(r.Header.Get(HeaderCallbackTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderCallbackSignature))
	if ts == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}

	if err := VerifyTimestamp(ts, time.Now().UTC(), a.maxSkew); err != nil {
		return Identity{}, fmt.Errorf("callback signature timestamp: %w", err)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes))
	if err != nil {
		return Identity{}, fmt.Errorf("read body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if err := VerifySignature(a.secret, ts, r.Method, body, sig); err != nil {
		return Identity{}, err
	}

	subject := strings.TrimSpace(r.Header.Get(HeaderCallbackSubject))
	if subject == "" {
		subject = "callback:shared-secret"
	}
	return Identity{Subject: subject}, nil
}

func ComputeSignature(secret string, ts string, method string, body []byte) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("shared secret is required")
	}
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return "", errors.New("timestamp is required")
	}

	sum := sha256.Sum256(body)
	msg := strings.Join([]string{
		ts,
		strings.ToUpper(strings.TrimSpace(method)),
		hex.EncodeToString(sum[:]),
	}, "\n")

	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(msg)); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func VerifySignature(secret string, ts string, method string, body []byte, signature string) error {
	expected, err := ComputeSignature(secret, ts, method, body)
	if err != nil {
		return err
	}
	got, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return errors.New("invalid signature encoding")
	}
	want, err := base64.RawURLEncoding.DecodeString(expected)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, got) {
		return errors.New("invalid signature")
	}
	return nil
}

func VerifyTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return errors.New("timestamp is required")
	}
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}

	tsTime := time.Unix(parsed, 0).UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if tsTime.After(now.Add(maxSkew)) || tsTime.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}
