package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newSharedSecretAuthenticator(t *testing.T) *SharedSecretAuthenticator {
	t.Helper()
	a, err := NewSharedSecretAuthenticator(Config{
		Mode:         ModeSharedSecret,
		SharedSecret: "test-secret",
		MaxSkew:      5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	return a
}

func signedRequest(t *testing.T, secret string, body string) *http.Request {
	t.Helper()
	ts := fmt.Sprintf("%d", time.Now().UTC().Unix())
	sig, err := ComputeSignature(secret, ts, http.MethodPost, []byte(body))
	if err != nil {
		t.Fatalf("compute signature: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "http://example.test/callbacks/step-results", strings.NewReader(body))
	req.Header.Set(HeaderCallbackTimestamp, ts)
	req.Header.Set(HeaderCallbackSignature, sig)
	return req
}

func TestSharedSecretAuthenticate_OK(t *testing.T) {
	a := newSharedSecretAuthenticator(t)
	req := signedRequest(t, "test-secret", `{"run_id":"r1"}`)

	identity, err := a.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if identity.Subject != "callback:shared-secret" {
		t.Fatalf("subject=%q", identity.Subject)
	}
}

func TestSharedSecretAuthenticate_MissingHeaders(t *testing.T) {
	a := newSharedSecretAuthenticator(t)
	req := httptest.NewRequest(http.MethodPost, "http://example.test/", strings.NewReader("{}"))

	if _, err := a.Authenticate(context.Background(), req); err != ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestSharedSecretAuthenticate_WrongSecret(t *testing.T) {
	a := newSharedSecretAuthenticator(t)
	req := signedRequest(t, "other-secret", `{"run_id":"r1"}`)

	if _, err := a.Authenticate(context.Background(), req); err == nil {
		t.Fatalf("expected signature rejection")
	}
}

func TestSharedSecretAuthenticate_TamperedBody(t *testing.T) {
	a := newSharedSecretAuthenticator(t)
	req := signedRequest(t, "test-secret", `{"run_id":"r1"}`)
	req.Body = http.NoBody
	req.ContentLength = 0

	if _, err := a.Authenticate(context.Background(), req); err == nil {
		t.Fatalf("expected signature rejection for tampered body")
	}
}

func TestVerifyTimestamp_Skew(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		ts      int64
		wantErr bool
	}{
		{"fresh", now.Unix(), false},
		{"slightly old", now.Add(-time.Minute).Unix(), false},
		{"too old", now.Add(-10 * time.Minute).Unix(), true},
		{"future", now.Add(10 * time.Minute).Unix(), true},
	}
	for _, tt := range tests {
		err := VerifyTimestamp(fmt.Sprintf("%d", tt.ts), now, 5*time.Minute)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: err=%v, wantErr=%v", tt.name, err, tt.wantErr)
		}
	}
	if err := VerifyTimestamp("not-a-number", now, 5*time.Minute); err == nil {
		t.Fatalf("expected parse error")
	}
}
