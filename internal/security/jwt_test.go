package security

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cortexuvula/roomrelay/internal/chat"
)

func mustVerifier(t *testing.T, secret string, requireExpiry bool) *Verifier {
	t.Helper()
	v, err := NewVerifier(secret, "HS256", requireExpiry)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func signRaw(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestIssueAndVerify(t *testing.T) {
	v := mustVerifier(t, "secret", true)

	token, exp, err := v.Issue(chat.Identity(42), time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) < 59*time.Minute {
		t.Errorf("expiry = %v, want about an hour from now", exp)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id != 42 {
		t.Errorf("identity = %d, want 42", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := mustVerifier(t, "secret", true)
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not.a.jwt", ErrInvalidToken},
		{"wrong secret", signRaw(t, jwt.SigningMethodHS256, "other", jwt.MapClaims{"sub": "1", "exp": future}), ErrInvalidToken},
		{"expired", signRaw(t, jwt.SigningMethodHS256, "secret", jwt.MapClaims{"sub": "1", "exp": time.Now().Add(-time.Hour).Unix()}), ErrInvalidToken},
		{"no expiry", signRaw(t, jwt.SigningMethodHS256, "secret", jwt.MapClaims{"sub": "1"}), ErrInvalidToken},
		{"wrong alg", signRaw(t, jwt.SigningMethodHS512, "secret", jwt.MapClaims{"sub": "1", "exp": future}), ErrInvalidToken},
		{"no identity", signRaw(t, jwt.SigningMethodHS256, "secret", jwt.MapClaims{"exp": future}), ErrInvalidToken},
		{"zero identity", signRaw(t, jwt.SigningMethodHS256, "secret", jwt.MapClaims{"id": 0, "exp": future}), ErrInvalidToken},
		{"non-numeric sub", signRaw(t, jwt.SigningMethodHS256, "secret", jwt.MapClaims{"sub": "bob", "exp": future}), ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyIdentityClaims(t *testing.T) {
	v := mustVerifier(t, "secret", false)

	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   chat.Identity
	}{
		{"sub string", jwt.MapClaims{"sub": "7"}, 7},
		{"id number", jwt.MapClaims{"id": 8}, 8},
		{"userId number", jwt.MapClaims{"userId": 9}, 9},
		{"userId string", jwt.MapClaims{"userId": "10"}, 10},
		{"sub preferred", jwt.MapClaims{"sub": "1", "id": 2, "userId": 3}, 1},
		{"bad sub falls through", jwt.MapClaims{"sub": "x", "id": 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(signRaw(t, jwt.SigningMethodHS256, "secret", tt.claims))
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if got != tt.want {
				t.Errorf("identity = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNewVerifierErrors(t *testing.T) {
	if _, err := NewVerifier("", "HS256", true); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := NewVerifier("s", "RS256", true); err == nil {
		t.Error("expected error for non-HMAC algorithm")
	}
	if _, err := NewVerifier("s", "hs512", true); err != nil {
		t.Errorf("lowercase alg should be accepted: %v", err)
	}
}
