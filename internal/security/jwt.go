package security

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cortexuvula/roomrelay/internal/chat"
)

var (
	// ErrMissingToken means no credential was presented.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken covers bad signatures, expiry, and unusable claims.
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier issues and checks HMAC-signed JWT credentials.
type Verifier struct {
	secret        []byte
	method        jwt.SigningMethod
	requireExpiry bool
	leeway        time.Duration
}

// NewVerifier builds a Verifier for the given secret and algorithm
// (HS256, HS384 or HS512; empty means HS256).
func NewVerifier(secret, alg string, requireExpiry bool) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	method, err := signingMethod(alg)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		secret:        []byte(secret),
		method:        method,
		requireExpiry: requireExpiry,
		leeway:        5 * time.Second,
	}, nil
}

// Issue signs a credential for id. A ttl <= 0 issues a token without expiry,
// which a Verifier with requireExpiry will refuse.
func (v *Verifier) Issue(id chat.Identity, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": id.String(),
		"id":  int64(id),
		"iat": now.Unix(),
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
		claims["exp"] = exp.Unix()
	}
	signed, err := jwt.NewWithClaims(v.method, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature and expiry and returns the identity the token names.
func (v *Verifier) Verify(token string) (chat.Identity, error) {
	if token == "" {
		return 0, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithLeeway(v.leeway),
	}
	if v.requireExpiry {
		opts = append(opts, jwt.WithExpirationRequired())
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return 0, ErrInvalidToken
	}

	id, ok := identityFromClaims(claims)
	if !ok {
		return 0, fmt.Errorf("%w: no user id claim", ErrInvalidToken)
	}
	return id, nil
}

// identityFromClaims looks at sub, id, then userId. Each may be a JSON
// number or a numeric string.
func identityFromClaims(claims jwt.MapClaims) (chat.Identity, bool) {
	for _, key := range []string{"sub", "id", "userId"} {
		raw, ok := claims[key]
		if !ok {
			continue
		}
		var n int64
		switch val := raw.(type) {
		case float64:
			if val != float64(int64(val)) {
				continue
			}
			n = int64(val)
		case string:
			parsed, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				continue
			}
			n = parsed
		default:
			continue
		}
		if n > 0 {
			return chat.Identity(n), true
		}
	}
	return 0, false
}

func signingMethod(alg string) (jwt.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
