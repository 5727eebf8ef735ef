package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// SubjectKey holds the authenticated operator in the request context
const SubjectKey contextKey = "subject"

// ErrUnknownKey is returned when a token names a kid the validator does not hold
var ErrUnknownKey = errors.New("unknown signing key")

// JWTValidator checks RS256 operator tokens against a set of public keys
type JWTValidator struct {
	keys     map[string]*rsa.PublicKey // by kid; "" holds a key used for tokens without kid
	issuer   string
	audience string
}

// NewJWTValidator creates a validator from a single PEM encoded public key
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		// Try parsing as PKIX
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}

		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}

	return NewKeySetValidator(map[string]*rsa.PublicKey{"": publicKey}, issuer, audience), nil
}

// NewKeySetValidator creates a validator over keys indexed by kid
func NewKeySetValidator(keys map[string]*rsa.PublicKey, issuer, audience string) *JWTValidator {
	return &JWTValidator{keys: keys, issuer: issuer, audience: audience}
}

func (v *JWTValidator) key(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if k, ok := v.keys[kid]; ok {
		return k, nil
	}
	if k, ok := v.keys[""]; ok {
		return k, nil
	}
	if kid == "" && len(v.keys) == 1 {
		for _, k := range v.keys {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownKey, kid)
}

// ValidateToken validates a token and returns its subject
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, v.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("missing or invalid sub claim")
	}
	return sub, nil
}

// HTTPMiddleware rejects requests without a valid bearer token
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for probes and scrapes
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "missing Authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			unauthorized(w, "invalid Authorization header format")
			return
		}

		subject, err := v.ValidateToken(tokenString)
		if err != nil {
			unauthorized(w, fmt.Sprintf("invalid token: %v", err))
			return
		}

		ctx := context.WithValue(r.Context(), SubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, "{\"error\":%q,\"code\":\"unauthorized\"}\n", msg)
}

// SubjectFromContext extracts the authenticated subject
func SubjectFromContext(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(SubjectKey).(string)
	return sub, ok
}
