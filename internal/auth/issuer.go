package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer signs operator tokens with an RSA private key
type Issuer struct {
	Key      *rsa.PrivateKey
	KeyID    string
	Issuer   string
	Audience string
	Now      func() time.Time
}

// LoadOrGenerateKey parses a PKCS1 PEM private key, or generates a 2048 bit key when pemKey is empty
func LoadOrGenerateKey(pemKey string) (*rsa.PrivateKey, bool, error) {
	if pemKey == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, false, fmt.Errorf("generate RSA key: %w", err)
		}
		return key, true, nil
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, false, fmt.Errorf("failed to decode PEM private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, false, nil
}

// Issue returns a signed token for subject valid for ttl
func (i *Issuer) Issue(subject string, ttl time.Duration) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("subject is required")
	}
	now := time.Now()
	if i.Now != nil {
		now = i.Now()
	}
	exp := now.Add(ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    i.Issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{i.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	token.Header["kid"] = i.KeyID

	signed, err := token.SignedString(i.Key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// JWKS returns the key set verifying this issuer's tokens
func (i *Issuer) JWKS() JSONWebKeySet {
	return JSONWebKeySet{Keys: []JSONWebKey{PublicJWK(i.KeyID, &i.Key.PublicKey)}}
}
