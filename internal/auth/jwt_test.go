package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func testIssuer(t *testing.T) *Issuer {
	return &Issuer{Key: signingKey(t), KeyID: "k1", Issuer: "courier", Audience: "courier-api"}
}

func publicPEM(t *testing.T, pub *rsa.PublicKey, pkix bool) string {
	t.Helper()
	if !pkix {
		return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(pub)}))
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestNewJWTValidator(t *testing.T) {
	pub := &signingKey(t).PublicKey
	tests := []struct {
		name         string
		publicKeyPEM string
		expectError  bool
	}{
		{name: "pkcs1", publicKeyPEM: publicPEM(t, pub, false)},
		{name: "pkix", publicKeyPEM: publicPEM(t, pub, true)},
		{name: "invalid PEM format", publicKeyPEM: "invalid-pem", expectError: true},
		{name: "empty public key", publicKeyPEM: "", expectError: true},
		{
			name:         "invalid key data",
			publicKeyPEM: "-----BEGIN PUBLIC KEY-----\naW52YWxpZA==\n-----END PUBLIC KEY-----\n",
			expectError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator, err := NewJWTValidator(tt.publicKeyPEM, "courier", "courier-api")
			if tt.expectError {
				if err == nil || validator != nil {
					t.Errorf("NewJWTValidator() = %v, %v, want nil and error", validator, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewJWTValidator() unexpected error: %v", err)
			}
			if validator.issuer != "courier" || validator.audience != "courier-api" {
				t.Errorf("NewJWTValidator() = %+v", validator)
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	iss := testIssuer(t)
	v := NewKeySetValidator(map[string]*rsa.PublicKey{"k1": &iss.Key.PublicKey}, "courier", "courier-api")

	valid, _, err := iss.Issue("ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	expired, _, _ := (&Issuer{Key: iss.Key, KeyID: "k1", Issuer: "courier", Audience: "courier-api",
		Now: func() time.Time { return time.Now().Add(-2 * time.Hour) }}).Issue("ops", time.Hour)
	wrongAud, _, _ := (&Issuer{Key: iss.Key, KeyID: "k1", Issuer: "courier", Audience: "other"}).Issue("ops", time.Hour)
	wrongIss, _, _ := (&Issuer{Key: iss.Key, KeyID: "k1", Issuer: "someone", Audience: "courier-api"}).Issue("ops", time.Hour)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	unknownKid, _, _ := (&Issuer{Key: other, KeyID: "k2", Issuer: "courier", Audience: "courier-api"}).Issue("ops", time.Hour)

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops", "iss": "courier", "aud": "courier-api", "exp": time.Now().Add(time.Hour).Unix()})
	hsToken, _ := hs.SignedString([]byte("secret"))

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr bool
	}{
		{name: "valid", token: valid, want: "ops@example.com"},
		{name: "expired", token: expired, wantErr: true},
		{name: "wrong audience", token: wrongAud, wantErr: true},
		{name: "wrong issuer", token: wrongIss, wantErr: true},
		{name: "unknown kid", token: unknownKid, wantErr: true},
		{name: "hmac signed", token: hsToken, wantErr: true},
		{name: "garbage", token: "not.a.token", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateToken(tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateToken() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := v.ValidateToken(unknownKid); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("ValidateToken() error = %v, want ErrUnknownKey", err)
	}
}

func TestValidateToken_KeyLookup(t *testing.T) {
	key := signingKey(t)
	issue := func(kid string) string {
		token, _, err := (&Issuer{Key: key, KeyID: kid, Issuer: "courier", Audience: "courier-api"}).Issue("ops", time.Hour)
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		return token
	}
	byKid := map[string]*rsa.PublicKey{"k1": &key.PublicKey}
	unnamed := map[string]*rsa.PublicKey{"": &key.PublicKey}

	tests := []struct {
		name        string
		keys        map[string]*rsa.PublicKey
		token       string
		wantUnknown bool
	}{
		{name: "matching kid", keys: byKid, token: issue("k1")},
		{name: "no kid with single key", keys: byKid, token: issue("")},
		{name: "other kid with single key", keys: byKid, token: issue("k2"), wantUnknown: true},
		{name: "unnamed key accepts any kid", keys: unnamed, token: issue("k9")},
		{name: "unnamed key accepts no kid", keys: unnamed, token: issue("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewKeySetValidator(tt.keys, "courier", "courier-api")
			sub, err := v.ValidateToken(tt.token)
			if tt.wantUnknown {
				if !errors.Is(err, ErrUnknownKey) {
					t.Errorf("ValidateToken() error = %v, want ErrUnknownKey", err)
				}
				return
			}
			if err != nil || sub != "ops" {
				t.Errorf("ValidateToken() = %q, %v, want %q", sub, err, "ops")
			}
		})
	}
}

func TestHTTPMiddleware(t *testing.T) {
	iss := testIssuer(t)
	v, err := NewJWTValidator(publicPEM(t, &iss.Key.PublicKey, true), "courier", "courier-api")
	if err != nil {
		t.Fatalf("NewJWTValidator() error = %v", err)
	}
	token, _, _ := iss.Issue("ops", time.Hour)

	var gotSubject string
	handler := v.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name        string
		path        string
		authHeader  string
		wantStatus  int
		wantSubject string
	}{
		{name: "health skips auth", path: "/healthz", wantStatus: http.StatusOK},
		{name: "metrics skips auth", path: "/metrics", wantStatus: http.StatusOK},
		{name: "missing header", path: "/v1/tasks", wantStatus: http.StatusUnauthorized},
		{name: "not bearer", path: "/v1/tasks", authHeader: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "bad token", path: "/v1/tasks", authHeader: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "valid token", path: "/v1/tasks", authHeader: "Bearer " + token, wantStatus: http.StatusOK, wantSubject: "ops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSubject = ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if gotSubject != tt.wantSubject {
				t.Errorf("subject = %q, want %q", gotSubject, tt.wantSubject)
			}
			if rec.Code == http.StatusUnauthorized {
				var body map[string]string
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["code"] != "unauthorized" {
					t.Errorf("body = %s", rec.Body.String())
				}
			}
		})
	}
}

func TestSubjectFromContext(t *testing.T) {
	if _, ok := SubjectFromContext(context.Background()); ok {
		t.Error("SubjectFromContext() ok on empty context")
	}
	ctx := context.WithValue(context.Background(), SubjectKey, "ops")
	if got, ok := SubjectFromContext(ctx); !ok || got != "ops" {
		t.Errorf("SubjectFromContext() = %q, %v", got, ok)
	}
}

func TestFetchJWKS(t *testing.T) {
	iss := testIssuer(t)

	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "issuer key set",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(iss.JWKS())
			},
		},
		{
			name:    "non-200",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			wantErr: "status 502",
		},
		{
			name:    "bad json",
			handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("{")) },
			wantErr: "decode",
		},
		{
			name: "no signing keys",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{{Kty: "RSA", Use: "enc", Kid: "x"}}})
			},
			wantErr: "no signing keys",
		},
		{
			name: "unsupported kty",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{{Kty: "EC", Kid: "x"}}})
			},
			wantErr: "unsupported kty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			keys, err := FetchJWKS(context.Background(), srv.Client(), srv.URL)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("FetchJWKS() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchJWKS() error = %v", err)
			}
			got := keys["k1"]
			if got == nil || got.N.Cmp(iss.Key.PublicKey.N) != 0 || got.E != iss.Key.PublicKey.E {
				t.Errorf("FetchJWKS() key does not match issuer key")
			}
		})
	}
}

func TestJWKSValidator_EndToEnd(t *testing.T) {
	iss := testIssuer(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(iss.JWKS())
	}))
	defer srv.Close()

	v, err := NewJWKSValidator(context.Background(), srv.Client(), srv.URL, "courier", "courier-api")
	if err != nil {
		t.Fatalf("NewJWKSValidator() error = %v", err)
	}
	token, exp, err := iss.Issue("ops", 5*time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("Issue() expiry %v not in the future", exp)
	}
	if sub, err := v.ValidateToken(token); err != nil || sub != "ops" {
		t.Errorf("ValidateToken() = %q, %v", sub, err)
	}
}

func TestIssuer(t *testing.T) {
	if _, _, err := testIssuer(t).Issue("", time.Hour); err == nil {
		t.Error("Issue() accepted an empty subject")
	}

	key, generated, err := LoadOrGenerateKey("")
	if err != nil || !generated || key == nil {
		t.Fatalf("LoadOrGenerateKey(\"\") = %v, %v, %v", key, generated, err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	loaded, generated, err := LoadOrGenerateKey(pemKey)
	if err != nil || generated || !loaded.Equal(key) {
		t.Errorf("LoadOrGenerateKey(pem) = generated %v, err %v", generated, err)
	}
	if _, _, err := LoadOrGenerateKey("garbage"); err == nil {
		t.Error("LoadOrGenerateKey(garbage) expected error")
	}
}
