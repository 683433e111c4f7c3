package client_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/client"
)

func ecKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

func parse(t *testing.T, s *client.Signer, token string) (jwt.MapClaims, *jwt.Token) {
	t.Helper()
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.PublicKey(), nil
	}, jwt.WithValidMethods([]string{s.Algorithm()}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return claims, parsed
}

func TestSigner_ClientAssertion(t *testing.T) {
	s, err := client.NewSigner(domain.SigningConfig{KeyID: "kid-1", PrivateKeyPEM: ecKeyPEM(t)})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if s.Algorithm() != "ES256" {
		t.Errorf("expected ES256, got %s", s.Algorithm())
	}

	token, err := s.ClientAssertion("client-1", "https://bank.example")
	if err != nil {
		t.Fatalf("ClientAssertion: %v", err)
	}
	claims, parsed := parse(t, s, token)

	if claims["iss"] != "client-1" || claims["sub"] != "client-1" {
		t.Errorf("unexpected iss/sub: %v", claims)
	}
	if claims["aud"] != "https://bank.example" {
		t.Errorf("unexpected aud: %v", claims["aud"])
	}
	if claims["jti"] == "" || claims["jti"] == nil {
		t.Error("missing jti")
	}
	if parsed.Header["kid"] != "kid-1" {
		t.Errorf("unexpected kid header %v", parsed.Header["kid"])
	}

	other, _ := s.ClientAssertion("client-1", "https://bank.example")
	otherClaims, _ := parse(t, s, other)
	if otherClaims["jti"] == claims["jti"] {
		t.Error("jti must be unique per assertion")
	}
}

func TestSigner_RequestObjectKeepsClaims(t *testing.T) {
	s, err := client.NewSigner(domain.SigningConfig{PrivateKeyPEM: ecKeyPEM(t)})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, err := s.RequestObject(map[string]any{
		"client_id": "client-1",
		"scope":     "openid accounts",
		"state":     "st-1",
	})
	if err != nil {
		t.Fatalf("RequestObject: %v", err)
	}
	claims, _ := parse(t, s, token)
	if claims["state"] != "st-1" || claims["scope"] != "openid accounts" {
		t.Errorf("claims not preserved: %v", claims)
	}
	for _, k := range []string{"iat", "nbf", "exp", "jti"} {
		if _, ok := claims[k]; !ok {
			t.Errorf("expected %s to be set", k)
		}
	}
}

func TestSigner_RSAFromFile(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, block, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	s, err := client.NewSigner(domain.SigningConfig{PrivateKeyFile: path})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if s.Algorithm() != "PS256" {
		t.Errorf("expected PS256, got %s", s.Algorithm())
	}
	token, err := s.ClientAssertion("client-1", "aud")
	if err != nil {
		t.Fatalf("ClientAssertion: %v", err)
	}
	parse(t, s, token)
}

func TestNewSigner_Errors(t *testing.T) {
	if _, err := client.NewSigner(domain.SigningConfig{}); err == nil {
		t.Error("expected error without key")
	}
	if _, err := client.NewSigner(domain.SigningConfig{PrivateKeyPEM: "not a key"}); err == nil {
		t.Error("expected error for garbage key")
	}
}
