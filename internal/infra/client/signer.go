package client

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

// assertionLifetime bounds client assertions and request objects.
const assertionLifetime = 5 * time.Minute

// Signer signs private_key_jwt client assertions and PAR request objects.
// RSA keys sign with PS256, EC keys with ES256/ES384/ES512 by curve.
type Signer struct {
	keyID  string
	method jwt.SigningMethod
	key    any
	now    func() time.Time
}

// NewSigner loads the key described by cfg.
func NewSigner(cfg domain.SigningConfig) (*Signer, error) {
	pemBytes := []byte(cfg.PrivateKeyPEM)
	if len(pemBytes) == 0 && cfg.PrivateKeyFile != "" {
		b, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
		pemBytes = b
	}
	if len(pemBytes) == 0 {
		return nil, errors.New("signing key not configured")
	}

	if rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes); err == nil {
		return &Signer{keyID: cfg.KeyID, method: jwt.SigningMethodPS256, key: rsaKey, now: time.Now}, nil
	}
	ecKey, err := jwt.ParseECPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("signing key is neither RSA nor EC: %w", err)
	}
	method, err := ecMethod(ecKey)
	if err != nil {
		return nil, err
	}
	return &Signer{keyID: cfg.KeyID, method: method, key: ecKey, now: time.Now}, nil
}

func ecMethod(key *ecdsa.PrivateKey) (jwt.SigningMethod, error) {
	switch key.Curve.Params().BitSize {
	case 256:
		return jwt.SigningMethodES256, nil
	case 384:
		return jwt.SigningMethodES384, nil
	case 521:
		return jwt.SigningMethodES512, nil
	}
	return nil, fmt.Errorf("unsupported EC curve %s", key.Curve.Params().Name)
}

// Algorithm returns the JWS alg the signer uses.
func (s *Signer) Algorithm() string {
	return s.method.Alg()
}

// ClientAssertion builds a private_key_jwt assertion for the token and PAR endpoints.
func (s *Signer) ClientAssertion(clientID, audience string) (string, error) {
	now := s.now()
	return s.sign(jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": audience,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
	})
}

// RequestObject signs the authorization request parameters. iat, nbf, exp
// and jti are filled in when absent.
func (s *Signer) RequestObject(claims map[string]any) (string, error) {
	now := s.now()
	mc := jwt.MapClaims{}
	for k, v := range claims {
		mc[k] = v
	}
	setDefault(mc, "iat", now.Unix())
	setDefault(mc, "nbf", now.Unix())
	setDefault(mc, "exp", now.Add(assertionLifetime).Unix())
	setDefault(mc, "jti", uuid.NewString())
	return s.sign(mc)
}

func setDefault(c jwt.MapClaims, key string, v any) {
	if _, ok := c[key]; !ok {
		c[key] = v
	}
}

func (s *Signer) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(s.method, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", &domain.BankingError{Kind: domain.KindInvalidClient, Detail: "sign jwt", Err: err}
	}
	return signed, nil
}

// PublicKey returns the verification key, for tests and JWKS publication.
func (s *Signer) PublicKey() any {
	switch k := s.key.(type) {
	case *rsa.PrivateKey:
		return &k.PublicKey
	case *ecdsa.PrivateKey:
		return &k.PublicKey
	}
	return nil
}
