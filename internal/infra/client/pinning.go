package client

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/classifier"
)

// ParseFingerprints decodes SHA-256 SPKI pins. Accepted forms are
// "sha256/<base64>" and 64 hex digits, optionally colon separated.
func ParseFingerprints(raw []string) ([][]byte, error) {
	pins := make([][]byte, 0, len(raw))
	for _, fp := range raw {
		fp = strings.TrimSpace(fp)
		if fp == "" {
			continue
		}
		pin, err := parseFingerprint(fp)
		if err != nil {
			return nil, domain.Errorf(domain.KindInvalidRequest, "certificate fingerprint %q: %v", fp, err)
		}
		pins = append(pins, pin)
	}
	return pins, nil
}

func parseFingerprint(fp string) ([]byte, error) {
	var (
		pin []byte
		err error
	)
	if b64, ok := strings.CutPrefix(fp, "sha256/"); ok {
		pin, err = base64.StdEncoding.DecodeString(b64)
	} else {
		pin, err = hex.DecodeString(strings.ReplaceAll(fp, ":", ""))
	}
	if err != nil {
		return nil, err
	}
	if len(pin) != sha256.Size {
		return nil, fmt.Errorf("want %d bytes, got %d", sha256.Size, len(pin))
	}
	return pin, nil
}

// Fingerprint returns the "sha256/<base64>" pin of a certificate's public key.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return "sha256/" + base64.StdEncoding.EncodeToString(sum[:])
}

// verifyPins passes when any certificate in the presented chain matches a pin.
func verifyPins(chain []*x509.Certificate, pins [][]byte) error {
	for _, cert := range chain {
		sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
		for _, pin := range pins {
			if bytes.Equal(sum[:], pin) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %d certificates presented", classifier.ErrPinMismatch, len(chain))
}
