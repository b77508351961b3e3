package kick_webhook

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	_ "embed"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Kick signs every webhook with this key. Published in the Kick developer docs.
//
//go:embed kick_public_key.pem
var kickPublicKeyPEM []byte

var (
	ErrMissingHeaders   = errors.New("missing signature headers")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrStaleTimestamp   = errors.New("stale timestamp")
)

// Verifier checks Kick webhook signatures: RSA PKCS#1 v1.5 over SHA-256 of
// "<message id>.<timestamp>.<body>".
type Verifier struct {
	key *rsa.PublicKey
}

// NewKickVerifier uses the embedded Kick key, or the PEM at path when set.
func NewKickVerifier(path string) (*Verifier, error) {
	if path == "" {
		return NewVerifier(kickPublicKeyPEM)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key %s: %w", path, err)
	}
	return NewVerifier(data)
}

// NewVerifier parses a PKIX ("PUBLIC KEY") or PKCS#1 ("RSA PUBLIC KEY") PEM.
func NewVerifier(pemData []byte) (*Verifier, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	// Try PKIX first, fall back to PKCS#1.
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA (got %T)", parsed)
		}
		return &Verifier{key: key}, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: not PKIX or PKCS#1")
	}
	return &Verifier{key: key}, nil
}

// Verify reports whether signature is a valid base64 signature of the
// message. It never panics; malformed input is simply invalid.
func (v *Verifier) Verify(messageID, timestamp string, body []byte, signature string) bool {
	if v == nil || v.key == nil || messageID == "" || timestamp == "" || signature == "" {
		return false
	}

	sig, err := decodeSignature(signature)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(signedPayload(messageID, timestamp, body))
	return rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest[:], sig) == nil
}

// CheckFreshness rejects timestamps that do not parse as RFC 3339 or lie
// more than maxSkew away from now in either direction.
func CheckFreshness(timestamp string, now time.Time, maxSkew time.Duration) error {
	sentAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(timestamp))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimestamp, timestamp)
	}
	skew := now.Sub(sentAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return fmt.Errorf("%w: skew %s", ErrStaleTimestamp, skew.Round(time.Millisecond))
	}
	return nil
}

func signedPayload(messageID, timestamp string, body []byte) []byte {
	buf := make([]byte, 0, len(messageID)+len(timestamp)+len(body)+2)
	buf = append(buf, messageID...)
	buf = append(buf, '.')
	buf = append(buf, timestamp...)
	buf = append(buf, '.')
	return append(buf, body...)
}

func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if sig, err := base64.StdEncoding.DecodeString(s); err == nil {
		return sig, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
