package kick_webhook

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Header names Kick sends with every webhook. The x-kick-* aliases are
// accepted on receipt for older deliveries.
const (
	HeaderMessageID        = "Kick-Event-Message-Id"
	HeaderMessageTimestamp = "Kick-Event-Message-Timestamp"
	HeaderSignature        = "Kick-Event-Signature"
	HeaderEventType        = "Kick-Event-Type"
	HeaderEventVersion     = "Kick-Event-Version"

	legacyHeaderMessageID = "X-Kick-Message-Id"
	legacyHeaderTimestamp = "X-Kick-Timestamp"
	legacyHeaderSignature = "X-Kick-Signature"
	legacyHeaderEventType = "X-Kick-Event-Type"
)

// Signer produces Kick-style webhook signatures with a local private key.
// Used by the webhook mock and tests; production traffic is signed by Kick.
type Signer struct {
	privateKey *rsa.PrivateKey
}

func NewSigner(key *rsa.PrivateKey) *Signer {
	return &Signer{privateKey: key}
}

// NewSignerFromFile loads an RSA private key from a PEM file.
func NewSignerFromFile(path string) (*Signer, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	// Try PKCS#8 first, fall back to PKCS#1.
	var rsaKey *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		var ok bool
		rsaKey, ok = parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key in %s is not RSA (got %T)", path, parsed)
		}
	} else if pk1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		rsaKey = pk1
	} else {
		return nil, fmt.Errorf("parse private key in %s: not PKCS#8 or PKCS#1", path)
	}

	return &Signer{privateKey: rsaKey}, nil
}

// PublicKeyPEM returns the matching public key as a PKIX PEM, suitable for
// KICK_PUBLIC_KEY_FILE.
func (s *Signer) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Sign returns the base64 signature for one delivery.
func (s *Signer) Sign(messageID, timestamp string, body []byte) (string, error) {
	digest := sha256.Sum256(signedPayload(messageID, timestamp, body))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignRequest sets the Kick webhook headers on req for body, timestamped at.
func (s *Signer) SignRequest(req *http.Request, messageID, eventType string, body []byte, at time.Time) error {
	ts := at.UTC().Format(time.RFC3339)
	sig, err := s.Sign(messageID, ts, body)
	if err != nil {
		return err
	}

	req.Header.Set(HeaderMessageID, messageID)
	req.Header.Set(HeaderMessageTimestamp, ts)
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderEventVersion, "1")
	if eventType != "" {
		req.Header.Set(HeaderEventType, eventType)
	}
	return nil
}
