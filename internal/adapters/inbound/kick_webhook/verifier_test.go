package kick_webhook

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = mustKey()

func mustKey() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
}

func testVerifier(t *testing.T) (*Verifier, *Signer) {
	t.Helper()
	signer := NewSigner(testKey)
	pemData, err := signer.PublicKeyPEM()
	require.NoError(t, err)
	v, err := NewVerifier(pemData)
	require.NoError(t, err)
	return v, signer
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	v, s := testVerifier(t)
	body := []byte(`{"giftees":[{"username":"a"}]}`)
	ts := "2026-03-01T12:00:00Z"

	sig, err := s.Sign("msg-1", ts, body)
	require.NoError(t, err)

	assert.True(t, v.Verify("msg-1", ts, body, sig))
}

func TestVerifyRejectsTampering(t *testing.T) {
	v, s := testVerifier(t)
	body := []byte(`{"count":5}`)
	ts := "2026-03-01T12:00:00Z"
	sig, err := s.Sign("msg-1", ts, body)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	raw[10] ^= 0xff
	flipped := base64.StdEncoding.EncodeToString(raw)

	assert.False(t, v.Verify("msg-1", ts, body, flipped), "flipped signature byte")
	assert.False(t, v.Verify("msg-2", ts, body, sig), "different id")
	assert.False(t, v.Verify("msg-1", "2026-03-01T12:00:01Z", body, sig), "different timestamp")
	assert.False(t, v.Verify("msg-1", ts, []byte(`{"count":50}`), sig), "different body")
}

func TestVerifyMalformedInputNeverPanics(t *testing.T) {
	v, _ := testVerifier(t)
	assert.False(t, v.Verify("", "", nil, ""))
	assert.False(t, v.Verify("id", "ts", []byte("x"), "%%%not-base64%%%"))
	assert.False(t, v.Verify("id", "ts", []byte("x"), base64.StdEncoding.EncodeToString([]byte("short"))))

	var nilVerifier *Verifier
	assert.False(t, nilVerifier.Verify("id", "ts", nil, "c2ln"))
}

func TestVerifyAcceptsUnpaddedSignature(t *testing.T) {
	v, s := testVerifier(t)
	body := []byte(`{}`)
	sig, err := s.Sign("id", "2026-03-01T12:00:00Z", body)
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(sig)
	assert.True(t, v.Verify("id", "2026-03-01T12:00:00Z", body, base64.RawStdEncoding.EncodeToString(raw)))
}

func TestNewVerifierFormats(t *testing.T) {
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&testKey.PublicKey)})
	_, err := NewVerifier(pkcs1)
	require.NoError(t, err)

	_, err = NewVerifier([]byte("not pem"))
	require.Error(t, err)

	_, err = NewVerifier(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: []byte("junk")}))
	require.Error(t, err)
}

func TestNewKickVerifierFromFile(t *testing.T) {
	_, s := testVerifier(t)
	pemData, err := s.PublicKeyPEM()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "kick.pem")
	require.NoError(t, os.WriteFile(path, pemData, 0o600))

	v, err := NewKickVerifier(path)
	require.NoError(t, err)

	sig, err := s.Sign("a", "b", []byte("c"))
	require.NoError(t, err)
	assert.True(t, v.Verify("a", "b", []byte("c"), sig))

	_, err = NewKickVerifier(filepath.Join(t.TempDir(), "missing.pem"))
	require.Error(t, err)
}

func TestSignerFromFile(t *testing.T) {
	dir := t.TempDir()
	pkcs8, err := x509.MarshalPKCS8PrivateKey(testKey)
	require.NoError(t, err)
	p8 := filepath.Join(dir, "p8.pem")
	require.NoError(t, os.WriteFile(p8, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}), 0o600))
	p1 := filepath.Join(dir, "p1.pem")
	require.NoError(t, os.WriteFile(p1, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(testKey)}), 0o600))

	v, _ := testVerifier(t)
	for _, path := range []string{p8, p1} {
		s, err := NewSignerFromFile(path)
		require.NoError(t, err)
		sig, err := s.Sign("id", "ts", []byte("body"))
		require.NoError(t, err)
		assert.True(t, v.Verify("id", "ts", []byte("body"), sig), path)
	}
}

func TestCheckFreshness(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, CheckFreshness("2026-03-01T12:04:59Z", now, 5*time.Minute))
	require.NoError(t, CheckFreshness("2026-03-01T11:55:00Z", now, 5*time.Minute))
	require.NoError(t, CheckFreshness("2026-03-01T12:00:00.123+00:00", now, 5*time.Minute))

	require.ErrorIs(t, CheckFreshness("2026-03-01T11:54:59Z", now, 5*time.Minute), ErrStaleTimestamp)
	require.ErrorIs(t, CheckFreshness("2026-03-01T12:05:01Z", now, 5*time.Minute), ErrStaleTimestamp)
	require.ErrorIs(t, CheckFreshness("yesterday", now, 5*time.Minute), ErrInvalidTimestamp)
	require.ErrorIs(t, CheckFreshness("", now, 5*time.Minute), ErrInvalidTimestamp)
}
