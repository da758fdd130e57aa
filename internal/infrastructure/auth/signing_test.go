package auth

import (
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	s := NewSigner("shared-secret")
	body := []byte(`{"amount":51}`)

	req := httptest.NewRequest("POST", "https://api.example.com/auctions/A-1/bid", nil)
	s.Sign(req, body)

	require.NotEmpty(t, req.Header.Get(HeaderSignature))
	require.NotEmpty(t, req.Header.Get(HeaderTimestamp))

	err := s.VerifyRequest(req, body, true)
	assert.NoError(t, err)
}

func TestVerifyEmptyBody(t *testing.T) {
	s := NewSigner("shared-secret")

	req := httptest.NewRequest("GET", "https://api.example.com/p/product/A-1", nil)
	s.Sign(req, nil)

	assert.NoError(t, s.VerifyRequest(req, nil, true))
}

func TestVerifyTamperedBody(t *testing.T) {
	s := NewSigner("shared-secret")
	req := httptest.NewRequest("POST", "https://api.example.com/auctions/A-1/bid", nil)
	s.Sign(req, []byte(`{"amount":51}`))

	err := s.VerifyRequest(req, []byte(`{"amount":9999}`), true)
	assert.Error(t, err)
}

func TestVerifyWrongSecret(t *testing.T) {
	signer := NewSigner("secret-a")
	verifier := NewSigner("secret-b")

	req := httptest.NewRequest("GET", "https://api.example.com/p/product/A-1", nil)
	signer.Sign(req, nil)

	assert.Error(t, verifier.VerifyRequest(req, nil, true))
}

func TestVerifyTimestampWindow(t *testing.T) {
	s := NewSigner("shared-secret")

	stale := strconv.FormatInt(time.Now().Add(-6*time.Minute).UnixMilli(), 10)
	err := s.Verify("GET", "/p/product/A-1", nil, stale, "sig", true)
	assert.Error(t, err)

	future := strconv.FormatInt(time.Now().Add(6*time.Minute).UnixMilli(), 10)
	err = s.Verify("GET", "/p/product/A-1", nil, future, "sig", true)
	assert.Error(t, err)
}

func TestVerifyMissingSignature(t *testing.T) {
	s := NewSigner("shared-secret")

	// Optional: absent signature passes.
	assert.NoError(t, s.Verify("GET", "/x", nil, "", "", false))

	// Required: absent signature is rejected.
	assert.Error(t, s.Verify("GET", "/x", nil, "", "", true))
}

func TestSignerDisabled(t *testing.T) {
	s := NewSigner("")
	req := httptest.NewRequest("GET", "https://api.example.com/x", nil)
	s.Sign(req, nil)

	assert.Empty(t, req.Header.Get(HeaderSignature))
	assert.NoError(t, s.VerifyRequest(req, nil, true))
}
