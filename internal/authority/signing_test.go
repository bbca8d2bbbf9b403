package authority

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerRoundTrip(t *testing.T) {
	s := NewSigner("shared-secret")
	body := []byte(`{"trackId":"track-1"}`)

	nonce, sig, err := s.Sign(body)
	require.NoError(t, err)
	assert.Len(t, nonce, nonceSize*2)
	assert.Len(t, sig, 64)

	assert.True(t, s.Verify(body, nonce, sig))
	assert.False(t, s.Verify([]byte(`{"trackId":"track-2"}`), nonce, sig))
	assert.False(t, NewSigner("other").Verify(body, nonce, sig))
	assert.False(t, s.Verify(body, "zz", sig))
	assert.False(t, s.Verify(body, nonce, "not-hex"))
}

func TestSignerFreshNoncePerRequest(t *testing.T) {
	s := NewSigner("shared-secret")
	body := []byte("same body")

	n1, sig1, err := s.Sign(body)
	require.NoError(t, err)
	n2, sig2, err := s.Sign(body)
	require.NoError(t, err)

	assert.NotEqual(t, n1, n2)
	assert.NotEqual(t, sig1, sig2)
}

func TestSignerDeterministicForNonce(t *testing.T) {
	s := NewSigner("shared-secret")
	s.rand = bytes.NewReader(bytes.Repeat([]byte{7}, 2*nonceSize))

	n1, sig1, err := s.Sign([]byte("body"))
	require.NoError(t, err)
	n2, sig2, err := s.Sign([]byte("body"))
	require.NoError(t, err)

	assert.Equal(t, n1, n2)
	assert.Equal(t, sig1, sig2)
}

func TestSignerEnabled(t *testing.T) {
	assert.True(t, NewSigner("x").Enabled())
	assert.False(t, NewSigner("").Enabled())

	var nilSigner *Signer
	assert.False(t, nilSigner.Enabled())
}
