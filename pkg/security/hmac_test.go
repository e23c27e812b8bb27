package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSignedRequest(t *testing.T, secret string, ts int64, nonce string, body map[string]any) Request {
	t.Helper()
	sig, err := Sign(secret, ts, nonce, body)
	require.NoError(t, err)
	return Request{
		NodeID:    "node-1",
		Timestamp: ts,
		Nonce:     nonce,
		Signature: sig,
		Body:      body,
	}
}

func TestVerifyAcceptsValidRequest(t *testing.T) {
	v := NewVerifier()
	v.RegisterNodeSecret("node-1", "s3cret")

	fixed := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return fixed }

	req := newSignedRequest(t, "s3cret", fixed.Unix(), "nonce-1", map[string]any{"task_id": 42})
	assert.NoError(t, v.Verify(req))
}

func TestVerifyRejectsUnknownNode(t *testing.T) {
	v := NewVerifier()
	fixed := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return fixed }

	req := newSignedRequest(t, "s3cret", fixed.Unix(), "nonce-1", map[string]any{"a": 1})
	assert.Equal(t, AuthErrUnknownNode, v.Verify(req))
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	v := NewVerifier()
	v.RegisterNodeSecret("node-1", "s3cret")
	fixed := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return fixed }

	stale := fixed.Add(-2 * TimestampTolerance).Unix()
	req := newSignedRequest(t, "s3cret", stale, "nonce-1", map[string]any{"a": 1})
	assert.Equal(t, AuthErrBadTimestamp, v.Verify(req))
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	v := NewVerifier()
	v.RegisterNodeSecret("node-1", "s3cret")
	fixed := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return fixed }

	req := newSignedRequest(t, "s3cret", fixed.Unix(), "nonce-1", map[string]any{"a": 1})
	require.NoError(t, v.Verify(req))
	assert.Equal(t, AuthErrReplayedNonce, v.Verify(req))
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	v := NewVerifier()
	v.RegisterNodeSecret("node-1", "s3cret")
	fixed := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return fixed }

	req := newSignedRequest(t, "wrong-secret", fixed.Unix(), "nonce-1", map[string]any{"a": 1})
	assert.Equal(t, AuthErrBadSignature, v.Verify(req))
}

func TestVerifyRejectsOverRateLimit(t *testing.T) {
	v := NewVerifier()
	v.RegisterNodeSecret("node-1", "s3cret")
	fixed := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return fixed }

	for i := 0; i < RateLimitMaxReqs; i++ {
		nonce := "nonce-" + time.Duration(i).String()
		req := newSignedRequest(t, "s3cret", fixed.Unix(), nonce, map[string]any{"i": i})
		require.NoError(t, v.Verify(req))
	}

	req := newSignedRequest(t, "s3cret", fixed.Unix(), "nonce-final", map[string]any{"i": "final"})
	assert.Equal(t, AuthErrRateLimited, v.Verify(req))
}

func TestCanonicalJSONIsKeyOrderIndependent(t *testing.T) {
	a, err := canonicalJSON(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := canonicalJSON(map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
