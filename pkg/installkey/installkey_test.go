package installkey

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antcode/antcode/pkg/registry"
	"github.com/antcode/antcode/pkg/security"
	"github.com/antcode/antcode/pkg/storage"
	"github.com/antcode/antcode/pkg/types"
)

type noopProber struct{}

func (noopProber) Probe(context.Context, *types.Node) (*registry.ProbeResult, error) {
	return &registry.ProbeResult{}, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	reg := registry.New(s, noopProber{})
	secrets, err := security.NewSecretsManagerFromPassword("test-passphrase")
	require.NoError(t, err)
	return New(s, reg, secrets)
}

func TestClaimRegistersNodeOnFirstCall(t *testing.T) {
	svc := newTestService(t)
	k, err := svc.GenerateKey(1, time.Hour)
	require.NoError(t, err)

	var registeredNode, registeredSecret string
	svc.OnNodeRegistered(func(nodeID, secret string) {
		registeredNode = nodeID
		registeredSecret = secret
	})

	creds, err := svc.Claim(k.Key, "10.0.0.5")
	require.NoError(t, err)
	assert.NotEmpty(t, creds.NodeID)
	assert.NotEmpty(t, creds.APIKey)
	assert.NotEmpty(t, creds.SecretKey)
	assert.Equal(t, creds.NodeID, registeredNode)
	assert.Equal(t, creds.SecretKey, registeredSecret)
}

func TestClaimFromSameSourceIsIdempotentWithoutSecret(t *testing.T) {
	svc := newTestService(t)
	k, err := svc.GenerateKey(1, time.Hour)
	require.NoError(t, err)

	first, err := svc.Claim(k.Key, "10.0.0.5")
	require.NoError(t, err)

	second, err := svc.Claim(k.Key, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, first.NodeID, second.NodeID)
	assert.Empty(t, second.SecretKey)
}

func TestClaimFromDifferentSourceRejected(t *testing.T) {
	svc := newTestService(t)
	k, err := svc.GenerateKey(1, time.Hour)
	require.NoError(t, err)

	_, err = svc.Claim(k.Key, "10.0.0.5")
	require.NoError(t, err)

	_, err = svc.Claim(k.Key, "10.0.0.6")
	require.Error(t, err)
}

func TestClaimExpiredKeyRejected(t *testing.T) {
	svc := newTestService(t)
	k, err := svc.GenerateKey(1, time.Hour)
	require.NoError(t, err)
	k.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, svc.store.UpdateInstallKey(k))

	_, err = svc.Claim(k.Key, "10.0.0.5")
	require.Error(t, err)
}

func TestClaimUnknownKeyRejected(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Claim("does-not-exist", "10.0.0.5")
	require.Error(t, err)
}

func TestClaimBlocksAfterRepeatedSourceMismatch(t *testing.T) {
	svc := newTestService(t)
	k, err := svc.GenerateKey(1, time.Hour)
	require.NoError(t, err)

	_, err = svc.Claim(k.Key, "10.0.0.5")
	require.NoError(t, err)

	for i := 0; i < failThreshold; i++ {
		_, err = svc.Claim(k.Key, "10.0.0.99")
		require.Error(t, err)
	}

	_, err = svc.Claim(k.Key, "10.0.0.5")
	require.Error(t, err, "even the originally-bound source should be blocked once the key is blocked")
}
