// Package installkey implements the self-registration handshake a new
// worker uses instead of manual admin-side node creation (spec §4.1
// "Node... created by admin API or by a self-registration handshake using
// a one-shot install key", §6.1 "generate-install-key" / "register-by-key").
//
// A key is minted with an expiry and handed to whoever is provisioning the
// new host. The first successful claim from a given source address binds
// that source to the key and registers a node; every later claim attempt
// from a different source is rejected and counted against the key. The
// count is kept per key, not per source: once it reaches the threshold the
// whole key is temporarily blocked for every source, the bound one included.
package installkey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/antcode/antcode/pkg/apperr"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/registry"
	"github.com/antcode/antcode/pkg/security"
	"github.com/antcode/antcode/pkg/storage"
	"github.com/antcode/antcode/pkg/types"
)

const (
	// DefaultTTL is used by GenerateKey when the caller doesn't specify one.
	DefaultTTL = 24 * time.Hour

	failThreshold = 5
	blockDuration = 15 * time.Minute
)

// NodeRegisteredFunc is called once per successful claim with the new
// node's id and the plaintext HMAC secret handed to the worker — the
// caller is expected to register it with a security.Verifier.
type NodeRegisteredFunc func(nodeID, hmacSecret string)

// Service issues and claims install keys.
type Service struct {
	store    storage.Store
	registry *registry.Registry
	secrets  *security.SecretsManager

	onNodeRegistered NodeRegisteredFunc
}

// New builds a Service. secrets encrypts the HMAC secret handed to a newly
// registered node before it is persisted on the Node record.
func New(store storage.Store, reg *registry.Registry, secrets *security.SecretsManager) *Service {
	return &Service{store: store, registry: reg, secrets: secrets}
}

// OnNodeRegistered registers a hook fired after Claim mints a new node.
func (s *Service) OnNodeRegistered(fn NodeRegisteredFunc) {
	s.onNodeRegistered = fn
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateKey mints a one-shot key attributed to createdBy, expiring after
// ttl (DefaultTTL if ttl <= 0).
func (s *Service) GenerateKey(createdBy int64, ttl time.Duration) (*types.InstallKey, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	k := &types.InstallKey{
		Key:       token,
		CreatedBy: createdBy,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := s.store.CreateInstallKey(k); err != nil {
		return nil, err
	}
	return k, nil
}

// Credentials is what a successful Claim hands back to the worker.
type Credentials struct {
	NodeID    string
	APIKey    string
	SecretKey string // empty on a repeat claim from the already-bound source
}

// Claim consumes key on behalf of source. The first caller to claim a
// still-valid, unclaimed key registers a new node and receives its
// credentials; a repeat call from the same source is idempotent (it
// returns the existing node id, but not the one-shot secret again); a call
// from a different source, or any call made while the key is blocked from
// prior failures, is rejected.
func (s *Service) Claim(key, source string) (*Credentials, error) {
	k, err := s.store.GetInstallKey(key)
	if err != nil {
		return nil, apperr.New(apperr.KindNotFound, "install key")
	}

	now := time.Now()
	if k.BlockedUntil != nil && now.Before(*k.BlockedUntil) {
		return nil, apperr.New(apperr.KindPermission, "install key temporarily blocked")
	}
	if now.After(k.ExpiresAt) {
		return nil, apperr.New(apperr.KindValidation, "install key expired")
	}

	if k.Claimed() {
		if k.AllowedSource != source {
			s.recordFailure(k)
			return nil, apperr.New(apperr.KindConflict, "install key already bound to a different source")
		}
		node, err := s.store.GetNode(k.ClaimedNodeID)
		if err != nil {
			return nil, err
		}
		return &Credentials{NodeID: node.ID, APIKey: node.APIKey}, nil
	}

	apiKey, err := randomToken(24)
	if err != nil {
		return nil, err
	}
	secretKey, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	encSecret, err := s.secrets.Encrypt([]byte(secretKey))
	if err != nil {
		return nil, fmt.Errorf("encrypt node secret: %w", err)
	}

	node, err := s.registry.RegisterNode(&types.Node{
		APIKey:              apiKey,
		EncryptedHMACSecret: encSecret,
		AllowedSource:       source,
		Status:              types.NodeOnline,
	})
	if err != nil {
		return nil, fmt.Errorf("register node: %w", err)
	}

	k.ClaimedAt = &now
	k.ClaimedNodeID = node.ID
	k.AllowedSource = source
	k.FailureCount = 0
	if err := s.store.UpdateInstallKey(k); err != nil {
		return nil, err
	}

	if s.onNodeRegistered != nil {
		s.onNodeRegistered(node.ID, secretKey)
	}

	log.WithComponent("installkey").Info().Str("node_id", node.ID).Str("source", source).
		Msg("install key claimed, node registered")

	return &Credentials{NodeID: node.ID, APIKey: apiKey, SecretKey: secretKey}, nil
}

func (s *Service) recordFailure(k *types.InstallKey) {
	k.FailureCount++
	if k.FailureCount >= failThreshold {
		until := time.Now().Add(blockDuration)
		k.BlockedUntil = &until
	}
	if err := s.store.UpdateInstallKey(k); err != nil {
		log.WithComponent("installkey").Warn().Err(err).Msg("failed to persist install key failure count")
	}
}
