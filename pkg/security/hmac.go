package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Timing and rate-limit constants for HMAC request verification, per
// spec §6.3.
const (
	TimestampTolerance = 300 * time.Second
	NonceExpiry        = 10 * time.Minute
	MaxNonces          = 10000
	RateLimitWindow    = 60 * time.Second
	RateLimitMaxReqs   = 1000
)

// AuthError is the reason a worker request was rejected; the API layer
// answers it with 401, or 429 for AuthErrRateLimited.
type AuthError string

const (
	AuthErrUnknownNode   AuthError = "unknown_node"
	AuthErrBadTimestamp  AuthError = "bad_timestamp"
	AuthErrReplayedNonce AuthError = "replayed_nonce"
	AuthErrBadSignature  AuthError = "bad_signature"
	AuthErrRateLimited   AuthError = "rate_limited"
)

func (e AuthError) Error() string { return string(e) }

// Request is the subset of a worker→master call that HMAC verification
// needs: the five auth headers (§6.3) plus the raw body used to compute
// the signature.
type Request struct {
	NodeID      string
	MachineCode string
	Timestamp   int64
	Nonce       string
	Signature   string
	Body        map[string]any
}

type nonceEntry struct {
	seenAt time.Time
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// Verifier validates worker requests against per-node HMAC secrets,
// rejecting stale timestamps, replayed nonces and requests over the
// per-node rate limit.
type Verifier struct {
	mu          sync.Mutex
	secrets     map[string]string // node_id -> hmac secret
	usedNonces  map[string]nonceEntry
	rateWindows map[string]rateWindow
	now         func() time.Time
}

// NewVerifier creates an empty Verifier.
func NewVerifier() *Verifier {
	return &Verifier{
		secrets:     make(map[string]string),
		usedNonces:  make(map[string]nonceEntry),
		rateWindows: make(map[string]rateWindow),
		now:         time.Now,
	}
}

// RegisterNodeSecret installs (or replaces) the signing secret for a node.
func (v *Verifier) RegisterNodeSecret(nodeID, secret string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[nodeID] = secret
}

// RemoveNodeSecret drops a node's secret, e.g. on node deletion.
func (v *Verifier) RemoveNodeSecret(nodeID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, nodeID)
}

// canonicalJSON serializes a payload with sorted map keys, matching the
// original's json_dumps_compact(payload, sort_keys=True).
func canonicalJSON(body map[string]any) (string, error) {
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return "", err
		}
		vb, err := json.Marshal(body[k])
		if err != nil {
			return "", err
		}
		ordered = append(ordered, kb...)
		ordered = append(ordered, ':')
		ordered = append(ordered, vb...)
	}
	ordered = append(ordered, '}')
	return string(ordered), nil
}

func signaturePayload(ts int64, nonce, canonicalBody string) string {
	return strconv.FormatInt(ts, 10) + "." + nonce + "." + canonicalBody
}

func sign(secret string, ts int64, nonce, canonicalBody string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signaturePayload(ts, nonce, canonicalBody)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign computes the signature a worker would send for the given request,
// used by tests that need to construct a valid Request.
func Sign(secret string, ts int64, nonce string, body map[string]any) (string, error) {
	canonical, err := canonicalJSON(body)
	if err != nil {
		return "", err
	}
	return sign(secret, ts, nonce, canonical), nil
}

// Verify validates a worker request per spec §6.3's four checks, in order:
// timestamp freshness, nonce uniqueness, rate limit, signature match.
func (v *Verifier) Verify(req Request) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()

	if d := now.Unix() - req.Timestamp; d > int64(TimestampTolerance.Seconds()) || d < -int64(TimestampTolerance.Seconds()) {
		return AuthErrBadTimestamp
	}

	secret, ok := v.secrets[req.NodeID]
	if !ok {
		return AuthErrUnknownNode
	}

	if err := v.checkNonce(req.NodeID, req.Nonce, now); err != nil {
		return err
	}

	if err := v.checkRateLimit(req.NodeID, now); err != nil {
		return err
	}

	canonical, err := canonicalJSON(req.Body)
	if err != nil {
		return AuthErrBadSignature
	}
	expected := sign(secret, req.Timestamp, req.Nonce, canonical)
	if !hmac.Equal([]byte(expected), []byte(req.Signature)) {
		return AuthErrBadSignature
	}
	return nil
}

func (v *Verifier) checkNonce(nodeID, nonce string, now time.Time) error {
	key := nodeID + ":" + nonce
	if e, seen := v.usedNonces[key]; seen && now.Sub(e.seenAt) < NonceExpiry {
		return AuthErrReplayedNonce
	}

	if len(v.usedNonces) >= MaxNonces {
		v.cleanupExpiredNonces(now)
	}
	v.usedNonces[key] = nonceEntry{seenAt: now}
	return nil
}

// cleanupExpiredNonces sweeps the used-nonce set. Only triggered once the
// set reaches MaxNonces, matching the original's adaptive-threshold
// cleanup rather than a sweep on every request.
func (v *Verifier) cleanupExpiredNonces(now time.Time) {
	for k, e := range v.usedNonces {
		if now.Sub(e.seenAt) >= NonceExpiry {
			delete(v.usedNonces, k)
		}
	}
}

func (v *Verifier) checkRateLimit(nodeID string, now time.Time) error {
	w, ok := v.rateWindows[nodeID]
	if !ok || now.Sub(w.windowStart) >= RateLimitWindow {
		v.rateWindows[nodeID] = rateWindow{count: 1, windowStart: now}
		return nil
	}
	if w.count >= RateLimitMaxReqs {
		return AuthErrRateLimited
	}
	w.count++
	v.rateWindows[nodeID] = w
	return nil
}
