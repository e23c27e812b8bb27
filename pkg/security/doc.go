/*
Package security implements the cryptographic concerns of a single AntCode
master: at-rest encryption of node HMAC secrets (AES-256-GCM) and the
HMAC-SHA256 request-signing scheme workers use to authenticate their
reports back to the master (spec.md §6.3).

# Secrets encryption

SecretsManager wraps a 32-byte AES-256 key, built with NewSecretsManager,
NewSecretsManagerFromPassword, or DeriveKeyFromMasterID during first-run
initialization. Encrypt/Decrypt use AES-256-GCM and prepend a random
12-byte nonce to the ciphertext, so every node's HMAC secret stays
unreadable from a stolen database snapshot.

KeyWatcher (reload.go) watches a key file via fsnotify and calls
SecretsManager.Rotate on change, letting an operator rotate the master's
encryption key without a restart.

# Worker request authentication

Every worker→master call carries five headers: X-Node-ID, X-Machine-Code,
X-Timestamp, X-Nonce and X-Signature, plus a Bearer API key checked
upstream of this package. Verifier.Verify enforces, in order:

  - timestamp within ±TimestampTolerance of now
  - nonce unseen within NonceExpiry, with the used-nonce set capped at
    MaxNonces and swept lazily once it fills
  - per-node rate limit of RateLimitMaxReqs requests per RateLimitWindow
  - constant-time HMAC-SHA256 signature match over
    "{timestamp}.{nonce}.{canonical_json(body)}"

canonicalJSON sorts map keys lexicographically so the signature is
independent of the body's field order on the wire; Sign computes the same
signature for callers (chiefly tests) that need to produce a valid Request
rather than verify one.

These constants and the signature scheme itself are carried over from the
original implementation's node-auth verifier (original_source's
core/security/node_auth.py), per spec §6.3.
*/
package security
