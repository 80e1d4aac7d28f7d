package ports

import "context"

// PasswordHasher produces self-describing encoded hashes so that cost
// parameters can be raised without invalidating stored credentials.
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, encoded, password string) (bool, error)
	NeedsRehash(encoded string) bool
}

// FingerprintHasher turns an untrusted client fingerprint into a stable digest.
type FingerprintHasher interface {
	Compute(raw string) (hash string, version int, err error)
}
