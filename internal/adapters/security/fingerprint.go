package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/viralforge/devicetrust/internal/domain"
	"github.com/zeebo/blake3"
)

// Fingerprint digest versions. The version is stored next to every digest;
// changing it makes existing devices unrecognised, so they start over as new
// sightings.
const (
	FingerprintPlainSHA256 = 0
	FingerprintHMACSHA256  = 1
	FingerprintBLAKE3Keyed = 2
)

var canonicalEnc cbor.EncMode

func init() {
	var err error
	canonicalEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("security: CBOR encoder initialization failed: " + err.Error())
	}
}

// FingerprintHasher canonicalizes a client fingerprint and digests it with
// the configured keyed hash. The input is treated strictly as data.
type FingerprintHasher struct {
	version   int
	hmacKey   []byte
	blake3Key [32]byte
}

// NewFingerprintHasher builds a hasher for version. Without a pepper it
// degrades to unkeyed SHA-256 and logs a warning.
func NewFingerprintHasher(pepper string, version int, logger *slog.Logger) (*FingerprintHasher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pepper == "" {
		logger.Warn("fingerprint pepper not configured; device fingerprints use unkeyed sha256",
			"module", "security",
			"layer", "adapter",
			"operation", "fingerprint_hasher_init",
			"outcome", "degraded",
		)
		return &FingerprintHasher{version: FingerprintPlainSHA256}, nil
	}

	h := &FingerprintHasher{version: version, hmacKey: []byte(pepper)}
	switch version {
	case FingerprintHMACSHA256:
	case FingerprintBLAKE3Keyed:
		h.blake3Key = sha256.Sum256([]byte("devicetrust.fingerprint.v2\x00" + pepper))
	default:
		return nil, fmt.Errorf("unsupported fingerprint hash version %d", version)
	}
	return h, nil
}

func (h *FingerprintHasher) Version() int { return h.version }

// Compute returns the hex digest of the canonical fingerprint and its version.
func (h *FingerprintHasher) Compute(raw string) (string, int, error) {
	canonical, err := CanonicalFingerprint(raw)
	if err != nil {
		return "", 0, err
	}

	var sum []byte
	switch h.version {
	case FingerprintHMACSHA256:
		mac := hmac.New(sha256.New, h.hmacKey)
		mac.Write(canonical)
		sum = mac.Sum(nil)
	case FingerprintBLAKE3Keyed:
		hasher, err := blake3.NewKeyed(h.blake3Key[:])
		if err != nil {
			return "", 0, fmt.Errorf("init blake3: %w", err)
		}
		hasher.Write(canonical)
		sum = hasher.Sum(nil)
	default:
		digest := sha256.Sum256(canonical)
		sum = digest[:]
	}
	return hex.EncodeToString(sum), h.version, nil
}

// CanonicalFingerprint maps semantically equal fingerprints to identical
// bytes. JSON objects and arrays are re-encoded as deterministic CBOR with
// sorted keys; numbers stay numeric. Anything else is
// hashed as an opaque string.
func CanonicalFingerprint(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: fingerprint is empty", domain.ErrInvalidInput)
	}
	if len(trimmed) > domain.MaxFingerprintBytes {
		return nil, fmt.Errorf("%w: fingerprint must be <= %d bytes", domain.ErrInvalidInput, domain.MaxFingerprintBytes)
	}

	var value any = trimmed
	if trimmed[0] == '{' || trimmed[0] == '[' {
		dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
		dec.UseNumber()
		var parsed any
		if err := dec.Decode(&parsed); err == nil && !dec.More() {
			value = normalizeJSON(parsed)
		}
	}
	out, err := canonicalEnc.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprint cannot be canonicalized", domain.ErrInvalidInput)
	}
	return out, nil
}

func normalizeJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeJSON(val)
		}
		return out
	case json.Number:
		return normalizeNumber(t)
	default:
		return v
	}
}

// numberTextTag wraps JSON numbers that fit neither int64 nor float64 so they
// stay distinct from strings with the same text.
const numberTextTag = 55801

// normalizeNumber keeps JSON numbers numeric in the canonical form, so 1 and
// "1" never share a digest.
func normalizeNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil && !math.IsInf(f, 0) {
		return f
	}
	return cbor.Tag{Number: numberTextTag, Content: n.String()}
}
