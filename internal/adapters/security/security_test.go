package security

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/viralforge/devicetrust/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

func testArgon2() *Argon2Hasher {
	return NewArgon2Hasher(Argon2Params{MemoryKiB: 64, Iterations: 1, Parallelism: 1})
}

func TestArgon2HashAndVerify(t *testing.T) {
	t.Parallel()

	h := testArgon2()
	encoded, err := h.Hash(context.Background(), "P@ssw0rd1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=64,t=1,p=1$") {
		t.Fatalf("unexpected encoding %q", encoded)
	}
	if strings.Contains(encoded, "P@ssw0rd1") {
		t.Fatal("encoded hash leaks the password")
	}

	ok, err := h.Verify(context.Background(), encoded, "P@ssw0rd1")
	if err != nil || !ok {
		t.Fatalf("verify correct password: ok=%v err=%v", ok, err)
	}
	ok, err = h.Verify(context.Background(), encoded, "P@ssw0rd2")
	if err != nil || ok {
		t.Fatalf("verify wrong password: ok=%v err=%v", ok, err)
	}

	other, _ := h.Hash(context.Background(), "P@ssw0rd1")
	if other == encoded {
		t.Fatal("salts must differ between hashes")
	}
}

func TestArgon2OldParamsStillVerify(t *testing.T) {
	t.Parallel()

	old := testArgon2()
	encoded, err := old.Hash(context.Background(), "Tr1cky-horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	stronger := NewArgon2Hasher(Argon2Params{MemoryKiB: 128, Iterations: 2, Parallelism: 1})
	ok, err := stronger.Verify(context.Background(), encoded, "Tr1cky-horse")
	if err != nil || !ok {
		t.Fatalf("old hash must verify after raising cost: ok=%v err=%v", ok, err)
	}
	if !stronger.NeedsRehash(encoded) {
		t.Fatal("old hash should be flagged for rehash")
	}
	if old.NeedsRehash(encoded) {
		t.Fatal("current hash should not need rehash")
	}
}

func TestArgon2VerifiesLegacyBcrypt(t *testing.T) {
	t.Parallel()

	legacy, err := bcrypt.GenerateFromPassword([]byte("Tr1cky-horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	h := testArgon2()
	ok, err := h.Verify(context.Background(), string(legacy), "Tr1cky-horse")
	if err != nil || !ok {
		t.Fatalf("legacy verify: ok=%v err=%v", ok, err)
	}
	if !h.NeedsRehash(string(legacy)) {
		t.Fatal("bcrypt hashes should be migrated")
	}
}

func TestArgon2RejectsMalformed(t *testing.T) {
	t.Parallel()

	h := testArgon2()
	for _, bad := range []string{"", "plain", "$argon2id$v=19$m=0,t=1,p=1$AAAA$AAAA", "$argon2i$v=19$m=64,t=1,p=1$AAAA$AAAA"} {
		if ok, err := h.Verify(context.Background(), bad, "x"); err == nil || ok {
			t.Fatalf("expected error for %q, got ok=%v err=%v", bad, ok, err)
		}
	}
}

type blockingHasher struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingHasher) Hash(context.Context, string) (string, error) {
	b.entered <- struct{}{}
	<-b.release
	return "x", nil
}

func (b *blockingHasher) Verify(context.Context, string, string) (bool, error) { return true, nil }
func (b *blockingHasher) NeedsRehash(string) bool                           { return false }

func TestBoundedHasherRejectsWhenSaturated(t *testing.T) {
	t.Parallel()

	inner := &blockingHasher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := NewBoundedHasher(inner, 1, 20*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.Hash(context.Background(), "a")
	}()
	<-inner.entered

	_, err := h.Verify(context.Background(), "x", "y")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected rate limited while saturated, got %v", err)
	}
	if after, ok := domain.RetryAfter(err); !ok || after <= 0 {
		t.Fatalf("expected retry hint, got %v %v", after, ok)
	}

	close(inner.release)
	wg.Wait()
	if ok, err := h.Verify(context.Background(), "x", "y"); err != nil || !ok {
		t.Fatalf("expected verify after release: ok=%v err=%v", ok, err)
	}
}

func TestFingerprintCanonicalOrdering(t *testing.T) {
	t.Parallel()

	h, err := NewFingerprintHasher("pepper", FingerprintHMACSHA256, nil)
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	a, v, err := h.Compute(`{"screen":"1920x1080","tz":"UTC","cores":8}`)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	b, _, _ := h.Compute(`  {"cores":8, "tz":"UTC", "screen":"1920x1080"}`)
	if a != b {
		t.Fatal("key order must not affect the digest")
	}
	if v != FingerprintHMACSHA256 {
		t.Fatalf("version = %d", v)
	}
	c, _, _ := h.Compute(`{"cores":4,"tz":"UTC","screen":"1920x1080"}`)
	if a == c {
		t.Fatal("different fingerprints must not collide")
	}
}

func TestFingerprintNumbersDifferFromStrings(t *testing.T) {
	t.Parallel()

	h, err := NewFingerprintHasher("pepper", FingerprintHMACSHA256, nil)
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	cases := []struct {
		a, b string
	}{
		{`{"a":1}`, `{"a":"1"}`},
		{`{"ratio":1.5}`, `{"ratio":"1.5"}`},
		{`[100000000000000000000]`, `["100000000000000000000"]`},
	}
	for _, tc := range cases {
		da, _, err := h.Compute(tc.a)
		if err != nil {
			t.Fatalf("compute %s: %v", tc.a, err)
		}
		db, _, err := h.Compute(tc.b)
		if err != nil {
			t.Fatalf("compute %s: %v", tc.b, err)
		}
		if da == db {
			t.Fatalf("%s and %s must not share a digest", tc.a, tc.b)
		}
	}

	x, _, _ := h.Compute(`{"cores":8,"dpr":2.5}`)
	y, _, _ := h.Compute(`{"dpr":2.5,"cores":8}`)
	if x != y {
		t.Fatal("numeric fingerprints must stay order independent")
	}
}

func TestFingerprintPepperMatters(t *testing.T) {
	t.Parallel()

	h1, _ := NewFingerprintHasher("pepper-one", FingerprintBLAKE3Keyed, nil)
	h2, _ := NewFingerprintHasher("pepper-two", FingerprintBLAKE3Keyed, nil)
	plain, _ := NewFingerprintHasher("", FingerprintHMACSHA256, nil)

	d1, v1, _ := h1.Compute("fp1")
	d2, _, _ := h2.Compute("fp1")
	d3, v3, _ := plain.Compute("fp1")
	if d1 == d2 || d1 == d3 {
		t.Fatal("digests must depend on the pepper")
	}
	if v1 != FingerprintBLAKE3Keyed || v3 != FingerprintPlainSHA256 {
		t.Fatalf("versions = %d, %d", v1, v3)
	}
	if len(d1) != 64 {
		t.Fatalf("digest length = %d", len(d1))
	}
}

func TestFingerprintRejectsBadInput(t *testing.T) {
	t.Parallel()

	h, _ := NewFingerprintHasher("pepper", FingerprintHMACSHA256, nil)
	if _, _, err := h.Compute("   "); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank, got %v", err)
	}
	if _, _, err := h.Compute(strings.Repeat("x", domain.MaxFingerprintBytes+1)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for oversize, got %v", err)
	}
	if _, err := NewFingerprintHasher("pepper", 9, nil); err == nil {
		t.Fatal("expected unsupported version error")
	}
	// Malformed JSON is still hashed as an opaque string.
	if _, _, err := h.Compute(`{"broken":`); err != nil {
		t.Fatalf("malformed json should hash as text: %v", err)
	}
}
