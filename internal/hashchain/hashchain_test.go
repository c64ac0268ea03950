package hashchain_test

import (
	"testing"
	"time"

	"github.com/veriseal/veriseal/internal/hashchain"
)

func mustHasher(t *testing.T, alg hashchain.Algorithm) *hashchain.Hasher {
	t.Helper()
	h, err := hashchain.New(alg)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestNew_defaultsToSHA256(t *testing.T) {
	h, err := hashchain.New("")
	if err != nil {
		t.Fatal(err)
	}
	if h.Algorithm() != hashchain.SHA256 {
		t.Errorf("default algorithm: got %q, want sha256", h.Algorithm())
	}
}

func TestNew_rejectsUnknownAlgorithm(t *testing.T) {
	if _, err := hashchain.New("md5"); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}

func TestLeafHash_deterministic(t *testing.T) {
	h := mustHasher(t, hashchain.SHA256)

	a := h.LeafHash([]byte("user=alice action=export"))
	b := h.LeafHash([]byte("user=alice action=export"))
	if a != b {
		t.Errorf("same payload hashed differently: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("digest length: got %d hex chars, want 64", len(a))
	}

	if h.LeafHash([]byte("user=alice action=export")) == h.LeafHash([]byte("user=alice action=import")) {
		t.Error("distinct payloads produced identical digests")
	}
}

func TestLeafHash_emptyPayloadIsValid(t *testing.T) {
	h := mustHasher(t, hashchain.SHA256)
	if d := h.LeafHash(nil); len(d) != 64 {
		t.Errorf("empty payload digest length: got %d, want 64", len(d))
	}
}

func TestNodeHash_orderMatters(t *testing.T) {
	h := mustHasher(t, hashchain.SHA256)
	l := h.LeafHash([]byte("left"))
	r := h.LeafHash([]byte("right"))

	if h.NodeHash(l, r) == h.NodeHash(r, l) {
		t.Error("NodeHash must not be commutative")
	}
	if h.NodeHash(l, r) != h.NodeHash(l, r) {
		t.Error("NodeHash must be deterministic")
	}
}

func TestBlockHash_fieldSensitivity(t *testing.T) {
	h := mustHasher(t, hashchain.SHA256)
	sealedAt := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	base := h.BlockHash(4, hashchain.GenesisHash, "aabb", 3, sealedAt, "ledgerd-1")

	variants := []string{
		h.BlockHash(5, hashchain.GenesisHash, "aabb", 3, sealedAt, "ledgerd-1"),
		h.BlockHash(4, "ff00", "aabb", 3, sealedAt, "ledgerd-1"),
		h.BlockHash(4, hashchain.GenesisHash, "aabc", 3, sealedAt, "ledgerd-1"),
		h.BlockHash(4, hashchain.GenesisHash, "aabb", 4, sealedAt, "ledgerd-1"),
		h.BlockHash(4, hashchain.GenesisHash, "aabb", 3, sealedAt.Add(time.Second), "ledgerd-1"),
		h.BlockHash(4, hashchain.GenesisHash, "aabb", 3, sealedAt, "ledgerd-2"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d did not change the block hash", i)
		}
	}

	if h.BlockHash(4, hashchain.GenesisHash, "aabb", 3, sealedAt, "ledgerd-1") != base {
		t.Error("identical inputs produced different block hashes")
	}
}

func TestBlockHash_timezoneNormalised(t *testing.T) {
	h := mustHasher(t, hashchain.SHA256)
	utc := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	offset := utc.In(time.FixedZone("CET", 3600))

	if h.BlockHash(0, hashchain.GenesisHash, "aa", 1, utc, "x") !=
		h.BlockHash(0, hashchain.GenesisHash, "aa", 1, offset, "x") {
		t.Error("the same instant in different zones must hash identically")
	}
}

func TestBlake2b_distinctFromSHA256(t *testing.T) {
	s := mustHasher(t, hashchain.SHA256)
	b := mustHasher(t, hashchain.Blake2b256)

	payload := []byte("audit payload")
	if s.LeafHash(payload) == b.LeafHash(payload) {
		t.Error("sha256 and blake2b-256 produced identical digests")
	}
	if len(b.LeafHash(payload)) != 64 {
		t.Errorf("blake2b digest length: got %d, want 64", len(b.LeafHash(payload)))
	}
}

func TestGenesisHash_shape(t *testing.T) {
	if len(hashchain.GenesisHash) != 64 {
		t.Fatalf("genesis hash length: got %d, want 64", len(hashchain.GenesisHash))
	}
	for _, c := range hashchain.GenesisHash {
		if c != '0' {
			t.Fatal("genesis hash must be all zeros")
		}
	}
}
