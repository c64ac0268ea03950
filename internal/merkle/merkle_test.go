package merkle_test

import (
	"fmt"
	"testing"

	"github.com/veriseal/veriseal/internal/hashchain"
	"github.com/veriseal/veriseal/internal/merkle"
)

func newHasher(t *testing.T) *hashchain.Hasher {
	t.Helper()
	h, err := hashchain.New(hashchain.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func makeLeaves(h *hashchain.Hasher, n int) []string {
	leaves := make([]string, n)
	for i := range leaves {
		leaves[i] = h.LeafHash([]byte(fmt.Sprintf("record-%d", i)))
	}
	return leaves
}

func TestBuild_emptyInput(t *testing.T) {
	h := newHasher(t)
	if _, _, err := merkle.Build(h, nil); err != merkle.ErrNoLeaves {
		t.Errorf("expected ErrNoLeaves, got %v", err)
	}
}

func TestBuild_singleLeaf(t *testing.T) {
	h := newHasher(t)
	leaf := h.LeafHash([]byte("only"))

	root, proofs, err := merkle.Build(h, []string{leaf})
	if err != nil {
		t.Fatal(err)
	}
	if root != leaf {
		t.Errorf("single-leaf root: got %q, want the leaf itself", root)
	}
	if len(proofs) != 1 || len(proofs[0]) != 0 {
		t.Errorf("single-leaf proof must be empty, got %v", proofs)
	}
}

func TestBuild_twoLeaves(t *testing.T) {
	h := newHasher(t)
	leaves := makeLeaves(h, 2)

	root, proofs, err := merkle.Build(h, leaves)
	if err != nil {
		t.Fatal(err)
	}
	if want := h.NodeHash(leaves[0], leaves[1]); root != want {
		t.Errorf("root: got %q, want %q", root, want)
	}
	if proofs[0][0].Side != merkle.SideRight || proofs[0][0].Sibling != leaves[1] {
		t.Errorf("leaf 0 proof wrong: %+v", proofs[0])
	}
	if proofs[1][0].Side != merkle.SideLeft || proofs[1][0].Sibling != leaves[0] {
		t.Errorf("leaf 1 proof wrong: %+v", proofs[1])
	}
}

func TestBuild_oddCountDuplicatesLast(t *testing.T) {
	h := newHasher(t)
	leaves := makeLeaves(h, 3)

	root, proofs, err := merkle.Build(h, leaves)
	if err != nil {
		t.Fatal(err)
	}

	// Last leaf pairs with its own copy, so its first sibling is itself.
	if proofs[2][0].Sibling != leaves[2] || proofs[2][0].Side != merkle.SideRight {
		t.Errorf("duplicated-last proof step wrong: %+v", proofs[2][0])
	}

	want := h.NodeHash(h.NodeHash(leaves[0], leaves[1]), h.NodeHash(leaves[2], leaves[2]))
	if root != want {
		t.Errorf("3-leaf root: got %q, want %q", root, want)
	}
}

func TestBuild_orderSensitive(t *testing.T) {
	h := newHasher(t)
	leaves := makeLeaves(h, 4)
	swapped := []string{leaves[1], leaves[0], leaves[2], leaves[3]}

	r1, _, _ := merkle.Build(h, leaves)
	r2, _, _ := merkle.Build(h, swapped)
	if r1 == r2 {
		t.Error("leaf order must affect the root")
	}
}

// TestReplay_roundTrip replays every proof for every tree size from 1 to
// 1000, covering odd node counts at multiple levels.
func TestReplay_roundTrip(t *testing.T) {
	h := newHasher(t)

	for n := 1; n <= 1000; n++ {
		leaves := makeLeaves(h, n)
		root, proofs, err := merkle.Build(h, leaves)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		for i, p := range proofs {
			if got := merkle.Replay(h, leaves[i], p); got != root {
				t.Fatalf("n=%d leaf=%d: replay got %q, want %q", n, i, got, root)
			}
		}
	}
}

func TestReplay_detectsTamperedLeaf(t *testing.T) {
	h := newHasher(t)
	leaves := makeLeaves(h, 5)
	root, proofs, err := merkle.Build(h, leaves)
	if err != nil {
		t.Fatal(err)
	}

	forged := h.LeafHash([]byte("forged content"))
	if merkle.Replay(h, forged, proofs[2]) == root {
		t.Error("a forged leaf must not replay to the original root")
	}
}

func TestReplay_detectsTamperedPath(t *testing.T) {
	h := newHasher(t)
	leaves := makeLeaves(h, 8)
	root, proofs, err := merkle.Build(h, leaves)
	if err != nil {
		t.Fatal(err)
	}

	bad := append(merkle.Proof(nil), proofs[3]...)
	bad[1].Sibling = h.LeafHash([]byte("not a real sibling"))
	if merkle.Replay(h, leaves[3], bad) == root {
		t.Error("a corrupted path must not replay to the original root")
	}
}
