// Package merkle builds Merkle trees over ordered leaf digests and issues a
// membership proof per leaf.
//
// Padding policy: whenever a tree level has an odd number of nodes, the last
// node is duplicated before pairing. A duplicated node proves against itself,
// which avoids introducing a synthetic zero-digest member. This policy is
// fixed; changing it invalidates every previously issued proof.
package merkle

import "errors"

// NodeHasher hashes an ordered pair of digests into their parent digest.
type NodeHasher interface {
	NodeHash(left, right string) string
}

// Side records which side of the current digest a proof sibling sits on.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Step is one level of a membership proof: the sibling digest and the side
// it occupies relative to the climbing digest.
type Step struct {
	Sibling string `json:"sibling"`
	Side    Side   `json:"side"`
}

// Proof is the ordered sibling path from a leaf to the root.
type Proof []Step

// ErrNoLeaves is returned when Build is called with an empty leaf list.
var ErrNoLeaves = errors.New("merkle: no leaves to build")

// Build constructs the tree bottom-up over the given leaf digests and returns
// the root plus one proof per leaf, indexed in leaf order.
//
// A single-leaf tree has root equal to the leaf and an empty proof.
func Build(h NodeHasher, leaves []string) (string, []Proof, error) {
	if len(leaves) == 0 {
		return "", nil, ErrNoLeaves
	}

	proofs := make([]Proof, len(leaves))
	// idx tracks each original leaf's position in the current level.
	idx := make([]int, len(leaves))
	for i := range leaves {
		idx[i] = i
	}

	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		for i := range proofs {
			pos := idx[i]
			if pos%2 == 0 {
				proofs[i] = append(proofs[i], Step{Sibling: level[pos+1], Side: SideRight})
			} else {
				proofs[i] = append(proofs[i], Step{Sibling: level[pos-1], Side: SideLeft})
			}
			idx[i] = pos / 2
		}

		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, h.NodeHash(level[i], level[i+1]))
		}
		level = next
	}

	return level[0], proofs, nil
}

// Replay climbs a proof path starting from a leaf digest and returns the
// root it reproduces. Callers compare the result against a stored root.
func Replay(h NodeHasher, leaf string, proof Proof) string {
	cur := leaf
	for _, step := range proof {
		if step.Side == SideLeft {
			cur = h.NodeHash(step.Sibling, cur)
		} else {
			cur = h.NodeHash(cur, step.Sibling)
		}
	}
	return cur
}
