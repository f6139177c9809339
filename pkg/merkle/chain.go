package merkle

import "fmt"

// ErrBrokenChain is returned by Verify when a node does not match its content
// or does not link to the node before it.
type ErrBrokenChain struct {
	Index int
	Hash  string
}

func (e ErrBrokenChain) Error() string {
	return fmt.Sprintf("chain broken at node %d (%s)", e.Index, e.Hash)
}

// Verify checks that nodes, oldest first, form an intact chain: every hash
// matches its content and every node links to its predecessor. The first
// node may have a parent outside the slice.
func Verify(nodes []*Node) error {
	for i, n := range nodes {
		if n == nil {
			return ErrBrokenChain{Index: i}
		}

		if n.computeHash() != n.Hash {
			return ErrBrokenChain{Index: i, Hash: n.Hash}
		}

		if i == 0 {
			continue
		}

		if n.ParentHash == nil || *n.ParentHash != nodes[i-1].Hash {
			return ErrBrokenChain{Index: i, Hash: n.Hash}
		}
	}

	return nil
}
