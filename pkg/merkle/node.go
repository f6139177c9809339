// Package merkle content-addresses conversation messages. Each node's hash
// covers its content and its parent's hash, so a transcript forms a chain
// where any edit to an earlier message changes every later hash.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Node represents a single content-addressed node in a Merkle chain
type Node struct {
	// Hash is the content-addressed identifier (SHA-256, hex-encoded)
	Hash string `json:"hash"`

	// ParentHash links to the previous node hash.
	// This will be nil for root nodes.
	ParentHash *string `json:"parent_hash"`

	// Content is the hashable content for the node
	Content any `json:"content"`
}

// input is the canonical form that gets hashed.
type input struct {
	Content any    `json:"content"`
	Parent  string `json:"parent,omitempty"`
}

// NewNode creates a node with the computed hash for content. parentHash is
// the hash of the previous node, nil for the first one; it is copied.
func NewNode(content any, parentHash *string) *Node {
	n := &Node{
		Content: content,
	}

	if parentHash != nil {
		h := *parentHash
		n.ParentHash = &h
	}

	n.Hash = n.computeHash()
	return n
}

// computeHash calculates the content-addressed hash for a node
func (n *Node) computeHash() string {
	i := &input{
		Content: n.Content,
	}

	if n.ParentHash != nil {
		i.Parent = *n.ParentHash
	}

	// Canonical JSON encoding for deterministic hashing
	data, err := json.Marshal(i)
	if err != nil {
		panic("failed to marshal hash input: " + err.Error())
	}

	h := sha256.Sum256(data)
	computed := hex.EncodeToString(h[:])
	return computed
}
