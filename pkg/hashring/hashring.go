// Package hashring maps a queue name to the node responsible for it
// (spec §4.1). It is a pure function over the cluster's node list; it
// holds no state of its own.
package hashring

import (
	"github.com/cespare/xxhash/v2"
	"github.com/cuemby/syncd/pkg/types"
)

// StableHash is the deterministic, collision-resistant hash spec §4.1
// requires over the UTF-8 bytes of name. xxhash is not cryptographic,
// which is fine here: the ring only needs an even, deterministic
// spread across nodes, not adversarial resistance.
func StableHash(name string) uint64 {
	return xxhash.Sum64String(name)
}

// Responsible returns all_nodes[stable_hash(queueName) mod n]. Every
// node computes the same answer given the same cluster, so no
// coordination is required to agree on routing.
func Responsible(cluster types.Cluster, queueName string) types.NodeID {
	n := cluster.N()
	if n == 0 {
		return ""
	}
	idx := StableHash(queueName) % uint64(n)
	return cluster.Nodes[idx]
}
