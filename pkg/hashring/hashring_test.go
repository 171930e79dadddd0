package hashring

import (
	"testing"

	"github.com/cuemby/syncd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func cluster(self types.NodeID, nodes ...types.NodeID) types.Cluster {
	return types.Cluster{Self: self, Nodes: nodes}
}

func TestResponsibleIsDeterministic(t *testing.T) {
	c := cluster("N1", "N1", "N2", "N3")

	first := Responsible(c, "orders")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Responsible(c, "orders"))
	}
}

func TestResponsibleAllNodesAgree(t *testing.T) {
	nodes := []types.NodeID{"N1", "N2", "N3"}
	var answers []types.NodeID
	for _, self := range nodes {
		c := cluster(self, nodes...)
		answers = append(answers, Responsible(c, "orders"))
	}
	for _, a := range answers {
		assert.Equal(t, answers[0], a)
	}
}

func TestResponsibleSpreadsAcrossNodes(t *testing.T) {
	nodes := []types.NodeID{"N1", "N2", "N3"}
	c := cluster("N1", nodes...)

	seen := map[types.NodeID]bool{}
	for i := 0; i < 200; i++ {
		name := "queue-" + string(rune('a'+i%26)) + string(rune('0'+i%10))
		seen[Responsible(c, name)] = true
	}
	assert.True(t, len(seen) > 1, "expected more than one responsible node across many queue names")
}

func TestResponsibleEmptyCluster(t *testing.T) {
	c := types.Cluster{}
	assert.Equal(t, types.NodeID(""), Responsible(c, "x"))
}
