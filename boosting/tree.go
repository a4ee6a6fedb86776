package boosting

import "math"

// NodeType is the kind of a tree node.
type NodeType int

const (
	// LeafNode is a terminal node with a value
	LeafNode NodeType = iota
	// NumericalNode splits on a numerical threshold
	NumericalNode
)

// Node is a single node of a regression tree.
type Node struct {
	NodeID     int      `json:"id"`
	ParentID   int      `json:"parent"`
	LeftChild  int      `json:"left"`
	RightChild int      `json:"right"`
	NodeType   NodeType `json:"type"`

	SplitFeature int     `json:"feature,omitempty"`
	Threshold    float64 `json:"threshold,omitempty"`
	// DefaultLeft sends missing values to the left child.
	DefaultLeft bool    `json:"default_left,omitempty"`
	Gain        float64 `json:"gain,omitempty"`

	LeafValue float64 `json:"value,omitempty"`
	LeafCount int     `json:"count,omitempty"`
}

// IsLeaf reports whether the node is terminal.
func (n *Node) IsLeaf() bool {
	return n.LeftChild == -1 && n.RightChild == -1
}

// Tree is a regression tree of the ensemble. Leaf values are stored before
// shrinkage.
type Tree struct {
	TreeIndex     int     `json:"index"`
	NumLeaves     int     `json:"num_leaves"`
	ShrinkageRate float64 `json:"shrinkage"`
	Nodes         []Node  `json:"nodes"`
}

// Predict returns the shrunk leaf value for one sample.
func (t *Tree) Predict(features []float64) float64 {
	nodeID := 0
	for nodeID >= 0 && nodeID < len(t.Nodes) {
		node := &t.Nodes[nodeID]
		if node.IsLeaf() {
			return node.LeafValue * t.ShrinkageRate
		}
		v := features[node.SplitFeature]
		switch {
		case math.IsNaN(v):
			if node.DefaultLeft {
				nodeID = node.LeftChild
			} else {
				nodeID = node.RightChild
			}
		case v <= node.Threshold:
			nodeID = node.LeftChild
		default:
			nodeID = node.RightChild
		}
	}
	return 0
}

func (t *Tree) countLeaves() int {
	count := 0
	for i := range t.Nodes {
		if t.Nodes[i].NodeType == LeafNode {
			count++
		}
	}
	return count
}
