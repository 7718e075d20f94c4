package hsw

import "sync/atomic"

// node is one element of the HSW arena. Connections[l] holds the
// internal ids of this node's neighbors at layer l; layers above its
// assigned level do not exist. Neighbor lists store internal slot
// numbers rather than pointers so the arena stays a flat, sequentially
// dumpable table with no cyclic references.
type node struct {
	ExternalID  uint64
	InternalID  uint32
	Vector      []float32
	Level       int
	Connections [][]uint32
	Deleted     atomic.Bool
}

func newNode(externalID uint64, internalID uint32, vector []float32, level int) *node {
	n := &node{
		ExternalID: externalID,
		InternalID: internalID,
		Vector:     vector,
		Level:      level,
		Connections: make([][]uint32, level+1),
	}
	for l := range n.Connections {
		n.Connections[l] = make([]uint32, 0, 8)
	}
	return n
}
