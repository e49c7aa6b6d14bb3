package numa_test

import (
	"testing"

	"github.com/govpmem/govpmem/numa"
)

func testTopology() *numa.Topology {
	return &numa.Topology{
		Ranges: []numa.Range{
			{Start: 0, Size: 1 << 30, Node: 0},
			{Start: 1 << 30, Size: 1 << 30, Node: 1},
		},
		Targets: []numa.Range{
			{Start: 1 << 30, Size: 1 << 30, Node: 2},
		},
	}
}

func TestNodeOf(t *testing.T) {
	t.Parallel()

	top := testTopology()

	if n := top.NodeOf(0x1000); n != 0 {
		t.Fatalf("expected: node 0, actual: %d", n)
	}

	if n := top.NodeOf(1<<30 + 0x1000); n != 1 {
		t.Fatalf("expected: node 1, actual: %d", n)
	}

	if n := top.NodeOf(1 << 31); n != numa.NoNode {
		t.Fatalf("expected: NoNode, actual: %d", n)
	}
}

func TestTargetNode(t *testing.T) {
	t.Parallel()

	top := testTopology()

	if n := top.TargetNode(1<<30 + 0x1000); n != 2 {
		t.Fatalf("expected: node 2, actual: %d", n)
	}

	// No target entry for the low gigabyte; the caller falls back to
	// NodeOf.
	if n := top.TargetNode(0x1000); n != numa.NoNode {
		t.Fatalf("expected: NoNode, actual: %d", n)
	}
}

func TestEmptyTopology(t *testing.T) {
	t.Parallel()

	top := &numa.Topology{}

	if n := top.NodeOf(0); n != numa.NoNode {
		t.Fatalf("expected: NoNode, actual: %d", n)
	}

	if n := top.TargetNode(0); n != numa.NoNode {
		t.Fatalf("expected: NoNode, actual: %d", n)
	}
}
