// Package numa resolves the NUMA node backing a physical address.
package numa

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// NoNode means the platform could not resolve a node for the address.
const NoNode = -1

// Range maps a physical address range to a node.
type Range struct {
	Start uint64
	Size  uint64
	Node  int
}

func (r Range) contains(addr uint64) bool {
	return addr >= r.Start && addr-r.Start < r.Size
}

// Topology holds the node layout. Ranges describes online memory; Targets
// describes target nodes the platform has reserved for hotpluggable memory,
// which may be absent entirely.
type Topology struct {
	Ranges  []Range
	Targets []Range
}

// NodeOf computes the node of addr directly from the online memory layout.
func (t *Topology) NodeOf(addr uint64) int {
	for _, r := range t.Ranges {
		if r.contains(addr) {
			return r.Node
		}
	}

	return NoNode
}

// TargetNode resolves the platform's target node for addr. NoNode when the
// platform has no answer; callers are expected to fall back to NodeOf.
func (t *Topology) TargetNode(addr uint64) int {
	for _, r := range t.Targets {
		if r.contains(addr) {
			return r.Node
		}
	}

	return NoNode
}

const (
	memorySysDir  = "/sys/devices/system/memory"
	blockSizeFile = "/sys/devices/system/memory/block_size_bytes"
)

// SystemTopology reads the online memory block layout from sysfs. Memory
// blocks carry a node symlink; adjacent blocks on the same node are
// coalesced. Target nodes are not exposed through sysfs, so Targets stays
// empty and TargetNode always falls back.
func SystemTopology() (*Topology, error) {
	raw, err := os.ReadFile(blockSizeFile)
	if err != nil {
		return nil, fmt.Errorf("read memory block size: %w", err)
	}

	blockSize, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("parse memory block size: %w", err)
	}

	entries, err := os.ReadDir(memorySysDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", memorySysDir, err)
	}

	var ranges []Range

	for _, e := range entries {
		block, ok := strings.CutPrefix(e.Name(), "memory")
		if !ok {
			continue
		}

		idx, err := strconv.ParseUint(block, 10, 64)
		if err != nil {
			continue
		}

		node, err := blockNode(memorySysDir + "/" + e.Name())
		if err != nil {
			continue
		}

		ranges = append(ranges, Range{
			Start: idx * blockSize,
			Size:  blockSize,
			Node:  node,
		})
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	return &Topology{Ranges: coalesce(ranges)}, nil
}

func blockNode(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return NoNode, err
	}

	for _, e := range entries {
		n, ok := strings.CutPrefix(e.Name(), "node")
		if !ok {
			continue
		}

		node, err := strconv.Atoi(n)
		if err != nil {
			continue
		}

		return node, nil
	}

	return NoNode, fmt.Errorf("no node link in %s", dir)
}

func coalesce(ranges []Range) []Range {
	var out []Range

	for _, r := range ranges {
		n := len(out)
		if n > 0 && out[n-1].Node == r.Node && out[n-1].Start+out[n-1].Size == r.Start {
			out[n-1].Size += r.Size

			continue
		}

		out = append(out, r)
	}

	return out
}
