package dht

import (
	"net"
	"sort"
	"sync"
)

// BucketDefaultSize is the default capacity of a close-node list.
const BucketDefaultSize = 8

// Bucket is a bounded close-node list ranked against a reference public
// key. Entries are kept sorted by health tier first (non-stale before
// stale) and ascending XOR distance to the reference key second, so a
// live-but-far node always outranks a dead-but-close one.
type Bucket struct {
	baseKey  [32]byte
	nodes    []*Node
	capacity int
	mu       sync.RWMutex
}

// NewBucket creates a close-node list ranked against baseKey. A
// capacity of zero or less selects BucketDefaultSize.
func NewBucket(baseKey [32]byte, capacity int) *Bucket {
	if capacity <= 0 {
		capacity = BucketDefaultSize
	}
	return &Bucket{
		baseKey:  baseKey,
		nodes:    make([]*Node, 0, capacity),
		capacity: capacity,
	}
}

// Capacity returns the fixed capacity of the bucket.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// Len returns the current number of entries.
func (b *Bucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes)
}

// TryInsert offers a node to the bucket. An already-present key is
// updated in place and re-ranked. Otherwise the node is inserted when
// there is room, or when it outranks the current worst entry, which is
// then evicted. Returns false when the bucket is full of better nodes.
func (b *Bucket) TryInsert(node *Node) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.nodes {
		if existing.PublicKey == node.PublicKey {
			b.nodes[i] = node
			b.sortLocked()
			return true
		}
	}

	if len(b.nodes) < b.capacity {
		b.nodes = append(b.nodes, node)
		b.sortLocked()
		return true
	}

	// Full: health tiers decay over time, so re-rank before picking the
	// eviction candidate.
	b.sortLocked()
	worst := b.nodes[len(b.nodes)-1]
	if !b.outranks(node, worst) {
		return false
	}
	b.nodes[len(b.nodes)-1] = node
	b.sortLocked()
	return true
}

// Find returns the entry with the given public key, or nil.
func (b *Bucket) Find(publicKey [32]byte) *Node {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, node := range b.nodes {
		if node.PublicKey == publicKey {
			return node
		}
	}
	return nil
}

// Contains reports whether an entry with the given public key exists.
func (b *Bucket) Contains(publicKey [32]byte) bool {
	return b.Find(publicKey) != nil
}

// Nodes returns a copy of all entries in current sort order.
func (b *Bucket) Nodes() []*Node {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*Node, len(b.nodes))
	copy(result, b.nodes)
	return result
}

// GoodNodes returns all non-stale entries in current sort order.
func (b *Bucket) GoodNodes() []*Node {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Node
	for _, node := range b.nodes {
		if !node.IsStale() {
			result = append(result, node)
		}
	}
	return result
}

// ToAddrs flattens the preferred address of every entry, skipping
// entries with no address under the requested mode.
func (b *Bucket) ToAddrs(ipv6Enabled bool) []*net.UDPAddr {
	var addrs []*net.UDPAddr
	for _, node := range b.Nodes() {
		if addr := node.PreferredAddr(ipv6Enabled); addr != nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// outranks reports whether candidate should replace incumbent: a
// non-stale node beats a stale one regardless of distance, otherwise
// the closer key wins.
func (b *Bucket) outranks(candidate, incumbent *Node) bool {
	cStale, iStale := candidate.IsStale(), incumbent.IsStale()
	if cStale != iStale {
		return !cStale
	}
	return lessDistance(
		xorDistance(b.baseKey, candidate.PublicKey),
		xorDistance(b.baseKey, incumbent.PublicKey),
	)
}

// sortLocked re-ranks the bucket. Staleness and distance are captured
// once per entry so the comparator stays consistent during the sort.
func (b *Bucket) sortLocked() {
	type ranked struct {
		node  *Node
		stale bool
		dist  [32]byte
	}

	entries := make([]ranked, len(b.nodes))
	for i, node := range b.nodes {
		entries[i] = ranked{
			node:  node,
			stale: node.IsStale(),
			dist:  xorDistance(b.baseKey, node.PublicKey),
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].stale != entries[j].stale {
			return !entries[i].stale
		}
		return lessDistance(entries[i].dist, entries[j].dist)
	})

	for i, e := range entries {
		b.nodes[i] = e.node
	}
}

// xorDistance computes the XOR metric between two public keys.
func xorDistance(a, b [32]byte) [32]byte {
	var result [32]byte
	for i := 0; i < 32; i++ {
		result[i] = a[i] ^ b[i]
	}
	return result
}

// lessDistance compares two distances as big-endian integers and returns
// true if a is less than b.
func lessDistance(a, b [32]byte) bool {
	for i := 0; i < 32; i++ {
		if a[i] < b[i] {
			return true
		} else if a[i] > b[i] {
			return false
		}
	}
	return false
}
