package dht

import (
	"container/list"
	"sort"
	"sync"
	"time"
)

// DefaultK is the default maximum number of contacts retained per bucket.
const DefaultK = 20

// numBuckets is the number of buckets in the routing table: one per bit of
// a NodeID, with bucket 159 additionally reserved for zero distance (self).
const numBuckets = IDLen * 8

// RoutingTable is the fixed array of buckets owned by a DHT Node.
//
// Invariant (tested): for every contact c in bucket i, the most-significant
// differing bit of XOR(self, c.ID) is exactly i. Invariant (tested): every
// bucket holds at most k contacts, pairwise distinct by NodeID, ordered
// most-recently-seen first.
type RoutingTable struct {
	mu      sync.Mutex
	self    NodeID
	k       int
	buckets [numBuckets]*list.List
}

// NewRoutingTable creates a routing table for self with bucket capacity k.
func NewRoutingTable(self NodeID, k int) *RoutingTable {
	if k <= 0 {
		k = DefaultK
	}
	rt := &RoutingTable{self: self, k: k}
	for i := range rt.buckets {
		rt.buckets[i] = list.New()
	}
	return rt
}

func (rt *RoutingTable) bucketIndex(id NodeID) int {
	bit := XORDistance(rt.self, id).LeadingZeroBits()
	if bit >= numBuckets {
		bit = numBuckets - 1
	}
	return bit
}

// Observe records a sighting of id at endpoint: if id is already present in
// its bucket it is removed and re-pushed to the front (most-recently-seen).
// If the bucket then exceeds k entries, the tail (least-recently-seen) is
// evicted. Tail eviction is unconditional — this implementation does not
// ping the tail first.
func (rt *RoutingTable) Observe(id NodeID, ep Endpoint) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := rt.bucketIndex(id)
	b := rt.buckets[idx]

	for e := b.Front(); e != nil; e = e.Next() {
		if e.Value.(*Contact).ID == id {
			b.Remove(e)
			break
		}
	}

	b.PushFront(&Contact{ID: id, Endpoint: ep, LastSeen: time.Now()})

	for b.Len() > rt.k {
		b.Remove(b.Back())
	}
}

// Contact returns the currently tracked contact for id, if any.
func (rt *RoutingTable) Contact(id NodeID) (Contact, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.bucketIndex(id)]
	for e := b.Front(); e != nil; e = e.Next() {
		c := e.Value.(*Contact)
		if c.ID == id {
			return *c, true
		}
	}
	return Contact{}, false
}

// Closest flattens all buckets, computes XOR(target, id) for every contact,
// and returns the count closest, sorted ascending by distance with ties
// broken by lexicographic endpoint string.
func (rt *RoutingTable) Closest(target NodeID, count int) []Contact {
	if count <= 0 {
		return nil
	}

	rt.mu.Lock()
	all := make([]Contact, 0, rt.k*4)
	for _, b := range rt.buckets {
		for e := b.Front(); e != nil; e = e.Next() {
			all = append(all, *e.Value.(*Contact))
		}
	}
	rt.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		di := XORDistance(target, all[i].ID)
		dj := XORDistance(target, all[j].ID)
		if di != dj {
			return di.Less(dj)
		}
		return all[i].Endpoint.String() < all[j].Endpoint.String()
	})

	if count > len(all) {
		count = len(all)
	}
	return all[:count]
}

// Len returns the total number of contacts across all buckets.
func (rt *RoutingTable) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	n := 0
	for _, b := range rt.buckets {
		n += b.Len()
	}
	return n
}
