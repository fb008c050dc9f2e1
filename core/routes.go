package core

// Routing state for the overlay: the LRU-bounded route table with explicit
// freshness counters, the broadcast dedup filter, and per-link penalties.
// Routes are hints, never authoritative.

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// RouteTableSize bounds the route table.
	RouteTableSize = 4096

	// SeenFilterSize sizes the broadcast dedup filter.
	SeenFilterSize = 65536

	// RouteMaxAge: a route older than this is evicted lazily on lookup.
	RouteMaxAge = 10 * time.Minute

	// Penalty growth bounds.
	penaltyInitial = 10 * time.Second
	penaltyMax     = 10 * time.Minute
)

type routeEntry struct {
	next      Identifier
	freshness uint64
	stamp     time.Time
}

type routeTable struct {
	mu      sync.RWMutex
	entries *lru.Cache[Identifier, routeEntry]
	counter uint64
}

func newRouteTable() *routeTable {
	entries, _ := lru.New[Identifier, routeEntry](RouteTableSize)
	return &routeTable{entries: entries}
}

// Add records destination → next-hop with a fresh monotonic counter.
func (rt *routeTable) Add(destination, next Identifier) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.counter++
	rt.entries.Add(destination, routeEntry{
		next:      next,
		freshness: rt.counter,
		stamp:     time.Now(),
	})
}

// Get returns the next hop for a destination, if a live hint exists.
func (rt *routeTable) Get(destination Identifier) (Identifier, bool) {
	rt.mu.RLock()
	e, ok := rt.entries.Get(destination)
	rt.mu.RUnlock()
	if !ok {
		return NilIdentifier, false
	}
	if time.Since(e.stamp) > RouteMaxAge {
		rt.mu.Lock()
		rt.entries.Remove(destination)
		rt.mu.Unlock()
		return NilIdentifier, false
	}
	return e.next, true
}

// Remove drops the route for a destination.
func (rt *routeTable) Remove(destination Identifier) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.entries.Remove(destination)
}

// RemoveVia purges every route whose next hop is the given neighbour and
// returns the destinations that became unreachable.
func (rt *routeTable) RemoveVia(next Identifier) []Identifier {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var purged []Identifier
	for _, dest := range rt.entries.Keys() {
		if e, ok := rt.entries.Peek(dest); ok && e.next == next {
			rt.entries.Remove(dest)
			purged = append(purged, dest)
		}
	}
	return purged
}

// weightedDistance implements the route tie-break: XOR distance to the
// destination divided by one plus the freshness age in seconds. The leading
// eight bytes of the distance dominate the comparison, which is enough to
// order 32-byte distances in practice.
func weightedDistance(destination, candidate Identifier, age time.Duration) float64 {
	d := destination.Distance(candidate)
	lead := binary.BigEndian.Uint64(d[:8])
	return float64(lead) / (1 + age.Seconds())
}

//---------------------------------------------------------------------
// Broadcast dedup
//---------------------------------------------------------------------

// seenFilter deduplicates broadcast frames with two bloom generations: the
// current filter rotates into the previous one when full, so membership is
// retained across a rotation.
type seenFilter struct {
	mu       sync.Mutex
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	inserts  uint
}

func newSeenFilter() *seenFilter {
	return &seenFilter{
		current:  bloom.NewWithEstimates(SeenFilterSize, 0.001),
		previous: bloom.NewWithEstimates(SeenFilterSize, 0.001),
	}
}

// TestAndAdd reports whether the message id was seen before and records it.
func (sf *seenFilter) TestAndAdd(id []byte) bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.previous.Test(id) {
		return true
	}
	if sf.current.TestAndAdd(id) {
		return true
	}
	sf.inserts++
	if sf.inserts >= SeenFilterSize {
		sf.previous, sf.current = sf.current, sf.previous
		sf.current.ClearAll()
		sf.inserts = 0
	}
	return false
}

// messageID identifies a broadcast frame for dedup purposes.
func messageID(m *Message) []byte {
	payloadDigest := HashIdentifier(m.Payload)
	var hops [2]byte
	binary.BigEndian.PutUint16(hops[:], m.Hops)
	id := HashIdentifier(append(append(m.Source[:], payloadDigest[:]...), hops[:]...))
	return id[:]
}

//---------------------------------------------------------------------
// Link penalties
//---------------------------------------------------------------------

// penaltyBox tracks exponential backoff per misbehaving link. AuthFailed and
// Protocol faults land here; a penalized link is skipped for retrieval until
// the penalty expires.
type penaltyBox struct {
	mu      sync.Mutex
	entries map[Identifier]*penaltyEntry
}

type penaltyEntry struct {
	until   time.Time
	backoff time.Duration
}

func newPenaltyBox() *penaltyBox {
	return &penaltyBox{entries: make(map[Identifier]*penaltyEntry)}
}

// Penalize doubles the node's backoff up to the cap and returns the new
// penalty duration.
func (pb *penaltyBox) Penalize(node Identifier) time.Duration {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	e := pb.entries[node]
	if e == nil {
		e = &penaltyEntry{backoff: penaltyInitial}
		pb.entries[node] = e
	} else {
		e.backoff *= 2
		if e.backoff > penaltyMax {
			e.backoff = penaltyMax
		}
	}
	e.until = time.Now().Add(e.backoff)
	return e.backoff
}

// Penalized reports whether the node is currently in backoff.
func (pb *penaltyBox) Penalized(node Identifier) bool {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	e, ok := pb.entries[node]
	if !ok {
		return false
	}
	if time.Now().After(e.until) {
		return false
	}
	return true
}

// Backoff returns the node's current backoff duration.
func (pb *penaltyBox) Backoff(node Identifier) time.Duration {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if e, ok := pb.entries[node]; ok {
		return e.backoff
	}
	return 0
}

// Forgive clears the node's penalty state.
func (pb *penaltyBox) Forgive(node Identifier) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	delete(pb.entries, node)
}
