package core

import (
	"testing"
	"time"
)

func TestRouteTable(t *testing.T) {
	rt := newRouteTable()
	dest := HashIdentifier([]byte("dest"))
	hop := HashIdentifier([]byte("hop"))

	if _, ok := rt.Get(dest); ok {
		t.Fatalf("empty table returned a route")
	}
	rt.Add(dest, hop)
	next, ok := rt.Get(dest)
	if !ok || next != hop {
		t.Fatalf("route lost")
	}

	other := HashIdentifier([]byte("other"))
	rt.Add(other, hop)
	purged := rt.RemoveVia(hop)
	if len(purged) != 2 {
		t.Fatalf("purged %d routes, want 2", len(purged))
	}
	if _, ok := rt.Get(dest); ok {
		t.Fatalf("route survived RemoveVia")
	}
}

func TestRouteFreshnessMonotonic(t *testing.T) {
	rt := newRouteTable()
	a := HashIdentifier([]byte("a"))
	b := HashIdentifier([]byte("b"))
	hop := HashIdentifier([]byte("hop"))
	rt.Add(a, hop)
	rt.Add(b, hop)
	ea, _ := rt.entries.Peek(a)
	eb, _ := rt.entries.Peek(b)
	if eb.freshness <= ea.freshness {
		t.Fatalf("freshness not monotonic: %d then %d", ea.freshness, eb.freshness)
	}
}

func TestRouteTableBounded(t *testing.T) {
	rt := newRouteTable()
	hop := HashIdentifier([]byte("hop"))
	for i := 0; i < RouteTableSize+100; i++ {
		rt.Add(HashIdentifier([]byte{byte(i), byte(i >> 8), byte(i >> 16)}), hop)
	}
	if n := rt.entries.Len(); n > RouteTableSize {
		t.Fatalf("table grew to %d entries", n)
	}
}

func TestSeenFilterDedup(t *testing.T) {
	sf := newSeenFilter()
	m := NewMessage(TypeBroadcast, ContentPublish, HashIdentifier([]byte("s")), NilIdentifier, []byte("x"))
	m.Hops = 3
	id := messageID(m)
	if sf.TestAndAdd(id) {
		t.Fatalf("fresh id reported seen")
	}
	if !sf.TestAndAdd(id) {
		t.Fatalf("repeat id not detected")
	}
	// A different hop count yields a different id.
	m.Hops = 4
	if sf.TestAndAdd(messageID(m)) {
		t.Fatalf("distinct id collided")
	}
}

func TestPenaltyBoxDoubles(t *testing.T) {
	pb := newPenaltyBox()
	node := HashIdentifier([]byte("peer"))
	first := pb.Penalize(node)
	second := pb.Penalize(node)
	if second != 2*first {
		t.Fatalf("penalty %v then %v, want doubling", first, second)
	}
	if !pb.Penalized(node) {
		t.Fatalf("node not penalized")
	}
	for i := 0; i < 20; i++ {
		pb.Penalize(node)
	}
	if got := pb.Backoff(node); got > penaltyMax {
		t.Fatalf("backoff %v exceeds cap", got)
	}
	pb.Forgive(node)
	if pb.Penalized(node) {
		t.Fatalf("forgiven node still penalized")
	}
}

func TestWeightedDistanceAgeDiscount(t *testing.T) {
	// The tie-break divides the XOR distance by one plus the age in
	// seconds, so the score strictly decreases with age.
	dest := HashIdentifier([]byte("dest"))
	hop := HashIdentifier([]byte("hop"))
	young := weightedDistance(dest, hop, time.Second)
	old := weightedDistance(dest, hop, time.Minute)
	if old >= young {
		t.Fatalf("age discount broken: %v vs %v", old, young)
	}
}
