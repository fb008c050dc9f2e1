package core

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

//------------------------------------------------------------
// In-process multi-node harness
//------------------------------------------------------------

func newTestNode(t *testing.T, tunnelTimeout time.Duration) *CoreContext {
	t.Helper()
	ctx, err := NewCoreContext(newQuietLogger(), Options{
		Port:          0,
		Directory:     t.TempDir(),
		TunnelTimeout: tunnelTimeout,
		Workers:       48,
	})
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if err := ctx.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(ctx.Close)
	return ctx
}

// connectNodes links a to b and waits until both sides register the link.
func connectNodes(t *testing.T, a, b *CoreContext) {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", b.Overlay.Port())
	if err := a.Overlay.Connect([]string{addr}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.Overlay.ConnectionsCount() > 0 && b.Overlay.ConnectionsCount() > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("link not established")
}

// chanSubscriber funnels discovered targets into a channel.
type chanSubscriber struct {
	targets chan Identifier
}

func newChanSubscriber() *chanSubscriber {
	return &chanSubscriber{targets: make(chan Identifier, 16)}
}

func (s *chanSubscriber) Incoming(_ Identifier, _, _ string, target Identifier) {
	select {
	case s.targets <- target:
	default:
	}
}

func (s *chanSubscriber) Remote() Identifier { return NilIdentifier }
func (s *chanSubscriber) PublicOnly() bool   { return false }

// mapPublisher serves a fixed target list.
type mapPublisher struct {
	mu      sync.Mutex
	targets []Target
}

func (p *mapPublisher) Announce(Identifier, string, string) ([]Target, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Target(nil), p.targets...), nil
}

func readContent(t *testing.T, s *Store, d Identifier) []byte {
	t.Helper()
	r, _, err := s.GetBlock(context.Background(), d, 5*time.Second)
	if err != nil {
		t.Fatalf("get %s: %v", d.Short(), err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

//------------------------------------------------------------
// End-to-end scenarios
//------------------------------------------------------------

func TestTwoNodeDirectRetrieval(t *testing.T) {
	a := newTestNode(t, time.Minute)
	b := newTestNode(t, time.Minute)
	connectNodes(t, a, b)

	content := make([]byte, BlockSize)
	copy(content, "hello world!")
	digest, err := a.Store.Put(content)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	a.Network.Publish("/test", &mapPublisher{targets: []Target{{Digest: digest, Public: true}}})

	sub := newChanSubscriber()
	if err := b.Network.Subscribe("/test", sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var target Identifier
	select {
	case target = <-sub.targets:
	case <-time.After(5 * time.Second):
		t.Fatalf("no announcement received")
	}
	if target != digest {
		t.Fatalf("announced %s, want %s", target.Short(), digest.Short())
	}

	start := time.Now()
	if err := b.Network.Fetch(context.Background(), target, 10*time.Second); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !b.Store.HasBlock(target) {
		t.Fatalf("content not present after fetch")
	}
	if got := readContent(t, b.Store, target); !bytes.Equal(got, content) {
		t.Fatalf("content differs after retrieval")
	}
	t.Logf("retrieved in %s", time.Since(start).Round(time.Millisecond))
}

func TestThreeHopRoutedRetrieval(t *testing.T) {
	a := newTestNode(t, time.Minute)
	relay := newTestNode(t, time.Minute)
	b := newTestNode(t, time.Minute)
	connectNodes(t, a, relay)
	connectNodes(t, b, relay)

	content := make([]byte, 4*BlockSize)
	rand.Read(content)
	digest, err := a.Store.Put(content)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	a.Network.Publish("/resource", &mapPublisher{targets: []Target{{Digest: digest, Public: true}}})

	sub := newChanSubscriber()
	if err := b.Network.Subscribe("/resource", sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var target Identifier
	select {
	case target = <-sub.targets:
	case <-time.After(5 * time.Second):
		t.Fatalf("announcement did not cross the relay")
	}

	if err := b.Network.Fetch(context.Background(), target, 15*time.Second); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := readContent(t, b.Store, target); !bytes.Equal(got, content) {
		t.Fatalf("content differs after routed retrieval")
	}
}

func TestCodedMultiSourceRetrieval(t *testing.T) {
	a := newTestNode(t, time.Minute)
	c := newTestNode(t, time.Minute)
	b := newTestNode(t, time.Minute)
	connectNodes(t, b, a)
	connectNodes(t, b, c)

	content := make([]byte, 8*BlockSize)
	rand.Read(content)
	digestA, err := a.Store.Put(content)
	if err != nil {
		t.Fatalf("put a: %v", err)
	}
	digestC, err := c.Store.Put(content)
	if err != nil {
		t.Fatalf("put c: %v", err)
	}
	if digestA != digestC {
		t.Fatalf("same content, different digests")
	}
	pub := &mapPublisher{targets: []Target{{Digest: digestA, Public: true}}}
	a.Network.Publish("/x", pub)
	c.Network.Publish("/x", pub)

	sub := newChanSubscriber()
	if err := b.Network.Subscribe("/x", sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var target Identifier
	select {
	case target = <-sub.targets:
	case <-time.After(5 * time.Second):
		t.Fatalf("no announcement")
	}

	if err := b.Network.Fetch(context.Background(), target, 20*time.Second); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := readContent(t, b.Store, target); !bytes.Equal(got, content) {
		t.Fatalf("reconstruction differs")
	}
}

func TestSubscribeUnsubscribeIdempotent(t *testing.T) {
	n := newTestNode(t, time.Minute)
	sub := newChanSubscriber()
	before := n.Network.SubscriberCount()
	if err := n.Network.Subscribe("/tmp/topic", sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	n.Network.Unsubscribe("/tmp/topic", sub)
	if after := n.Network.SubscriberCount(); after != before {
		t.Fatalf("subscriber registry changed: %d -> %d", before, after)
	}
}

func TestLinkFailurePurgesRoutes(t *testing.T) {
	a := newTestNode(t, time.Minute)
	b := newTestNode(t, time.Minute)
	connectNodes(t, a, b)
	bNode := b.Overlay.LocalNode()

	b.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.Overlay.ConnectionsCount() == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if a.Overlay.ConnectionsCount() != 0 {
		t.Fatalf("dead link not torn down within 5s")
	}
	if _, ok := a.Overlay.routes.Get(bNode); ok {
		t.Fatalf("route to dead node survived")
	}
	m := NewMessage(TypeForward, ContentNotify, a.Overlay.LocalNode(), bNode, []byte("hi"))
	if err := a.Overlay.Send(m); err == nil {
		t.Fatalf("send to unreachable node succeeded")
	}
}

func TestHopLimitDropsFrame(t *testing.T) {
	n := newTestNode(t, time.Minute)
	m := NewMessage(TypeForward, ContentNotify, NilIdentifier, HashIdentifier([]byte("far")), nil)
	m.Hops = MaxHops
	if err := n.Overlay.route(m, NilIdentifier); err != nil {
		t.Fatalf("ttl drop should be silent, got %v", err)
	}
	if m.Hops != MaxHops {
		t.Fatalf("hops advanced past the limit")
	}
}

func TestHostileCombinationPenalized(t *testing.T) {
	n := newTestNode(t, time.Minute)
	target := HashIdentifier([]byte("wanted"))
	caller := n.Network.Call(target)
	defer caller.Stop()

	hostile := HashIdentifier([]byte("attacker"))

	// A Data frame whose leading component index is out of any valid
	// range must surface as a protocol fault and penalize the sender.
	w := newWireWriter()
	w.WriteIdentifier(target)
	w.WriteUint64(BlockSize)
	w.WriteUint64(1 << 63) // leading-component index far outside range
	w.WriteUint16(1)
	w.buf.Write([]byte{1})
	w.WriteBytes16([]byte{0, 1, 'x'})

	m := NewMessage(TypeForward, ContentData, hostile, n.Overlay.LocalNode(), w.Bytes())
	n.Downloader.incomingData(m)
	if !n.Overlay.Penalized(hostile) {
		t.Fatalf("hostile sender not penalized")
	}
	first := n.Overlay.penalties.Backoff(hostile)

	n.Downloader.incomingData(m)
	second := n.Overlay.penalties.Backoff(hostile)
	if second != 2*first {
		t.Fatalf("penalty %v then %v, want doubling", first, second)
	}
}

func TestSessionNotificationAndTunnelTimeout(t *testing.T) {
	a := newTestNode(t, 2*time.Second)
	b := newTestNode(t, 2*time.Second)
	connectNodes(t, a, b)

	recv := make(chan []byte, 1)
	b.Network.RegisterListener(a.Overlay.LocalNode(), listenerFunc(func(peer Identifier, payload []byte) bool {
		select {
		case recv <- payload:
		default:
		}
		return true
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := a.Network.SendNotification(ctx, b.Overlay.LocalNode(), []byte("ping")); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case payload := <-recv:
		if string(payload) != "ping" {
			t.Fatalf("payload %q", payload)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("notification not delivered")
	}

	// With no further activity the tunnels must idle out.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if a.Tunneler.Count() == 0 && b.Tunneler.Count() == 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("tunnels survived idle timeout: a=%d b=%d", a.Tunneler.Count(), b.Tunneler.Count())
}

func TestAnonymousAddressDiscovery(t *testing.T) {
	a := newTestNode(t, time.Minute)
	b := newTestNode(t, time.Minute)

	// The discovery rule orders on identifiers: the advertised identifier
	// must be at or above the answering node's.
	high, low := a, b
	if a.Overlay.LocalNode().Less(b.Overlay.LocalNode()) {
		high, low = b, a
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	observed, err := high.Overlay.DiscoverPublicAddress(ctx, fmt.Sprintf("127.0.0.1:%d", low.Overlay.Port()))
	if err != nil {
		t.Fatalf("discovery refused for ordered identifier: %v", err)
	}
	if observed == "" {
		t.Fatalf("empty observed address")
	}

	if _, err := low.Overlay.DiscoverPublicAddress(ctx, fmt.Sprintf("127.0.0.1:%d", high.Overlay.Port())); err == nil {
		t.Fatalf("discovery accepted an advertised identifier below the peer's")
	}
}

func TestPairingSession(t *testing.T) {
	a := newTestNode(t, time.Minute)
	b := newTestNode(t, time.Minute)
	connectNodes(t, a, b)

	const name = "pairing-1"
	secret := []byte("shared secret")
	pairID := HashIdentifier([]byte(name))

	b.Network.RegisterPairingSecret(name, secret)
	recv := make(chan []byte, 1)
	b.Network.RegisterListener(pairID, listenerFunc(func(_ Identifier, payload []byte) bool {
		select {
		case recv <- payload:
		default:
		}
		return true
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := a.Network.OpenPairing(ctx, b.Overlay.LocalNode(), name, secret); err != nil {
		t.Fatalf("pairing: %v", err)
	}
	if err := a.Network.SendNotification(ctx, pairID, []byte("psst")); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case payload := <-recv:
		if string(payload) != "psst" {
			t.Fatalf("payload %q", payload)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("pairing notification not delivered")
	}
}

// listenerFunc adapts a function to the Listener interface.
type listenerFunc func(peer Identifier, payload []byte) bool

func (f listenerFunc) Seen(Identifier)      {}
func (f listenerFunc) Connected(Identifier) {}
func (f listenerFunc) Recv(peer Identifier, payload []byte) bool {
	return f(peer, payload)
}
