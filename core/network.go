package core

// Network layer: the publish/subscribe engine, caller and listener
// registries, and the secured per-identity sessions riding on tunnels. It
// is the overlay's delegate and fans incoming frames out to the tunneler,
// the pub/sub engine and the retrieval scheduler.

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// announceCacheTTL: a publisher is not re-invoked for the same
	// (prefix, path) within this window; the cached list is re-used.
	announceCacheTTL = 10 * time.Second

	// subscribeCollapseTTL: repeated subscribes from one peer for the same
	// prefix inside this window are collapsed.
	subscribeCollapseTTL = 30 * time.Second

	sessionErrorLimit = 3
)

// Target is one announced digest with its visibility flag.
type Target struct {
	Digest Identifier
	Public bool
}

// Publisher produces target digests under registered path prefixes.
type Publisher interface {
	Announce(peer Identifier, prefix, pth string) ([]Target, error)
}

// Subscriber receives discovered digests for its registered prefixes.
type Subscriber interface {
	Incoming(peer Identifier, prefix, pth string, target Identifier)
	// Remote returns the identity this subscription acts for, or nil for a
	// local subscription.
	Remote() Identifier
	PublicOnly() bool
}

// Listener observes a remote identity: presence, connections, and inbound
// notifications.
type Listener interface {
	Seen(peer Identifier)
	Connected(peer Identifier)
	Recv(peer Identifier, payload []byte) bool
}

type announceKey struct {
	publisher Publisher
	prefix    string
	path      string
}

type announceEntry struct {
	targets []Target
	at      time.Time
}

type subscribeKey struct {
	peer   Identifier
	prefix string
}

type Network struct {
	log      *logrus.Entry
	pool     *Pool
	overlay  *Overlay
	tunneler *Tunneler
	store    *Store
	identity *NodeKey

	down *Downloader

	pubMu      sync.RWMutex
	publishers map[string][]Publisher

	subMu       sync.RWMutex
	subscribers map[string][]Subscriber

	lisMu     sync.RWMutex
	listeners map[Identifier][]Listener

	annMu         sync.Mutex
	announceCache map[announceKey]announceEntry

	subSeenMu     sync.Mutex
	subscribeSeen map[subscribeKey]time.Time

	sessMu   sync.Mutex
	sessions map[Identifier]*peerSession

	pairMu         sync.Mutex
	pairingSecrets map[string][]byte
}

func NewNetwork(log *logrus.Logger, pool *Pool, overlay *Overlay, tunneler *Tunneler, store *Store, identity *NodeKey) *Network {
	n := &Network{
		log:           log.WithField("subsystem", "pubsub"),
		pool:          pool,
		overlay:       overlay,
		tunneler:      tunneler,
		store:         store,
		identity:      identity,
		publishers:    make(map[string][]Publisher),
		subscribers:   make(map[string][]Subscriber),
		listeners:     make(map[Identifier][]Listener),
		announceCache:  make(map[announceKey]announceEntry),
		subscribeSeen:  make(map[subscribeKey]time.Time),
		sessions:       make(map[Identifier]*peerSession),
		pairingSecrets: make(map[string][]byte),
	}
	overlay.SetDelegate(n)
	tunneler.SetServerCredentials(n.sessionCredentials)
	tunneler.SetPairingCredentials(n.pairingCredentials)
	tunneler.SetSessionHandler(n.acceptSession)
	return n
}

func (n *Network) SetDownloader(d *Downloader) { n.down = d }

//---------------------------------------------------------------------
// Path handling
//---------------------------------------------------------------------

// normalizePath cleans a pub/sub path to its canonical '/'-rooted form.
func normalizePath(p string) string {
	p = path.Clean("/" + strings.Trim(p, "/"))
	return p
}

// prefixesOf lists the ancestor prefixes of a path, longest first,
// including the path itself and ending at "/".
func prefixesOf(p string) []string {
	p = normalizePath(p)
	out := []string{p}
	for p != "/" {
		p = path.Dir(p)
		out = append(out, p)
	}
	return out
}

//---------------------------------------------------------------------
// Registration
//---------------------------------------------------------------------

// Publish registers a publisher under a prefix.
func (n *Network) Publish(prefix string, p Publisher) {
	prefix = normalizePath(prefix)
	n.pubMu.Lock()
	n.publishers[prefix] = append(n.publishers[prefix], p)
	n.pubMu.Unlock()
}

// Unpublish removes a publisher from a prefix.
func (n *Network) Unpublish(prefix string, p Publisher) {
	prefix = normalizePath(prefix)
	n.pubMu.Lock()
	defer n.pubMu.Unlock()
	list := n.publishers[prefix]
	for i, cur := range list {
		if cur == p {
			n.publishers[prefix] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(n.publishers[prefix]) == 0 {
		delete(n.publishers, prefix)
	}
}

// Subscribe registers a subscriber and broadcasts the interest.
func (n *Network) Subscribe(prefix string, s Subscriber) error {
	prefix = normalizePath(prefix)
	n.subMu.Lock()
	n.subscribers[prefix] = append(n.subscribers[prefix], s)
	n.subMu.Unlock()

	w := newWireWriter()
	if err := w.WriteString16(prefix); err != nil {
		return err
	}
	var flags uint8
	if s.PublicOnly() {
		flags |= 1
	}
	w.WriteUint8(flags)
	m := NewMessage(TypeBroadcast, ContentSubscribe, n.overlay.LocalNode(), NilIdentifier, w.Bytes())
	if err := n.overlay.Send(m); err != nil && err != ErrNetworkUnreachable {
		return err
	}
	// Also match local publishers immediately.
	n.matchPublishers(n.overlay.LocalNode(), prefix, s)
	return nil
}

// Unsubscribe removes a subscriber; subscribing then immediately
// unsubscribing leaves the registry unchanged.
func (n *Network) Unsubscribe(prefix string, s Subscriber) {
	prefix = normalizePath(prefix)
	n.subMu.Lock()
	defer n.subMu.Unlock()
	list := n.subscribers[prefix]
	for i, cur := range list {
		if cur == s {
			n.subscribers[prefix] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(n.subscribers[prefix]) == 0 {
		delete(n.subscribers, prefix)
	}
}

// SubscriberCount reports registered subscribers (for tests and the CLI).
func (n *Network) SubscriberCount() int {
	n.subMu.RLock()
	defer n.subMu.RUnlock()
	total := 0
	for _, list := range n.subscribers {
		total += len(list)
	}
	return total
}

// RegisterListener observes an identity.
func (n *Network) RegisterListener(peer Identifier, l Listener) {
	n.lisMu.Lock()
	n.listeners[peer] = append(n.listeners[peer], l)
	n.lisMu.Unlock()
}

func (n *Network) UnregisterListener(peer Identifier, l Listener) {
	n.lisMu.Lock()
	defer n.lisMu.Unlock()
	list := n.listeners[peer]
	for i, cur := range list {
		if cur == l {
			n.listeners[peer] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(n.listeners[peer]) == 0 {
		delete(n.listeners, peer)
	}
}

func (n *Network) eachListener(peer Identifier, f func(Listener)) {
	n.lisMu.RLock()
	list := append([]Listener(nil), n.listeners[peer]...)
	n.lisMu.RUnlock()
	for _, l := range list {
		f(l)
	}
}

//---------------------------------------------------------------------
// Overlay delegate
//---------------------------------------------------------------------

func (n *Network) IncomingMessage(m *Message, from Identifier) {
	switch m.Content {
	case ContentTunnel:
		n.tunneler.Incoming(m)
	case ContentSubscribe:
		n.incomingSubscribe(m)
	case ContentPublish:
		n.incomingPublish(m)
	case ContentCall:
		if n.down != nil {
			n.down.incomingCall(m)
		}
	case ContentData:
		if n.down != nil {
			n.down.incomingData(m)
		}
	case ContentCancel:
		if n.down != nil {
			n.down.incomingCancel(m)
		}
	case ContentNotify:
		n.incomingNotify(m)
	case ContentAck:
		// Delivery receipt; listeners only observe presence.
		n.eachListener(m.Source, func(l Listener) { l.Seen(m.Source) })
	case ContentEmpty:
		if len(m.Payload) > 0 {
			n.incomingLookupResult(m)
		}
	}
}

func (n *Network) LinkEstablished(node Identifier) {
	n.eachListener(node, func(l Listener) { l.Connected(node) })
}

func (n *Network) LinkLost(node Identifier) {
	n.sessMu.Lock()
	sess := n.sessions[node]
	n.sessMu.Unlock()
	// Broken tunnels surface through their own timeouts; the session is
	// left to notice on its next read.
	_ = sess
}

//---------------------------------------------------------------------
// Pub/Sub protocol
//---------------------------------------------------------------------

func (n *Network) incomingSubscribe(m *Message) {
	r := newWireReader(m.Payload)
	prefix, err := r.ReadString16()
	if err != nil {
		n.log.WithError(err).Debug("bad subscribe payload")
		return
	}
	flags, _ := r.ReadUint8()
	prefix = normalizePath(prefix)

	key := subscribeKey{peer: m.Source, prefix: prefix}
	n.subSeenMu.Lock()
	if at, ok := n.subscribeSeen[key]; ok && time.Since(at) < subscribeCollapseTTL {
		n.subSeenMu.Unlock()
		return
	}
	n.subscribeSeen[key] = time.Now()
	n.subSeenMu.Unlock()

	remote := &remoteSubscriber{n: n, peer: m.Source, publicOnly: flags&1 != 0}
	n.matchPublishers(m.Source, prefix, remote)
	n.eachListener(m.Source, func(l Listener) { l.Seen(m.Source) })
}

// matchPublishers walks the publisher registry from the longest matching
// prefix to the shortest and hands every announced target to the
// subscriber.
func (n *Network) matchPublishers(peer Identifier, pth string, s Subscriber) {
	pth = normalizePath(pth)
	for _, prefix := range prefixesOf(pth) {
		n.pubMu.RLock()
		pubs := append([]Publisher(nil), n.publishers[prefix]...)
		n.pubMu.RUnlock()
		for _, p := range pubs {
			targets, err := n.announceCached(p, peer, prefix, pth)
			if err != nil {
				continue
			}
			for _, t := range targets {
				if s.PublicOnly() && !t.Public {
					continue
				}
				s.Incoming(peer, prefix, pth, t.Digest)
			}
		}
	}
}

func (n *Network) announceCached(p Publisher, peer Identifier, prefix, pth string) ([]Target, error) {
	key := announceKey{publisher: p, prefix: prefix, path: pth}
	n.annMu.Lock()
	if e, ok := n.announceCache[key]; ok && time.Since(e.at) < announceCacheTTL {
		n.annMu.Unlock()
		return e.targets, nil
	}
	n.annMu.Unlock()

	targets, err := p.Announce(peer, prefix, pth)
	if err != nil {
		return nil, err
	}
	n.annMu.Lock()
	n.announceCache[key] = announceEntry{targets: targets, at: time.Now()}
	n.annMu.Unlock()
	return targets, nil
}

// remoteSubscriber relays matches back to the subscribing peer as a
// reverse-routed Publish.
type remoteSubscriber struct {
	n          *Network
	peer       Identifier
	publicOnly bool
}

func (rs *remoteSubscriber) Remote() Identifier { return rs.peer }
func (rs *remoteSubscriber) PublicOnly() bool   { return rs.publicOnly }

func (rs *remoteSubscriber) Incoming(_ Identifier, prefix, pth string, target Identifier) {
	rs.n.sendPublish(rs.peer, pth, []Identifier{target})
}

func (n *Network) sendPublish(to Identifier, pth string, targets []Identifier) {
	w := newWireWriter()
	if err := w.WriteString16(pth); err != nil {
		return
	}
	w.WriteUint16(uint16(len(targets)))
	for _, t := range targets {
		w.WriteIdentifier(t)
	}
	m := NewMessage(TypeForward, ContentPublish, n.overlay.LocalNode(), to, w.Bytes())
	if err := n.overlay.Send(m); err != nil {
		n.log.WithError(err).Debug("publish dropped")
	}
}

func (n *Network) incomingPublish(m *Message) {
	r := newWireReader(m.Payload)
	pth, err := r.ReadString16()
	if err != nil {
		return
	}
	count, err := r.ReadUint16()
	if err != nil {
		return
	}
	targets := make([]Identifier, 0, count)
	for range count {
		t, err := r.ReadIdentifier()
		if err != nil {
			return
		}
		targets = append(targets, t)
	}
	pth = normalizePath(pth)

	// Publishes teach the scheduler where content lives.
	if n.down != nil {
		for _, t := range targets {
			n.down.AddSource(t, m.Source)
		}
	}

	// Announcements are a set: deliver each target to every matching
	// subscriber, longest prefix first.
	for _, prefix := range prefixesOf(pth) {
		n.subMu.RLock()
		subs := append([]Subscriber(nil), n.subscribers[prefix]...)
		n.subMu.RUnlock()
		for _, s := range subs {
			if remote := s.Remote(); !remote.IsNil() && remote != m.Source {
				continue
			}
			for _, t := range targets {
				s.Incoming(m.Source, prefix, pth, t)
			}
		}
	}
	n.eachListener(m.Source, func(l Listener) { l.Seen(m.Source) })
}

func (n *Network) incomingLookupResult(m *Message) {
	r := newWireReader(m.Payload)
	key, err := r.ReadIdentifier()
	if err != nil {
		return
	}
	count, err := r.ReadUint16()
	if err != nil {
		return
	}
	for range count {
		if _, err := r.ReadBytes16(); err != nil {
			return
		}
	}
	// The answering node is a candidate source for the key.
	if n.down != nil {
		n.down.AddSource(key, m.Source)
	}
}

//---------------------------------------------------------------------
// Callers
//---------------------------------------------------------------------

// Caller expresses transient interest in a target digest.
type Caller struct {
	n      *Network
	target Identifier
	once   sync.Once
}

// Call registers interest in a target: the scheduler starts soliciting
// sources and pulling combinations.
func (n *Network) Call(target Identifier) *Caller {
	c := &Caller{n: n, target: target}
	if n.down != nil {
		n.down.RegisterCaller(target, c)
	}
	return c
}

// Stop revokes the interest; the last caller for a digest cancels its
// retrieval.
func (c *Caller) Stop() {
	c.once.Do(func() {
		if c.n.down != nil {
			c.n.down.UnregisterCaller(c.target, c)
		}
	})
}

// Fetch retrieves a target into the local store, blocking until present.
func (n *Network) Fetch(ctx context.Context, target Identifier, timeout time.Duration) error {
	if n.store.HasBlock(target) {
		return nil
	}
	c := n.Call(target)
	defer c.Stop()
	return n.store.WaitBlock(ctx, target, timeout)
}

//---------------------------------------------------------------------
// Notifications and sessions
//---------------------------------------------------------------------

func (n *Network) sessionCredentials() *Credentials {
	return &Credentials{
		Mode: ModeCertificate,
		Key:  n.identity,
		Verifier: func(peer Identifier) bool {
			return !peer.IsNil() && peer != n.identity.ID
		},
	}
}

//---------------------------------------------------------------------
// Pairing (pre-shared key sessions)
//---------------------------------------------------------------------

// RegisterPairingSecret accepts pairing tunnels handshaking under the given
// public name with the shared secret.
func (n *Network) RegisterPairingSecret(name string, secret []byte) {
	n.pairMu.Lock()
	n.pairingSecrets[name] = append([]byte(nil), secret...)
	n.pairMu.Unlock()
}

// UnregisterPairingSecret forgets a pairing name.
func (n *Network) UnregisterPairingSecret(name string) {
	n.pairMu.Lock()
	delete(n.pairingSecrets, name)
	n.pairMu.Unlock()
}

// pairingCredentials answers inbound pairing tunnels; nil refuses them when
// no secret is registered.
func (n *Network) pairingCredentials() *Credentials {
	n.pairMu.Lock()
	empty := len(n.pairingSecrets) == 0
	n.pairMu.Unlock()
	if empty {
		return nil
	}
	return &Credentials{
		Mode: ModePrivateShared,
		PSK: func(name string) ([]byte, error) {
			n.pairMu.Lock()
			secret, ok := n.pairingSecrets[name]
			n.pairMu.Unlock()
			if !ok {
				return nil, fmt.Errorf("unknown pairing name %q", name)
			}
			return secret, nil
		},
	}
}

// OpenPairing establishes a pre-shared-key session with a remote node. The
// resulting session is keyed by the pairing identity (the hash of the
// name), so listeners registered for it observe the peer.
func (n *Network) OpenPairing(ctx context.Context, remote Identifier, name string, secret []byte) error {
	pairID := HashIdentifier([]byte(name))
	n.sessMu.Lock()
	if n.sessions[pairID] != nil {
		n.sessMu.Unlock()
		return nil
	}
	n.sessMu.Unlock()

	creds := &Credentials{
		Mode:    ModePrivateShared,
		PSKName: name,
		PSK:     func(string) ([]byte, error) { return secret, nil },
	}
	stream, tunnel, err := n.tunneler.Open(ctx, remote, creds)
	if err != nil {
		return err
	}
	n.installSession(stream, tunnel)
	return nil
}

// SendNotification delivers an opaque payload to a remote identity over the
// shared secured session, opening it if needed.
func (n *Network) SendNotification(ctx context.Context, remote Identifier, payload []byte) error {
	sess, err := n.session(ctx, remote)
	if err != nil {
		// Fall back to an overlay Notify frame when no session can open.
		m := NewMessage(TypeForward, ContentNotify, n.overlay.LocalNode(), remote, payload)
		return n.overlay.Send(m)
	}
	return sess.sendNotify(payload)
}

func (n *Network) session(ctx context.Context, remote Identifier) (*peerSession, error) {
	n.sessMu.Lock()
	if sess := n.sessions[remote]; sess != nil {
		n.sessMu.Unlock()
		return sess, nil
	}
	n.sessMu.Unlock()

	stream, tunnel, err := n.tunneler.Open(ctx, remote, n.sessionCredentials())
	if err != nil {
		return nil, err
	}
	return n.installSession(stream, tunnel), nil
}

func (n *Network) acceptSession(stream *SecureStream, tunnel *Tunnel) {
	n.installSession(stream, tunnel)
}

func (n *Network) installSession(stream *SecureStream, tunnel *Tunnel) *peerSession {
	remote := tunnel.Peer()
	if stream.Mode() == ModePrivateShared && !stream.Peer().IsNil() {
		// Pairing sessions are keyed by the pairing identity, not the
		// carrying node.
		remote = stream.Peer()
	}
	sess := &peerSession{n: n, remote: remote, stream: stream, tunnel: tunnel}
	n.sessMu.Lock()
	if existing := n.sessions[sess.remote]; existing != nil {
		n.sessMu.Unlock()
		stream.Close()
		tunnel.Close()
		return existing
	}
	n.sessions[sess.remote] = sess
	n.sessMu.Unlock()

	n.eachListener(sess.remote, func(l Listener) { l.Connected(sess.remote) })
	n.pool.Go(func(ctx context.Context) { sess.readLoop(ctx) })
	return sess
}

func (n *Network) dropSession(sess *peerSession) {
	n.sessMu.Lock()
	if cur := n.sessions[sess.remote]; cur == sess {
		delete(n.sessions, sess.remote)
	}
	n.sessMu.Unlock()
	sess.stream.Close()
	sess.tunnel.Close()
}

// incomingNotify handles overlay-level notifications (the sessionless
// fallback path).
func (n *Network) incomingNotify(m *Message) {
	handled := false
	n.eachListener(m.Source, func(l Listener) {
		if l.Recv(m.Source, m.Payload) {
			handled = true
		}
	})
	if handled {
		ack := HashIdentifier(m.Payload)
		reply := NewMessage(TypeForward, ContentAck, n.overlay.LocalNode(), m.Source, ack[:])
		n.overlay.Send(reply)
	}
}

type peerSession struct {
	n      *Network
	remote Identifier
	stream *SecureStream
	tunnel *Tunnel

	writeMu sync.Mutex
}

const (
	sessionNotify uint8 = 'N'
	sessionAck    uint8 = 'A'
)

func (s *peerSession) sendNotify(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	frame := append([]byte{sessionNotify}, payload...)
	if _, err := s.stream.Write(frame); err != nil {
		return fmt.Errorf("session write: %w", err)
	}
	return nil
}

func (s *peerSession) readLoop(ctx context.Context) {
	defer s.n.dropSession(s)
	buf := make([]byte, maxCombinationData+64)
	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := s.stream.Read(buf)
		if err != nil {
			consecutive++
			if consecutive >= sessionErrorLimit || err == ErrClosed || IsRetryable(err) {
				return
			}
			continue
		}
		consecutive = 0
		if n == 0 {
			continue
		}
		switch buf[0] {
		case sessionNotify:
			payload := append([]byte(nil), buf[1:n]...)
			s.n.eachListener(s.remote, func(l Listener) { l.Recv(s.remote, payload) })
			s.writeMu.Lock()
			s.stream.Write([]byte{sessionAck})
			s.writeMu.Unlock()
		case sessionAck:
			s.n.eachListener(s.remote, func(l Listener) { l.Seen(s.remote) })
		}
	}
}
