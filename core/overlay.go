package core

// Overlay router. Owns the node identity, the table of authenticated
// neighbour links, and the routing table, and moves frames between them:
// Forward frames follow route hints, Lookup frames are answered from the
// local value store or flooded, Broadcast frames flood with bloom dedup.
// Every received frame caches a reverse route towards its source.

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/transport/v2/udp"
	"github.com/sirupsen/logrus"
)

const (
	linkSendQueue  = 256
	connectTimeout = 10 * time.Second

	// trackerAnnouncePeriod paces presence refreshes.
	trackerAnnouncePeriod = 10 * time.Minute
)

// OverlayDelegate receives frames addressed to (or broadcast through) the
// local node, plus link lifecycle events. Calls run on pool workers.
type OverlayDelegate interface {
	IncomingMessage(m *Message, from Identifier)
	LinkEstablished(node Identifier)
	LinkLost(node Identifier)
}

// ValueResolver answers Lookup frames from local state. A nil slice means
// the key is not locally answerable.
type ValueResolver func(key Identifier) [][]byte

type Overlay struct {
	log      *logrus.Entry
	key      *NodeKey
	port     int
	pool     *Pool
	trackers []string

	mu       sync.RWMutex
	handlers map[Identifier]*linkHandler

	routes    *routeTable
	seen      *seenFilter
	penalties *penaltyBox
	dialer    *Dialer

	delegate OverlayDelegate
	resolver ValueResolver

	tcpListener net.Listener
	udpListener net.Listener

	publicMu        sync.Mutex
	publicAddresses map[string]time.Time
	lastInbound     atomic.Int64

	closed  chan struct{}
	closeMu sync.Once
}

func NewOverlay(log *logrus.Logger, pool *Pool, key *NodeKey, port int, trackers []string) *Overlay {
	return &Overlay{
		log:             log.WithField("subsystem", "overlay"),
		key:             key,
		port:            port,
		pool:            pool,
		trackers:        trackers,
		handlers:        make(map[Identifier]*linkHandler),
		routes:          newRouteTable(),
		seen:            newSeenFilter(),
		penalties:       newPenaltyBox(),
		dialer:          NewDialer(connectTimeout),
		publicAddresses: make(map[string]time.Time),
		closed:          make(chan struct{}),
	}
}

// LocalNode returns the node identifier derived from the signing key.
func (o *Overlay) LocalNode() Identifier { return o.key.ID }

// Port reports the bound stream port (useful when configured as 0).
func (o *Overlay) Port() int {
	if o.tcpListener != nil {
		if addr, ok := o.tcpListener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return o.port
}

func (o *Overlay) SetDelegate(d OverlayDelegate) { o.delegate = d }
func (o *Overlay) SetResolver(r ValueResolver)   { o.resolver = r }

// Start binds the stream and datagram backends and kicks off bootstrap.
func (o *Overlay) Start() error {
	tcp, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(o.port)))
	if err != nil {
		return fmt.Errorf("overlay: bind port %d: %w", o.port, err)
	}
	o.tcpListener = tcp

	udpLn, err := udp.Listen("udp", &net.UDPAddr{Port: o.port})
	if err != nil {
		tcp.Close()
		return fmt.Errorf("overlay: bind udp port %d: %w", o.port, err)
	}
	o.udpListener = udpLn

	o.pool.Go(func(ctx context.Context) { o.acceptLoop(ctx, o.tcpListener, false) })
	o.pool.Go(func(ctx context.Context) { o.acceptLoop(ctx, o.udpListener, true) })

	if len(o.trackers) > 0 {
		o.pool.Go(func(ctx context.Context) { o.bootstrap(ctx) })
		o.pool.Every(trackerAnnouncePeriod, func(ctx context.Context) { o.announce(ctx) })
	}

	o.log.WithFields(logrus.Fields{"node": o.key.ID.Short(), "port": o.port}).Info("overlay started")
	return nil
}

func (o *Overlay) Stop() {
	o.closeMu.Do(func() {
		close(o.closed)
		o.dialer.Close()
		if o.tcpListener != nil {
			o.tcpListener.Close()
		}
		if o.udpListener != nil {
			o.udpListener.Close()
		}
		o.mu.Lock()
		handlers := make([]*linkHandler, 0, len(o.handlers))
		for _, h := range o.handlers {
			handlers = append(handlers, h)
		}
		o.mu.Unlock()
		for _, h := range handlers {
			h.close()
		}
	})
}

//---------------------------------------------------------------------
// Link establishment
//---------------------------------------------------------------------

func (o *Overlay) clientCredentials() *Credentials {
	return &Credentials{
		Mode:     ModeCertificate,
		Key:      o.key,
		Verifier: func(peer Identifier) bool { return peer != o.key.ID },
	}
}

// serverCredentials additionally admits anonymous clients; those channels
// only ever serve address discovery, never routed links.
func (o *Overlay) serverCredentials() *Credentials {
	creds := o.clientCredentials()
	creds.AllowAnonymous = true
	return creds
}

func (o *Overlay) acceptLoop(ctx context.Context, ln net.Listener, datagram bool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-o.closed:
				return
			default:
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
		c := conn
		o.pool.Go(func(ctx context.Context) { o.serveIncoming(ctx, c, datagram) })
	}
}

func (o *Overlay) serveIncoming(ctx context.Context, conn net.Conn, datagram bool) {
	var (
		stream *SecureStream
		err    error
	)
	if datagram {
		stream, err = SecureServerDatagram(ctx, conn, o.serverCredentials())
	} else {
		stream, err = SecureServerStream(ctx, conn, o.serverCredentials())
	}
	if err != nil {
		o.log.WithError(err).Debug("incoming handshake failed")
		conn.Close()
		return
	}
	o.noteInbound(conn)
	o.registerLink(stream, datagram)
}

// Connect dials the given addresses until one link is established.
func (o *Overlay) Connect(addrs []string) error {
	var lastErr error = ErrNetworkUnreachable
	for _, addr := range addrs {
		if err := o.connectOne(addr); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (o *Overlay) connectOne(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	conn, err := o.dialer.Dial(ctx, addr)
	if err != nil {
		return err
	}
	stream, err := SecureClientStream(ctx, conn, o.clientCredentials())
	if err != nil {
		conn.Close()
		return err
	}
	if !o.registerLink(stream, false) {
		return nil // duplicate, existing link kept
	}
	return nil
}

// registerLink installs a handler for the authenticated remote node. At most
// one link per identifier pair survives: on a duplicate, the new link is
// closed unless the local end has the lexicographically smaller identifier.
func (o *Overlay) registerLink(stream *SecureStream, datagram bool) bool {
	if stream.Mode() == ModeAnonymous {
		// Anonymous channels never become routed links. They are admitted
		// for address discovery only, and only when the advertised
		// identifier orders at or above ours; anything else is refused.
		advertised, ok := o.readDiscoveryHello(stream)
		if !ok || advertised.Less(o.key.ID) {
			stream.Close()
			return false
		}
		o.answerDiscovery(stream, advertised)
		return false
	}

	node := stream.Peer()
	if node.IsNil() || node == o.key.ID {
		stream.Close()
		return false
	}

	h := &linkHandler{
		o:        o,
		node:     node,
		stream:   stream,
		datagram: datagram,
		sendq:    make(chan *Message, linkSendQueue),
		done:     make(chan struct{}),
	}

	o.mu.Lock()
	if existing, ok := o.handlers[node]; ok {
		if !o.key.ID.Less(node) {
			o.mu.Unlock()
			stream.Close()
			return false
		}
		delete(o.handlers, node)
		o.mu.Unlock()
		existing.closeQuiet()
		o.mu.Lock()
	}
	o.handlers[node] = h
	o.mu.Unlock()

	metricLinks.Inc()
	o.log.WithField("node", node.Short()).Info("link established")
	o.routes.Add(node, node)

	o.pool.Go(func(ctx context.Context) { h.writeLoop(ctx) })
	o.pool.Go(func(ctx context.Context) { h.readLoop(ctx) })

	if d := o.delegate; d != nil {
		o.pool.Go(func(context.Context) { d.LinkEstablished(node) })
	}
	return true
}

func (o *Overlay) unregisterLink(h *linkHandler) {
	o.mu.Lock()
	if cur, ok := o.handlers[h.node]; !ok || cur != h {
		o.mu.Unlock()
		return
	}
	delete(o.handlers, h.node)
	o.mu.Unlock()

	metricLinks.Dec()
	o.log.WithField("node", h.node.Short()).Info("link lost")

	purged := o.routes.RemoveVia(h.node)
	o.routes.Remove(h.node)
	if d := o.delegate; d != nil {
		node := h.node
		o.pool.Go(func(context.Context) {
			d.LinkLost(node)
			_ = purged
		})
	}
}

func (o *Overlay) handler(node Identifier) *linkHandler {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.handlers[node]
}

// Neighbors lists the remote identifiers with active links.
func (o *Overlay) Neighbors() []Identifier {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Identifier, 0, len(o.handlers))
	for id := range o.handlers {
		out = append(out, id)
	}
	return out
}

func (o *Overlay) ConnectionsCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.handlers)
}

// Penalize applies exponential backoff to a misbehaving link.
func (o *Overlay) Penalize(node Identifier) time.Duration {
	d := o.penalties.Penalize(node)
	o.log.WithFields(logrus.Fields{"node": node.Short(), "backoff": d}).Warn("link penalized")
	return d
}

func (o *Overlay) Penalized(node Identifier) bool { return o.penalties.Penalized(node) }

//---------------------------------------------------------------------
// Routing
//---------------------------------------------------------------------

// Send routes a locally-originated frame.
func (o *Overlay) Send(m *Message) error {
	if m.Source.IsNil() {
		m.Source = o.key.ID
	}
	return o.route(m, NilIdentifier)
}

// route implements the forwarding algorithm for a frame received from the
// given neighbour (NilIdentifier for local origin).
func (o *Overlay) route(m *Message, from Identifier) error {
	if m.Hops >= MaxHops {
		metricFramesRouted.WithLabelValues("ttl_drop").Inc()
		return nil
	}
	m.Hops++

	// Flood-and-cache: any frame teaches a reverse route to its source.
	if !from.IsNil() && m.Source != o.key.ID {
		o.routes.Add(m.Source, from)
	}

	switch m.Type {
	case TypeForward:
		if m.Destination == o.key.ID {
			o.deliver(m, from)
			metricFramesRouted.WithLabelValues("delivered").Inc()
			return nil
		}
		if next, ok := o.routes.Get(m.Destination); ok {
			if h := o.handler(next); h != nil {
				if err := h.send(m); err == nil {
					metricFramesRouted.WithLabelValues("forwarded").Inc()
					return nil
				}
			}
			o.routes.Remove(m.Destination)
		}
		if h := o.bestNeighbor(m.Destination, from); h != nil {
			if err := h.send(m); err == nil {
				metricFramesRouted.WithLabelValues("forwarded").Inc()
				return nil
			}
		}
		return o.broadcast(m, from)

	case TypeLookup:
		if r := o.resolver; r != nil {
			if values := r(m.Destination); values != nil {
				o.sendLookupResult(m, values)
				metricFramesRouted.WithLabelValues("answered").Inc()
				return nil
			}
		}
		return o.broadcast(m, from)

	case TypeBroadcast:
		if o.seen.TestAndAdd(messageID(m)) {
			metricFramesRouted.WithLabelValues("dup_drop").Inc()
			return nil
		}
		if !from.IsNil() {
			o.deliver(m, from)
		}
		return o.flood(m, from)

	default:
		// Unknown type: forwarded once (dedup-bounded), never delivered.
		if o.seen.TestAndAdd(messageID(m)) {
			return nil
		}
		return o.flood(m, from)
	}
}

// broadcast floods a non-broadcast frame when no route is known.
func (o *Overlay) broadcast(m *Message, from Identifier) error {
	if o.seen.TestAndAdd(messageID(m)) {
		metricFramesRouted.WithLabelValues("dup_drop").Inc()
		return nil
	}
	return o.flood(m, from)
}

func (o *Overlay) flood(m *Message, from Identifier) error {
	o.mu.RLock()
	handlers := make([]*linkHandler, 0, len(o.handlers))
	for node, h := range o.handlers {
		if node == from {
			continue
		}
		handlers = append(handlers, h)
	}
	o.mu.RUnlock()

	if len(handlers) == 0 {
		if from.IsNil() {
			return ErrNetworkUnreachable
		}
		return nil
	}
	sent := false
	for _, h := range handlers {
		if err := h.send(m); err == nil {
			sent = true
		}
	}
	if sent {
		metricFramesRouted.WithLabelValues("broadcast").Inc()
		return nil
	}
	if from.IsNil() {
		return ErrWouldBlock
	}
	return nil
}

// bestNeighbor picks the fallback next hop by freshness-weighted XOR
// distance to the destination.
func (o *Overlay) bestNeighbor(destination, exclude Identifier) *linkHandler {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var (
		best  *linkHandler
		score float64
	)
	for node, h := range o.handlers {
		if node == exclude || o.penalties.Penalized(node) {
			continue
		}
		s := weightedDistance(destination, node, h.age())
		if best == nil || s < score {
			best, score = h, s
		}
	}
	return best
}

func (o *Overlay) deliver(m *Message, from Identifier) {
	if m.Content > contentMax {
		// Unknown content values are dropped silently.
		metricFramesRouted.WithLabelValues("unknown_content").Inc()
		return
	}
	if d := o.delegate; d != nil {
		o.pool.Go(func(context.Context) { d.IncomingMessage(m, from) })
	}
}

// sendLookupResult answers a lookup along the reverse path: a Forward frame
// carrying the key and its values, preserving the lookup's content byte.
func (o *Overlay) sendLookupResult(m *Message, values [][]byte) {
	w := newWireWriter()
	w.WriteIdentifier(m.Destination)
	w.WriteUint16(uint16(len(values)))
	for _, v := range values {
		if err := w.WriteBytes16(v); err != nil {
			return
		}
	}
	reply := NewMessage(TypeForward, m.Content, o.key.ID, m.Source, w.Bytes())
	if err := o.route(reply, NilIdentifier); err != nil {
		o.log.WithError(err).Debug("lookup answer dropped")
	}
}

//---------------------------------------------------------------------
// Anonymous address discovery
//---------------------------------------------------------------------

const discoveryExchangeTimeout = 10 * time.Second

// readDiscoveryHello reads the single Lookup frame an anonymous client
// opens with; its source field is the advertised identifier.
func (o *Overlay) readDiscoveryHello(stream *SecureStream) (Identifier, bool) {
	stream.SetReadDeadline(time.Now().Add(discoveryExchangeTimeout))
	m := new(Message)
	if err := m.ReadFrom(stream); err != nil || m.Type != TypeLookup {
		return NilIdentifier, false
	}
	return m.Source, true
}

// answerDiscovery tells the anonymous client which address we observed it
// on, then closes the channel.
func (o *Overlay) answerDiscovery(stream *SecureStream, advertised Identifier) {
	defer stream.Close()
	w := newWireWriter()
	if err := w.WriteString16(stream.RemoteAddr().String()); err != nil {
		return
	}
	reply := NewMessage(TypeForward, ContentEmpty, o.key.ID, advertised, w.Bytes())
	stream.SetWriteDeadline(time.Now().Add(discoveryExchangeTimeout))
	if err := reply.WriteTo(stream); err != nil {
		o.log.WithError(err).Debug("discovery answer failed")
	}
}

// DiscoverPublicAddress opens an anonymous channel to addr and asks which
// address the remote end observed. This is the only use of anonymous mode:
// learning the node's public address before any authenticated link exists.
func (o *Overlay) DiscoverPublicAddress(ctx context.Context, addr string) (string, error) {
	conn, err := o.dialer.Dial(ctx, addr)
	if err != nil {
		return "", err
	}
	stream, err := SecureClientStream(ctx, conn, &Credentials{Mode: ModeAnonymous})
	if err != nil {
		conn.Close()
		return "", err
	}
	defer stream.Close()

	hello := NewMessage(TypeLookup, ContentEmpty, o.key.ID, NilIdentifier, nil)
	stream.SetWriteDeadline(time.Now().Add(discoveryExchangeTimeout))
	if err := hello.WriteTo(stream); err != nil {
		return "", err
	}
	stream.SetReadDeadline(time.Now().Add(discoveryExchangeTimeout))
	reply := new(Message)
	if err := reply.ReadFrom(stream); err != nil {
		return "", fmt.Errorf("%w: discovery refused", ErrNetworkUnreachable)
	}
	observed, err := newWireReader(reply.Payload).ReadString16()
	if err != nil {
		return "", err
	}
	o.publicMu.Lock()
	o.publicAddresses[observed] = time.Now()
	o.publicMu.Unlock()
	return observed, nil
}

//---------------------------------------------------------------------
// Addresses and bootstrap
//---------------------------------------------------------------------

func (o *Overlay) noteInbound(conn net.Conn) {
	o.lastInbound.Store(time.Now().Unix())
	if local, ok := conn.LocalAddr().(*net.TCPAddr); ok && !local.IP.IsLoopback() && !local.IP.IsPrivate() {
		o.publicMu.Lock()
		o.publicAddresses[local.String()] = time.Now()
		o.publicMu.Unlock()
	}
}

// IsPublicConnectable reports whether a public address was recorded within
// the last two hours, either from an inbound link or from address discovery.
func (o *Overlay) IsPublicConnectable() bool {
	o.publicMu.Lock()
	defer o.publicMu.Unlock()
	for addr, seen := range o.publicAddresses {
		if time.Since(seen) < 2*time.Hour {
			return true
		}
		delete(o.publicAddresses, addr)
	}
	return false
}

// Addresses enumerates the local listen addresses.
func (o *Overlay) Addresses() []string {
	var out []string
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range ifaces {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		out = append(out, net.JoinHostPort(ipNet.IP.String(), strconv.Itoa(o.port)))
	}
	o.publicMu.Lock()
	for addr := range o.publicAddresses {
		out = append(out, addr)
	}
	o.publicMu.Unlock()
	return out
}

func (o *Overlay) bootstrap(ctx context.Context) {
	o.announce(ctx)
	for _, tracker := range o.trackers {
		addrs, err := trackerResolve(ctx, tracker, o.key.ID)
		if err != nil {
			o.log.WithError(err).WithField("tracker", tracker).Warn("tracker lookup failed")
			continue
		}
		if len(addrs) == 0 {
			continue
		}
		if err := o.Connect(addrs); err != nil {
			o.log.WithError(err).WithField("tracker", tracker).Debug("bootstrap connect failed")
		}
		if !o.IsPublicConnectable() {
			if observed, err := o.DiscoverPublicAddress(ctx, addrs[0]); err == nil {
				o.log.WithField("addr", observed).Info("public address discovered")
			}
		}
	}
}

func (o *Overlay) announce(ctx context.Context) {
	addrs := o.Addresses()
	if len(addrs) == 0 {
		return
	}
	for _, tracker := range o.trackers {
		if err := trackerAnnounce(ctx, tracker, o.key.ID, addrs); err != nil {
			o.log.WithError(err).WithField("tracker", tracker).Debug("tracker announce failed")
		}
	}
}

//---------------------------------------------------------------------
// Link handler
//---------------------------------------------------------------------

type linkHandler struct {
	o        *Overlay
	node     Identifier
	stream   *SecureStream
	datagram bool
	sendq    chan *Message
	done     chan struct{}
	once     sync.Once
	up       time.Time

	lastSeen atomic.Int64
}

// datagramFrameLimit bounds frames on datagram links; larger frames only
// travel on stream links.
const datagramFrameLimit = 1400

func (h *linkHandler) age() time.Duration {
	last := h.lastSeen.Load()
	if last == 0 {
		return time.Since(h.up)
	}
	return time.Since(time.Unix(last, 0))
}

// send queues a frame; the queue is bounded and never blocks the caller.
func (h *linkHandler) send(m *Message) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	select {
	case h.sendq <- m:
		return nil
	default:
		return ErrWouldBlock
	}
}

func (h *linkHandler) writeLoop(ctx context.Context) {
	if h.datagram {
		h.writeLoopDatagram(ctx)
		return
	}
	w := bufio.NewWriter(h.stream)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case m := <-h.sendq:
			if err := m.WriteTo(w); err != nil {
				h.close()
				return
			}
			// Flush when the queue drains to batch bursts.
			if len(h.sendq) == 0 {
				if err := w.Flush(); err != nil {
					h.close()
					return
				}
			}
		}
	}
}

// writeLoopDatagram emits one frame per record; oversize frames are dropped
// rather than fragmented, they belong on stream links.
func (h *linkHandler) writeLoopDatagram(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case m := <-h.sendq:
			b, err := m.Marshal()
			if err != nil {
				continue
			}
			if len(b) > datagramFrameLimit {
				metricFramesRouted.WithLabelValues("oversize_drop").Inc()
				continue
			}
			if _, err := h.stream.Write(b); err != nil {
				h.close()
				return
			}
		}
	}
}

func (h *linkHandler) readLoop(ctx context.Context) {
	h.up = time.Now()
	if h.datagram {
		h.readLoopDatagram(ctx)
		return
	}
	r := bufio.NewReader(h.stream)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		default:
		}
		m := new(Message)
		if err := m.ReadFrom(r); err != nil {
			h.close()
			return
		}
		h.lastSeen.Store(time.Now().Unix())
		if err := h.o.route(m, h.node); err != nil {
			h.o.log.WithError(err).Debug("frame dropped")
		}
	}
}

// readLoopDatagram treats each record as one frame; a malformed record is
// dropped without tearing the link down, record loss is expected here.
func (h *linkHandler) readLoopDatagram(ctx context.Context) {
	buf := make([]byte, MaxPayloadSize+messageHeaderSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		default:
		}
		n, err := h.stream.Read(buf)
		if err != nil {
			h.close()
			return
		}
		m, err := UnmarshalMessage(buf[:n])
		if err != nil {
			metricFramesRouted.WithLabelValues("malformed").Inc()
			continue
		}
		h.lastSeen.Store(time.Now().Unix())
		if err := h.o.route(m, h.node); err != nil {
			h.o.log.WithError(err).Debug("frame dropped")
		}
	}
}

func (h *linkHandler) close() {
	h.once.Do(func() {
		close(h.done)
		h.stream.Close()
		h.o.unregisterLink(h)
	})
}

// closeQuiet tears the link down without unregistering (used when a
// replacement handler has already taken the slot).
func (h *linkHandler) closeQuiet() {
	h.once.Do(func() {
		close(h.done)
		h.stream.Close()
		metricLinks.Dec()
	})
}
