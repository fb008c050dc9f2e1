package core

// Tunneler. End-to-end datagram channels identified by 64-bit ids,
// multiplexed over overlay Forward/Tunnel frames and secured by the channel
// layer in datagram mode. A tunnel is a pseudo net.Conn: writes become
// routed frames, reads dequeue the inbound FIFO.
//
// New inbound ids must present a cookie MAC tied to the source identifier
// before any state is allocated; the challenge piggybacks on the DTLS
// client's own retransmission, so no extra round-trip state is kept.

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTunnelTimeout closes tunnels with no application activity.
	DefaultTunnelTimeout = 60 * time.Second

	tunnelSweepPeriod = 10 * time.Second
	tunnelQueueDepth  = 128
	tunnelCookieSize  = 16
)

// SessionHandler receives the secured server side of an inbound tunnel.
type SessionHandler func(stream *SecureStream, t *Tunnel)

type tunnelKey struct {
	peer Identifier
	id   uint64
}

type Tunneler struct {
	log     *logrus.Entry
	pool    *Pool
	overlay *Overlay

	serverCreds  func() *Credentials
	pairingCreds func() *Credentials
	onSession    SessionHandler

	mu      sync.Mutex
	tunnels map[tunnelKey]*Tunnel

	cookieKey [32]byte
	timeout   time.Duration

	closed    chan struct{}
	closeOnce sync.Once
}

func NewTunneler(log *logrus.Logger, pool *Pool, overlay *Overlay, timeout time.Duration) *Tunneler {
	if timeout <= 0 {
		timeout = DefaultTunnelTimeout
	}
	tn := &Tunneler{
		log:     log.WithField("subsystem", "tunneler"),
		pool:    pool,
		overlay: overlay,
		tunnels: make(map[tunnelKey]*Tunnel),
		timeout: timeout,
		closed:  make(chan struct{}),
	}
	rand.Read(tn.cookieKey[:])
	pool.Every(tunnelSweepPeriod, func(context.Context) { tn.sweep() })
	return tn
}

// SetServerCredentials installs the credentials used to answer inbound
// tunnel handshakes.
func (tn *Tunneler) SetServerCredentials(f func() *Credentials) { tn.serverCreds = f }

// SetPairingCredentials installs the pre-shared-key credentials used to
// answer inbound pairing tunnels. Returning nil refuses pairing.
func (tn *Tunneler) SetPairingCredentials(f func() *Credentials) { tn.pairingCreds = f }

// SetSessionHandler installs the callback for secured inbound sessions.
func (tn *Tunneler) SetSessionHandler(h SessionHandler) { tn.onSession = h }

// Open builds a tunnel to the remote identity and runs the client handshake
// over it. On failure the id is freed.
func (tn *Tunneler) Open(ctx context.Context, remote Identifier, creds *Credentials) (*SecureStream, *Tunnel, error) {
	select {
	case <-tn.closed:
		return nil, nil, ErrClosed
	default:
	}

	t, err := tn.allocate(remote)
	if err != nil {
		return nil, nil, err
	}
	t.pairing = creds.Mode == ModePrivateShared
	stream, err := SecureClientDatagram(ctx, t, creds)
	if err != nil {
		t.Close()
		return nil, nil, err
	}
	return stream, t, nil
}

func (tn *Tunneler) allocate(remote Identifier) (*Tunnel, error) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	for range 8 {
		var raw [8]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return nil, err
		}
		id := binary.BigEndian.Uint64(raw[:])
		key := tunnelKey{peer: remote, id: id}
		if _, exists := tn.tunnels[key]; exists {
			continue
		}
		t := tn.newTunnel(remote, id, true)
		tn.tunnels[key] = t
		metricTunnels.Inc()
		return t, nil
	}
	return nil, fmt.Errorf("tunneler: id space exhausted")
}

func (tn *Tunneler) newTunnel(peer Identifier, id uint64, initiator bool) *Tunnel {
	return &Tunnel{
		tn:             tn,
		id:             id,
		peer:           peer,
		initiator:      initiator,
		inbox:          make(chan []byte, tunnelQueueDepth),
		timeout:        tn.timeout,
		closed:         make(chan struct{}),
		deadlineUpdate: make(chan struct{}),
		created:        time.Now(),
	}
}

// Count reports the number of open tunnels.
func (tn *Tunneler) Count() int {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	return len(tn.tunnels)
}

// Has reports whether (peer, id) designates an open tunnel.
func (tn *Tunneler) Has(peer Identifier, id uint64) bool {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	_, ok := tn.tunnels[tunnelKey{peer: peer, id: id}]
	return ok
}

func (tn *Tunneler) cookie(peer Identifier, id uint64) []byte {
	mac := hmac.New(sha256.New, tn.cookieKey[:])
	mac.Write(peer[:])
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], id)
	mac.Write(raw[:])
	return mac.Sum(nil)[:tunnelCookieSize]
}

// Incoming dispatches a Forward/Tunnel frame destined to the local node.
func (tn *Tunneler) Incoming(m *Message) {
	r := newWireReader(m.Payload)
	id, err := r.ReadUint64()
	if err != nil {
		return
	}
	var cookie []byte
	if m.Flags&FlagCookie != 0 {
		if cookie, err = r.read(tunnelCookieSize); err != nil {
			return
		}
	}
	data := m.Payload[len(m.Payload)-r.Remaining():]

	key := tunnelKey{peer: m.Source, id: id}
	tn.mu.Lock()
	t := tn.tunnels[key]
	tn.mu.Unlock()

	if t != nil {
		if t.initiator && m.Flags&FlagCookie != 0 && len(data) == 0 {
			// Cookie challenge from the responder: adopt it, the DTLS
			// retransmission will carry it.
			t.setCookie(cookie)
			return
		}
		t.enqueue(data)
		return
	}

	// Unknown id: require a valid cookie before allocating state.
	if m.Flags&FlagCookie == 0 || !hmac.Equal(cookie, tn.cookie(m.Source, id)) {
		tn.challenge(m.Source, id)
		return
	}
	pairing := m.Flags&FlagPairing != 0
	credsFor := tn.serverCreds
	if pairing {
		credsFor = tn.pairingCreds
	}
	if credsFor == nil || tn.onSession == nil {
		return
	}
	creds := credsFor()
	if creds == nil {
		return
	}

	t = tn.newTunnel(m.Source, id, false)
	t.pairing = pairing
	tn.mu.Lock()
	if _, exists := tn.tunnels[key]; exists {
		tn.mu.Unlock()
		return
	}
	tn.tunnels[key] = t
	tn.mu.Unlock()
	metricTunnels.Inc()
	t.enqueue(data)

	tun := t
	tn.pool.Go(func(ctx context.Context) {
		stream, err := SecureServerDatagram(ctx, tun, creds)
		if err != nil {
			tn.log.WithError(err).WithField("peer", tun.peer.Short()).Debug("inbound tunnel handshake failed")
			tun.Close()
			return
		}
		tn.onSession(stream, tun)
	})
}

// challenge answers a cookie-less first datagram with the expected MAC and
// keeps no state.
func (tn *Tunneler) challenge(peer Identifier, id uint64) {
	w := newWireWriter()
	w.WriteUint64(id)
	w.buf.Write(tn.cookie(peer, id))
	m := NewMessage(TypeForward, ContentTunnel, tn.overlay.LocalNode(), peer, w.Bytes())
	m.Flags |= FlagCookie
	if err := tn.overlay.Send(m); err != nil {
		tn.log.WithError(err).Debug("cookie challenge dropped")
	}
}

func (tn *Tunneler) remove(t *Tunnel) {
	key := tunnelKey{peer: t.peer, id: t.id}
	tn.mu.Lock()
	if cur, ok := tn.tunnels[key]; ok && cur == t {
		delete(tn.tunnels, key)
		metricTunnels.Dec()
	}
	tn.mu.Unlock()
}

func (tn *Tunneler) sweep() {
	now := time.Now()
	tn.mu.Lock()
	var expired []*Tunnel
	for _, t := range tn.tunnels {
		if now.Sub(t.activity()) > t.timeout {
			expired = append(expired, t)
		}
	}
	tn.mu.Unlock()
	for _, t := range expired {
		tn.log.WithFields(logrus.Fields{"peer": t.peer.Short(), "id": t.id}).Debug("tunnel idle timeout")
		t.Close()
	}
}

func (tn *Tunneler) Close() {
	tn.closeOnce.Do(func() {
		close(tn.closed)
		tn.mu.Lock()
		tunnels := make([]*Tunnel, 0, len(tn.tunnels))
		for _, t := range tn.tunnels {
			tunnels = append(tunnels, t)
		}
		tn.mu.Unlock()
		for _, t := range tunnels {
			t.Close()
		}
	})
}

//---------------------------------------------------------------------
// Tunnel
//---------------------------------------------------------------------

// Tunnel is the pseudo-datagram stream between two identities. It satisfies
// net.Conn so the secure channel can run over it directly.
type Tunnel struct {
	tn        *Tunneler
	id        uint64
	peer      Identifier
	initiator bool
	pairing   bool
	created   time.Time

	inbox   chan []byte
	timeout time.Duration

	lastActivity atomic.Int64

	cookieMu sync.Mutex
	cookie   []byte

	dmu            sync.Mutex
	readDeadline   time.Time
	deadlineUpdate chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func (t *Tunnel) ID() uint64       { return t.id }
func (t *Tunnel) Peer() Identifier { return t.peer }

func (t *Tunnel) activity() time.Time {
	if last := t.lastActivity.Load(); last != 0 {
		return time.Unix(0, last)
	}
	return t.created
}

func (t *Tunnel) touch() {
	t.lastActivity.Store(time.Now().UnixNano())
}

func (t *Tunnel) setCookie(c []byte) {
	t.cookieMu.Lock()
	t.cookie = append([]byte(nil), c...)
	t.cookieMu.Unlock()
}

func (t *Tunnel) currentCookie() []byte {
	t.cookieMu.Lock()
	defer t.cookieMu.Unlock()
	return t.cookie
}

func (t *Tunnel) enqueue(data []byte) {
	if len(data) == 0 {
		return
	}
	t.touch()
	buf := append([]byte(nil), data...)
	select {
	case t.inbox <- buf:
	case <-t.closed:
	default:
		// FIFO full: the datagram is dropped, the record layer recovers.
	}
}

// Read dequeues one inbound datagram. It honours the read deadline and the
// tunnel idle timeout.
func (t *Tunnel) Read(b []byte) (int, error) {
	for {
		t.dmu.Lock()
		deadline := t.readDeadline
		update := t.deadlineUpdate
		t.dmu.Unlock()

		var (
			deadlineC <-chan time.Time
			dtimer    *time.Timer
		)
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			dtimer = time.NewTimer(wait)
			deadlineC = dtimer.C
		}
		idle := time.NewTimer(t.timeout)

		stop := func() {
			idle.Stop()
			if dtimer != nil {
				dtimer.Stop()
			}
		}

		select {
		case data := <-t.inbox:
			stop()
			n := copy(b, data)
			return n, nil
		case <-deadlineC:
			idle.Stop()
			return 0, os.ErrDeadlineExceeded
		case <-idle.C:
			stop()
			return 0, fmt.Errorf("%w: tunnel read", ErrTimeout)
		case <-update:
			stop()
			continue
		case <-t.closed:
			stop()
			return 0, ErrClosed
		}
	}
}

// Write emits one datagram as a routed Tunnel frame.
func (t *Tunnel) Write(b []byte) (int, error) {
	select {
	case <-t.closed:
		return 0, ErrClosed
	default:
	}
	t.touch()

	w := newWireWriter()
	w.WriteUint64(t.id)
	m := NewMessage(TypeForward, ContentTunnel, t.tn.overlay.LocalNode(), t.peer, nil)
	if t.pairing {
		m.Flags |= FlagPairing
	}
	if cookie := t.currentCookie(); t.initiator && cookie != nil {
		m.Flags |= FlagCookie
		w.buf.Write(cookie)
	}
	w.buf.Write(b)
	m.Payload = w.Bytes()

	if err := t.tn.overlay.Send(m); err != nil {
		if errors.Is(err, ErrWouldBlock) {
			// Datagram semantics: drop and let the record layer retransmit.
			return len(b), nil
		}
		return 0, err
	}
	return len(b), nil
}

func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.tn.remove(t)
	})
	return nil
}

func (t *Tunnel) LocalAddr() net.Addr  { return tunnelAddr{peer: t.tn.overlay.LocalNode(), id: t.id} }
func (t *Tunnel) RemoteAddr() net.Addr { return tunnelAddr{peer: t.peer, id: t.id} }

func (t *Tunnel) SetDeadline(tm time.Time) error {
	t.SetWriteDeadline(tm)
	return t.SetReadDeadline(tm)
}

func (t *Tunnel) SetReadDeadline(tm time.Time) error {
	t.dmu.Lock()
	t.readDeadline = tm
	close(t.deadlineUpdate)
	t.deadlineUpdate = make(chan struct{})
	t.dmu.Unlock()
	return nil
}

func (t *Tunnel) SetWriteDeadline(time.Time) error { return nil }

type tunnelAddr struct {
	peer Identifier
	id   uint64
}

func (a tunnelAddr) Network() string { return "tunnel" }
func (a tunnelAddr) String() string  { return fmt.Sprintf("%s:%d", a.peer.Short(), a.id) }
