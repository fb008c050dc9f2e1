package core

// Dialer establishes outbound link connections. Each address carries retry
// state: a failed dial puts the address into backoff with doubling delays,
// a successful dial clears it. A background reaper prunes entries that have
// not been touched for a while.

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	dialBackoffInitial = time.Second
	dialBackoffMax     = 5 * time.Minute
	dialEntryTTL       = 10 * time.Minute
	dialReapPeriod     = time.Minute
)

type dialAttempt struct {
	next    time.Time
	backoff time.Duration
	touched time.Time
}

type Dialer struct {
	timeout time.Duration

	mu       sync.Mutex
	attempts map[string]*dialAttempt

	closing   chan struct{}
	closeOnce sync.Once
}

func NewDialer(timeout time.Duration) *Dialer {
	d := &Dialer{
		timeout:  timeout,
		attempts: make(map[string]*dialAttempt),
		closing:  make(chan struct{}),
	}
	go d.reaper()
	return d
}

// Dial connects to addr unless the address is in backoff. Failures extend
// the backoff, success clears it.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d.mu.Lock()
	if a, ok := d.attempts[addr]; ok {
		a.touched = time.Now()
		if time.Now().Before(a.next) {
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: %s in backoff", ErrNetworkUnreachable, addr)
		}
	}
	d.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dctx, "tcp", addr)
	if err != nil {
		d.fail(addr)
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNetworkUnreachable, addr, err)
	}
	d.clear(addr)
	return conn, nil
}

// InBackoff reports whether the address is currently held back.
func (d *Dialer) InBackoff(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.attempts[addr]
	return ok && time.Now().Before(a.next)
}

func (d *Dialer) fail(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.attempts[addr]
	if a == nil {
		a = &dialAttempt{backoff: dialBackoffInitial}
		d.attempts[addr] = a
	} else {
		a.backoff *= 2
		if a.backoff > dialBackoffMax {
			a.backoff = dialBackoffMax
		}
	}
	a.next = time.Now().Add(a.backoff)
	a.touched = time.Now()
}

func (d *Dialer) clear(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.attempts, addr)
}

func (d *Dialer) reaper() {
	t := time.NewTicker(dialReapPeriod)
	defer t.Stop()
	for {
		select {
		case <-d.closing:
			return
		case <-t.C:
			now := time.Now()
			d.mu.Lock()
			for addr, a := range d.attempts {
				if now.Sub(a.touched) > dialEntryTTL {
					delete(d.attempts, addr)
				}
			}
			d.mu.Unlock()
		}
	}
}

func (d *Dialer) Close() {
	d.closeOnce.Do(func() { close(d.closing) })
}
