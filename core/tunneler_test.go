package core

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newQuietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func newTestTunneler(t *testing.T, timeout time.Duration) (*Tunneler, *Overlay) {
	t.Helper()
	log := newQuietLogger()
	pool := NewPool(8)
	t.Cleanup(pool.Close)
	key, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	overlay := NewOverlay(log, pool, key, 0, nil)
	tn := NewTunneler(log, pool, overlay, timeout)
	t.Cleanup(tn.Close)
	return tn, overlay
}

func TestTunnelQueueAndRead(t *testing.T) {
	tn, _ := newTestTunneler(t, time.Minute)
	remote := HashIdentifier([]byte("remote"))
	tun, err := tn.allocate(remote)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer tun.Close()

	tun.enqueue([]byte("first"))
	tun.enqueue([]byte("second"))

	buf := make([]byte, 64)
	n, err := tun.Read(buf)
	if err != nil || string(buf[:n]) != "first" {
		t.Fatalf("read 1: %q %v", buf[:n], err)
	}
	n, err = tun.Read(buf)
	if err != nil || string(buf[:n]) != "second" {
		t.Fatalf("read 2: %q %v", buf[:n], err)
	}
}

func TestTunnelReadDeadline(t *testing.T) {
	tn, _ := newTestTunneler(t, time.Minute)
	tun, _ := tn.allocate(HashIdentifier([]byte("remote")))
	defer tun.Close()

	tun.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := tun.Read(make([]byte, 8))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}
}

func TestTunnelIdleReadTimeout(t *testing.T) {
	tn, _ := newTestTunneler(t, 100*time.Millisecond)
	tun, _ := tn.allocate(HashIdentifier([]byte("remote")))
	defer tun.Close()

	_, err := tun.Read(make([]byte, 8))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v, want ErrTimeout", err)
	}
}

func TestTunnelSweepExpires(t *testing.T) {
	tn, _ := newTestTunneler(t, 50*time.Millisecond)
	remote := HashIdentifier([]byte("remote"))
	tun, _ := tn.allocate(remote)
	id := tun.ID()

	if !tn.Has(remote, id) {
		t.Fatalf("tunnel not registered")
	}
	time.Sleep(100 * time.Millisecond)
	tn.sweep()
	if tn.Has(remote, id) || tn.Count() != 0 {
		t.Fatalf("idle tunnel survived sweep")
	}
}

func TestTunnelUniqueIDs(t *testing.T) {
	tn, _ := newTestTunneler(t, time.Minute)
	remote := HashIdentifier([]byte("remote"))
	seen := make(map[uint64]bool)
	for i := 0; i < 16; i++ {
		tun, err := tn.allocate(remote)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if seen[tun.ID()] {
			t.Fatalf("duplicate tunnel id")
		}
		seen[tun.ID()] = true
	}
	if tn.Count() != 16 {
		t.Fatalf("count=%d want 16", tn.Count())
	}
}

func TestTunnelerDropsUnknownWithoutCookie(t *testing.T) {
	tn, overlay := newTestTunneler(t, time.Minute)
	source := HashIdentifier([]byte("stranger"))

	w := newWireWriter()
	w.WriteUint64(424242)
	w.buf.Write([]byte("client hello"))
	m := NewMessage(TypeForward, ContentTunnel, source, overlay.LocalNode(), w.Bytes())

	tn.Incoming(m)
	if tn.Count() != 0 {
		t.Fatalf("cookie-less datagram allocated state")
	}
}

func TestTunnelCloseUnregisters(t *testing.T) {
	tn, _ := newTestTunneler(t, time.Minute)
	remote := HashIdentifier([]byte("remote"))
	tun, _ := tn.allocate(remote)
	tun.Close()
	if tn.Count() != 0 {
		t.Fatalf("closed tunnel still registered")
	}
	if _, err := tun.Read(make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close: %v", err)
	}
}
