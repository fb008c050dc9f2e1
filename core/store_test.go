package core

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	s, err := NewStore(log, t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorePutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := make([]byte, 3000)
	rand.Read(data)

	digest, err := s.Put(data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if digest != HashIdentifier(data) {
		t.Fatalf("digest mismatch")
	}
	if !s.HasBlock(digest) {
		t.Fatalf("content not present after put")
	}

	r, size, err := s.GetBlock(context.Background(), digest, time.Second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer r.Close()
	if size != int64(len(data)) {
		t.Fatalf("size=%d want %d", size, len(data))
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("content changed")
	}
	// Block integrity: the returned bytes hash back to the digest.
	if HashIdentifier(got) != digest {
		t.Fatalf("integrity violated")
	}
}

func TestStoreWaitBlockTimeout(t *testing.T) {
	s := newTestStore(t)
	absent := HashIdentifier([]byte("never"))
	start := time.Now()
	err := s.WaitBlock(context.Background(), absent, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("wait overshot")
	}
}

func TestStoreWaitBlockWakesOnPut(t *testing.T) {
	s := newTestStore(t)
	data := []byte("wake me up")
	digest := HashIdentifier(data)

	done := make(chan error, 1)
	go func() {
		done <- s.WaitBlock(context.Background(), digest, 5*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)
	if _, err := s.Put(data); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("waiter not woken: %v", err)
	}
}

func TestStorePushPullTransfer(t *testing.T) {
	// A source store serves combinations, a sink store reassembles and
	// verifies the content.
	src := newTestStore(t)
	dst := newTestStore(t)

	data := make([]byte, 8*BlockSize-700)
	rand.Read(data)
	digest, err := src.Put(data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	blockCount, _ := src.BlockCountOf(digest)

	for i := 0; i < 32; i++ {
		c, size, err := src.Pull(digest, 0, blockCount-1)
		if err != nil {
			t.Fatalf("pull: %v", err)
		}
		complete, err := dst.Push(digest, c, size)
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		if complete {
			break
		}
	}
	if !dst.HasBlock(digest) {
		t.Fatalf("transfer incomplete")
	}
	r, _, err := dst.GetBlock(context.Background(), digest, time.Second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, data) {
		t.Fatalf("reassembled content differs")
	}
}

func TestStorePushRejectsOutOfRange(t *testing.T) {
	s := newTestStore(t)
	digest := HashIdentifier([]byte("target"))
	bad := NewSourceCombination(9, make([]byte, BlockSize))
	if _, err := s.Push(digest, bad, BlockSize); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err=%v, want ErrProtocol", err)
	}
}

func TestStorePullRange(t *testing.T) {
	s := newTestStore(t)
	data := make([]byte, 2*BlockSize)
	rand.Read(data)
	digest, _ := s.Put(data)

	if _, _, err := s.Pull(digest, 0, 5); !errors.Is(err, ErrProtocol) {
		t.Fatalf("oversized range accepted: %v", err)
	}
	if _, _, err := s.Pull(HashIdentifier([]byte("nope")), 0, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("absent digest pull should be ErrNotFound")
	}
}

func TestStoreValues(t *testing.T) {
	s := newTestStore(t)
	key := HashIdentifier([]byte("key"))
	if got := s.RetrieveValue(key); got != nil {
		t.Fatalf("empty key returned values")
	}
	s.StoreValue(key, []byte("v1"), false)
	s.StoreValue(key, []byte("v2"), true)
	got := s.RetrieveValue(key)
	if len(got) != 2 {
		t.Fatalf("got %d values, want 2", len(got))
	}
}

func TestStoreNotifyFileErasure(t *testing.T) {
	s := newTestStore(t)
	data := []byte("short content")
	digest, err := s.Put(data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	loc, _ := s.Location(digest)
	if err := s.NotifyFileErasure(loc.Path); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if s.HasBlock(digest) {
		t.Fatalf("digest survived file erasure")
	}
}
