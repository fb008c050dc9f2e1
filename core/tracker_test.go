package core

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestTrackerAnnounceResolve(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	tracker := NewTracker(log)
	srv := httptest.NewServer(tracker.Router())
	defer srv.Close()

	id := HashIdentifier([]byte("node"))
	addrs := []string{"192.0.2.1:8480", "198.51.100.7:8480"}

	ctx := context.Background()
	if err := trackerAnnounce(ctx, srv.URL, id, addrs); err != nil {
		t.Fatalf("announce: %v", err)
	}
	got, err := trackerResolve(ctx, srv.URL, id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d addresses, want 2", len(got))
	}
}

func TestTrackerUnknownIdentifier(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	srv := httptest.NewServer(NewTracker(log).Router())
	defer srv.Close()

	_, err := trackerResolve(context.Background(), srv.URL, HashIdentifier([]byte("ghost")))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestTrackerEntryAging(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	tracker := NewTracker(log)
	id := HashIdentifier([]byte("stale"))

	tracker.insert(id, []string{"192.0.2.9:1"})
	tracker.mu.Lock()
	for a := range tracker.entries[id] {
		tracker.entries[id][a] = time.Now().Add(-2 * TrackerEntryLife)
	}
	tracker.mu.Unlock()

	if got := tracker.retrieve(id); got != nil {
		t.Fatalf("aged entry still returned: %v", got)
	}
}

func TestTrackerRejectsBadIdentifier(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	srv := httptest.NewServer(NewTracker(log).Router())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/nothex")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("status=%d want 400", resp.StatusCode)
	}
}
