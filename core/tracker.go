package core

// Tracker rendezvous. The client side announces and resolves transient
// presence; the service side stores identifier → address sets and ages
// entries at one hour. Trackers are authoritative only for presence, never
// for identity.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// TrackerEntryLife is how long an announced address stays valid.
const TrackerEntryLife = time.Hour

type trackerBody struct {
	Addresses []string `json:"addresses"`
}

//---------------------------------------------------------------------
// Client
//---------------------------------------------------------------------

var trackerHTTPClient = &http.Client{Timeout: 15 * time.Second}

func trackerURL(tracker string, id Identifier) string {
	return strings.TrimRight(tracker, "/") + "/" + id.Hex()
}

// trackerAnnounce publishes the node's addresses for its identifier.
func trackerAnnounce(ctx context.Context, tracker string, id Identifier, addresses []string) error {
	body, err := json.Marshal(trackerBody{Addresses: addresses})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, trackerURL(tracker, id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := trackerHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: tracker status %d", ErrProtocol, resp.StatusCode)
	}
	return nil
}

// trackerResolve fetches the addresses announced for an identifier.
func trackerResolve(ctx context.Context, tracker string, id Identifier) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trackerURL(tracker, id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := trackerHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: tracker status %d", ErrProtocol, resp.StatusCode)
	}
	var body trackerBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return body.Addresses, nil
}

//---------------------------------------------------------------------
// Service
//---------------------------------------------------------------------

// Tracker is the rendezvous service. It can be mounted standalone or inside
// the daemon's interface listener.
type Tracker struct {
	log *logrus.Entry

	mu      sync.Mutex
	entries map[Identifier]map[string]time.Time
}

func NewTracker(log *logrus.Logger) *Tracker {
	return &Tracker{
		log:     log.WithField("subsystem", "tracker"),
		entries: make(map[Identifier]map[string]time.Time),
	}
}

// Router builds the HTTP surface: POST announces, GET retrieves.
func (t *Tracker) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/{identifier}", t.handleAnnounce)
	r.Get("/{identifier}", t.handleResolve)
	return r
}

func (t *Tracker) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	metricTrackerRequests.WithLabelValues("announce").Inc()
	id, err := IdentifierFromHex(chi.URLParam(r, "identifier"))
	if err != nil {
		http.Error(w, "bad identifier", http.StatusBadRequest)
		return
	}
	var body trackerBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	t.insert(id, body.Addresses)
	w.WriteHeader(http.StatusNoContent)
}

func (t *Tracker) handleResolve(w http.ResponseWriter, r *http.Request) {
	metricTrackerRequests.WithLabelValues("resolve").Inc()
	id, err := IdentifierFromHex(chi.URLParam(r, "identifier"))
	if err != nil {
		http.Error(w, "bad identifier", http.StatusBadRequest)
		return
	}
	addrs := t.retrieve(id)
	if addrs == nil {
		http.Error(w, "unknown identifier", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trackerBody{Addresses: addrs})
}

func (t *Tracker) insert(id Identifier, addresses []string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.entries[id]
	if set == nil {
		set = make(map[string]time.Time)
		t.entries[id] = set
	}
	for _, a := range addresses {
		if a == "" {
			continue
		}
		set[a] = now
	}
	t.sweepLocked(now)
}

func (t *Tracker) retrieve(id Identifier) []string {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.entries[id]
	if !ok {
		return nil
	}
	var out []string
	for a, seen := range set {
		if now.Sub(seen) > TrackerEntryLife {
			delete(set, a)
			continue
		}
		out = append(out, a)
	}
	if len(set) == 0 {
		delete(t.entries, id)
		return nil
	}
	return out
}

// sweepLocked ages out a bounded number of entries per call, the lazy
// equivalent of the original incremental cleaner.
func (t *Tracker) sweepLocked(now time.Time) {
	swept := 0
	for id, set := range t.entries {
		for a, seen := range set {
			if now.Sub(seen) > TrackerEntryLife {
				delete(set, a)
			}
		}
		if len(set) == 0 {
			delete(t.entries, id)
		}
		swept++
		if swept >= 16 {
			return
		}
	}
}
