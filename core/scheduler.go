package core

// Retrieval scheduler. For every digest with registered callers it solicits
// sources, issues Call messages with token budgets, feeds received
// combinations into the store's sinks, and cancels sources once the content
// completes. The serving side answers Call messages by streaming coded
// combinations until the budget (times a small redundancy factor) runs out.

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTokenBudget is the per-source combination budget of a Call.
	DefaultTokenBudget = 64

	// MaxSourcesPerDigest bounds parallel sources per retrieval.
	MaxSourcesPerDigest = 4

	// ProgressStallTimeout drops the slowest source when no new block
	// decodes within it.
	ProgressStallTimeout = 30 * time.Second

	progressSweepPeriod = 5 * time.Second

	// serveRedundancy: a source streams slightly more than rank
	// combinations before waiting for fresh credit.
	serveRedundancy = 1.25
)

type retrievalState struct {
	target       Identifier
	callers      map[*Caller]struct{}
	sources      map[Identifier]time.Time
	called       map[Identifier]time.Time
	lastProgress time.Time
	lastDecoded  int64
}

type serveKey struct {
	target    Identifier
	requester Identifier
}

type serveState struct {
	cancel chan struct{}
}

type Downloader struct {
	log     *logrus.Entry
	pool    *Pool
	overlay *Overlay
	store   *Store

	mu         sync.Mutex
	retrievals map[Identifier]*retrievalState
	serves     map[serveKey]*serveState
}

func NewDownloader(log *logrus.Logger, pool *Pool, overlay *Overlay, store *Store) *Downloader {
	d := &Downloader{
		log:        log.WithField("subsystem", "scheduler"),
		pool:       pool,
		overlay:    overlay,
		store:      store,
		retrievals: make(map[Identifier]*retrievalState),
		serves:     make(map[serveKey]*serveState),
	}
	pool.Every(progressSweepPeriod, func(context.Context) { d.sweep() })
	return d
}

//---------------------------------------------------------------------
// Caller registry
//---------------------------------------------------------------------

// RegisterCaller adds interest in a target and starts retrieval on the
// first registration.
func (d *Downloader) RegisterCaller(target Identifier, c *Caller) {
	d.mu.Lock()
	state := d.retrievals[target]
	fresh := state == nil
	if fresh {
		state = &retrievalState{
			target:       target,
			callers:      make(map[*Caller]struct{}),
			sources:      make(map[Identifier]time.Time),
			called:       make(map[Identifier]time.Time),
			lastProgress: time.Now(),
		}
		d.retrievals[target] = state
	}
	state.callers[c] = struct{}{}
	d.mu.Unlock()

	if fresh {
		d.pool.Go(func(context.Context) { d.solicit(target) })
	}
}

// UnregisterCaller revokes interest; the last caller cancels the retrieval.
func (d *Downloader) UnregisterCaller(target Identifier, c *Caller) {
	d.mu.Lock()
	state := d.retrievals[target]
	if state == nil {
		d.mu.Unlock()
		return
	}
	delete(state.callers, c)
	if len(state.callers) > 0 {
		d.mu.Unlock()
		return
	}
	delete(d.retrievals, target)
	called := calledNodes(state)
	d.mu.Unlock()

	d.cancelSources(target, called)
	if !d.store.HasBlock(target) {
		d.store.DropDownload(target)
	}
}

// CallerCount reports active callers for a digest.
func (d *Downloader) CallerCount(target Identifier) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state := d.retrievals[target]; state != nil {
		return len(state.callers)
	}
	return 0
}

func calledNodes(state *retrievalState) []Identifier {
	out := make([]Identifier, 0, len(state.called))
	for node := range state.called {
		out = append(out, node)
	}
	return out
}

// AddSource records that a node can produce the target. Without an active
// retrieval the source is remembered in the value store for later
// solicitation.
func (d *Downloader) AddSource(target, node Identifier) {
	if node == d.overlay.LocalNode() {
		return
	}
	d.mu.Lock()
	state := d.retrievals[target]
	if state == nil {
		d.mu.Unlock()
		d.store.StoreValue(target, node[:], false)
		return
	}
	state.sources[node] = time.Now()
	shouldCall := len(state.called) < MaxSourcesPerDigest && !d.overlay.Penalized(node)
	if shouldCall {
		if _, already := state.called[node]; already {
			shouldCall = false
		} else {
			state.called[node] = time.Now()
		}
	}
	d.mu.Unlock()

	if shouldCall {
		d.sendCall(target, node, DefaultTokenBudget)
	}
}

//---------------------------------------------------------------------
// Solicitation
//---------------------------------------------------------------------

// solicit opens the retrieval: calls known sources, and when none are
// known, floods a Call and a Lookup for the target.
func (d *Downloader) solicit(target Identifier) {
	d.mu.Lock()
	state := d.retrievals[target]
	if state == nil {
		d.mu.Unlock()
		return
	}
	// Merge sources remembered from earlier announcements and lookups.
	for _, v := range d.store.RetrieveValue(target) {
		if node, err := NewIdentifier(v); err == nil && node != d.overlay.LocalNode() {
			if _, known := state.sources[node]; !known {
				state.sources[node] = time.Now()
			}
		}
	}
	candidates := d.pickSources(state)
	for _, node := range candidates {
		state.called[node] = time.Now()
	}
	d.mu.Unlock()

	if len(candidates) == 0 {
		d.broadcastCall(target, DefaultTokenBudget)
		lookup := NewMessage(TypeLookup, ContentEmpty, d.overlay.LocalNode(), target, nil)
		if err := d.overlay.Send(lookup); err != nil {
			d.log.WithError(err).WithField("target", target.Short()).Debug("lookup flood failed")
		}
		return
	}
	for _, node := range candidates {
		d.sendCall(target, node, DefaultTokenBudget)
	}
}

// pickSources orders known sources most-recently-seen first, skipping
// penalized links, bounded by the per-digest source limit. Caller holds the
// lock.
func (d *Downloader) pickSources(state *retrievalState) []Identifier {
	type cand struct {
		node Identifier
		seen time.Time
	}
	var cands []cand
	for node, seen := range state.sources {
		if d.overlay.Penalized(node) {
			continue
		}
		if _, already := state.called[node]; already {
			continue
		}
		cands = append(cands, cand{node: node, seen: seen})
	}
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].seen.After(cands[j-1].seen); j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
	limit := MaxSourcesPerDigest - len(state.called)
	if limit < 0 {
		limit = 0
	}
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]Identifier, len(cands))
	for i, c := range cands {
		out[i] = c.node
	}
	return out
}

func (d *Downloader) sendCall(target, node Identifier, tokens uint16) {
	w := newWireWriter()
	w.WriteIdentifier(target)
	w.WriteUint16(tokens)
	m := NewMessage(TypeForward, ContentCall, d.overlay.LocalNode(), node, w.Bytes())
	if err := d.overlay.Send(m); err != nil {
		d.log.WithError(err).WithField("target", target.Short()).Debug("call dropped")
	}
}

func (d *Downloader) broadcastCall(target Identifier, tokens uint16) {
	w := newWireWriter()
	w.WriteIdentifier(target)
	w.WriteUint16(tokens)
	m := NewMessage(TypeBroadcast, ContentCall, d.overlay.LocalNode(), target, w.Bytes())
	if err := d.overlay.Send(m); err != nil {
		d.log.WithError(err).WithField("target", target.Short()).Debug("call flood failed")
	}
}

func (d *Downloader) cancelSources(target Identifier, nodes []Identifier) {
	for _, node := range nodes {
		w := newWireWriter()
		w.WriteIdentifier(target)
		m := NewMessage(TypeForward, ContentCancel, d.overlay.LocalNode(), node, w.Bytes())
		d.overlay.Send(m)
	}
}

//---------------------------------------------------------------------
// Inbound frames
//---------------------------------------------------------------------

func (d *Downloader) incomingCall(m *Message) {
	r := newWireReader(m.Payload)
	target, err := r.ReadIdentifier()
	if err != nil {
		return
	}
	tokens, err := r.ReadUint16()
	if err != nil || tokens == 0 {
		return
	}
	if m.Source == d.overlay.LocalNode() {
		return
	}
	if !d.store.HasBlock(target) {
		return
	}

	key := serveKey{target: target, requester: m.Source}
	d.mu.Lock()
	if _, active := d.serves[key]; active {
		d.mu.Unlock()
		return
	}
	state := &serveState{cancel: make(chan struct{})}
	d.serves[key] = state
	d.mu.Unlock()

	d.pool.Go(func(ctx context.Context) {
		defer d.stopServe(key, state)
		d.serve(ctx, target, m.Source, tokens, state.cancel)
	})
}

// serve streams combinations to the requester until the budget (bounded by
// the redundancy factor) is spent or a Cancel arrives.
func (d *Downloader) serve(ctx context.Context, target, requester Identifier, tokens uint16, cancel chan struct{}) {
	blockCount, ok := d.store.BlockCountOf(target)
	if !ok {
		return
	}
	budget := int(tokens)
	if ceil := int(math.Ceil(float64(blockCount) * serveRedundancy)); ceil < budget {
		budget = ceil
	}
	if budget < 1 {
		budget = 1
	}

	d.log.WithFields(logrus.Fields{
		"target": target.Short(), "to": requester.Short(), "budget": budget,
	}).Debug("serving")

	for i := 0; i < budget; i++ {
		if i >= int(blockCount) {
			// Redundant tail: pace it so a Cancel can land first.
			select {
			case <-ctx.Done():
				return
			case <-cancel:
				return
			case <-time.After(25 * time.Millisecond):
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-cancel:
			return
		default:
		}
		c, size, err := d.store.Pull(target, 0, blockCount-1)
		if err != nil {
			d.log.WithError(err).WithField("target", target.Short()).Debug("pull failed")
			return
		}
		w := newWireWriter()
		w.WriteIdentifier(target)
		w.WriteUint64(uint64(size))
		if err := c.EncodeTo(w); err != nil {
			return
		}
		m := NewMessage(TypeForward, ContentData, d.overlay.LocalNode(), requester, w.Bytes())
		if err := d.overlay.Send(m); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				// Token credit against a slow path: back off and retry this slot until the send is accepted.
				time.Sleep(20 * time.Millisecond)
				i--
				continue
			}
			return
		}
	}
}

func (d *Downloader) stopServe(key serveKey, state *serveState) {
	d.mu.Lock()
	if cur, ok := d.serves[key]; ok && cur == state {
		delete(d.serves, key)
	}
	d.mu.Unlock()
}

func (d *Downloader) incomingCancel(m *Message) {
	r := newWireReader(m.Payload)
	target, err := r.ReadIdentifier()
	if err != nil {
		return
	}
	key := serveKey{target: target, requester: m.Source}
	d.mu.Lock()
	state := d.serves[key]
	delete(d.serves, key)
	d.mu.Unlock()
	if state != nil {
		close(state.cancel)
	}
}

func (d *Downloader) incomingData(m *Message) {
	r := newWireReader(m.Payload)
	target, err := r.ReadIdentifier()
	if err != nil {
		return
	}

	// A Data frame whose digest has no caller registration is late or
	// unsolicited: dropped, never resurrecting state.
	d.mu.Lock()
	state := d.retrievals[target]
	if state != nil {
		state.sources[m.Source] = time.Now()
		state.called[m.Source] = time.Now()
	}
	d.mu.Unlock()
	if state == nil {
		metricCombinations.WithLabelValues("unsolicited").Inc()
		return
	}

	size, err := r.ReadUint64()
	if err != nil {
		d.overlay.Penalize(m.Source)
		return
	}
	c, err := DecodeCombination(r)
	if err != nil {
		d.overlay.Penalize(m.Source)
		return
	}

	complete, err := d.store.Push(target, c, int64(size))
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			d.overlay.Penalize(m.Source)
		}
		return
	}

	d.mu.Lock()
	if state := d.retrievals[target]; state != nil {
		if next, active := d.store.DownloadProgress(target); active && next > state.lastDecoded {
			state.lastDecoded = next
			state.lastProgress = time.Now()
		}
		if complete {
			delete(d.retrievals, target)
			called := calledNodes(state)
			d.mu.Unlock()
			d.cancelSources(target, called)
			return
		}
	}
	d.mu.Unlock()
}

//---------------------------------------------------------------------
// Progress watchdog
//---------------------------------------------------------------------

// sweep drops the slowest source of every stalled retrieval and solicits a
// replacement through a fresh discovery round.
func (d *Downloader) sweep() {
	now := time.Now()
	var stalled []Identifier
	d.mu.Lock()
	for target, state := range d.retrievals {
		if now.Sub(state.lastProgress) < ProgressStallTimeout {
			continue
		}
		// Drop the source with the oldest activity.
		var (
			slowest Identifier
			oldest  time.Time
			found   bool
		)
		for node, seen := range state.called {
			if !found || seen.Before(oldest) {
				slowest, oldest, found = node, seen, true
			}
		}
		if found {
			delete(state.called, slowest)
			delete(state.sources, slowest)
		}
		state.lastProgress = now
		stalled = append(stalled, target)
	}
	d.mu.Unlock()

	for _, target := range stalled {
		d.log.WithField("target", target.Short()).Debug("retrieval stalled, re-soliciting")
		d.solicit(target)
	}
}
