package core

// CoreContext wires the engine together. There are no process-wide
// singletons: every component receives its collaborators explicitly, and
// tests instantiate fully isolated contexts.

import (
	"context"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Options configures one engine instance.
type Options struct {
	Port       int
	Directory  string   // state root: keys, cache, index
	SharedDirs []string // directories scanned into the index
	Trackers   []string // tracker base URLs
	Peers      []string // bootstrap peer addresses

	TunnelTimeout time.Duration
	Workers       int
}

type CoreContext struct {
	Log      *logrus.Logger
	Options  Options
	NodeKey  *NodeKey
	Identity *NodeKey

	Pool       *Pool
	Store      *Store
	Overlay    *Overlay
	Tunneler   *Tunneler
	Network    *Network
	Downloader *Downloader
	Indexer    *Indexer
}

// NewCoreContext builds an engine. Nothing listens until Start.
func NewCoreContext(log *logrus.Logger, opts Options) (*CoreContext, error) {
	if log == nil {
		log = logrus.New()
	}

	nodeKey, err := LoadNodeKey(filepath.Join(opts.Directory, "node.pem"))
	if err != nil {
		return nil, err
	}
	identity, err := LoadNodeKey(filepath.Join(opts.Directory, "identity.pem"))
	if err != nil {
		return nil, err
	}

	pool := NewPool(opts.Workers)
	store, err := NewStore(log, opts.Directory)
	if err != nil {
		pool.Close()
		return nil, err
	}

	overlay := NewOverlay(log, pool, nodeKey, opts.Port, opts.Trackers)
	overlay.SetResolver(store.Resolver())
	tunneler := NewTunneler(log, pool, overlay, opts.TunnelTimeout)
	network := NewNetwork(log, pool, overlay, tunneler, store, identity)
	downloader := NewDownloader(log, pool, overlay, store)
	network.SetDownloader(downloader)

	var indexer *Indexer
	if len(opts.SharedDirs) > 0 {
		indexer, err = NewIndexer(log, pool, store, opts.SharedDirs)
		if err != nil {
			store.Close()
			pool.Close()
			return nil, err
		}
	}

	return &CoreContext{
		Log:        log,
		Options:    opts,
		NodeKey:    nodeKey,
		Identity:   identity,
		Pool:       pool,
		Store:      store,
		Overlay:    overlay,
		Tunneler:   tunneler,
		Network:    network,
		Downloader: downloader,
		Indexer:    indexer,
	}, nil
}

// Start binds the overlay and connects to configured peers.
func (c *CoreContext) Start() error {
	if err := c.Overlay.Start(); err != nil {
		return err
	}
	if c.Indexer != nil {
		if err := c.Indexer.Start(); err != nil {
			return err
		}
	}
	if len(c.Options.Peers) > 0 {
		peers := append([]string(nil), c.Options.Peers...)
		c.Pool.Go(func(ctx context.Context) {
			for _, addr := range peers {
				if err := c.Overlay.Connect([]string{addr}); err != nil {
					c.Log.WithError(err).WithField("peer", addr).Warn("bootstrap peer unreachable")
				}
			}
		})
	}
	return nil
}

// Close tears the engine down in dependency order.
func (c *CoreContext) Close() {
	c.Tunneler.Close()
	c.Overlay.Stop()
	if c.Indexer != nil {
		c.Indexer.Close()
	}
	c.Pool.Close()
	c.Store.Close()
}
