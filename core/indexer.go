package core

// Shared-directory indexer. Walks the user's shared directories, records
// every content and every 1 KiB block of it in the store's index, and keeps
// the index current through filesystem notifications.

import (
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

type Indexer struct {
	log     *logrus.Entry
	pool    *Pool
	store   *Store
	dirs    []string
	watcher *fsnotify.Watcher
}

func NewIndexer(log *logrus.Logger, pool *Pool, store *Store, dirs []string) (*Indexer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Indexer{
		log:     log.WithField("subsystem", "indexer"),
		pool:    pool,
		store:   store,
		dirs:    dirs,
		watcher: watcher,
	}, nil
}

// Start performs the initial scan and begins watching for changes.
func (ix *Indexer) Start() error {
	for _, dir := range ix.dirs {
		if err := ix.watcher.Add(dir); err != nil {
			ix.log.WithError(err).WithField("dir", dir).Warn("watch failed")
		}
	}
	ix.pool.Go(func(ctx context.Context) { ix.scanAll(ctx) })
	ix.pool.Go(func(ctx context.Context) { ix.watchLoop(ctx) })
	return nil
}

func (ix *Indexer) Close() error { return ix.watcher.Close() }

func (ix *Indexer) scanAll(ctx context.Context) {
	for _, dir := range ix.dirs {
		filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			select {
			case <-ctx.Done():
				return filepath.SkipAll
			default:
			}
			if d.IsDir() {
				ix.watcher.Add(path)
				return nil
			}
			if err := ix.scanFile(path); err != nil {
				ix.log.WithError(err).WithField("file", path).Debug("scan failed")
			}
			return nil
		})
	}
}

// scanFile indexes the whole content and each of its blocks.
func (ix *Indexer) scanFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	whole := sha256.New()
	buf := make([]byte, BlockSize)
	var offset int64
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			whole.Write(buf[:n])
			blockDigest := HashIdentifier(buf[:n])
			if err := ix.store.NotifyBlock(blockDigest, path, offset, int64(n)); err != nil {
				return err
			}
			offset += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return err
		}
	}

	var fileDigest Identifier
	copy(fileDigest[:], whole.Sum(nil))
	if err := ix.store.NotifyBlock(fileDigest, path, 0, info.Size()); err != nil {
		return err
	}
	ix.log.WithFields(logrus.Fields{"file": path, "target": fileDigest.Short()}).Debug("indexed")
	return nil
}

func (ix *Indexer) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ix.watcher.Events:
			if !ok {
				return
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if info, err := os.Stat(ev.Name); err == nil {
					if info.IsDir() {
						ix.watcher.Add(ev.Name)
						continue
					}
					if err := ix.scanFile(ev.Name); err != nil {
						ix.log.WithError(err).WithField("file", ev.Name).Debug("rescan failed")
					}
				}
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				ix.store.NotifyFileErasure(ev.Name)
			}
		case err, ok := <-ix.watcher.Errors:
			if !ok {
				return
			}
			ix.log.WithError(err).Debug("watcher error")
		}
	}
}
