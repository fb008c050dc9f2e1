package core

// Block store. A content-addressed repository: fully-present contents are
// recorded in a bbolt index and a memory map, downloads accumulate in
// fountain sinks backed by striped cache files, and waiters block until a
// digest becomes present. Writing is atomic: a content only becomes visible
// once its bytes hash to the digest.
//
// Per-digest state is guarded by a striped lock pool keyed on the first
// digest byte.

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketBlocks = []byte("blocks")
	bucketValues = []byte("values")
	bucketFiles  = []byte("files")
)

const storeStripes = 256

// BlockLocation addresses a present content on disk.
type BlockLocation struct {
	Path   string
	Offset int64
	Size   int64
}

func (l BlockLocation) encode() []byte {
	w := newWireWriter()
	w.WriteUint64(uint64(l.Offset))
	w.WriteUint64(uint64(l.Size))
	w.WriteString16(l.Path)
	return w.Bytes()
}

func decodeLocation(b []byte) (BlockLocation, error) {
	r := newWireReader(b)
	offset, err := r.ReadUint64()
	if err != nil {
		return BlockLocation{}, err
	}
	size, err := r.ReadUint64()
	if err != nil {
		return BlockLocation{}, err
	}
	path, err := r.ReadString16()
	if err != nil {
		return BlockLocation{}, err
	}
	return BlockLocation{Path: path, Offset: int64(offset), Size: int64(size)}, nil
}

// downloadState is the per-digest sink plus its backing cache file.
type downloadState struct {
	sink *Sink
	file *StripedFile
}

type Store struct {
	log *logrus.Entry
	dir string
	db  *bolt.DB

	stripes [storeStripes]sync.Mutex

	mu        sync.RWMutex
	present   map[Identifier]BlockLocation
	downloads map[Identifier]*downloadState
	waiters   map[Identifier][]chan struct{}

	valuesMu  sync.Mutex
	transient map[Identifier]map[string]time.Time
}

// NewStore opens the store rooted at dir (cache files plus index database).
func NewStore(log *logrus.Logger, dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "cache"), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBlocks, bucketValues, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		log:       log.WithField("subsystem", "store"),
		dir:       dir,
		db:        db,
		present:   make(map[Identifier]BlockLocation),
		downloads: make(map[Identifier]*downloadState),
		waiters:   make(map[Identifier][]chan struct{}),
		transient: make(map[Identifier]map[string]time.Time),
	}
	if err := s.loadIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadIndex() error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).ForEach(func(k, v []byte) error {
			id, err := NewIdentifier(k)
			if err != nil {
				return nil
			}
			loc, err := decodeLocation(v)
			if err != nil {
				return nil
			}
			s.present[id] = loc
			return nil
		})
	})
}

func (s *Store) Close() error {
	s.mu.Lock()
	for _, d := range s.downloads {
		d.file.Close()
	}
	s.downloads = make(map[Identifier]*downloadState)
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) stripe(d Identifier) *sync.Mutex { return &s.stripes[d[0]] }

func (s *Store) cachePath(d Identifier) string {
	return filepath.Join(s.dir, "cache", d.Hex())
}

//---------------------------------------------------------------------
// Presence
//---------------------------------------------------------------------

// HasBlock reports whether the digest is fully present.
func (s *Store) HasBlock(d Identifier) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.present[d]
	return ok
}

// Location returns the on-disk address of a present digest.
func (s *Store) Location(d Identifier) (BlockLocation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.present[d]
	return loc, ok
}

// NotifyBlock registers that a content exists on disk and wakes waiters.
func (s *Store) NotifyBlock(d Identifier, path string, offset, size int64) error {
	loc := BlockLocation{Path: path, Offset: offset, Size: size}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBlocks).Put(d[:], loc.encode()); err != nil {
			return err
		}
		// Track file → digests so erasure can unregister.
		fb := tx.Bucket(bucketFiles)
		key := append([]byte(path), 0)
		key = append(key, d[:]...)
		return fb.Put(key, nil)
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.present[d] = loc
	waiters := s.waiters[d]
	delete(s.waiters, d)
	s.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	return nil
}

// NotifyFileErasure drops every index entry backed by a vanished file.
func (s *Store) NotifyFileErasure(path string) error {
	var dropped []Identifier
	err := s.db.Update(func(tx *bolt.Tx) error {
		fb := tx.Bucket(bucketFiles)
		bb := tx.Bucket(bucketBlocks)
		prefix := append([]byte(path), 0)
		c := fb.Cursor()
		for k, _ := c.Seek(prefix); k != nil && len(k) == len(prefix)+IdentifierSize && string(k[:len(prefix)]) == string(prefix); k, _ = c.Next() {
			id, err := NewIdentifier(k[len(prefix):])
			if err != nil {
				continue
			}
			dropped = append(dropped, id)
			if err := bb.Delete(id[:]); err != nil {
				return err
			}
			if err := fb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, id := range dropped {
		if loc, ok := s.present[id]; ok && loc.Path == path {
			delete(s.present, id)
		}
	}
	s.mu.Unlock()
	return nil
}

// WaitBlock blocks until the digest becomes present, the context ends, or
// the timeout expires (zero means no timeout).
func (s *Store) WaitBlock(ctx context.Context, d Identifier, timeout time.Duration) error {
	s.mu.Lock()
	if _, ok := s.present[d]; ok {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters[d] = append(s.waiters[d], ch)
	s.mu.Unlock()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case <-ch:
		return nil
	case <-timeoutC:
		s.dropWaiter(d, ch)
		return fmt.Errorf("%w: waiting for %s", ErrTimeout, d.Short())
	case <-ctx.Done():
		s.dropWaiter(d, ch)
		return fmt.Errorf("%w: waiting for %s", ErrCancelled, d.Short())
	}
}

func (s *Store) dropWaiter(d Identifier, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[d]
	for i, c := range list {
		if c == ch {
			s.waiters[d] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.waiters[d]) == 0 {
		delete(s.waiters, d)
	}
}

// GetBlock returns a reader positioned at the content start, blocking until
// the digest becomes present (zero timeout waits indefinitely).
func (s *Store) GetBlock(ctx context.Context, d Identifier, timeout time.Duration) (io.ReadCloser, int64, error) {
	if err := s.WaitBlock(ctx, d, timeout); err != nil {
		return nil, 0, err
	}
	loc, ok := s.Location(d)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, d.Short())
	}
	f, err := os.Open(loc.Path)
	if err != nil {
		return nil, 0, err
	}
	return &sectionReadCloser{
		Reader: io.NewSectionReader(f, loc.Offset, loc.Size),
		file:   f,
	}, loc.Size, nil
}

type sectionReadCloser struct {
	*io.SectionReader
	file *os.File
}

func (r *sectionReadCloser) Close() error { return r.file.Close() }

func (r *sectionReadCloser) Read(p []byte) (int, error) { return r.SectionReader.Read(p) }

var _ io.Reader = (*sectionReadCloser)(nil)

//---------------------------------------------------------------------
// Local writes
//---------------------------------------------------------------------

// Put stores a content and returns its digest. The write is atomic: bytes
// are staged, hashed, and only relocated into place on a match (which, for
// locally-produced data, always holds).
func (s *Store) Put(data []byte) (Identifier, error) {
	d := HashIdentifier(data)
	if s.HasBlock(d) {
		return d, nil
	}
	final := s.cachePath(d)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return NilIdentifier, err
	}
	staged, err := os.ReadFile(tmp)
	if err != nil || HashIdentifier(staged) != d {
		os.Remove(tmp)
		return NilIdentifier, fmt.Errorf("%w: staged content corrupt", ErrProtocol)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return NilIdentifier, err
	}
	if err := s.NotifyBlock(d, final, 0, int64(len(data))); err != nil {
		return NilIdentifier, err
	}
	return d, nil
}

//---------------------------------------------------------------------
// Fountain push/pull
//---------------------------------------------------------------------

// Push feeds a received combination into the digest's sink. The size hint
// travels with every Data frame. Returns true once the content completed.
func (s *Store) Push(d Identifier, c *Combination, sizeHint int64) (bool, error) {
	mu := s.stripe(d)
	mu.Lock()
	defer mu.Unlock()

	if s.HasBlock(d) {
		return true, nil
	}

	s.mu.Lock()
	state := s.downloads[d]
	if state == nil {
		file, err := OpenStripedFile(s.cachePath(d) + ".part")
		if err != nil {
			s.mu.Unlock()
			return false, err
		}
		state = &downloadState{sink: NewSink(), file: file}
		s.downloads[d] = state
	}
	s.mu.Unlock()

	state.sink.SetSizeHint(sizeHint)
	decoded, err := state.sink.Solve(c)
	if err != nil {
		return false, err
	}
	for _, blk := range decoded {
		if err := state.file.WriteBlock(blk.Index, blk.Data); err != nil {
			return false, err
		}
	}
	if !state.sink.Complete() {
		return false, nil
	}
	return true, s.finalizeDownload(d, state)
}

// finalizeDownload verifies the assembled bytes against the digest and
// promotes the cache file to present.
func (s *Store) finalizeDownload(d Identifier, state *downloadState) error {
	size := state.sink.Size()
	if err := state.file.Truncate(size); err != nil {
		return err
	}

	h := sha256.New()
	for i := int64(0); i*BlockSize < size || (size == 0 && i == 0); i++ {
		blk, err := state.file.ReadBlock(i)
		if err != nil {
			return err
		}
		remain := size - i*BlockSize
		if int64(len(blk)) > remain {
			blk = blk[:remain]
		}
		h.Write(blk)
	}
	var sum Identifier
	copy(sum[:], h.Sum(nil))

	s.mu.Lock()
	delete(s.downloads, d)
	s.mu.Unlock()

	if sum != d {
		s.log.WithField("target", d.Short()).Warn("download failed integrity check, discarded")
		state.file.Remove()
		return fmt.Errorf("%w: digest mismatch", ErrProtocol)
	}

	state.file.Finalize()
	state.file.Close()
	final := s.cachePath(d)
	if err := os.Rename(s.cachePath(d)+".part", final); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"target": d.Short(), "size": size}).Info("content complete")
	return s.NotifyBlock(d, final, 0, size)
}

// DownloadProgress reports the sink's decode frontier, if a download is
// under way.
func (s *Store) DownloadProgress(d Identifier) (next int64, active bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if state, ok := s.downloads[d]; ok {
		return state.sink.NextDecoded(), true
	}
	return 0, false
}

// DropDownload discards a digest's sink and cache file.
func (s *Store) DropDownload(d Identifier) {
	mu := s.stripe(d)
	mu.Lock()
	defer mu.Unlock()
	s.mu.Lock()
	state := s.downloads[d]
	delete(s.downloads, d)
	s.mu.Unlock()
	if state != nil {
		state.file.Remove()
	}
}

// Pull generates one combination for a present content, covering the block
// range [first, last] of that content.
func (s *Store) Pull(d Identifier, first, last int64) (*Combination, int64, error) {
	loc, ok := s.Location(d)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, d.Short())
	}
	blockCount := (loc.Size + BlockSize - 1) / BlockSize
	if blockCount == 0 {
		blockCount = 1
	}
	if first < 0 || first > last || last >= blockCount {
		return nil, 0, fmt.Errorf("%w: pull range", ErrProtocol)
	}
	f, err := os.Open(loc.Path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	read := func(i int64) ([]byte, error) {
		start := i * BlockSize
		length := int64(BlockSize)
		if start+length > loc.Size {
			length = loc.Size - start
		}
		buf := make([]byte, length)
		if _, err := f.ReadAt(buf, loc.Offset+start); err != nil && err != io.EOF {
			return nil, err
		}
		return buf, nil
	}
	c, err := GenerateCombination(read, first, last)
	if err != nil {
		return nil, 0, err
	}
	return c, loc.Size, nil
}

// BlockCountOf returns the number of blocks of a present content.
func (s *Store) BlockCountOf(d Identifier) (int64, bool) {
	loc, ok := s.Location(d)
	if !ok {
		return 0, false
	}
	n := (loc.Size + BlockSize - 1) / BlockSize
	if n == 0 {
		n = 1
	}
	return n, true
}

//---------------------------------------------------------------------
// Value store
//---------------------------------------------------------------------

// StoreValue records a value under a key. Permanent entries persist in the
// index database; transient entries age out after the tracker entry life.
func (s *Store) StoreValue(key Identifier, value []byte, permanent bool) error {
	if permanent {
		return s.db.Update(func(tx *bolt.Tx) error {
			k := append(key[:], HashIdentifier(value).Bytes()...)
			return tx.Bucket(bucketValues).Put(k, value)
		})
	}
	s.valuesMu.Lock()
	defer s.valuesMu.Unlock()
	set := s.transient[key]
	if set == nil {
		set = make(map[string]time.Time)
		s.transient[key] = set
	}
	set[string(value)] = time.Now()
	return nil
}

// RetrieveValue returns every value stored under a key, or nil when none.
func (s *Store) RetrieveValue(key Identifier) [][]byte {
	var out [][]byte
	s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketValues).Cursor()
		for k, v := c.Seek(key[:]); k != nil && len(k) >= IdentifierSize && string(k[:IdentifierSize]) == string(key[:]); k, v = c.Next() {
			out = append(out, append([]byte(nil), v...))
		}
		return nil
	})
	s.valuesMu.Lock()
	if set, ok := s.transient[key]; ok {
		now := time.Now()
		for v, seen := range set {
			if now.Sub(seen) > TrackerEntryLife {
				delete(set, v)
				continue
			}
			out = append(out, []byte(v))
		}
		if len(set) == 0 {
			delete(s.transient, key)
		}
	}
	s.valuesMu.Unlock()
	if len(out) == 0 {
		return nil
	}
	return out
}

// Resolver adapts the value store for overlay lookups: a digest the store
// holds answers with its own location marker, otherwise stored values.
func (s *Store) Resolver() ValueResolver {
	return func(key Identifier) [][]byte {
		if s.HasBlock(key) {
			return [][]byte{[]byte("present")}
		}
		return s.RetrieveValue(key)
	}
}
