// S3-FIFO ("Simple, Scalable, FIFO-based cache eviction", Yang et al., 2023)
// in-memory eviction layer in front of a backing StateStore.
//
// # Algorithm
//
//   - S (small, ~10% of capacity): probationary queue. All new keys land
//     here first.
//   - M (main, ~90% of capacity): protected queue. Keys promoted from S
//     after at least one access (freq > 0) land here.
//   - G (ghost): a circular-buffer set of keys recently evicted from S,
//     bounded to 2× sTarget. A key found in G on insert bypasses S and goes
//     directly to M.
//
// Per-object state: saturating frequency counter (uint8, max 3), incremented
// on every Get hit, reset to 0 on M promotion.
//
// # Eviction
//
//	S → evict oldest head:
//	  freq > 0 → promote to M tail (reset freq); if M now over target, evict M head.
//	  freq == 0 → remove from memory, add key to G, delete from backing store.
//
//	M → evict oldest head: remove from memory, delete from backing store.
//	  M evictions do NOT add to G.
//
// Items evicted from either queue are deleted from the backing store so its
// size stays bounded. On restart the in-memory layer is cold; reads fall
// back to the backing store and re-warm the hot set organically.
package statestore

import (
	"container/list"
	"sync"
	"time"

	"ai-privacy-router/internal/logger"
)

// s3fifoEntry holds the in-memory state for one cached item.
type s3fifoEntry struct {
	value []byte
	freq  uint8 // saturating counter in [0, 3]
	elem  *list.Element
	inM   bool
}

// S3FIFOStore wraps a backing StateStore with an S3-FIFO in-memory eviction
// layer, bounding both hot-set footprint and backing store size.
//
// sTarget = max(1, capacity/10); ghostCap = max(4, 2*sTarget).
type S3FIFOStore struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*s3fifoEntry
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int

	backing StateStore
	log     *logger.Logger
}

// NewS3FIFOStore returns a StateStore that applies S3-FIFO eviction in front
// of backing. capacity is the max number of items kept hot in memory (and
// therefore alive in the backing store); values below 2 are clamped to 2.
func NewS3FIFOStore(backing StateStore, capacity int, log *logger.Logger) *S3FIFOStore {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	log.Infof("init", "S3-FIFO state store capacity=%d sTarget=%d ghostCap=%d", capacity, sTarget, ghostCap)
	return &S3FIFOStore{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*s3fifoEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
		backing:  backing,
		log:      log,
	}
}

func (s *S3FIFOStore) Put(key string, value []byte, ttl time.Duration) error {
	s.insertLocked(key, value)
	return s.backing.Put(key, value, ttl)
}

func (s *S3FIFOStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		if e.freq < 3 {
			e.freq++
		}
		v := e.value
		s.mu.Unlock()
		return v, true, nil
	}
	s.mu.Unlock()

	// Cold path: consult the backing store without holding the mutex.
	value, ok, err := s.backing.Get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	s.insertLocked(key, value)
	return value, true, nil
}

func (s *S3FIFOStore) Delete(key string) error {
	s.mu.Lock()
	s.removeFromMemory(key)
	s.mu.Unlock()
	return s.backing.Delete(key)
}

func (s *S3FIFOStore) Close() error { return s.backing.Close() }

// insertLocked performs the in-memory S3-FIFO insert/update under s.mu.
func (s *S3FIFOStore) insertLocked(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.value = value
		return
	}

	inM := s.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = s.mQueue.PushBack(key)
	} else {
		elem = s.sQueue.PushBack(key)
	}
	s.entries[key] = &s3fifoEntry{value: value, freq: 0, elem: elem, inM: inM}

	for s.sQueue.Len()+s.mQueue.Len() > s.capacity {
		s.evictOne()
	}
}

// evictOne removes one entry following the S3-FIFO policy. Must be called
// with s.mu held.
func (s *S3FIFOStore) evictOne() {
	if s.sQueue.Len() > 0 {
		s.evictFromS()
		return
	}
	s.evictFromM()
}

func (s *S3FIFOStore) evictFromS() {
	front := s.sQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		s.sQueue.Remove(front)
		return
	}
	s.sQueue.Remove(front)

	e, ok := s.entries[key]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = s.mQueue.PushBack(key)
		mTarget := s.capacity - s.sTarget
		if s.mQueue.Len() > mTarget {
			s.evictFromM()
		}
	} else {
		delete(s.entries, key)
		s.ghostAdd(key)
		go func() { _ = s.backing.Delete(key) }()
	}
}

func (s *S3FIFOStore) evictFromM() {
	front := s.mQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		s.mQueue.Remove(front)
		return
	}
	s.mQueue.Remove(front)
	delete(s.entries, key)
	go func() { _ = s.backing.Delete(key) }()
}

// removeFromMemory removes key from whichever queue it lives in. Must be
// called with s.mu held.
func (s *S3FIFOStore) removeFromMemory(key string) {
	e, ok := s.entries[key]
	if !ok {
		return
	}
	if e.inM {
		s.mQueue.Remove(e.elem)
	} else {
		s.sQueue.Remove(e.elem)
	}
	delete(s.entries, key)
}

func (s *S3FIFOStore) ghostContains(key string) bool {
	_, ok := s.ghostSet[key]
	return ok
}

// ghostAdd inserts key into the bounded circular ghost buffer. Must be
// called with s.mu held.
func (s *S3FIFOStore) ghostAdd(key string) {
	if _, exists := s.ghostSet[key]; exists {
		return
	}
	if s.ghostCount == s.ghostCap {
		oldest := s.ghostBuf[s.ghostHead]
		delete(s.ghostSet, oldest)
		s.ghostHead = (s.ghostHead + 1) % s.ghostCap
		s.ghostCount--
	}
	writeIdx := (s.ghostHead + s.ghostCount) % s.ghostCap
	s.ghostBuf[writeIdx] = key
	s.ghostSet[key] = struct{}{}
	s.ghostCount++
}
