// Package traffic accumulates per-user byte counters between panel reports.
package traffic

import (
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultShards is the shard count used by New.
const DefaultShards = 32

// Delta is an increment of traffic attributed to one user.
type Delta struct {
	UserID   int
	Upload   uint64
	Download uint64
}

// Entry is one user's traffic inside a Snapshot.
type Entry struct {
	UserID   int
	Upload   uint64
	Download uint64
}

// Snapshot is the traffic drained from an Accumulator, ordered by user id.
type Snapshot []Entry

// Total returns the summed upload and download bytes of the snapshot.
func (s Snapshot) Total() (upload, download uint64) {
	for _, e := range s {
		upload += e.Upload
		download += e.Download
	}
	return upload, download
}

type counter struct {
	upload   atomic.Uint64
	download atomic.Uint64
}

type shard struct {
	mu       sync.RWMutex
	counters map[int]*counter
	retired  map[int]struct{}
}

// Accumulator is a sharded, concurrency-safe store of per-user counters.
// Record may be called from any number of goroutines while Drain runs.
type Accumulator struct {
	shards []*shard
}

// New creates an Accumulator with DefaultShards shards.
func New() *Accumulator {
	return NewSharded(DefaultShards)
}

// NewSharded creates an Accumulator with n shards.
func NewSharded(n int) *Accumulator {
	if n < 1 {
		n = 1
	}
	a := &Accumulator{shards: make([]*shard, n)}
	for i := range a.shards {
		a.shards[i] = &shard{
			counters: make(map[int]*counter),
			retired:  make(map[int]struct{}),
		}
	}
	return a
}

func (a *Accumulator) shardFor(userID int) *shard {
	i := userID % len(a.shards)
	if i < 0 {
		i = -i
	}
	return a.shards[i]
}

// Record folds d into the user's counters.
func (a *Accumulator) Record(d Delta) {
	if d.Upload == 0 && d.Download == 0 {
		return
	}
	s := a.shardFor(d.UserID)

	// Adds happen while a lock is held so that Drain, which takes the
	// write lock, never reads a counter with an add still in flight.
	s.mu.RLock()
	if c, ok := s.counters[d.UserID]; ok {
		c.add(d.Upload, d.Download)
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()

	s.mu.Lock()
	c, ok := s.counters[d.UserID]
	if !ok {
		c = &counter{}
		s.counters[d.UserID] = c
	}
	c.add(d.Upload, d.Download)
	s.mu.Unlock()
}

func (c *counter) add(upload, download uint64) {
	if upload != 0 {
		c.upload.Add(upload)
	}
	if download != 0 {
		c.download.Add(download)
	}
}

// Drain atomically takes and zeroes every counter and returns the non-zero
// ones. Users marked by Retire are dropped after their bytes are taken, and
// so is any counter that saw no traffic since the previous drain.
func (a *Accumulator) Drain() Snapshot {
	var snap Snapshot
	for _, s := range a.shards {
		s.mu.Lock()
		for id, c := range s.counters {
			up := c.upload.Swap(0)
			down := c.download.Swap(0)
			if up == 0 && down == 0 {
				delete(s.counters, id)
				continue
			}
			snap = append(snap, Entry{UserID: id, Upload: up, Download: down})
		}
		for id := range s.retired {
			delete(s.counters, id)
		}
		clear(s.retired)
		s.mu.Unlock()
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].UserID < snap[j].UserID })
	return snap
}

// Restore adds a previously drained snapshot back into the live counters.
func (a *Accumulator) Restore(snap Snapshot) {
	for _, e := range snap {
		a.Record(Delta{UserID: e.UserID, Upload: e.Upload, Download: e.Download})
	}
}

// Retire marks a user that is no longer registered with the engine. Its
// pending bytes, including deltas that arrive after the call, are still
// returned by the next Drain, after which the entry is dropped.
func (a *Accumulator) Retire(userID int) {
	s := a.shardFor(userID)
	s.mu.Lock()
	s.retired[userID] = struct{}{}
	s.mu.Unlock()
}

// Pending returns the bytes recorded since the last drain, without resetting.
func (a *Accumulator) Pending() (upload, download uint64) {
	for _, s := range a.shards {
		s.mu.RLock()
		for _, c := range s.counters {
			upload += c.upload.Load()
			download += c.download.Load()
		}
		s.mu.RUnlock()
	}
	return upload, download
}

// Len returns the number of users with a live counter entry.
func (a *Accumulator) Len() int {
	var n int
	for _, s := range a.shards {
		s.mu.RLock()
		n += len(s.counters)
		s.mu.RUnlock()
	}
	return n
}
