// Package keystore implements the client-side keyword bookkeeping
// collaborator spec.md §6 requires but leaves external to the core: a
// keyword -> (search token, counter) map with per-keyword atomicity of
// the read-update-write sequence spec.md §4.6 describes.
package keystore

import (
	"hash/fnv"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"sophos/pkg/sophos"
)

// Entry is the per-keyword state the collaborator persists: the current
// search token and the number of updates ever performed for the keyword.
type Entry struct {
	Token   sophos.SearchToken
	Counter uint64
}

// Store is the keyword store collaborator interface named in spec §6.
type Store interface {
	// Get returns the current (token, counter) for w, or ok=false if w
	// has never been updated.
	Get(w string) (Entry, bool)
	// Set atomically records the new (token, counter) for w.
	Set(w string, e Entry)
	// Keys returns the distinct set of keywords ever updated.
	Keys() mapset.Set[string]
}

const shardCount = 64

// InMemory is a Store sharded by keyword hash, one sync.Mutex per shard,
// so concurrent updates to different keywords never contend (spec §9's
// suggested "sharded locks keyed by a keyword hash" approach). It does
// not persist across process restarts; callers that need that should
// snapshot Keys()+Get() to disk themselves or use the MySQL-backed Store
// in mysql.go.
type InMemory struct {
	shards [shardCount]shard
}

type shard struct {
	mu   sync.Mutex
	data map[string]Entry
}

// NewInMemory returns an empty in-memory keyword store.
func NewInMemory() *InMemory {
	im := &InMemory{}
	for i := range im.shards {
		im.shards[i].data = make(map[string]Entry)
	}
	return im
}

func shardFor(w string) int {
	h := fnv.New32a()
	h.Write([]byte(w))
	return int(h.Sum32() % shardCount)
}

// Get implements Store.
func (im *InMemory) Get(w string) (Entry, bool) {
	s := &im.shards[shardFor(w)]
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[w]
	return e, ok
}

// Set implements Store.
func (im *InMemory) Set(w string, e Entry) {
	s := &im.shards[shardFor(w)]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[w] = e
}

// Keys implements Store.
func (im *InMemory) Keys() mapset.Set[string] {
	out := mapset.NewThreadUnsafeSet[string]()
	for i := range im.shards {
		s := &im.shards[i]
		s.mu.Lock()
		for w := range s.data {
			out.Add(w)
		}
		s.mu.Unlock()
	}
	return out
}
