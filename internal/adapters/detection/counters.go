package detection

import (
	"hash/maphash"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// hashSeed is the process-wide seed for shard selection.
var hashSeed = maphash.MakeSeed()

const (
	DefaultWindow     = 60 * time.Second
	DefaultShardCount = 16
	DefaultMaxKeys    = 100000
)

// windowEntry is one event inside a key's window. Weight is 1 for plain
// counters and the contribution for weighted ones.
type windowEntry struct {
	at     int64
	weight int
}

// windowState is the ascending event history of one key.
//
// Thread Safety: NOT thread-safe. Caller must hold the owning shard lock.
type windowState struct {
	entries []windowEntry
	sum     int
}

// insert keeps entries sorted by time. In-order arrival is a tail append.
func (w *windowState) insert(e windowEntry) {
	n := len(w.entries)
	if n == 0 || w.entries[n-1].at <= e.at {
		w.entries = append(w.entries, e)
	} else {
		i := sort.Search(n, func(i int) bool { return w.entries[i].at > e.at })
		w.entries = slices.Insert(w.entries, i, e)
	}
	w.sum += e.weight
}

// evict drops every entry strictly older than cutoff, from the head only.
func (w *windowState) evict(cutoff int64) {
	i := 0
	for i < len(w.entries) && w.entries[i].at < cutoff {
		w.sum -= w.entries[i].weight
		i++
	}
	if i == 0 {
		return
	}
	w.entries = append(w.entries[:0], w.entries[i:]...)
}

type counterShard struct {
	mu   sync.Mutex
	keys *simplelru.LRU[string, *windowState]
}

// CounterConfig configures a WindowCounter.
type CounterConfig struct {
	Window     time.Duration // Sliding window length (default: 60s)
	ShardCount int           // Number of shards (default: 16)
	MaxKeys    int           // Tracked keys across all shards (default: 100000)
}

// WindowCounter keeps a sliding time window of events per key.
//
// Every mutation of a key (insert, evict, read) happens under the key's
// shard lock, so Record is atomic per key even with concurrent callers.
// Each shard holds at most MaxKeys/ShardCount keys; the least recently
// touched key is dropped when a shard is full.
type WindowCounter struct {
	window  time.Duration
	shards  []*counterShard
	evicted atomic.Int64
}

// NewWindowCounter creates a counter namespace.
func NewWindowCounter(cfg CounterConfig) *WindowCounter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = DefaultShardCount
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	perShard := cfg.MaxKeys / cfg.ShardCount
	if perShard < 1 {
		perShard = 1
	}

	c := &WindowCounter{
		window: cfg.Window,
		shards: make([]*counterShard, cfg.ShardCount),
	}
	for i := range c.shards {
		// NewLRU only fails for a non-positive size.
		keys, _ := simplelru.NewLRU[string, *windowState](perShard, nil)
		c.shards[i] = &counterShard{keys: keys}
	}
	return c
}

func (c *WindowCounter) shard(key string) *counterShard {
	return c.shards[maphash.String(hashSeed, key)%uint64(len(c.shards))]
}

// Window returns the configured window length.
func (c *WindowCounter) Window() time.Duration {
	return c.window
}

// Record appends an event for key at ts, evicts entries older than
// ts - window and returns the live event count.
func (c *WindowCounter) Record(key string, ts time.Time) int {
	count, _ := c.add(key, ts, 1)
	return count
}

// Add appends a weighted event for key at ts and returns the live weight sum.
func (c *WindowCounter) Add(key string, ts time.Time, weight int) int {
	_, sum := c.add(key, ts, weight)
	return sum
}

func (c *WindowCounter) add(key string, ts time.Time, weight int) (int, int) {
	s := c.shard(key)
	at := ts.UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.keys.Get(key)
	if !ok {
		st = &windowState{}
		if s.keys.Add(key, st) {
			c.evicted.Add(1)
		}
	}
	st.insert(windowEntry{at: at, weight: weight})
	st.evict(at - int64(c.window))
	return len(st.entries), st.sum
}

// Count evicts entries older than now - window and returns how many remain.
// It does not create or refresh the key.
func (c *WindowCounter) Count(key string, now time.Time) int {
	count, _ := c.read(key, now)
	return count
}

// Sum is Count for weighted events.
func (c *WindowCounter) Sum(key string, now time.Time) int {
	_, sum := c.read(key, now)
	return sum
}

func (c *WindowCounter) read(key string, now time.Time) (int, int) {
	s := c.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.keys.Peek(key)
	if !ok {
		return 0, 0
	}
	st.evict(now.UnixNano() - int64(c.window))
	return len(st.entries), st.sum
}

// Len returns the number of tracked keys.
func (c *WindowCounter) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.keys.Len()
		s.mu.Unlock()
	}
	return total
}

// Evicted returns how many keys were dropped because a shard was full.
func (c *WindowCounter) Evicted() int64 {
	return c.evicted.Load()
}

// Sweep drops keys whose window is empty as of now and returns how many were
// removed. Shards are swept in parallel.
func (c *WindowCounter) Sweep(now time.Time) int {
	cutoff := now.UnixNano() - int64(c.window)

	var removed atomic.Int64
	var wg sync.WaitGroup
	for _, s := range c.shards {
		wg.Add(1)
		go func(s *counterShard) {
			defer wg.Done()
			removed.Add(int64(sweepShard(s, cutoff)))
		}(s)
	}
	wg.Wait()
	return int(removed.Load())
}

func sweepShard(s *counterShard, cutoff int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.keys.Keys() {
		st, ok := s.keys.Peek(key)
		if !ok {
			continue
		}
		st.evict(cutoff)
		if len(st.entries) == 0 {
			s.keys.Remove(key)
			removed++
		}
	}
	return removed
}
