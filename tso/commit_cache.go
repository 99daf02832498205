package tso

// commitCache remembers the latest commit timestamp per cell in a fixed amount
// of memory. It is set associative: a cell can live in one of associativity
// slots of its set, and when the set is full the entry with the oldest commit
// timestamp is evicted. The largest evicted timestamp is the low watermark:
// below it the cache can no longer prove the absence of a conflict.
type commitCache struct {
	keys          []int64
	values        []int64
	used          []bool
	sets          int
	associativity int
}

const defaultAssociativity = 32

func newCommitCache(size int) *commitCache {
	associativity := defaultAssociativity
	if size < associativity {
		associativity = size
	}
	if associativity < 1 {
		associativity = 1
	}
	sets := size / associativity
	if sets < 1 {
		sets = 1
	}
	n := sets * associativity
	return &commitCache{
		keys:          make([]int64, n),
		values:        make([]int64, n),
		used:          make([]bool, n),
		sets:          sets,
		associativity: associativity,
	}
}

func (c *commitCache) setOf(key int64) int {
	h := uint64(key) * 0x9E3779B97F4A7C15
	return int(h%uint64(c.sets)) * c.associativity
}

// get returns the last commit timestamp recorded for key.
func (c *commitCache) get(key int64) (int64, bool) {
	base := c.setOf(key)
	for i := base; i < base+c.associativity; i++ {
		if c.used[i] && c.keys[i] == key {
			return c.values[i], true
		}
	}
	return 0, false
}

// set records value for key and returns the commit timestamp of the entry it
// evicted, if any.
func (c *commitCache) set(key, value int64) (evicted int64, ok bool) {
	base := c.setOf(key)
	victim := -1
	for i := base; i < base+c.associativity; i++ {
		if !c.used[i] {
			if victim < 0 || c.used[victim] {
				victim = i
			}
			continue
		}
		if c.keys[i] == key {
			c.values[i] = value
			return 0, false
		}
		if victim < 0 || (c.used[victim] && c.values[i] < c.values[victim]) {
			victim = i
		}
	}
	if c.used[victim] {
		evicted, ok = c.values[victim], true
	}
	c.keys[victim] = key
	c.values[victim] = value
	c.used[victim] = true
	return evicted, ok
}
