package graph

import "github.com/r3e-network/dataflow-engine/internal/value"

// SetLazyCacheLimit bounds how many memoized entries each Lazy node in
// g may hold before the oldest-inserted entry is evicted, generalizing
// the teacher's infrastructure/cache size-bounded eviction to the
// per-key memoization a Lazy node performs. A limit of 0 (the default)
// leaves the cache unbounded.
func (g *Graph) SetLazyCacheLimit(n int) {
	if n < 0 {
		n = 0
	}
	g.lazyCacheLimit = n
}

// rememberLazy stores result at key in n's memoization cache, evicting
// the oldest entry first if the node is already at the configured
// limit.
func (g *Graph) rememberLazy(n *node, fp string, result value.Result) {
	if _, exists := n.lazyCache[fp]; exists {
		n.lazyCache[fp] = result
		return
	}
	if g.lazyCacheLimit > 0 && len(n.lazyCache) >= g.lazyCacheLimit {
		oldest := n.lazyOrder[0]
		n.lazyOrder = n.lazyOrder[1:]
		delete(n.lazyCache, oldest)
	}
	n.lazyCache[fp] = result
	n.lazyOrder = append(n.lazyOrder, fp)
}

// forgetLazy drops fp from n's memoization cache and its insertion
// order bookkeeping.
func (n *node) forgetLazy(fp string) {
	if _, ok := n.lazyCache[fp]; !ok {
		return
	}
	delete(n.lazyCache, fp)
	for i, k := range n.lazyOrder {
		if k == fp {
			n.lazyOrder = append(n.lazyOrder[:i], n.lazyOrder[i+1:]...)
			break
		}
	}
}
