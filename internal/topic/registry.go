// Package topic maintains the shared subscription index: which connections
// want which topics. It is one of the two structures mutated from multiple
// goroutines (the other being the connection manager's live set), so every
// operation holds the registry lock around both mutation and lookup.
package topic

import (
	"sort"
	"strings"
	"sync"
)

// WildcardSuffix marks a prefix pattern. A pattern "price.*" matches every
// topic that starts with "price." (including deeper levels); an exact
// pattern matches only itself.
const WildcardSuffix = ".*"

// IsWildcard reports whether pattern uses the trailing wildcard form.
func IsWildcard(pattern string) bool {
	return strings.HasSuffix(pattern, WildcardSuffix)
}

// MatchPattern reports whether a single pattern covers a topic.
func MatchPattern(pattern, topic string) bool {
	if IsWildcard(pattern) {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}

// Registry is the concurrency-safe topic index. Keys are opaque connection
// ids; the connection manager owns their lifecycle and calls Drop exactly
// when a connection is destroyed.
type Registry struct {
	mu sync.RWMutex

	// exact: topic -> set of connection ids.
	exact map[string]map[string]struct{}
	// wildcard: prefix (pattern minus the trailing '*') -> set of ids.
	wildcard map[string]map[string]struct{}
	// byConn: connection id -> its pattern set, for Drop and counting.
	byConn map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		exact:    make(map[string]map[string]struct{}),
		wildcard: make(map[string]map[string]struct{}),
		byConn:   make(map[string]map[string]struct{}),
	}
}

// Subscribe adds pattern for connID. Re-subscribing to the same pattern is
// a no-op success. Returns the connection's subscription count after the
// operation.
func (r *Registry) Subscribe(connID, pattern string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	patterns := r.byConn[connID]
	if patterns == nil {
		patterns = make(map[string]struct{})
		r.byConn[connID] = patterns
	}
	if _, ok := patterns[pattern]; ok {
		return len(patterns)
	}
	patterns[pattern] = struct{}{}

	idx, key := r.indexFor(pattern)
	set := idx[key]
	if set == nil {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[connID] = struct{}{}
	return len(patterns)
}

// Unsubscribe removes pattern for connID. An absent pattern is a no-op
// success so client retries after reconnect never error.
func (r *Registry) Unsubscribe(connID, pattern string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	patterns := r.byConn[connID]
	if patterns == nil {
		return 0
	}
	if _, ok := patterns[pattern]; !ok {
		return len(patterns)
	}
	delete(patterns, pattern)
	if len(patterns) == 0 {
		delete(r.byConn, connID)
	}

	idx, key := r.indexFor(pattern)
	if set := idx[key]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
	return len(patterns)
}

// Drop removes every subscription owned by connID. Idempotent.
func (r *Registry) Drop(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	patterns := r.byConn[connID]
	if patterns == nil {
		return
	}
	for pattern := range patterns {
		idx, key := r.indexFor(pattern)
		if set := idx[key]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(idx, key)
			}
		}
	}
	delete(r.byConn, connID)
}

// Match returns the ids of every connection whose pattern set covers topic.
// A connection holding both an exact match and a covering wildcard appears
// once: the result set is deduplicated so fan-out delivers a single copy.
func (r *Registry) Match(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for id := range r.exact[topic] {
		seen[id] = struct{}{}
	}
	for prefix, set := range r.wildcard {
		if strings.HasPrefix(topic, prefix) {
			for id := range set {
				seen[id] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

// Patterns returns a sorted copy of connID's pattern set.
func (r *Registry) Patterns(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patterns := make([]string, 0, len(r.byConn[connID]))
	for p := range r.byConn[connID] {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	return patterns
}

// Count returns the number of patterns held by connID.
func (r *Registry) Count(connID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn[connID])
}

// Subscribed reports whether any connection is subscribed at all, used by
// the broadcast path to skip encoding when there is no audience.
func (r *Registry) Subscribed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn) > 0
}

func (r *Registry) indexFor(pattern string) (map[string]map[string]struct{}, string) {
	if IsWildcard(pattern) {
		return r.wildcard, strings.TrimSuffix(pattern, "*")
	}
	return r.exact, pattern
}
