// Package registry tracks the set of known asset pairs and each pair's
// ordered MatchingRules, persisted so the matcher knows which order books
// to resurrect on restart.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dexmatcher/matcherd/pkg/matching"
	"github.com/dexmatcher/matcherd/pkg/order"
	"github.com/dexmatcher/matcherd/pkg/storage"
)

const keyPrefix = "pair:"

func pairKey(p order.Pair) []byte {
	return []byte(fmt.Sprintf("%s%s|%s", keyPrefix, p.AmountAsset, p.PriceAsset))
}

// MatchingRule binds a tick-size aggregation to the offset from which it
// takes effect.
type MatchingRule struct {
	StartOffset uint64
	Aggregation matching.Aggregation
}

type entry struct {
	Pair  order.Pair
	Rules []MatchingRule
}

// AssetPairRegistry is the persistent, thread-safe set of known pairs and
// their MatchingRules. RegisterPair is idempotent; SetMatchingRules
// replaces a pair's rule list wholesale.
type AssetPairRegistry struct {
	mu    sync.RWMutex
	pairs map[string]*entry
	store *storage.Store
}

func NewAssetPairRegistry(store *storage.Store) *AssetPairRegistry {
	return &AssetPairRegistry{
		pairs: make(map[string]*entry),
		store: store,
	}
}

// Load repopulates the registry from durable storage; called once at
// startup before the coordinator decides which order books to spawn.
func (r *AssetPairRegistry) Load() error {
	if r.store == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.ScanPrefix([]byte(keyPrefix), func(key, value []byte) error {
		var e entry
		if err := storage.DecodeGob(value, &e); err != nil {
			return fmt.Errorf("decode pair entry %q: %w", key, err)
		}
		r.pairs[e.Pair.String()] = &e
		return nil
	})
}

// RegisterPair adds pair with a single default rule starting at offset 0
// if it is not already known. Returns false if the pair already existed.
func (r *AssetPairRegistry) RegisterPair(pair order.Pair, defaultAgg matching.Aggregation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pairs[pair.String()]; exists {
		return false, nil
	}
	e := &entry{Pair: pair, Rules: []MatchingRule{{StartOffset: 0, Aggregation: defaultAgg}}}
	r.pairs[pair.String()] = e
	if err := r.persist(e); err != nil {
		delete(r.pairs, pair.String())
		return false, err
	}
	return true, nil
}

// SetMatchingRules replaces pair's rule list. rules must be non-empty and
// contain a rule at StartOffset 0 (or one is synthesized from the first
// entry, widened to cover offset 0).
func (r *AssetPairRegistry) SetMatchingRules(pair order.Pair, rules []MatchingRule) error {
	if len(rules) == 0 {
		return fmt.Errorf("registry: matching rules must be non-empty")
	}
	sorted := append([]MatchingRule(nil), rules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartOffset < sorted[j].StartOffset })
	if sorted[0].StartOffset != 0 {
		sorted[0].StartOffset = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.pairs[pair.String()]
	if !exists {
		return fmt.Errorf("registry: unknown pair %s", pair)
	}
	prev := e.Rules
	e.Rules = sorted
	if err := r.persist(e); err != nil {
		e.Rules = prev
		return err
	}
	return nil
}

func (r *AssetPairRegistry) persist(e *entry) error {
	if r.store == nil {
		return nil
	}
	val, err := storage.EncodeGob(e)
	if err != nil {
		return fmt.Errorf("encode pair entry: %w", err)
	}
	return r.store.Set(pairKey(e.Pair), val, true)
}

// Exists reports whether pair is known.
func (r *AssetPairRegistry) Exists(pair order.Pair) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pairs[pair.String()]
	return ok
}

// Pairs returns every known pair.
func (r *AssetPairRegistry) Pairs() []order.Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]order.Pair, 0, len(r.pairs))
	for _, e := range r.pairs {
		out = append(out, e.Pair)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// RulesFor returns the rule list for pair, or nil if unknown.
func (r *AssetPairRegistry) RulesFor(pair order.Pair) []MatchingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.pairs[pair.String()]
	if !ok {
		return nil
	}
	return append([]MatchingRule(nil), e.Rules...)
}

// AggregationAt returns the tick-size aggregation in effect for pair at
// offset: the rule with the largest StartOffset <= offset.
func (r *AssetPairRegistry) AggregationAt(pair order.Pair, offset uint64) (matching.Aggregation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.pairs[pair.String()]
	if !ok || len(e.Rules) == 0 {
		return matching.Aggregation{}, false
	}
	best := e.Rules[0]
	for _, rule := range e.Rules {
		if rule.StartOffset <= offset && rule.StartOffset >= best.StartOffset {
			best = rule
		}
	}
	return best.Aggregation, true
}

// Count returns the number of registered pairs.
func (r *AssetPairRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pairs)
}
