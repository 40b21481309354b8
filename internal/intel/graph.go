package intel

import (
	"strings"
)

// ConfidenceConfig holds the tunables for item scoring. All values are
// configuration with documented defaults; none are derived from a model.
type ConfidenceConfig struct {
	Base      float64 // starting confidence before the candidate's delta
	Increment float64 // added per corroborating re-sighting
	Floor     float64 // lower clamp for new items
	Cap       float64 // upper clamp; items at the cap stop refreshing last-seen
}

// DefaultConfidenceConfig returns the stock scoring tunables.
func DefaultConfidenceConfig() ConfidenceConfig {
	return ConfidenceConfig{
		Base:      0.50,
		Increment: 0.15,
		Floor:     0.10,
		Cap:       0.95,
	}
}

// Item is one deduplicated indicator within a session. Items are
// write-once-grow-only: confidence never decreases and items are never
// removed.
type Item struct {
	Value         string
	Type          IndicatorType
	NormalizedKey string
	Confidence    float64
	FirstSeenTurn int
	LastSeenTurn  int
	Sources       []Source
}

// Graph accumulates deduplicated indicators for one session. It is owned
// exclusively by its session; per-session turn ordering (enforced one level
// up) is what makes it safe without internal locking.
type Graph struct {
	items map[IndicatorType][]*Item
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{items: make(map[IndicatorType][]*Item)}
}

// MergeResult summarizes one ExtractAndMerge call for the session's stall
// bookkeeping.
type MergeResult struct {
	Candidates int
	NewItems   int
	Duplicates int
	NewTypes   []IndicatorType
}

// NormalizeKey canonicalizes a value for dedup. Numeric types strip all
// non-alphanumerics and lowercase; string types lowercase and trim.
func NormalizeKey(t IndicatorType, value string) string {
	if t.Numeric() {
		var b strings.Builder
		for _, r := range strings.ToLower(value) {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	return strings.ToLower(strings.TrimSpace(value))
}

// ExtractAndMerge folds candidates into the graph at the given turn.
//
// Re-sightings bump confidence by the fixed increment up to the cap and
// append unseen provenance. Once an item sits at the cap its last-seen turn
// stops advancing, so duplicate spam cannot keep stale evidence looking
// fresh and block stall finalization.
//
// Identical repeated input is idempotent apart from the confidence bump,
// which is itself capped: re-submitting a message never creates a second
// item and never regresses confidence.
func (g *Graph) ExtractAndMerge(candidates []Candidate, turn int, cfg ConfidenceConfig) MergeResult {
	res := MergeResult{Candidates: len(candidates)}

	for _, c := range candidates {
		if c.Type == TypeUnspecified || c.Value == "" {
			continue
		}
		key := NormalizeKey(c.Type, c.Value)
		if key == "" {
			continue
		}

		if existing := g.find(c.Type, key); existing != nil {
			res.Duplicates++
			g.corroborate(existing, c.Source, turn, cfg)
			continue
		}

		conf := clamp(cfg.Base+c.ConfidenceDelta, cfg.Floor, cfg.Cap)
		if len(g.items[c.Type]) == 0 {
			res.NewTypes = append(res.NewTypes, c.Type)
		}
		g.items[c.Type] = append(g.items[c.Type], &Item{
			Value:         c.Value,
			Type:          c.Type,
			NormalizedKey: key,
			Confidence:    conf,
			FirstSeenTurn: turn,
			LastSeenTurn:  turn,
			Sources:       []Source{c.Source},
		})
		res.NewItems++
	}

	return res
}

func (g *Graph) corroborate(it *Item, src Source, turn int, cfg ConfidenceConfig) {
	atCap := it.Confidence >= cfg.Cap
	if !atCap {
		it.Confidence = clamp(it.Confidence+cfg.Increment, cfg.Floor, cfg.Cap)
		if turn > it.LastSeenTurn {
			it.LastSeenTurn = turn
		}
	}
	if !hasSource(it.Sources, src) {
		it.Sources = append(it.Sources, src)
	}
}

func (g *Graph) find(t IndicatorType, key string) *Item {
	for _, it := range g.items[t] {
		if it.NormalizedKey == key {
			return it
		}
	}
	return nil
}

// TypeCount returns the number of distinct indicator types holding at least
// one item.
func (g *Graph) TypeCount() int {
	n := 0
	for _, items := range g.items {
		if len(items) > 0 {
			n++
		}
	}
	return n
}

// ItemCount returns the total number of items across all types.
func (g *Graph) ItemCount() int {
	n := 0
	for _, items := range g.items {
		n += len(items)
	}
	return n
}

// Has reports whether the graph holds at least one item of the given type.
func (g *Graph) Has(t IndicatorType) bool {
	return len(g.items[t]) > 0
}

// Count returns the number of items of the given type.
func (g *Graph) Count(t IndicatorType) int {
	return len(g.items[t])
}

// Items returns the items of the given type in insertion order. The returned
// slice shares no backing array with graph state.
func (g *Graph) Items(t IndicatorType) []Item {
	out := make([]Item, 0, len(g.items[t]))
	for _, it := range g.items[t] {
		out = append(out, *it)
	}
	return out
}

// Types returns the types that hold at least one item, in a fixed enum order.
func (g *Graph) Types() []IndicatorType {
	all := []IndicatorType{
		TypePhone, TypePaymentHandle, TypeBankAccount, TypeEmail,
		TypeRoutingCode, TypeLink, TypeCryptoWallet, TypeVerificationCode,
	}
	var out []IndicatorType
	for _, t := range all {
		if g.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// Flatten returns every item across all types in fixed type order.
func (g *Graph) Flatten() []Item {
	var out []Item
	for _, t := range g.Types() {
		out = append(out, g.Items(t)...)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func hasSource(sources []Source, s Source) bool {
	for _, have := range sources {
		if have == s {
			return true
		}
	}
	return false
}
