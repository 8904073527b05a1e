package providers

// ConsolidateMode controls how play counts fold when multiple raw entries
// collapse into one item.
type ConsolidateMode int

const (
	// HistoryMode sums play counts across entries, so ten watched episodes
	// of a series yield a series entry with PlayCount 10.
	HistoryMode ConsolidateMode = iota
	// FavoritesMode backfills a zero play count to 1 and never sums on
	// merge. Favorites endpoints are single-snapshot listings, not discrete
	// watch events; a favorited item still counts as watched at least once.
	FavoritesMode
)

// Accumulator folds raw provider entries into consolidated WatchedItems.
// Entries are keyed by Name, which is what collapses episodes into their
// parent series: adapters emit episodes under the series title. The key is
// case sensitive; providers are consistent about their own title casing and
// cross-provider dedup happens later at the database layer.
type Accumulator struct {
	mode  ConsolidateMode
	order []string
	items map[string]*WatchedItem
}

// NewAccumulator creates an empty accumulator for the given mode.
func NewAccumulator(mode ConsolidateMode) *Accumulator {
	return &Accumulator{
		mode:  mode,
		items: make(map[string]*WatchedItem),
	}
}

// Add folds one item into the accumulator. Items with an empty Name are
// dropped since they can never be matched or upserted.
func (a *Accumulator) Add(item WatchedItem) {
	if item.Name == "" {
		return
	}
	if a.mode == FavoritesMode && item.PlayCount == 0 {
		item.PlayCount = 1
	}

	existing, ok := a.items[item.Name]
	if !ok {
		copied := item
		a.items[item.Name] = &copied
		a.order = append(a.order, item.Name)
		return
	}

	if a.mode == FavoritesMode {
		// snapshot counts: keep the first known value
		if existing.PlayCount == 0 {
			existing.PlayCount = item.PlayCount
		}
	} else {
		existing.PlayCount += item.PlayCount
	}
	existing.IsFavorite = existing.IsFavorite || item.IsFavorite
	existing.LastPlayedAt = maxTimestamp(existing.LastPlayedAt, item.LastPlayedAt)
	if existing.ID == "" {
		existing.ID = item.ID
	}
	if existing.PosterURL == "" {
		existing.PosterURL = item.PosterURL
	}
}

// Items returns the consolidated items in first-seen order.
func (a *Accumulator) Items() []WatchedItem {
	out := make([]WatchedItem, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, *a.items[name])
	}
	return out
}

// Consolidate folds a raw slice through an extractor in one pass. The
// extractor returns the normalized item and whether to keep it, which lets
// adapters skip entries they cannot represent without breaking the fold.
func Consolidate[T any](mode ConsolidateMode, raw []T, extract func(T) (WatchedItem, bool)) []WatchedItem {
	acc := NewAccumulator(mode)
	for _, r := range raw {
		if item, ok := extract(r); ok {
			acc.Add(item)
		}
	}
	return acc.Items()
}

// Names projects consolidated items to their bare display titles,
// preserving order.
func Names(items []WatchedItem) []string {
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.Name)
	}
	return names
}

// maxTimestamp picks the later of two canonical timestamps. Both are UTC
// Z-suffixed so plain string comparison orders chronologically, and an
// empty string (unknown play time) always loses to a known one.
func maxTimestamp(a, b string) string {
	if b > a {
		return b
	}
	return a
}
