package dataset

import (
	"slices"
	"time"
)

// Dataset is the deduplicated article collection of one site.
type Dataset struct {
	Articles []Article
}

// KnownIDSet holds the article ids already stored for a site.
type KnownIDSet map[int64]struct{}

// Has reports whether id is known.
func (k KnownIDSet) Has(id int64) bool {
	_, ok := k[id]
	return ok
}

// Len returns the number of stored articles.
func (d *Dataset) Len() int {
	return len(d.Articles)
}

// KnownIDs builds the id set of the dataset.
func (d *Dataset) KnownIDs() KnownIDSet {
	ids := make(KnownIDSet, len(d.Articles))
	for _, a := range d.Articles {
		ids[a.ID] = struct{}{}
	}
	return ids
}

// Merge returns the union of existing and incoming by id, sorted by date,
// and the number of incoming articles that were added. Entries already in
// existing are kept unchanged; an incoming article with a stored id is
// discarded, as is a repeated id within incoming.
func Merge(existing *Dataset, incoming []Article) (*Dataset, int) {
	var base []Article
	if existing != nil {
		base = existing.Articles
	}

	seen := make(map[int64]struct{}, len(base)+len(incoming))
	merged := make([]Article, 0, len(base)+len(incoming))

	for _, a := range base {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		merged = append(merged, a)
	}

	added := 0
	for _, a := range incoming {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		merged = append(merged, a)
		added++
	}

	out := &Dataset{Articles: merged}
	out.Sort()
	return out, added
}

// Sort orders articles by date ascending. The sort is stable and articles
// with unparsable dates come first.
func (d *Dataset) Sort() {
	type keyed struct {
		t  time.Time
		ok bool
		a  Article
	}

	items := make([]keyed, len(d.Articles))
	for i, a := range d.Articles {
		t, ok := a.Time()
		items[i] = keyed{t: t, ok: ok, a: a}
	}

	slices.SortStableFunc(items, func(x, y keyed) int {
		switch {
		case !x.ok && !y.ok:
			return 0
		case !x.ok:
			return -1
		case !y.ok:
			return 1
		default:
			return x.t.Compare(y.t)
		}
	})

	for i := range items {
		d.Articles[i] = items[i].a
	}
}

// IsSorted reports whether the articles are in non-decreasing date order,
// with unparsable dates first.
func (d *Dataset) IsSorted() bool {
	var prev time.Time
	parsedSeen := false
	for _, a := range d.Articles {
		t, ok := a.Time()
		if !ok {
			if parsedSeen {
				return false
			}
			continue
		}
		if parsedSeen && t.Before(prev) {
			return false
		}
		prev = t
		parsedSeen = true
	}
	return true
}
