package pipeline

import "github.com/aluiziolira/go-scrape-actors/models"

// Accumulator is the run's identifier-keyed record set. Iteration order is
// first-sighting order; entries are never replaced or removed.
//
// It is owned by a single harvest loop and is not safe for concurrent use.
type Accumulator struct {
	order []string
	byID  map[string]models.Record
}

// NewAccumulator returns an empty accumulation.
func NewAccumulator() *Accumulator {
	return &Accumulator{byID: make(map[string]models.Record)}
}

// Merge inserts every record whose identifier has not been seen yet, in
// batch order, and returns how many were inserted. Repeat sightings are
// discarded: the page only appends records, it never edits them.
func (a *Accumulator) Merge(batch []models.Record) int {
	inserted := 0
	for _, r := range batch {
		if r.Identifier == "" {
			continue
		}
		if _, ok := a.byID[r.Identifier]; ok {
			continue
		}
		a.byID[r.Identifier] = r
		a.order = append(a.order, r.Identifier)
		inserted++
	}
	return inserted
}

// Seed loads records from an earlier run. Seeded records count as earlier
// sightings, so the same first-write-wins rule applies.
func (a *Accumulator) Seed(records []models.Record) int {
	return a.Merge(records)
}

// Len returns the number of distinct records.
func (a *Accumulator) Len() int {
	return len(a.order)
}

// Get returns the record stored for id.
func (a *Accumulator) Get(id string) (models.Record, bool) {
	r, ok := a.byID[id]
	return r, ok
}

// Records returns a copy of the accumulation in first-sighting order.
func (a *Accumulator) Records() []models.Record {
	out := make([]models.Record, len(a.order))
	for i, id := range a.order {
		out[i] = a.byID[id]
	}
	return out
}
