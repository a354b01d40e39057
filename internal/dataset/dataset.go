package dataset

import (
	"sort"
	"sync"
	"time"

	"github.com/ssuji15/ciwatch/internal/util"
	"github.com/ssuji15/ciwatch/model"
)

// ProviderEpoch is the earliest date the provider has data for.
var ProviderEpoch = time.Date(2019, 11, 1, 0, 0, 0, 0, time.UTC)

// Dataset is the deduplicated set of completed jobs. It is safe for concurrent use.
type Dataset struct {
	mu      sync.RWMutex
	jobs    []model.JobRecord
	index   map[int64]struct{}
	pending []model.JobRecord
}

// New builds a dataset from previously persisted records. Duplicate ids keep the first.
func New(jobs []model.JobRecord) *Dataset {
	d := &Dataset{
		jobs:  make([]model.JobRecord, 0, len(jobs)),
		index: make(map[int64]struct{}, len(jobs)),
	}
	for _, j := range jobs {
		if _, ok := d.index[j.ID]; ok {
			continue
		}
		d.index[j.ID] = struct{}{}
		d.jobs = append(d.jobs, j)
	}
	return d
}

// Merge adds the completed records of incoming whose id is not yet present and
// returns how many were added. Present ids are never overwritten.
func Merge(existing *Dataset, incoming []model.JobRecord) int {
	existing.mu.Lock()
	defer existing.mu.Unlock()

	added := 0
	for _, j := range incoming {
		if !j.IsCompleted() {
			continue
		}
		if _, ok := existing.index[j.ID]; ok {
			continue
		}
		existing.index[j.ID] = struct{}{}
		existing.jobs = append(existing.jobs, j)
		existing.pending = append(existing.pending, j)
		added++
	}
	return added
}

func (d *Dataset) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.jobs)
}

func (d *Dataset) Has(id int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.index[id]
	return ok
}

// Jobs returns a copy of all records sorted by created_at, records without one first.
func (d *Dataset) Jobs() []model.JobRecord {
	d.mu.RLock()
	out := make([]model.JobRecord, len(d.jobs))
	copy(out, d.jobs)
	d.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].CreatedAt, out[j].CreatedAt
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
	return out
}

// Pending returns records merged since the last MarkSaved.
func (d *Dataset) Pending() []model.JobRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.JobRecord, len(d.pending))
	copy(out, d.pending)
	return out
}

// MarkSaved drops the first n pending records once a store has persisted them.
func (d *Dataset) MarkSaved(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n = min(n, len(d.pending))
	d.pending = d.pending[n:]
}

// Latest is the most recent created_at in the dataset.
func (d *Dataset) Latest() (time.Time, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var latest time.Time
	found := false
	for _, j := range d.jobs {
		if j.CreatedAt == nil {
			continue
		}
		if !found || j.CreatedAt.After(latest) {
			latest = *j.CreatedAt
			found = true
		}
	}
	return latest, found
}

// ResumeCursor is the UTC start of the day holding the newest record, so the
// most recent day is always re-queried. An empty dataset resumes from lookback.
func ResumeCursor(existing *Dataset, lookback time.Time) time.Time {
	if existing == nil {
		return lookback
	}
	latest, ok := existing.Latest()
	if !ok {
		return lookback
	}
	return util.StartOfDay(latest)
}

// Lookback is the default start of collection: the start of the day `days` ago,
// or ProviderEpoch when all is set.
func Lookback(now time.Time, days int, all bool) time.Time {
	if all {
		return ProviderEpoch
	}
	return util.StartOfDay(now.AddDate(0, 0, -days))
}
