package registry

import (
	"sort"
	"time"
)

// Cursor marks the last job of a page
type Cursor struct {
	ImportedAt time.Time
	ID         string
}

// ListFilter selects jobs for List. Zero values match everything.
type ListFilter struct {
	Status Status
	Source string
	// Limit caps the result; 0 means no cap
	Limit int
	After *Cursor
}

// List returns snapshots newest first, ordered by (ImportedAt, ID) descending
func (r *Registry) List(filter ListFilter) []*Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	jobs := make([]*Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		job := e.job.clone()
		e.mu.Unlock()

		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Source != "" && job.Source != filter.Source {
			continue
		}
		if filter.After != nil && !olderThan(job, filter.After) {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return olderThan(jobs[j], &Cursor{ImportedAt: jobs[i].ImportedAt, ID: jobs[i].ID})
	})

	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs
}

// olderThan reports whether job sorts after c in newest-first order
func olderThan(job *Job, c *Cursor) bool {
	if job.ImportedAt.Equal(c.ImportedAt) {
		return job.ID < c.ID
	}
	return job.ImportedAt.Before(c.ImportedAt)
}
