package scheduler

import (
	"sort"

	"github.com/rinsane/distbuild/pkg/types"
)

// sortJobsBySubmission orders jobs oldest-first so the assignment pass
// serves them in FIFO order (spec §4.2b: "in submission order").
func sortJobsBySubmission(jobs []*types.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt < jobs[j].SubmittedAt
	})
}

// sortJobsBySubmissionDescending orders jobs newest-first, the order
// ListJobs returns snapshots in (spec §4.2a/P7).
func sortJobsBySubmissionDescending(jobs []*types.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt > jobs[j].SubmittedAt
	})
}

// sortWorkersByLoad orders workers least-loaded first so jobs spread evenly
// across the pool rather than piling onto whichever worker registered
// first.
func sortWorkersByLoad(workers []*types.Worker) {
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].ActiveJobs < workers[j].ActiveJobs
	})
}
