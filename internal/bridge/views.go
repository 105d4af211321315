package bridge

import "github.com/cuongbtq/stl-import/internal/registry"

// ActiveImportView is the page's projection of one server job. The job
// tracker stays authoritative.
type ActiveImportView struct {
	ID       string
	Job      *registry.Job
	Source   string
	Progress int
}

func newView(job *registry.Job, source string) ActiveImportView {
	return ActiveImportView{
		ID:       job.ID,
		Job:      job,
		Source:   source,
		Progress: job.Progress(),
	}
}

// apply moves the view to job unless job is older than what the view holds
func (v *ActiveImportView) apply(job *registry.Job) bool {
	if job == nil || job.ID != v.ID {
		return false
	}
	if v.Job != nil && rank(job.Status) < rank(v.Job.Status) {
		return false
	}
	v.Job = job
	v.Progress = job.Progress()
	return true
}

func rank(s registry.Status) int {
	switch s {
	case registry.StatusPending:
		return 0
	case registry.StatusDownloading:
		return 1
	case registry.StatusProcessing:
		return 2
	case registry.StatusCompleted, registry.StatusFailed:
		return 3
	default:
		return -1
	}
}
