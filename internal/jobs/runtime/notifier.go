package runtime

import types "github.com/yungbote/neurobridge-bookgen/internal/domain"

// Notifier is the realtime side channel for job transitions. The ledger in book_job_event is the
// durable record; notifications are best effort.
type Notifier interface {
	JobCreated(job *types.Job)
	JobProgress(job *types.Job, stage, message string)
	JobFailed(job *types.Job, stage, errorMessage string)
	JobDone(job *types.Job)
	JobDeadLettered(job *types.Job, reason string)
}

type NopNotifier struct{}

func (NopNotifier) JobCreated(*types.Job)                  {}
func (NopNotifier) JobProgress(*types.Job, string, string) {}
func (NopNotifier) JobFailed(*types.Job, string, string)   {}
func (NopNotifier) JobDone(*types.Job)                     {}
func (NopNotifier) JobDeadLettered(*types.Job, string)     {}
