package services

import (
	"context"
	"time"

	"github.com/yungbote/neurobridge-bookgen/internal/clients/redis"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/runtime"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

const (
	EventJobCreated      = "job_created"
	EventJobProgress     = "job_progress"
	EventJobFailed       = "job_failed"
	EventJobDone         = "job_done"
	EventJobDeadLettered = "job_dead_lettered"

	publishTimeout = 2 * time.Second
)

type jobNotifier struct {
	bus redis.JobEventBus
	log *logger.Logger
}

// NewJobNotifier publishes job transitions on the event bus. A nil bus gives a notifier that drops
// everything, for deployments without Redis.
func NewJobNotifier(bus redis.JobEventBus, baseLog *logger.Logger) runtime.Notifier {
	if bus == nil {
		return runtime.NopNotifier{}
	}
	return &jobNotifier{bus: bus, log: baseLog.With("service", "JobNotifier")}
}

func (n *jobNotifier) JobCreated(job *types.Job) {
	n.publish(redis.NewJobEventMessage(EventJobCreated, job, ""))
}

func (n *jobNotifier) JobProgress(job *types.Job, stage, message string) {
	msg := redis.NewJobEventMessage(EventJobProgress, job, message)
	msg.Stage = stage
	n.publish(msg)
}

func (n *jobNotifier) JobFailed(job *types.Job, stage, errorMessage string) {
	msg := redis.NewJobEventMessage(EventJobFailed, job, errorMessage)
	msg.Stage = stage
	n.publish(msg)
}

func (n *jobNotifier) JobDone(job *types.Job) {
	n.publish(redis.NewJobEventMessage(EventJobDone, job, ""))
}

func (n *jobNotifier) JobDeadLettered(job *types.Job, reason string) {
	n.publish(redis.NewJobEventMessage(EventJobDeadLettered, job, reason))
}

func (n *jobNotifier) publish(msg redis.JobEventMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := n.bus.Publish(ctx, msg); err != nil {
		n.log.Warn("job event publish failed", "event", msg.Event, "job_id", msg.JobID, "error", err)
	}
}
