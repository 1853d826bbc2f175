package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/claim"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/heartbeat"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/runtime"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/ctxutil"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

type Options struct {
	Concurrency int
	// PollInterval is the idle wait between claim attempts of one loop.
	PollInterval time.Duration
	// TenantID restricts claims to one tenant's queue; empty claims from every tenant.
	TenantID string
	Name     string
}

type Worker struct {
	store    jobsrepo.JobStore
	claimer  *claim.Claimer
	keeper   *heartbeat.Keeper
	registry *runtime.Registry
	notify   runtime.Notifier
	log      *logger.Logger
	tracer   trace.Tracer
	opts     Options
}

func NewWorker(store jobsrepo.JobStore, claimer *claim.Claimer, keeper *heartbeat.Keeper, registry *runtime.Registry, notify runtime.Notifier, baseLog *logger.Logger, opts Options) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Name == "" {
		opts.Name = "worker"
	}
	if notify == nil {
		notify = runtime.NopNotifier{}
	}
	return &Worker{
		store:    store,
		claimer:  claimer,
		keeper:   keeper,
		registry: registry,
		notify:   notify,
		log:      baseLog.With("component", "JobWorker"),
		tracer:   otel.Tracer("bookgen/worker"),
		opts:     opts,
	}
}

// Start runs Concurrency poll loops until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.log.Info("Starting job worker pool", "concurrency", w.opts.Concurrency, "types", w.registry.Types())
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		loopID := fmt.Sprintf("%s-%d", w.opts.Name, i+1)
		g.Go(func() error {
			w.runLoop(gctx, loopID)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) runLoop(ctx context.Context, loopID string) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", loopID)
			return
		case <-ticker.C:
			// drain while there is work, then wait for the next tick
			for ctx.Err() == nil {
				ran, err := w.runOne(ctx, loopID)
				if err != nil {
					w.log.Warn("ClaimNext failed", "worker_id", loopID, "error", err)
					break
				}
				if !ran {
					break
				}
			}
		}
	}
}

// RunOnce claims at most one job, runs it to its next transition and returns. It reports whether a job
// was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	return w.runOne(ctx, w.opts.Name)
}

func (w *Worker) runOne(ctx context.Context, workerID string) (bool, error) {
	job, err := w.claimer.ClaimNext(ctx, claim.Filter{TenantID: w.opts.TenantID, Types: w.registry.Types()})
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.execute(ctx, job, workerID)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *types.Job, workerID string) {
	spanCtx, span := w.tracer.Start(ctx, "job."+string(job.Type), trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.type", string(job.Type)),
		attribute.String("book.id", job.BookID),
		attribute.String("book.version_id", job.BookVersionID),
		attribute.Int64("job.claim_epoch", job.ClaimEpoch),
	))
	defer span.End()
	spanCtx = ctxutil.With(spanCtx, ctxutil.Scope{
		TraceID:  span.SpanContext().TraceID().String(),
		TenantID: job.TenantID,
		JobID:    job.ID.String(),
	})
	jlog := w.log.With(append(ctxutil.LogFields(spanCtx), "worker_id", workerID, "job_type", string(job.Type))...)

	workCtx, stop := w.keeper.Keep(spanCtx, job)
	jc := runtime.NewContext(workCtx, job, w.store, w.notify, jlog)
	jc.Worker = workerID

	var runErr error
	if h, ok := w.registry.Get(job.Type); ok {
		runErr = safeRun(h, jc)
	} else {
		jlog.Warn("No handler registered for job_type")
		runErr = jc.Fail("dispatch", types.Permanent("unknown job type %q", job.Type))
	}

	if runErr != nil && !jc.Reported() && !leaseLost(workCtx, runErr) {
		if workCtx.Err() != nil {
			jlog.Warn("Job interrupted; left for stale reclaim", "error", runErr)
		} else if err := jc.Fail("run", runErr); err != nil {
			jlog.Error("Failed to record job failure", "error", err)
		}
	}

	lost := stop()
	switch {
	case lost != nil || leaseLost(workCtx, runErr):
		jlog.Warn("Job lease lost; result discarded")
		span.SetStatus(codes.Error, "lease lost")
	case runErr != nil:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	span.SetAttributes(attribute.String("job.status", string(job.Status)), attribute.String("job.stage", job.Stage))
}

func leaseLost(ctx context.Context, err error) bool {
	return errors.Is(err, runtime.ErrLeaseLost) || errors.Is(context.Cause(ctx), runtime.ErrLeaseLost)
}

// safeRun turns a handler panic into an error so the worker records it instead of crashing.
func safeRun(h runtime.Handler, jc *runtime.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{Val: r}
		}
	}()
	return h.Run(jc)
}

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
