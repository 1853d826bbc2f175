// Package handlers holds the leaf job handlers: the jobs that call the generation backend and write an
// artifact. Chapter and full-book jobs are handled by the orchestrator package.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/escalation"
	jobrt "github.com/yungbote/neurobridge-bookgen/internal/jobs/runtime"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/gcp"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/openai"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/promptstyle"
)

const DefaultGenerationTimeout = 3 * time.Minute

type Deps struct {
	Generator openai.Generator
	Artifacts gcp.ArtifactStore
	Policy    *escalation.Policy
	// Timeout bounds one generation call. Exceeding it is a timeout-class failure.
	Timeout time.Duration
	Log     *logger.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Timeout <= 0 {
		d.Timeout = DefaultGenerationTimeout
	}
	if d.Policy == nil {
		d.Policy = escalation.Default()
	}
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	return d
}

type prompt struct {
	system string
	user   string
	mode   string
}

/*
generate runs one generation call with the payload's escalation parameters.
Failure mapping:
	- the call outlives Timeout: timeout class
	- empty output: content_shape class
	- the worker's context was cancelled because the lease was lost: ErrLeaseLost, nothing is reported
Per-attempt diagnostics are recorded on the payload's runtime block either way.
*/
func generate(jc *jobrt.Context, d Deps, pr prompt) (string, error) {
	p := jc.Payload()
	esc := d.Policy.Normalize(p.Escalation)
	backend := d.Policy.Backend(esc.Level)
	if err := jc.Progress("generating", fmt.Sprintf("backend=%s max_tokens=%d", backend.Name, esc.MaxOutputTokens)); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(jc.Ctx, d.Timeout)
	defer cancel()
	start := time.Now().UTC()
	res, err := d.Generator.Generate(ctx, openai.Request{
		Backend:         backend.Name,
		Model:           backend.Model,
		System:          promptstyle.ApplySystem(pr.system, pr.mode),
		User:            pr.user,
		MaxOutputTokens: esc.MaxOutputTokens,
	})
	p.Runtime = &types.Runtime{
		Worker:        jc.Worker,
		Backend:       backend.Name,
		Model:         backend.Model,
		LastAttemptAt: &start,
		DurationMs:    time.Since(start).Milliseconds(),
	}
	if err != nil {
		if errors.Is(context.Cause(jc.Ctx), jobrt.ErrLeaseLost) {
			return "", jobrt.ErrLeaseLost
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && jc.Ctx.Err() == nil {
			return "", types.Classified(types.ClassTimeout, fmt.Errorf("generation timed out after %s: %w", d.Timeout, err))
		}
		return "", err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", types.Classified(types.ClassContentShape, errors.New("generator returned empty output"))
	}
	p.Runtime.OutputBytes = len(text)
	return text, nil
}

// report fails the job with err unless err means the lease is gone.
func report(jc *jobrt.Context, stage string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, jobrt.ErrLeaseLost) {
		return err
	}
	return jc.Fail(stage, err)
}

func identity(jc *jobrt.Context) (*types.Payload, error) {
	if err := jc.PayloadErr(); err != nil {
		return nil, types.Classified(types.ClassPermanent, err)
	}
	p := jc.Payload()
	if strings.TrimSpace(p.BookID) == "" {
		p.BookID = jc.Job.BookID
	}
	if strings.TrimSpace(p.BookVersionID) == "" {
		p.BookVersionID = jc.Job.BookVersionID
	}
	if p.ChapterIndex == nil && jc.Job.ChapterIndex != nil {
		p.ChapterIndex = types.IntPtr(*jc.Job.ChapterIndex)
	}
	if p.SectionIndex == nil && jc.Job.SectionIndex != nil {
		p.SectionIndex = types.IntPtr(*jc.Job.SectionIndex)
	}
	if p.BookID == "" || p.BookVersionID == "" {
		return nil, types.Permanent("job %s has no bookId/bookVersionId", jc.Job.ID)
	}
	return p, nil
}
