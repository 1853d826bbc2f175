package domain

import (
	"github.com/yungbote/neurobridge-bookgen/internal/domain/jobs"
)

type (
	Job          = jobs.Job
	JobType      = jobs.JobType
	JobStatus    = jobs.Status
	JobEvent     = jobs.JobEvent
	JobEventKind = jobs.JobEventKind
	Payload      = jobs.Payload
	Escalation   = jobs.Escalation
	Runtime      = jobs.Runtime
	FixState     = jobs.FixState
	FixEntry     = jobs.FixEntry
	ErrorClass   = jobs.ErrorClass
)

const (
	JobTypeChapter  = jobs.TypeChapter
	JobTypeSection  = jobs.TypeSection
	JobTypeIndex    = jobs.TypeIndex
	JobTypeGlossary = jobs.TypeGlossary
	JobTypeFull     = jobs.TypeFull

	JobStatusQueued     = jobs.StatusQueued
	JobStatusProcessing = jobs.StatusProcessing
	JobStatusDone       = jobs.StatusDone
	JobStatusFailed     = jobs.StatusFailed
	JobStatusDeadLetter = jobs.StatusDeadLetter
	JobStatusStale      = jobs.StatusStale

	ClassTimeout      = jobs.ClassTimeout
	ClassTransient    = jobs.ClassTransient
	ClassContentShape = jobs.ClassContentShape
	ClassPermanent    = jobs.ClassPermanent
	ClassUnknown      = jobs.ClassUnknown

	JobEventCreated         = jobs.JobEventCreated
	JobEventClaimed         = jobs.JobEventClaimed
	JobEventProgress        = jobs.JobEventProgress
	JobEventYielded         = jobs.JobEventYielded
	JobEventFailed          = jobs.JobEventFailed
	JobEventDone            = jobs.JobEventDone
	JobEventDeadLettered    = jobs.JobEventDeadLettered
	JobEventStale           = jobs.JobEventStale
	JobEventReset           = jobs.JobEventReset
	JobEventAutofixRequeued = jobs.JobEventAutofixRequeued
	JobEventAutofixHalted   = jobs.JobEventAutofixHalted
)

var (
	ChapterKey    = jobs.ChapterKey
	DecodePayload = jobs.DecodePayload
	NewJobEvent   = jobs.NewJobEvent
	Classified    = jobs.Classified
	Permanent     = jobs.Permanent
	ClassOf       = jobs.ClassOf
	IntPtr        = jobs.IntPtr
)

type ClassifiedError = jobs.ClassifiedError
