package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Payload is the JSON document stored on every job. Chapter jobs keep their orchestration cursor here,
// generation jobs keep their escalation parameters, and the full-book job keeps its fan-out phase.
type Payload struct {
	BookID        string `json:"bookId"`
	BookVersionID string `json:"bookVersionId"`
	ChapterIndex  *int   `json:"chapterIndex,omitempty"`
	SectionIndex  *int   `json:"sectionIndex,omitempty"`
	Title         string `json:"title,omitempty"`

	SectionCount               int        `json:"sectionCount,omitempty"`
	NextSectionIndex           int        `json:"nextSectionIndex,omitempty"`
	PendingSectionJobID        string     `json:"pendingSectionJobId,omitempty"`
	OrchestratorAttempts       int        `json:"orchestratorAttempts,omitempty"`
	AttemptsAtCurrentSection   int        `json:"attemptsAtCurrentSection,omitempty"`
	OrchestratorLastProgressAt *time.Time `json:"orchestratorLastProgressAt,omitempty"`

	ChapterCount int    `json:"chapterCount,omitempty"`
	Phase        string `json:"phase,omitempty"`

	Escalation *Escalation `json:"escalation,omitempty"`

	// Runtime holds per-attempt diagnostics. It is dropped whenever a job is re-queued.
	Runtime *Runtime `json:"runtime,omitempty"`
}

// Escalation is the generation parameter state carried across retries. Level indexes the backend
// ladder and never decreases; MaxOutputTokens never increases.
type Escalation struct {
	Level            int    `json:"level"`
	Backend          string `json:"backend,omitempty"`
	MaxOutputTokens  int    `json:"maxOutputTokens,omitempty"`
	BudgetReductions int    `json:"budgetReductions,omitempty"`
	LastClass        string `json:"lastClass,omitempty"`
}

type Runtime struct {
	Worker        string     `json:"worker,omitempty"`
	Backend       string     `json:"backend,omitempty"`
	Model         string     `json:"model,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	DurationMs    int64      `json:"durationMs,omitempty"`
	OutputBytes   int        `json:"outputBytes,omitempty"`
	ArtifactPath  string     `json:"artifactPath,omitempty"`
}

func DecodePayload(raw datatypes.JSON) (Payload, error) {
	var p Payload
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode job payload: %w", err)
	}
	return p, nil
}

func (p Payload) Encode() (datatypes.JSON, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	return datatypes.JSON(b), nil
}

// StripRuntime drops transient per-attempt fields so a re-queued job starts clean.
func (p *Payload) StripRuntime() {
	p.Runtime = nil
}

// CursorComplete reports whether a chapter payload has visited every section.
func (p Payload) CursorComplete() bool {
	return p.SectionCount > 0 && p.NextSectionIndex >= p.SectionCount && p.PendingSectionJobID == ""
}
