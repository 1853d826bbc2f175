package escalation

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/envutil"
)

//go:embed policy.yaml
var defaultPolicyYAML []byte

type Backend struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
}

type Policy struct {
	Backends               []Backend `yaml:"backends"`
	DefaultMaxOutputTokens int       `yaml:"default_max_output_tokens"`
	MinOutputTokens        int       `yaml:"min_output_tokens"`
	BudgetReductionFactor  float64   `yaml:"budget_reduction_factor"`
	UnchangedRetries       int       `yaml:"unchanged_retries"`
	ContentShapeEscalateAt int       `yaml:"content_shape_escalate_at"`
	TimeoutEscalateAt      int       `yaml:"timeout_escalate_at"`
	MaxSectionAttempts     int       `yaml:"max_section_attempts"`
}

// Load reads the embedded policy, or the file named by ESCALATION_POLICY_YAML when set.
func Load() (*Policy, error) {
	raw := defaultPolicyYAML
	if path := strings.TrimSpace(envutil.String("ESCALATION_POLICY_YAML", "")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read escalation policy %s: %w", path, err)
		}
		raw = b
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse escalation policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Default is the embedded policy. It panics only if the embedded file is broken.
func Default() *Policy {
	p, err := Parse(defaultPolicyYAML)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Policy) validate() error {
	if len(p.Backends) == 0 {
		return fmt.Errorf("escalation policy: no backends")
	}
	seen := map[string]bool{}
	for i, b := range p.Backends {
		if strings.TrimSpace(b.Name) == "" || strings.TrimSpace(b.Model) == "" {
			return fmt.Errorf("escalation policy: backend %d needs name and model", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("escalation policy: duplicate backend %q", b.Name)
		}
		seen[b.Name] = true
	}
	if p.DefaultMaxOutputTokens <= 0 {
		return fmt.Errorf("escalation policy: default_max_output_tokens must be positive")
	}
	if p.MinOutputTokens <= 0 || p.MinOutputTokens > p.DefaultMaxOutputTokens {
		return fmt.Errorf("escalation policy: min_output_tokens must be in (0, default_max_output_tokens]")
	}
	if p.BudgetReductionFactor <= 0 || p.BudgetReductionFactor >= 1 {
		return fmt.Errorf("escalation policy: budget_reduction_factor must be in (0, 1)")
	}
	if p.ContentShapeEscalateAt <= 0 {
		p.ContentShapeEscalateAt = 2
	}
	if p.TimeoutEscalateAt <= 0 {
		p.TimeoutEscalateAt = 2
	}
	if p.MaxSectionAttempts <= 0 {
		p.MaxSectionAttempts = 5
	}
	if p.UnchangedRetries < 0 {
		p.UnchangedRetries = 0
	}
	return nil
}

// Backend returns the ladder entry for a level, clamped to the ladder.
func (p *Policy) Backend(level int) Backend {
	return p.Backends[p.clampLevel(level)]
}

// BackendByName finds a ladder entry.
func (p *Policy) BackendByName(name string) (Backend, bool) {
	for _, b := range p.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return Backend{}, false
}

func (p *Policy) clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level >= len(p.Backends) {
		return len(p.Backends) - 1
	}
	return level
}

// Normalize fills defaults into an escalation state; a nil state is the bottom of the ladder at full budget.
func (p *Policy) Normalize(cur *types.Escalation) types.Escalation {
	var e types.Escalation
	if cur != nil {
		e = *cur
	}
	e.Level = p.clampLevel(e.Level)
	e.Backend = p.Backends[e.Level].Name
	if e.MaxOutputTokens <= 0 || e.MaxOutputTokens > p.DefaultMaxOutputTokens {
		e.MaxOutputTokens = p.DefaultMaxOutputTokens
	}
	if e.MaxOutputTokens < p.MinOutputTokens {
		e.MaxOutputTokens = p.MinOutputTokens
	}
	return e
}

// Escalate computes the parameters for the next attempt after failure number failures (1-based) of the
// given class. The result never has a lower level or a larger budget than cur.
func (p *Policy) Escalate(cur *types.Escalation, class types.ErrorClass, failures int) types.Escalation {
	base := p.Normalize(cur)
	next := base
	next.LastClass = string(class)

	switch class {
	case types.ClassTimeout:
		next.MaxOutputTokens = p.reduce(base.MaxOutputTokens)
		if next.MaxOutputTokens < base.MaxOutputTokens {
			next.BudgetReductions++
		}
		if failures >= p.TimeoutEscalateAt {
			next.Level++
		}
	case types.ClassContentShape:
		if failures >= p.ContentShapeEscalateAt {
			next.Level++
		}
	case types.ClassPermanent:
		// never retried; parameters are irrelevant
	default:
		if failures > p.UnchangedRetries {
			next.Level++
		}
	}

	next.Level = p.clampLevel(next.Level)
	if next.Level < base.Level {
		next.Level = base.Level
	}
	if next.MaxOutputTokens > base.MaxOutputTokens {
		next.MaxOutputTokens = base.MaxOutputTokens
	}
	next.Backend = p.Backends[next.Level].Name
	return next
}

func (p *Policy) reduce(tokens int) int {
	reduced := int(math.Floor(float64(tokens) * p.BudgetReductionFactor))
	if reduced < p.MinOutputTokens {
		reduced = p.MinOutputTokens
	}
	return reduced
}

type Action string

const (
	ActionRetry      Action = "retry"
	ActionDeadLetter Action = "dead_letter"
	ActionAbort      Action = "abort"
)

type Decision struct {
	Action     Action
	Escalation types.Escalation
	Reason     string
}

// Decide is the per-section retry decision: permanent failures abort, the attempt bound dead-letters,
// everything else retries with escalated parameters.
func (p *Policy) Decide(cur *types.Escalation, class types.ErrorClass, failures int) Decision {
	if class == types.ClassPermanent {
		return Decision{Action: ActionAbort, Escalation: p.Normalize(cur), Reason: "permanent failure"}
	}
	if failures >= p.MaxSectionAttempts {
		return Decision{
			Action:     ActionDeadLetter,
			Escalation: p.Normalize(cur),
			Reason:     fmt.Sprintf("section failed %d times", failures),
		}
	}
	return Decision{Action: ActionRetry, Escalation: p.Escalate(cur, class, failures)}
}
