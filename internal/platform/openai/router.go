package openai

import (
	"context"
	"strings"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

type BackendConfig struct {
	Name  string
	Model string
}

// Router dispatches a request to the backend it names.
type Router struct {
	log      *logger.Logger
	backends map[string]Generator
	missing  string
}

func NewRouter(log *logger.Logger, backends map[string]Generator) *Router {
	return &Router{log: log.With("component", "GenerationRouter"), backends: backends}
}

// NewRouterFromConfig builds one SDK client per backend sharing cfg. Without an API key the router
// exists but every call fails permanently, so the API and operator commands still run.
func NewRouterFromConfig(log *logger.Logger, cfg Config, backends []BackendConfig) *Router {
	r := NewRouter(log, map[string]Generator{})
	if strings.TrimSpace(cfg.APIKey) == "" {
		r.missing = "OPENAI_API_KEY not configured"
		r.log.Warn("generation disabled", "reason", r.missing)
		return r
	}
	for _, b := range backends {
		r.backends[b.Name] = NewClient(log, b.Name, b.Model, cfg)
	}
	return r
}

func (r *Router) Generate(ctx context.Context, req Request) (Result, error) {
	if r.missing != "" {
		return Result{}, types.Permanent("generation backend %q: %s", req.Backend, r.missing)
	}
	g, ok := r.backends[req.Backend]
	if !ok {
		return Result{}, types.Permanent("generation backend %q not configured", req.Backend)
	}
	return g.Generate(ctx, req)
}
