package runtime

import (
	"fmt"
	"sync"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
)

type Handler interface {
	Type() types.JobType
	Run(ctx *Context) error
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[types.JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[types.JobType]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if !t.Valid() {
		return fmt.Errorf("handler Type() %q is not a job type", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(jobType types.JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists the registered job types; the worker claims only these.
func (r *Registry) Types() []types.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
