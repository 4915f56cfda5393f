package engine

import (
	"context"
	"sync"

	"github.com/arbornet/arbor/pkg/schema"
)

// Worker executes one action's skill on behalf of the engine. Workers are
// external capability providers (agents, shell commands, services); the
// engine never interprets a skill itself.
type Worker interface {
	// ID identifies the worker. Action nodes select a worker by setting
	// their agent field to this ID.
	ID() string

	// Execute performs the skill and reports a business outcome. An error
	// return means infrastructure failure, not a failed skill.
	Execute(ctx context.Context, req *schema.WorkRequest) (*schema.WorkResult, error)
}

// WorkerRegistry resolves action nodes to workers by agent ID, with an
// optional default for nodes that name no agent.
type WorkerRegistry struct {
	mu        sync.RWMutex
	workers   map[string]Worker
	defaultID string
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{workers: make(map[string]Worker)}
}

// Register adds a worker. The first registered worker becomes the default
// unless SetDefault overrides it.
func (r *WorkerRegistry) Register(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.workers) == 0 && r.defaultID == "" {
		r.defaultID = w.ID()
	}
	r.workers[w.ID()] = w
}

// SetDefault names the worker used for actions without an agent field.
func (r *WorkerRegistry) SetDefault(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultID = id
}

// Resolve returns the worker for the given agent ID, falling back to the
// default when the ID is empty.
func (r *WorkerRegistry) Resolve(agentID string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id := agentID
	if id == "" {
		id = r.defaultID
	}
	w, ok := r.workers[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeWorker, "no worker registered for agent %q", agentID)
	}
	return w, nil
}

// IDs lists the registered worker IDs.
func (r *WorkerRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	return ids
}

// WorkerFunc adapts a function into a Worker.
type WorkerFunc struct {
	Name string
	Fn   func(ctx context.Context, req *schema.WorkRequest) (*schema.WorkResult, error)
}

func (w WorkerFunc) ID() string { return w.Name }

func (w WorkerFunc) Execute(ctx context.Context, req *schema.WorkRequest) (*schema.WorkResult, error) {
	return w.Fn(ctx, req)
}
