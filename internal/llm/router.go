package llm

import "sync"

// ModelRef binds a provider to one of its models.
type ModelRef struct {
	ProviderID string `json:"provider_id" yaml:"provider_id"`
	ModelID    string `json:"model_id" yaml:"model_id"`
}

// Route is the per-task-type primary/secondary model pair.
type Route struct {
	TaskType  string    `json:"task_type" yaml:"task_type"`
	Primary   ModelRef  `json:"primary" yaml:"primary"`
	Secondary *ModelRef `json:"secondary,omitempty" yaml:"secondary,omitempty"`
}

// Registry resolves routes by task type with a generic fallback route for
// unconfigured types. Routes may be replaced at runtime.
type Registry struct {
	mu       sync.RWMutex
	routes   map[string]Route
	fallback Route
}

// NewRegistry builds a registry with the given fallback route.
func NewRegistry(fallback Route) *Registry {
	return &Registry{
		routes:   make(map[string]Route),
		fallback: fallback,
	}
}

// SetRoute installs or replaces the route for its task type.
func (r *Registry) SetRoute(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route.TaskType] = route
}

// Resolve returns the route for taskType, or the fallback when none is
// configured.
func (r *Registry) Resolve(taskType string) Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if route, ok := r.routes[taskType]; ok {
		return route
	}
	route := r.fallback
	route.TaskType = taskType
	return route
}

// Routes returns a snapshot of all configured routes.
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	return out
}
