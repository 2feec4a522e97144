package executor

import (
	"log/slog"
	"sort"

	"github.com/me/dispatchq/pkg/model"
)

// Registry maps spec kinds to their factories.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	factories map[string]Factory
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.With("component", "executor-registry"),
	}
}

// NewDefaultRegistry registers every built-in backend. Commands and
// containers run in workDir.
func NewDefaultRegistry(workDir string, logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(NewLocalFactory(workDir, logger))
	r.Register(NewDockerFactory(workDir, logger))
	r.Register(NewScriptFactory(logger))
	r.Register(NewSleepFactory())
	return r
}

// Register adds a Factory to the registry, keyed by its Kind().
func (r *Registry) Register(f Factory) {
	k := f.Kind()
	r.factories[k] = f
	r.logger.Info("executor registered", "kind", k)
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build looks up the factory for spec.Kind and builds an executor.
func (r *Registry) Build(taskID string, spec model.ExecutorSpec) (model.Executor, error) {
	if spec.Kind == "" {
		return nil, specError(taskID, "kind", "required")
	}
	f, ok := r.factories[spec.Kind]
	if !ok {
		return nil, specError(taskID, "kind", "no executor registered for kind "+spec.Kind)
	}
	return f.Build(taskID, spec)
}
