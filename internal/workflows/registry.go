package workflows

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Binder attaches runnable actions to system action steps.
type Binder interface {
	Bind(step *flow.Step) error
}

// Summary describes a registered workflow for listings.
type Summary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Steps       int      `json:"steps"`
	Source      string   `json:"source,omitempty"`
}

type entry struct {
	def    *schema.WorkflowDefinition
	wf     *flow.Workflow
	source string
}

// Registry holds validated, compiled workflows by id. Registered workflows
// are read-only and shared by every caller.
type Registry struct {
	validator *validation.WorkflowValidator
	binder    Binder
	loader    *Loader
	logger    *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates a Registry. binder may be nil, in which case actions
// are bound lazily by the engines.
func NewRegistry(validator *validation.WorkflowValidator, binder Binder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		validator: validator,
		binder:    binder,
		loader:    NewLoader(),
		logger:    logger,
		entries:   make(map[string]*entry),
	}
}

// Register validates def, compiles it and binds its actions. Warnings are
// returned alongside a successful registration.
func (r *Registry) Register(def *schema.WorkflowDefinition, source string) (*schema.ValidationResult, error) {
	result := &schema.ValidationResult{}
	if r.validator != nil {
		result = r.validator.Validate(def)
		if err := result.ToError(); err != nil {
			return result, err
		}
	} else if def == nil {
		return result, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	wf := Compile(def)
	if err := wf.Validate(); err != nil {
		return result, err
	}
	if r.binder != nil {
		for _, id := range wf.StepIDs() {
			if err := r.binder.Bind(wf.Steps[id]); err != nil {
				return result, schema.AsFlowError(err, schema.ErrCodeValidation)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[def.ID]; ok {
		return result, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already registered from %s", def.ID, prev.source)
	}
	r.entries[def.ID] = &entry{def: def, wf: wf, source: source}

	for _, w := range result.Warnings {
		r.logger.Warn("workflow warning", slog.String("workflow_id", def.ID), slog.String("issue", w.String()))
	}
	r.logger.Debug("workflow registered", slog.String("workflow_id", def.ID), slog.String("source", source))
	return result, nil
}

// LoadBuiltins registers the workflows shipped with stepflow.
func (r *Registry) LoadBuiltins() error {
	defs, err := r.loader.LoadFS(builtinFS, builtinDir)
	if err != nil {
		return err
	}
	return r.registerAll(defs, "builtin:")
}

// LoadDir registers every definition file under dir.
func (r *Registry) LoadDir(dir string) error {
	defs, err := r.loader.LoadDir(dir)
	if err != nil {
		return err
	}
	return r.registerAll(defs, dir+"/")
}

func (r *Registry) registerAll(defs map[string]*schema.WorkflowDefinition, prefix string) error {
	paths := make([]string, 0, len(defs))
	for p := range defs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if _, err := r.Register(defs[p], prefix+p); err != nil {
			return err
		}
	}
	return nil
}

// Workflow returns the compiled workflow with the given id.
func (r *Registry) Workflow(id string) (*flow.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return e.wf, nil
}

// Definition returns the source definition of a workflow.
func (r *Registry) Definition(id string) (*schema.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return e.def, nil
}

// Workflows returns every compiled workflow, sorted by id.
func (r *Registry) Workflows() []*flow.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*flow.Workflow, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List summarizes the registered workflows, sorted by id.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Summary{
			ID:          id,
			Name:        e.def.Name,
			Description: e.def.Description,
			Keywords:    e.def.Keywords,
			Steps:       len(e.def.Steps),
			Source:      e.source,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered workflows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
