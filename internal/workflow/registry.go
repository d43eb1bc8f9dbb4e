package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// FlowDef is the declarative form of a flow as written in the config file.
type FlowDef struct {
	Name    string    `json:"name"`
	Initial string    `json:"initial,omitempty"`
	Steps   []StepDef `json:"steps"`
}

// StepDef is the declarative form of a step.
type StepDef struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	Params    map[string]string `json:"params,omitempty"`
	Next      string            `json:"next,omitempty"`
	Requires  []string          `json:"requires,omitempty"`
	When      string            `json:"when,omitempty"` // "key", "!key" or "key=value"
	TimeoutMs int               `json:"timeout_ms,omitempty"`
	Retries   int               `json:"retries,omitempty"`
	OnError   *ActionDef        `json:"on_error,omitempty"`
}

// ActionDef names an action and its parameters. Used for recovery callbacks.
type ActionDef struct {
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

// Registry holds flows by name. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]*Flow
}

func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]*Flow)}
}

// Register adds or replaces a flow.
func (r *Registry) Register(f *Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[f.Name] = f
}

// Get returns the flow registered under name.
func (r *Registry) Get(name string) (*Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[name]
	return f, ok
}

// Names returns registered flow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.flows))
	for n := range r.flows {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Load builds every definition and registers them. Nothing is registered if any definition is invalid.
func (r *Registry) Load(defs []FlowDef, acts Actions) error {
	built := make([]*Flow, 0, len(defs))
	for _, d := range defs {
		f, err := BuildFlow(d, acts)
		if err != nil {
			return err
		}
		built = append(built, f)
	}
	for _, f := range built {
		r.Register(f)
	}
	return nil
}

// BuildFlow turns a definition into an executable flow.
func BuildFlow(def FlowDef, acts Actions) (*Flow, error) {
	steps := make([]*Step, 0, len(def.Steps))
	for _, sd := range def.Steps {
		run, consumes, err := acts.build(sd.ID, ActionDef{Action: sd.Action, Params: sd.Params})
		if err != nil {
			return nil, fmt.Errorf("flow %q step %q: %w", def.Name, sd.ID, err)
		}
		guard, err := parseGuard(sd.When)
		if err != nil {
			return nil, fmt.Errorf("flow %q step %q: %w", def.Name, sd.ID, err)
		}
		step := &Step{
			ID:            sd.ID,
			Requires:      sd.Requires,
			Guard:         guard,
			Timeout:       time.Duration(sd.TimeoutMs) * time.Millisecond,
			Retries:       sd.Retries,
			Run:           run,
			Next:          sd.Next,
			ConsumesInput: consumes,
		}
		if sd.OnError != nil {
			recoverRun, _, err := acts.build(sd.ID, *sd.OnError)
			if err != nil {
				return nil, fmt.Errorf("flow %q step %q on_error: %w", def.Name, sd.ID, err)
			}
			step.OnError = func(ctx context.Context, sc *StepContext, _ error) (map[string]any, error) {
				return recoverRun(ctx, sc)
			}
		}
		steps = append(steps, step)
	}
	return NewFlow(def.Name, def.Initial, steps...)
}

func parseGuard(expr string) (func(*StepContext) bool, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "":
		return nil, nil
	case strings.HasPrefix(expr, "!"):
		key := strings.TrimSpace(expr[1:])
		if key == "" {
			return nil, fmt.Errorf("invalid guard %q", expr)
		}
		return func(sc *StepContext) bool {
			_, ok := sc.Data(key)
			return !ok
		}, nil
	case strings.Contains(expr, "="):
		key, want, _ := strings.Cut(expr, "=")
		key, want = strings.TrimSpace(key), strings.TrimSpace(want)
		if key == "" {
			return nil, fmt.Errorf("invalid guard %q", expr)
		}
		return func(sc *StepContext) bool {
			v, ok := sc.Data(key)
			return ok && fmt.Sprint(v) == want
		}, nil
	default:
		return func(sc *StepContext) bool {
			_, ok := sc.Data(expr)
			return ok
		}, nil
	}
}
