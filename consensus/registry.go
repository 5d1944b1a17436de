package consensus

import (
	"fmt"
	"sort"
	"sync"
)

type (
	RoleFactory       func(e *Entity) (RoleStrategy, error)
	PipelineFactory   func(e *Entity) (Pipeline, error)
	MessageFactory    func(e *Entity) (MessagePlugin, error)
	TransitionFactory func(e *Entity) (TransitionPlugin, error)
)

// Registry maps configuration names to plugin constructors. Entities resolve
// their plugins once, when they are built.
type Registry struct {
	mu          sync.RWMutex
	roles       map[string]RoleFactory
	pipelines   map[string]PipelineFactory
	messages    map[string]MessageFactory
	transitions map[string]TransitionFactory
}

// NewRegistry returns a registry holding the built-in plugins.
func NewRegistry() *Registry {
	r := &Registry{
		roles:       make(map[string]RoleFactory),
		pipelines:   make(map[string]PipelineFactory),
		messages:    make(map[string]MessageFactory),
		transitions: make(map[string]TransitionFactory),
	}
	r.RegisterRole("basic-primary", NewBasicPrimary)
	r.RegisterRole("primary-passive", NewPrimaryPassive)
	r.RegisterRole("primary-qc", NewPrimaryQC)

	r.RegisterPipeline("direct", NewDirectPipeline)
	r.RegisterPipeline("qc", NewQCPipeline)

	r.RegisterMessage("digest", NewDigestPlugin)
	r.RegisterMessage("mac", NewMACPlugin)
	r.RegisterMessage("checkpoint", NewCheckpointPlugin)
	r.RegisterMessage("fault", NewFaultPlugin)
	r.RegisterMessage("read-only", NewReadOnlyPlugin)
	r.RegisterMessage("speculate", NewSpeculatePlugin)

	r.RegisterTransition("metrics", NewMetricsPlugin)
	return r
}

func (r *Registry) RegisterRole(name string, f RoleFactory) {
	r.mu.Lock()
	r.roles[name] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterPipeline(name string, f PipelineFactory) {
	r.mu.Lock()
	r.pipelines[name] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterMessage(name string, f MessageFactory) {
	r.mu.Lock()
	r.messages[name] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterTransition(name string, f TransitionFactory) {
	r.mu.Lock()
	r.transitions[name] = f
	r.mu.Unlock()
}

// Names lists the registered plugin names per kind.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{
		"role":       keys(r.roles),
		"pipeline":   keys(r.pipelines),
		"message":    keys(r.messages),
		"transition": keys(r.transitions),
	}
	return out
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) role(e *Entity, name string) (RoleStrategy, error) {
	r.mu.RLock()
	f, ok := r.roles[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: role %q", ErrUnknownPlugin, name)
	}
	return f(e)
}

func (r *Registry) pipeline(e *Entity, name string) (Pipeline, error) {
	r.mu.RLock()
	f, ok := r.pipelines[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: pipeline %q", ErrUnknownPlugin, name)
	}
	return f(e)
}

func (r *Registry) messagePlugins(e *Entity, names []string) ([]MessagePlugin, error) {
	out := make([]MessagePlugin, 0, len(names))
	for _, name := range names {
		r.mu.RLock()
		f, ok := r.messages[name]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: message plugin %q", ErrUnknownPlugin, name)
		}
		p, err := f(e)
		if err != nil {
			return nil, fmt.Errorf("message plugin %q: %w", name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Registry) transitionPlugins(e *Entity, names []string) ([]TransitionPlugin, error) {
	out := make([]TransitionPlugin, 0, len(names))
	for _, name := range names {
		r.mu.RLock()
		f, ok := r.transitions[name]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: transition plugin %q", ErrUnknownPlugin, name)
		}
		p, err := f(e)
		if err != nil {
			return nil, fmt.Errorf("transition plugin %q: %w", name, err)
		}
		out = append(out, p)
	}
	return out, nil
}
