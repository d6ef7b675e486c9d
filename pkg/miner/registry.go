package miner

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/sd-fleet/pkg/models"
)

// ModelRegistry tracks what is loaded on one device and what exists in
// local storage. Adapter (lora) presence takes priority over the base model
// when selecting what to request work for.
type ModelRegistry interface {
	LoadedModels() []string
	LoadedAdapters() []string
	LocalModelIDs() []string
}

// ModelLoader is the external collaborator that swaps model artifacts in
// and out of device memory.
type ModelLoader interface {
	LoadDefault(ctx context.Context) error
	Reload(ctx context.Context, modelID string) error
}

// Executor is the external inference/submission collaborator. It owns
// everything from model execution to result upload; the measured request
// latency is passed through for reporting.
type Executor interface {
	Execute(ctx context.Context, job *models.Job, requestLatency time.Duration, startedAt time.Time) error
}

// Registry is an in-memory ModelRegistry shared between the loader and the
// worker loop within one process.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]struct{}
	adapters map[string]struct{}
	local    func() []string
}

// NewRegistry creates a registry. local supplies the model ids currently
// present in local storage (typically backed by the manifest directory).
func NewRegistry(local func() []string) *Registry {
	return &Registry{
		models:   make(map[string]struct{}),
		adapters: make(map[string]struct{}),
		local:    local,
	}
}

// MarkModelLoaded records a loaded base model, evicting previous ones:
// one base model occupies the device at a time.
func (r *Registry) MarkModelLoaded(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = map[string]struct{}{id: {}}
}

// MarkAdapterLoaded records a loaded adapter, evicting previous ones.
func (r *Registry) MarkAdapterLoaded(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = map[string]struct{}{id: {}}
}

// Clear drops all loaded artifacts.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = make(map[string]struct{})
	r.adapters = make(map[string]struct{})
}

// LoadedModels returns the ids of loaded base models.
func (r *Registry) LoadedModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.models)
}

// LoadedAdapters returns the ids of loaded adapters.
func (r *Registry) LoadedAdapters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.adapters)
}

// LocalModelIDs returns the model ids available in local storage.
func (r *Registry) LocalModelIDs() []string {
	if r.local == nil {
		return nil
	}
	return r.local()
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// TargetModel picks what to request work for: a loaded adapter wins over a
// loaded base model. The empty string means nothing is loaded.
func TargetModel(registry ModelRegistry) string {
	if adapters := registry.LoadedAdapters(); len(adapters) > 0 {
		return adapters[0]
	}
	if loaded := registry.LoadedModels(); len(loaded) > 0 {
		return loaded[0]
	}
	return ""
}
