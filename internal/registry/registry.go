// Package registry implements the session registry (§9 GLOSSARY: "the map
// from folder name to its owning runtime") — the one structure shared
// across HTTP handlers, guarded so that lookup-and-create is atomic per
// folder (§5).
package registry

import (
	"context"
	"sync"

	"github.com/spm1001/gueridon/internal/runtime"
)

// Factory builds a new Runtime for folder. The registry calls it at most
// once per folder while holding its lock, so concurrent create requests
// for the same folder never race.
type Factory func(folder string) *runtime.Runtime

// Registry is the folder -> runtime map (§5: "guarded such that
// lookup-and-create is atomic per folder").
type Registry struct {
	mu       sync.Mutex
	runtimes map[string]*runtime.Runtime
	cancels  map[string]context.CancelFunc
	build    Factory
}

func New(build Factory) *Registry {
	return &Registry{
		runtimes: make(map[string]*runtime.Runtime),
		cancels:  make(map[string]context.CancelFunc),
		build:    build,
	}
}

// GetOrCreate returns the existing runtime for folder, or builds and starts
// a new one. created reports whether this call created it.
func (reg *Registry) GetOrCreate(folder string) (rt *runtime.Runtime, created bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if existing, ok := reg.runtimes[folder]; ok {
		return existing, false
	}

	rt = reg.build(folder)
	ctx, cancel := context.WithCancel(context.Background())
	reg.runtimes[folder] = rt
	reg.cancels[folder] = cancel

	go rt.Run(ctx)
	go reg.watchDone(folder, rt)

	return rt, true
}

// Get returns the runtime for folder if one exists.
func (reg *Registry) Get(folder string) (*runtime.Runtime, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rt, ok := reg.runtimes[folder]
	return rt, ok
}

// Remove cancels the runtime's context and removes it from the map. Used by
// watchDone when a runtime tears itself down.
func (reg *Registry) Remove(folder string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if cancel, ok := reg.cancels[folder]; ok {
		cancel()
	}
	delete(reg.runtimes, folder)
	delete(reg.cancels, folder)
}

// Snapshot returns the set of folders that currently have a registered
// runtime; the transport builds the scanner's per-folder LiveEntry values
// from it (§4.A).
func (reg *Registry) Snapshot() map[string]bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make(map[string]bool, len(reg.runtimes))
	for folder := range reg.runtimes {
		out[folder] = true
	}
	return out
}

func (reg *Registry) watchDone(folder string, rt *runtime.Runtime) {
	<-rt.Done()
	reg.Remove(folder)
}

// Len returns the number of runtimes currently registered.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.runtimes)
}
