package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/telebridge/pkg/provider/s2s"
	"github.com/MrWong99/telebridge/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// S2SFactory builds a speech-to-speech provider from its config entry.
type S2SFactory func(ProviderEntry) (s2s.Provider, error)

// VADFactory builds a local VAD engine from the vad config block.
type VADFactory func(VADConfig) (vad.Engine, error)

// Registry maps provider names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	s2s map[string]S2SFactory
	vad map[string]VADFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s: make(map[string]S2SFactory),
		vad: make(map[string]VADFactory),
	}
}

// RegisterS2S registers an S2S provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory S2SFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory VADFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateS2S instantiates an S2S provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates the VAD engine registered under cfg.Engine.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// Names returns the sorted provider names registered for kind ("s2s" or "vad").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "s2s":
		for n := range r.s2s {
			names = append(names, n)
		}
	case "vad":
		for n := range r.vad {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
