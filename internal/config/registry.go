package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxtask/pkg/audio"
	"github.com/MrWong99/voxtask/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps names to constructor functions for the speech-to-speech
// provider and the audio host. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	s2s   map[string]func(ProviderEntry) (s2s.Provider, error)
	audio map[string]func(AudioConfig) (audio.Host, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:   make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		audio: make(map[string]func(AudioConfig) (audio.Host, error)),
	}
}

// RegisterS2S registers a speech-to-speech provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterAudio registers an audio host factory under name.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (audio.Host, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateS2S instantiates a provider using the factory registered under entry.Name.
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

// CreateAudio instantiates an audio host using the factory registered under
// cfg.Host.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Host, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Host]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Host)
	}
	return factory(cfg)
}

// Names returns the sorted names registered for kind ("s2s" or "audio").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "s2s":
		for n := range r.s2s {
			names = append(names, n)
		}
	case "audio":
		for n := range r.audio {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
