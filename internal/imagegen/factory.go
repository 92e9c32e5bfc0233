package imagegen

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/kiranshivaraju/partypix/internal/config"
	"github.com/kiranshivaraju/partypix/internal/imagegen/openai"
	"github.com/kiranshivaraju/partypix/internal/imagegen/stability"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

// NewProvider constructs the provider registered under a service name.
func NewProvider(service string, cfg config.GenerationConfig, client *http.Client) (models.ImageProvider, error) {
	switch service {
	case models.ServiceOpenAI:
		return openai.NewProvider(cfg.OpenAI, client), nil
	case models.ServiceStabilityAI:
		return stability.NewProvider(cfg.Stability, client), nil
	default:
		return nil, fmt.Errorf("%w %q: must be one of openai, stability_ai", ErrUnknownProvider, service)
	}
}

// Registry holds the image providers available for generation, keyed by
// service name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]models.ImageProvider
}

// NewRegistry returns a registry with every supported provider.
// Called once at startup.
func NewRegistry(cfg config.GenerationConfig, client *http.Client) *Registry {
	r := &Registry{providers: make(map[string]models.ImageProvider)}
	for _, service := range []string{models.ServiceOpenAI, models.ServiceStabilityAI} {
		p, err := NewProvider(service, cfg, client)
		if err != nil {
			panic(err)
		}
		r.Register(p)
	}
	return r
}

// Register adds p under its Name, replacing any provider of the same name.
func (r *Registry) Register(p models.ImageProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.providers == nil {
		r.providers = make(map[string]models.ImageProvider)
	}
	r.providers[normalize(p.Name())] = p
}

func (r *Registry) Get(service string) (models.ImageProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[normalize(service)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, service)
	}
	return p, nil
}

// Names lists the registered service names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
