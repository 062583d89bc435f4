package router

import (
	"fmt"
	"strings"

	"github.com/pario-ai/copydesk/pkg/config"
)

// Route represents a resolved provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Router resolves requested model names to ordered provider+model chains.
type Router struct {
	cfg *config.Config
}

// New creates a Router from the given configuration.
func New(cfg *config.Config) *Router {
	return &Router{cfg: cfg}
}

// Resolve returns an ordered list of routes for the requested model.
// A configured route wins. Otherwise the model goes to the first provider
// whose API family serves it: claude-* models to anthropic, everything
// else to openai.
func (r *Router) Resolve(requestedModel string) ([]Route, error) {
	if len(r.cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	providerIndex := make(map[string]config.ProviderConfig, len(r.cfg.Providers))
	for _, p := range r.cfg.Providers {
		providerIndex[p.Name] = p
	}

	for _, route := range r.cfg.Router.Routes {
		if route.Model != requestedModel {
			continue
		}
		var routes []Route
		for _, target := range route.Targets {
			provider, ok := providerIndex[target.Provider]
			if !ok {
				continue // skip unknown providers
			}
			model := target.Model
			if model == "" {
				model = requestedModel
			}
			routes = append(routes, Route{Provider: provider, Model: model})
		}
		if len(routes) == 0 {
			return nil, fmt.Errorf("route %q: all providers unknown", requestedModel)
		}
		return routes, nil
	}

	family := familyOf(requestedModel)
	for _, p := range r.cfg.Providers {
		if providerType(p) == family {
			return []Route{{Provider: p, Model: requestedModel}}, nil
		}
	}
	return nil, fmt.Errorf("no %s provider configured for model %q", family, requestedModel)
}

// ResolveImage returns the openai-type providers able to serve an image
// model, honoring a configured route first.
func (r *Router) ResolveImage(model string) ([]Route, error) {
	routes, err := r.Resolve(model)
	if err != nil {
		return nil, err
	}
	var out []Route
	for _, rt := range routes {
		if providerType(rt.Provider) == "openai" {
			out = append(out, rt)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no image-capable provider for model %q", model)
	}
	return out, nil
}

func familyOf(model string) string {
	if strings.HasPrefix(strings.ToLower(model), "claude") {
		return "anthropic"
	}
	return "openai"
}

func providerType(p config.ProviderConfig) string {
	if p.Type == "" {
		return "openai"
	}
	return p.Type
}
