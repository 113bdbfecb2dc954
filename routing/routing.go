// Package routing decides which provider and model serve a request.
package routing

import (
	"errors"
	"fmt"

	"github.com/coder/airouter/config"
	"github.com/coder/airouter/translate"
)

var ErrUnroutable = errors.New("unroutable request")

// UnroutableError is returned when a request resolves to a provider which is
// not configured, or to no model at all.
type UnroutableError struct {
	Provider string
	Model    string
	Reason   string
}

func (e *UnroutableError) Error() string {
	return fmt.Sprintf("cannot route model %q to provider %q: %s", e.Model, e.Provider, e.Reason)
}

func (e *UnroutableError) Is(target error) bool {
	return target == ErrUnroutable
}

// Decision is the outcome of routing one request.
type Decision struct {
	// RequestedModel is the model string as sent by the caller.
	RequestedModel string
	// Model is what the provider will be asked for.
	Model    string
	Provider string
	// Subagent is the caller's subagent identity, if one was found.
	Subagent   string
	Translator translate.Translator
}

// Router resolves requests against an immutable configuration. It holds no
// mutable state and is safe for concurrent use.
type Router struct {
	cfg         *config.Config
	translators map[string]translate.Translator
	extract     Extractor
}

// NewRouter builds a router. translators is keyed by provider name; extract
// may be nil when subagent identities are not used.
func NewRouter(cfg *config.Config, translators map[string]translate.Translator, extract Extractor) *Router {
	if extract == nil {
		extract = func(*translate.Request) (string, bool) { return "", false }
	}
	return &Router{cfg: cfg, translators: translators, extract: extract}
}

// DetermineRoute resolves req with the following precedence:
//
//  1. a subagent identity with a configured mapping;
//  2. an explicit "<provider>:<model>" model string;
//  3. the default provider, with the model passed through unchanged.
func (r *Router) DetermineRoute(req *translate.Request) (*Decision, error) {
	requested := req.Model
	if req.Params != nil && requested == "" {
		requested = req.Params.Model
	}

	d := &Decision{RequestedModel: requested}
	if id, ok := r.extract(req); ok {
		d.Subagent = id
	}

	switch target, mapped := r.cfg.Subagents[d.Subagent]; {
	case d.Subagent != "" && mapped:
		d.Provider, d.Model = config.SplitTarget(target)
	case hasProviderPrefix(requested):
		d.Provider, d.Model = config.SplitTarget(requested)
	default:
		d.Provider, d.Model = r.cfg.DefaultProvider, requested
	}

	if d.Model == "" {
		return nil, &UnroutableError{Provider: d.Provider, Model: requested, Reason: "no model given"}
	}
	t, ok := r.translators[d.Provider]
	if !ok {
		return nil, &UnroutableError{Provider: d.Provider, Model: requested, Reason: "provider is not configured"}
	}
	d.Translator = t
	return d, nil
}

func hasProviderPrefix(model string) bool {
	provider, _ := config.SplitTarget(model)
	return provider != model
}
