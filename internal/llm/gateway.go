package llm

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
)

// registeredProvider pairs a Provider with the priority and model
// patterns it was registered under.
type registeredProvider struct {
	provider Provider
	priority int
	patterns []string
}

func (r registeredProvider) matches(modelID string) bool {
	for _, p := range r.patterns {
		if p == "*" || p == modelID {
			return true
		}
	}
	return false
}

// Gateway is the provider registry keyed by name. Chat resolves
// "<provider>/<id>" model keys, locates the named provider, and on
// transient failure retries the call against other registered
// providers whose pattern matches the model, in ascending priority
// order (lower priority value = more preferred).
type Gateway struct {
	providers map[string]*registeredProvider
	order     []string // insertion order, for stable pool iteration
}

// NewGateway returns an empty provider registry.
func NewGateway() *Gateway {
	return &Gateway{providers: make(map[string]*registeredProvider)}
}

// Register adds or replaces the provider under name, with the given
// fallback priority and list of served model-id patterns ("*" = catch-all).
func (g *Gateway) Register(name string, p Provider, priority int, patterns []string) {
	if _, exists := g.providers[name]; !exists {
		g.order = append(g.order, name)
	}
	g.providers[name] = &registeredProvider{provider: p, priority: priority, patterns: patterns}
}

// Pool returns every registered capability across every provider, in
// stable provider-insertion then model-insertion order — the order
// the Model Router selects the first candidate from.
func (g *Gateway) Pool() []Capability {
	var caps []Capability
	for _, name := range g.order {
		rp := g.providers[name]
		for _, modelID := range rp.patterns {
			if modelID == "*" {
				continue
			}
			if c, ok := rp.provider.Capabilities(modelID); ok {
				caps = append(caps, c)
			}
		}
	}
	return caps
}

// Chat resolves model = "<provider>/<id>", forwards to that provider,
// and on transient failure retries against the remaining providers
// whose pattern matches the model id, tried in ascending priority
// order. Tool parameters are only forwarded when both the caller
// supplied a non-empty list and the resolved model's capability is
// tool-capable.
func (g *Gateway) Chat(ctx context.Context, messages []Message, tools []ToolSpec, modelKey string, gen GenConfig) (*ChatResponse, error) {
	providerName, modelID := ParseModelKey(modelKey)
	if modelID == "" {
		return nil, fmt.Errorf("malformed model key %q: expected \"<provider>/<id>\"", modelKey)
	}

	primary, ok := g.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}

	effectiveTools := tools
	if cap, ok := primary.provider.Capabilities(modelID); ok && !cap.Tool {
		effectiveTools = nil
	}

	resp, err := primary.provider.Chat(ctx, messages, effectiveTools, modelID, gen)
	if err == nil {
		return resp, nil
	}
	if !IsTransient(err) {
		return nil, err
	}

	log.Printf("[gateway] provider %q failed for %s, trying fallback: %v", providerName, modelKey, err)

	for _, rp := range g.fallbackCandidates(providerName, modelID) {
		ft := tools
		if cap, ok := rp.provider.Capabilities(modelID); ok && !cap.Tool {
			ft = nil
		}
		resp, fbErr := rp.provider.Chat(ctx, messages, ft, modelID, gen)
		if fbErr == nil {
			return resp, nil
		}
		log.Printf("[gateway] fallback provider %q failed: %v", rp.provider.Name(), fbErr)
		err = fbErr
	}

	return nil, fmt.Errorf("all providers exhausted for %s: %w", modelKey, err)
}

// Embed resolves model = "<provider>/<id>" and forwards to the
// embedding endpoint of that provider only — embeddings are not
// subject to cross-provider fallback since each embedding model is
// tied to a specific dense-vector column.
func (g *Gateway) Embed(ctx context.Context, texts []string, modelKey string) ([][]float32, error) {
	providerName, modelID := ParseModelKey(modelKey)
	if modelID == "" {
		return nil, fmt.Errorf("malformed embedding model key %q", modelKey)
	}
	rp, ok := g.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}
	return rp.provider.Embed(ctx, texts, modelID)
}

// Capabilities looks up a model's capability record by its fully
// qualified key.
func (g *Gateway) Capabilities(modelKey string) (Capability, bool) {
	providerName, modelID := ParseModelKey(modelKey)
	rp, ok := g.providers[providerName]
	if !ok {
		return Capability{}, false
	}
	return rp.provider.Capabilities(modelID)
}

func (g *Gateway) fallbackCandidates(exclude, modelID string) []*registeredProvider {
	var candidates []*registeredProvider
	for name, rp := range g.providers {
		if name == exclude {
			continue
		}
		if !rp.matches(modelID) {
			continue
		}
		candidates = append(candidates, rp)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return strings.Compare(candidates[i].provider.Name(), candidates[j].provider.Name()) < 0
	})
	return candidates
}
