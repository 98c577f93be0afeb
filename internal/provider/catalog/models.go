package catalog

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tokligence/tokligence-chat/internal/provider"
)

// Listing is the model picker payload.
type Listing struct {
	Models           []provider.Model `json:"models"`
	DefaultModelID   string           `json:"defaultModelId"`
	ProviderStatuses []Status         `json:"providerStatuses"`
	CustomProvider   *CustomStatus    `json:"customProvider,omitempty"`
	SelectedProvider provider.Type    `json:"selectedProvider,omitempty"`
	SelectedModelID  string           `json:"selectedModelId,omitempty"`
}

// cacheable reports whether a provider's model list is stored in the state file.
func cacheable(t provider.Type) bool {
	return t == provider.TypeAnthropic || t == provider.TypeOpenAI || t == provider.TypeGemini
}

// Models lists models from every configured provider. Cached lists are
// served without a network call; the rest are fetched concurrently and a
// provider that fails is logged and skipped.
func (c *Catalog) Models(ctx context.Context) (Listing, error) {
	c.mu.RLock()
	configured := c.configuredLocked()
	r := c.router
	results := make([][]provider.Model, len(configured))
	var pending []int
	for i, t := range configured {
		if cached := c.state.Models[t]; cacheable(t) && cached != nil && len(cached.Models) > 0 {
			results[i] = append([]provider.Model(nil), cached.Models...)
			continue
		}
		pending = append(pending, i)
	}
	c.mu.RUnlock()

	fetched := make(map[provider.Type][]provider.Model)
	if len(pending) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, i := range pending {
			t := configured[i]
			p, ok := r.Get(t)
			if !ok {
				continue
			}
			g.Go(func() error {
				models, err := p.ListModels(gctx)
				if err != nil {
					c.logger.Warnf("failed to fetch models from %s: %v", t, err)
					return nil
				}
				results[i] = models
				return nil
			})
		}
		_ = g.Wait()
		for _, i := range pending {
			if t := configured[i]; cacheable(t) && len(results[i]) > 0 {
				fetched[t] = results[i]
			}
		}
	}
	if len(fetched) > 0 {
		if err := c.storeModels(fetched); err != nil {
			c.logger.Warnf("cache model lists: %v", err)
		}
	}

	var all []provider.Model
	for _, models := range results {
		all = append(all, models...)
	}
	c.meta.Annotate(all)
	statuses, custom := c.Statuses()
	selectedProvider, selectedModel := c.Selection()
	return Listing{
		Models:           all,
		DefaultModelID:   c.defaultModelID(all, selectedModel),
		ProviderStatuses: statuses,
		CustomProvider:   custom,
		SelectedProvider: selectedProvider,
		SelectedModelID:  selectedModel,
	}, ctx.Err()
}

// Refresh fetches and caches the model list of one provider.
func (c *Catalog) Refresh(ctx context.Context, t provider.Type) ([]provider.Model, error) {
	p, ok := c.Router().Get(t)
	if !ok {
		return nil, provider.ErrNoRoute
	}
	models, err := p.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	if cacheable(t) {
		if err := c.storeModels(map[provider.Type][]provider.Model{t: models}); err != nil {
			return models, err
		}
	}
	return models, nil
}

func (c *Catalog) storeModels(lists map[provider.Type][]provider.Model) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Models == nil {
		c.state.Models = make(map[provider.Type]*cachedModels)
	}
	now := c.now().UTC()
	for t, models := range lists {
		if _, ok := c.state.Keys[t]; !ok {
			continue
		}
		c.state.Models[t] = &cachedModels{Models: models, LastFetched: now}
	}
	return c.commitLocked()
}

func (c *Catalog) defaultModelID(models []provider.Model, selected string) string {
	for _, want := range []string{selected, c.defaultModel} {
		if want == "" {
			continue
		}
		for _, m := range models {
			if m.ID == want {
				return want
			}
		}
	}
	return ""
}
