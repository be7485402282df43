// Package agentapi talks to the agent server's catalog endpoints.
package agentapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ashureev/agenthub/internal/apiclient"
)

// PageSize is the number of agents per marketplace page.
const PageSize = 6

// detailCacheSize bounds how many agent manifests are kept.
const detailCacheSize = 256

// Client reads the agent catalog. Details are cached for cacheTTL.
type Client struct {
	api *apiclient.Client
	// cache is nil when caching is disabled.
	cache *expirable.LRU[string, Detail]
}

// NewClient creates a catalog client for the agent server at baseURL.
func NewClient(baseURL string, timeout, cacheTTL time.Duration) (*Client, error) {
	api, err := apiclient.New(baseURL, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent server client: %w", err)
	}
	c := &Client{api: api}
	if cacheTTL > 0 {
		c.cache = expirable.NewLRU[string, Detail](detailCacheSize, nil, cacheTTL)
	}
	return c, nil
}

// BaseURL returns the agent server root, which also serves the run channel.
func (c *Client) BaseURL() string {
	return c.api.BaseURL()
}

// ListAgents returns every published agent.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.api.Do(ctx, apiclient.Request{Path: []string{"agents"}}, &resp); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return resp.Agents, nil
}

// Detail returns the manifest of slug.
func (c *Client) Detail(ctx context.Context, slug string) (*Detail, error) {
	if d, ok := c.cached(slug); ok {
		return d, nil
	}

	var resp struct {
		Agent     Detail `json:"agent"`
		ModelCard string `json:"model_card"`
	}
	if err := c.api.Do(ctx, apiclient.Request{Path: []string{"agents", slug}}, &resp); err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %w", slug, err)
	}

	d := resp.Agent
	d.Slug = slug
	if resp.ModelCard != "" {
		d.ModelCard = resp.ModelCard
	}

	if c.cache != nil {
		c.cache.Add(slug, d)
	}
	return &d, nil
}

// Details resolves several slugs in order. Slugs that fail are skipped and reported in the error.
func (c *Client) Details(ctx context.Context, slugs []string) ([]Detail, error) {
	out := make([]Detail, 0, len(slugs))
	var failed []string
	for _, slug := range slugs {
		d, err := c.Detail(ctx, slug)
		if err != nil {
			failed = append(failed, slug)
			continue
		}
		out = append(out, *d)
	}
	if len(failed) > 0 {
		return out, fmt.Errorf("failed to resolve agents: %s", strings.Join(failed, ", "))
	}
	return out, nil
}

func (c *Client) cached(slug string) (*Detail, bool) {
	if c.cache == nil {
		return nil, false
	}
	d, ok := c.cache.Get(slug)
	if !ok {
		return nil, false
	}
	return &d, true
}

// Search filters agents whose name or description contains query.
// An empty query matches everything.
func Search(agents []Agent, query string) []Agent {
	if query == "" {
		return agents
	}
	var out []Agent
	for _, a := range agents {
		if strings.Contains(a.Name, query) || strings.Contains(a.Description, query) {
			out = append(out, a)
		}
	}
	return out
}

// Page returns the 1-based page of agents and the total number of pages.
func Page(agents []Agent, page int) ([]Agent, int) {
	total := (len(agents) + PageSize - 1) / PageSize
	if page < 1 {
		page = 1
	}
	start := (page - 1) * PageSize
	if start >= len(agents) {
		return []Agent{}, total
	}
	end := start + PageSize
	if end > len(agents) {
		end = len(agents)
	}
	return agents[start:end], total
}
