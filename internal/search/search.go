// Package search fans a query out to independent web-search backends and
// merges their results.
package search

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/webgrab/internal/logging"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

// Backend is one search provider.
type Backend interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error)
}

type Aggregator struct {
	backends []Backend
	logger   *zap.Logger
}

func NewAggregator(logger *zap.Logger, backends ...Backend) *Aggregator {
	return &Aggregator{backends: backends, logger: logging.OrNop(logger)}
}

// Names lists the configured backends.
func (a *Aggregator) Names() []string {
	names := make([]string, len(a.backends))
	for i, b := range a.backends {
		names[i] = b.Name()
	}
	return names
}

func (a *Aggregator) selectBackends(engines []string) ([]Backend, error) {
	if len(engines) == 0 {
		return a.backends, nil
	}
	var selected []Backend
	for _, name := range engines {
		var found Backend
		for _, b := range a.backends {
			if strings.EqualFold(b.Name(), name) {
				found = b
				break
			}
		}
		if found == nil {
			return nil, models.Validation("unknown search engine %q", name)
		}
		selected = append(selected, found)
	}
	return selected, nil
}

// Search queries every selected backend concurrently. Results are
// interleaved across engines, deduplicated by URL and truncated to the
// request limit. A failing backend is skipped; only all failing is an error.
func (a *Aggregator) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchOutput, error) {
	backends, err := a.selectBackends(req.Engines)
	if err != nil {
		return nil, err
	}
	if len(backends) == 0 {
		return nil, models.Errorf(models.CodeExtractionFailed, "no search backends configured")
	}

	limit := req.EffectiveLimit()
	results := make([][]models.SearchResult, len(backends))
	errs := make([]error, len(backends))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		g.Go(func() error {
			res, err := b.Search(gctx, req.Query, limit)
			if err != nil {
				errs[i] = err
				return nil
			}
			for j := range res {
				res[j].Source = b.Name()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	out := &models.SearchOutput{Query: req.Query, Results: []models.SearchResult{}}
	var lastErr error
	for i, b := range backends {
		if errs[i] != nil {
			lastErr = errs[i]
			a.logger.Warn("search backend failed",
				zap.String("engine", b.Name()), zap.String("query", req.Query), zap.Error(errs[i]))
			continue
		}
		out.Engines = append(out.Engines, b.Name())
	}
	if len(out.Engines) == 0 {
		return nil, models.Wrap(models.CodeExtractionFailed, lastErr, "all search backends failed")
	}

	out.Results = merge(results, limit)
	out.Total = len(out.Results)
	return out, nil
}

func merge(lists [][]models.SearchResult, limit int) []models.SearchResult {
	merged := make([]models.SearchResult, 0, limit)
	seen := make(map[string]bool)
	for i := 0; len(merged) < limit; i++ {
		progressed := false
		for _, list := range lists {
			if i >= len(list) {
				continue
			}
			progressed = true
			r := list[i]
			key := dedupeKey(r.URL)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, r)
			if len(merged) == limit {
				break
			}
		}
		if !progressed {
			break
		}
	}
	return merged
}

func dedupeKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s%s", strings.TrimPrefix(strings.ToLower(u.Host), "www."), strings.TrimSuffix(u.Path, "/"))
}
