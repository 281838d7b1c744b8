package refresh

import (
	"context"
	"time"

	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/internal/resilience"
	"github.com/screenroast/screenroast/pkg/tmdb"
)

// tmdbSource adapts the TMDB client to CatalogSource: paged listing pulls
// with transient-status retry and a release-date window for the
// now_playing list, which the upstream pads with long-tail holdovers.
type tmdbSource struct {
	client     tmdb.Client
	maxPages   int
	windowDays int
	retry      resilience.RetryConfig
}

// NewCatalogSource creates a CatalogSource over the TMDB client.
func NewCatalogSource(client tmdb.Client, maxPages, windowDays int, retry resilience.RetryConfig) CatalogSource {
	if maxPages < 1 {
		maxPages = 1
	}
	retry.OnRetry = resilience.RetryLogger("tmdb", "category_page")
	return &tmdbSource{
		client:     client,
		maxPages:   maxPages,
		windowDays: windowDays,
		retry:      retry,
	}
}

func (s *tmdbSource) FetchCategory(ctx context.Context, category string) ([]model.Item, error) {
	var items []model.Item
	var cutoff time.Time
	if category == "now_playing" && s.windowDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -s.windowDays)
	}

	for page := 1; page <= s.maxPages; page++ {
		resp, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*tmdb.CategoryPageResponse, error) {
			return s.client.CategoryPage(ctx, category, page)
		})
		if err != nil {
			return nil, err
		}

		for _, stub := range resp.Results {
			item := stub.Item()
			if !cutoff.IsZero() && (item.ReleaseDate == nil || item.ReleaseDate.Before(cutoff)) {
				continue
			}
			items = append(items, item)
		}

		if page >= resp.TotalPages {
			break
		}
	}

	return items, nil
}
