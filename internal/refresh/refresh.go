// Package refresh runs the catalog refresh job: pull tracked category
// listings, upsert items, replace category memberships, and fan the union
// out onto the work queue. The whole sequence runs under the job lock so
// concurrent triggers collapse to one refresh.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/screenroast/screenroast/internal/joblog"
	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/internal/store"
)

// Outcome summarizes what a refresh trigger did.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
)

// maxProgressTitles caps the titles sample stored on the run row.
const maxProgressTitles = 50

// CatalogSource fetches the full item list for one category.
type CatalogSource interface {
	FetchCategory(ctx context.Context, category string) ([]model.Item, error)
}

// Publisher fans items out onto the work queue.
type Publisher interface {
	PublishItems(ctx context.Context, items []model.Item, correlationID string) error
}

// ItemStore is the slice of the store the orchestrator writes through.
type ItemStore interface {
	UpsertItems(ctx context.Context, items []model.Item, keepPopularity bool) (int64, error)
	ReplaceCategoryMembers(ctx context.Context, category string, itemIDs []int64) error
}

// Orchestrator coordinates one refresh cycle.
type Orchestrator struct {
	tracker    *joblog.Tracker
	store      ItemStore
	catalog    CatalogSource
	publisher  Publisher
	jobName    string
	categories []string
}

// NewOrchestrator creates an Orchestrator. categories are processed in
// order; when an item appears in several, the last category's metadata
// wins in the published union.
func NewOrchestrator(tracker *joblog.Tracker, st ItemStore, catalog CatalogSource, pub Publisher, jobName string, categories []string) *Orchestrator {
	return &Orchestrator{
		tracker:    tracker,
		store:      st,
		catalog:    catalog,
		publisher:  pub,
		jobName:    jobName,
		categories: categories,
	}
}

// Run executes one refresh under the job lock. A concurrent run holding
// the lock makes this a no-op with OutcomeSkipped; no run row is written
// for the loser. Any error after the lock is acquired fails the run row
// before propagating.
func (o *Orchestrator) Run(ctx context.Context, correlationID string) (Outcome, error) {
	runID, err := o.tracker.StartRun(ctx, o.jobName)
	if err != nil {
		if eris.Is(err, store.ErrAlreadyRunning) {
			return OutcomeSkipped, nil
		}
		return "", err
	}

	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("correlation_id", correlationID),
	)

	if err := o.refresh(ctx, log, runID, correlationID); err != nil {
		if failErr := o.tracker.FailRun(ctx, runID, err); failErr != nil {
			log.Error("could not record run failure", zap.Error(failErr))
		}
		return "", err
	}

	cursor := time.Now().UTC().Format(time.RFC3339)
	if err := o.tracker.CompleteRun(ctx, runID, cursor); err != nil {
		return "", err
	}
	return OutcomeCompleted, nil
}

func (o *Orchestrator) refresh(ctx context.Context, log *zap.Logger, runID, correlationID string) error {
	var (
		mu        sync.Mutex
		byCat     = make(map[string][]model.Item, len(o.categories))
		failedCat int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for _, category := range o.categories {
		g.Go(func() error {
			items, err := o.refreshCategory(gctx, category)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// One bad category must not sink the rest of the cycle.
				log.Warn("category refresh failed",
					zap.String("category", category),
					zap.Error(err),
				)
				failedCat++
				return nil
			}
			byCat[category] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if failedCat == len(o.categories) {
		return eris.New("refresh: every category failed")
	}

	// Union in configured order, later categories overwriting earlier
	// metadata for shared items.
	seen := make(map[int64]int)
	var union []model.Item
	for _, category := range o.categories {
		for _, item := range byCat[category] {
			if idx, ok := seen[item.ID]; ok {
				union[idx] = item
				continue
			}
			seen[item.ID] = len(union)
			union = append(union, item)
		}
	}

	if err := o.publisher.PublishItems(ctx, union, correlationID); err != nil {
		return eris.Wrap(err, "refresh: publish items")
	}

	titles := make([]string, 0, maxProgressTitles)
	for _, item := range union {
		if len(titles) == maxProgressTitles {
			break
		}
		titles = append(titles, item.Title)
	}
	o.tracker.UpdateProgress(ctx, runID, titles, len(union))

	log.Info("refresh cycle finished",
		zap.Int("categories", len(o.categories)-failedCat),
		zap.Int("categories_failed", failedCat),
		zap.Int("items_enqueued", len(union)),
	)
	return nil
}

// refreshCategory pulls one category listing, upserts its items, and
// atomically replaces the category membership. The volatile popularity
// signal only updates from the popular list, where its ordering is the
// point of the data.
func (o *Orchestrator) refreshCategory(ctx context.Context, category string) ([]model.Item, error) {
	items, err := o.catalog.FetchCategory(ctx, category)
	if err != nil {
		return nil, eris.Wrapf(err, "refresh: fetch category %s", category)
	}
	if len(items) == 0 {
		return nil, eris.Errorf("refresh: category %s returned no items", category)
	}

	keepPopularity := category != "popular"
	if _, err := o.store.UpsertItems(ctx, items, keepPopularity); err != nil {
		return nil, eris.Wrapf(err, "refresh: upsert items for %s", category)
	}

	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	if err := o.store.ReplaceCategoryMembers(ctx, category, ids); err != nil {
		return nil, eris.Wrapf(err, "refresh: replace members for %s", category)
	}

	return items, nil
}
