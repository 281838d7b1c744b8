// Package enrich implements the roast enrichment pipeline: gather evidence,
// distill it, generate commentary, persist. Truth records are cached
// stage-by-stage so a retried item only pays for what its last attempt
// failed to produce.
package enrich

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/screenroast/screenroast/internal/cost"
	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/internal/store"
)

// Availability looks up where an item can currently be watched. Failures
// here never fail a roast.
type Availability interface {
	WatchProviders(ctx context.Context, itemID int64) (json.RawMessage, error)
}

// Pipeline runs the enrichment stages for one item at a time.
type Pipeline struct {
	store        store.Store
	searcher     Searcher
	extractor    *Extractor
	generator    *Generator
	availability Availability
	calc         *cost.Calculator
	language     string

	extractModel  string
	generateModel string
}

// Config wires a Pipeline.
type Config struct {
	Store         store.Store
	Searcher      Searcher
	Extractor     *Extractor
	Generator     *Generator
	Availability  Availability
	Calculator    *cost.Calculator
	Language      string
	ExtractModel  string
	GenerateModel string
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg Config) *Pipeline {
	lang := cfg.Language
	if lang == "" {
		lang = model.DefaultLanguage
	}
	calc := cfg.Calculator
	if calc == nil {
		c := cost.NewCalculator(cost.DefaultRates())
		calc = c
	}
	return &Pipeline{
		store:         cfg.Store,
		searcher:      cfg.Searcher,
		extractor:     cfg.Extractor,
		generator:     cfg.Generator,
		availability:  cfg.Availability,
		calc:          calc,
		language:      lang,
		extractModel:  cfg.ExtractModel,
		generateModel: cfg.GenerateModel,
	}
}

// GetOrCreateTruth returns a complete truth record for the item, reusing
// whatever valid stages the latest stored record already has. A record
// whose payloads exist but are empty reads as a cache miss for that stage.
// When every stage is cached no provider is called and nothing is written;
// otherwise exactly one new record is appended.
func (p *Pipeline) GetOrCreateTruth(ctx context.Context, item model.Item) (*model.TruthRecord, error) {
	latest, err := p.store.LatestTruth(ctx, item.ID)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: load latest truth")
	}

	var (
		evidence   *model.EvidencePayload
		extraction *model.ExtractionPayload
		citations  []string
	)
	if latest != nil {
		if latest.Evidence.Valid() {
			evidence = latest.Evidence
			citations = latest.Citations
		}
		if latest.Extraction.Valid() {
			extraction = latest.Extraction
		}
	}

	if evidence != nil && extraction != nil {
		zap.L().Debug("truth cache hit",
			zap.Int64("item_id", item.ID),
			zap.String("truth_id", latest.ID),
		)
		return latest, nil
	}

	var usage model.Usage

	if evidence == nil {
		ev, cites, evUsage, err := p.searcher.Gather(ctx, item)
		if err != nil {
			return nil, &EvidenceFetchError{ItemID: item.ID, Err: err}
		}
		evidence = ev
		citations = cites
		evUsage.CostUSD = p.calc.Search(evUsage.SearchQueries)
		usage.Add(evUsage)
		// Evidence changed, so any cached extraction no longer describes it.
		extraction = nil
	}

	if extraction == nil {
		ex, exUsage, err := p.extractor.Extract(ctx, item, evidence)
		if err != nil {
			return nil, err
		}
		extraction = ex
		exUsage.CostUSD = p.calc.Claude(p.extractModel, exUsage.InputTokens, exUsage.OutputTokens)
		usage.Add(exUsage)
	}

	rec := &model.TruthRecord{
		ID:         uuid.NewString(),
		ItemID:     item.ID,
		Source:     "perplexity",
		Model:      p.extractModel,
		FetchedAt:  time.Now().UTC(),
		Evidence:   evidence,
		Extraction: extraction,
		Citations:  citations,
		Usage:      usage,
	}

	if err := p.store.InsertTruth(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "enrich: persist truth")
	}

	zap.L().Info("truth record created",
		zap.Int64("item_id", item.ID),
		zap.String("truth_id", rec.ID),
		zap.Int("search_queries", usage.SearchQueries),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Float64("cost_usd", usage.CostUSD),
	)

	return rec, nil
}

// UpsertRoast generates a fresh roast from the truth record and installs it
// as the active version for the item+language. The availability lookup is
// best-effort; a failure there is logged and the roast ships without it.
func (p *Pipeline) UpsertRoast(ctx context.Context, item model.Item, truth *model.TruthRecord) (*model.RoastRecord, error) {
	content, usage, err := p.generator.Roast(ctx, item, truth)
	if err != nil {
		return nil, err
	}
	usage.CostUSD = p.calc.Claude(p.generateModel, usage.InputTokens, usage.OutputTokens)

	var availability json.RawMessage
	if p.availability != nil {
		availability, err = p.availability.WatchProviders(ctx, item.ID)
		if err != nil {
			zap.L().Warn("availability lookup failed",
				zap.Int64("item_id", item.ID),
				zap.Error(err),
			)
			availability = nil
		}
	}

	rec := &model.RoastRecord{
		ID:           uuid.NewString(),
		ItemID:       item.ID,
		Language:     p.language,
		Content:      *content,
		Model:        p.generateModel,
		Availability: availability,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}

	if err := p.store.SaveRoast(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "enrich: persist roast")
	}

	zap.L().Info("roast installed",
		zap.Int64("item_id", item.ID),
		zap.String("roast_id", rec.ID),
		zap.String("language", rec.Language),
		zap.Float64("cost_usd", usage.CostUSD),
	)

	return rec, nil
}

// ProcessItem runs the full pipeline for one queued item: metadata refresh,
// truth, roast.
func (p *Pipeline) ProcessItem(ctx context.Context, itemID int64, title string) error {
	item, err := p.store.GetItem(ctx, itemID)
	if err != nil {
		return eris.Wrap(err, "enrich: load item")
	}
	if item == nil {
		// The message may outlive a catalog row that never landed. Seed a
		// stub so the roast still has something to hang off.
		stub := model.Item{ID: itemID, Title: title}
		if _, err := p.store.UpsertItems(ctx, []model.Item{stub}, true); err != nil {
			return eris.Wrap(err, "enrich: seed item")
		}
		item = &stub
	}

	truth, err := p.GetOrCreateTruth(ctx, *item)
	if err != nil {
		return err
	}

	if _, err := p.UpsertRoast(ctx, *item, truth); err != nil {
		return err
	}

	return nil
}

// HasActiveRoast reports whether an active roast already exists for the
// pipeline's language. The queue consumer uses this as its dedup check.
func (p *Pipeline) HasActiveRoast(ctx context.Context, itemID int64) (bool, error) {
	return p.store.HasActiveRoast(ctx, itemID, p.language)
}
