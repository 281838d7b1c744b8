package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenroast/screenroast/internal/cost"
	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/internal/resilience"
	"github.com/screenroast/screenroast/internal/store"
	"github.com/screenroast/screenroast/pkg/anthropic"
)

// fakeStore implements store.Store with overridable behavior per test.
type fakeStore struct {
	latestTruth  *model.TruthRecord
	truths       []*model.TruthRecord
	roasts       []*model.RoastRecord
	items        map[int64]*model.Item
	hasActive    bool
	latestErr    error
	insertErr    error
	saveRoastErr error
}

func (f *fakeStore) UpsertItems(_ context.Context, items []model.Item, _ bool) (int64, error) {
	if f.items == nil {
		f.items = map[int64]*model.Item{}
	}
	for i := range items {
		it := items[i]
		f.items[it.ID] = &it
	}
	return int64(len(items)), nil
}

func (f *fakeStore) GetItem(_ context.Context, id int64) (*model.Item, error) {
	return f.items[id], nil
}

func (f *fakeStore) ReplaceCategoryMembers(context.Context, string, []int64) error { return nil }

func (f *fakeStore) ListCategoryItems(context.Context, string, int, int) ([]model.Item, error) {
	return nil, nil
}

func (f *fakeStore) LatestTruth(context.Context, int64) (*model.TruthRecord, error) {
	return f.latestTruth, f.latestErr
}

func (f *fakeStore) InsertTruth(_ context.Context, rec *model.TruthRecord) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.truths = append(f.truths, rec)
	return nil
}

func (f *fakeStore) ActiveRoast(context.Context, int64, string) (*model.RoastRecord, error) {
	return nil, nil
}

func (f *fakeStore) HasActiveRoast(context.Context, int64, string) (bool, error) {
	return f.hasActive, nil
}

func (f *fakeStore) SaveRoast(_ context.Context, rec *model.RoastRecord) error {
	if f.saveRoastErr != nil {
		return f.saveRoastErr
	}
	f.roasts = append(f.roasts, rec)
	return nil
}

func (f *fakeStore) InsertRun(context.Context, string) (*model.JobRun, error) { return nil, nil }

func (f *fakeStore) UpdateRunProgress(context.Context, string, []string, int) error { return nil }

func (f *fakeStore) FinishRun(context.Context, string, model.JobStatus, string, string) error {
	return nil
}

func (f *fakeStore) ListRuns(context.Context, string, int) ([]model.JobRun, error) { return nil, nil }

func (f *fakeStore) InsertDeadLetter(context.Context, resilience.DeadLetter) error { return nil }

func (f *fakeStore) ListDeadLetters(context.Context, int) ([]resilience.DeadLetter, error) {
	return nil, nil
}

func (f *fakeStore) Migrate(context.Context) error { return nil }
func (f *fakeStore) Ping(context.Context) error    { return nil }
func (f *fakeStore) Close() error                  { return nil }

var _ store.Store = (*fakeStore)(nil)

// fakeSearcher counts calls and returns canned evidence.
type fakeSearcher struct {
	calls    int
	evidence *model.EvidencePayload
	err      error
}

func (f *fakeSearcher) Gather(context.Context, model.Item) (*model.EvidencePayload, []string, model.Usage, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, model.Usage{}, f.err
	}
	return f.evidence, []string{"https://example.com/src"}, model.Usage{SearchQueries: 1, InputTokens: 10, OutputTokens: 20}, nil
}

// fakeAnthropic returns a fixed text response per call.
type fakeAnthropic struct {
	calls     int
	responses []string
	err       error
}

func (f *fakeAnthropic) CreateMessage(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	text := f.responses[f.calls%len(f.responses)]
	f.calls++
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}, nil
}

var (
	goodEvidence = &model.EvidencePayload{
		Hits: []model.SearchHit{{Title: "Review", Snippet: "universally panned"}},
	}
	goodExtraction = `{"title": "Mud Puddle", "plot": "A puddle forms.", "reception": "Panned.", "production": "", "trivia": []}`
	goodRoast      = `{"headline": "A puddle deeper than its script", "sections": [{"heading": "Plot", "body": "There is not one."}, {"heading": "Acting", "body": "Also absent."}], "tags": ["soggy"], "recommendations": [{"title": "Singin' in the Rain", "year": 1952, "reason": "actual rain, actual movie"}]}`
)

func newTestPipeline(st store.Store, searcher Searcher, llm anthropic.Client) *Pipeline {
	return NewPipeline(Config{
		Store:         st,
		Searcher:      searcher,
		Extractor:     NewExtractor(llm, "claude-haiku-4-5-20251001", 4096),
		Generator:     NewGenerator(llm, "claude-sonnet-4-5-20250929", 4096, "en"),
		Calculator:    cost.NewCalculator(cost.DefaultRates()),
		Language:      "en",
		ExtractModel:  "claude-haiku-4-5-20251001",
		GenerateModel: "claude-sonnet-4-5-20250929",
	})
}

func TestGetOrCreateTruthFullCacheHit(t *testing.T) {
	cached := &model.TruthRecord{
		ID:     "truth-1",
		ItemID: 7,
		Evidence: &model.EvidencePayload{
			Hits: []model.SearchHit{{Title: "x", Snippet: "y"}},
		},
		Extraction: &model.ExtractionPayload{Title: "Movie", Plot: "p", Reception: "r"},
	}
	st := &fakeStore{latestTruth: cached}
	searcher := &fakeSearcher{evidence: goodEvidence}
	llm := &fakeAnthropic{responses: []string{goodExtraction}}

	p := newTestPipeline(st, searcher, llm)
	got, err := p.GetOrCreateTruth(context.Background(), model.Item{ID: 7, Title: "Movie"})
	require.NoError(t, err)

	// Zero provider calls, zero writes, same record back.
	assert.Equal(t, "truth-1", got.ID)
	assert.Zero(t, searcher.calls)
	assert.Zero(t, llm.calls)
	assert.Empty(t, st.truths)
}

func TestGetOrCreateTruthPartialResume(t *testing.T) {
	// Evidence cached, extraction missing: only the extraction stage runs.
	cached := &model.TruthRecord{
		ID:        "truth-1",
		ItemID:    7,
		Evidence:  goodEvidence,
		Citations: []string{"https://example.com/old"},
	}
	st := &fakeStore{latestTruth: cached}
	searcher := &fakeSearcher{evidence: goodEvidence}
	llm := &fakeAnthropic{responses: []string{goodExtraction}}

	p := newTestPipeline(st, searcher, llm)
	got, err := p.GetOrCreateTruth(context.Background(), model.Item{ID: 7, Title: "Mud Puddle"})
	require.NoError(t, err)

	assert.Zero(t, searcher.calls)
	assert.Equal(t, 1, llm.calls)
	require.Len(t, st.truths, 1)
	assert.NotEqual(t, "truth-1", got.ID)
	assert.True(t, got.Complete())
	assert.Equal(t, []string{"https://example.com/old"}, got.Citations)
}

func TestGetOrCreateTruthEmptyShellIsMiss(t *testing.T) {
	// A prior failed run stored payloads with no content. Both stages rerun.
	cached := &model.TruthRecord{
		ID:         "truth-0",
		ItemID:     7,
		Evidence:   &model.EvidencePayload{},
		Extraction: &model.ExtractionPayload{},
	}
	st := &fakeStore{latestTruth: cached}
	searcher := &fakeSearcher{evidence: goodEvidence}
	llm := &fakeAnthropic{responses: []string{goodExtraction}}

	p := newTestPipeline(st, searcher, llm)
	got, err := p.GetOrCreateTruth(context.Background(), model.Item{ID: 7, Title: "Mud Puddle"})
	require.NoError(t, err)

	assert.Equal(t, 1, searcher.calls)
	assert.Equal(t, 1, llm.calls)
	assert.True(t, got.Complete())
	require.Len(t, st.truths, 1)
	assert.Positive(t, got.Usage.CostUSD)
}

func TestGetOrCreateTruthEvidenceFailure(t *testing.T) {
	st := &fakeStore{}
	searcher := &fakeSearcher{err: errors.New("provider down")}
	llm := &fakeAnthropic{responses: []string{goodExtraction}}

	p := newTestPipeline(st, searcher, llm)
	_, err := p.GetOrCreateTruth(context.Background(), model.Item{ID: 7, Title: "Mud Puddle"})

	var fetchErr *EvidenceFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, int64(7), fetchErr.ItemID)
	assert.Empty(t, st.truths)
}

func TestGetOrCreateTruthExtractionParseFailure(t *testing.T) {
	st := &fakeStore{}
	searcher := &fakeSearcher{evidence: goodEvidence}
	llm := &fakeAnthropic{responses: []string{`{"unexpected_field": true}`}}

	p := newTestPipeline(st, searcher, llm)
	_, err := p.GetOrCreateTruth(context.Background(), model.Item{ID: 7, Title: "Mud Puddle"})

	var parseErr *ExtractionParseError
	require.ErrorAs(t, err, &parseErr)
	assert.NotEmpty(t, parseErr.Raw)
	assert.Empty(t, st.truths)
}

func TestUpsertRoast(t *testing.T) {
	st := &fakeStore{}
	llm := &fakeAnthropic{responses: []string{goodRoast}}
	p := newTestPipeline(st, &fakeSearcher{}, llm)

	truth := &model.TruthRecord{
		ID:         "truth-1",
		ItemID:     7,
		Extraction: &model.ExtractionPayload{Title: "Mud Puddle", Plot: "p", Reception: "r"},
	}

	rec, err := p.UpsertRoast(context.Background(), model.Item{ID: 7, Title: "Mud Puddle"}, truth)
	require.NoError(t, err)

	assert.True(t, rec.Active)
	assert.Equal(t, "en", rec.Language)
	assert.Equal(t, "A puddle deeper than its script", rec.Content.Headline)
	assert.Equal(t, "claude-sonnet-4-5-20250929", rec.Model)
	require.Len(t, st.roasts, 1)
}

func TestUpsertRoastGenerationParseFailure(t *testing.T) {
	st := &fakeStore{}
	llm := &fakeAnthropic{responses: []string{`{"headline": "", "sections": []}`}}
	p := newTestPipeline(st, &fakeSearcher{}, llm)

	truth := &model.TruthRecord{Extraction: &model.ExtractionPayload{Title: "t", Plot: "p", Reception: "r"}}
	_, err := p.UpsertRoast(context.Background(), model.Item{ID: 7}, truth)

	var parseErr *GenerationParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Empty(t, st.roasts)
}

// availFunc adapts a function to the Availability interface.
type availFunc func(ctx context.Context, itemID int64) (json.RawMessage, error)

func (f availFunc) WatchProviders(ctx context.Context, itemID int64) (json.RawMessage, error) {
	return f(ctx, itemID)
}

func TestUpsertRoastAvailabilityFailureSwallowed(t *testing.T) {
	st := &fakeStore{}
	llm := &fakeAnthropic{responses: []string{goodRoast}}
	p := newTestPipeline(st, &fakeSearcher{}, llm)
	p.availability = availFunc(func(context.Context, int64) (json.RawMessage, error) {
		return nil, errors.New("catalog timeout")
	})

	truth := &model.TruthRecord{Extraction: &model.ExtractionPayload{Title: "t", Plot: "p", Reception: "r"}}
	rec, err := p.UpsertRoast(context.Background(), model.Item{ID: 7, Title: "Mud Puddle"}, truth)
	require.NoError(t, err)
	assert.Nil(t, rec.Availability)
	require.Len(t, st.roasts, 1)
}

func TestProcessItemSeedsMissingItem(t *testing.T) {
	st := &fakeStore{}
	searcher := &fakeSearcher{evidence: goodEvidence}
	llm := &fakeAnthropic{responses: []string{goodExtraction, goodRoast}}

	p := newTestPipeline(st, searcher, llm)
	err := p.ProcessItem(context.Background(), 42, "Mud Puddle")
	require.NoError(t, err)

	require.Contains(t, st.items, int64(42))
	assert.Equal(t, "Mud Puddle", st.items[42].Title)
	require.Len(t, st.truths, 1)
	require.Len(t, st.roasts, 1)
}
