package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/internal/resilience"
)

// ErrAlreadyRunning is returned by InsertRun when a running row already
// exists for the job name. The storage layer's partial unique index is the
// authority; a constraint violation on insert is re-raised as this error.
var ErrAlreadyRunning = eris.New("store: job already running")

// Store defines the persistence interface for the roast pipeline.
// Read methods return (nil, nil) when the row does not exist.
type Store interface {
	// Items
	UpsertItems(ctx context.Context, items []model.Item, keepPopularity bool) (int64, error)
	GetItem(ctx context.Context, id int64) (*model.Item, error)
	ReplaceCategoryMembers(ctx context.Context, category string, itemIDs []int64) error
	ListCategoryItems(ctx context.Context, category string, limit, offset int) ([]model.Item, error)

	// Truth records (append-only)
	LatestTruth(ctx context.Context, itemID int64) (*model.TruthRecord, error)
	InsertTruth(ctx context.Context, rec *model.TruthRecord) error

	// Roasts (versioned, single active per item+language)
	ActiveRoast(ctx context.Context, itemID int64, language string) (*model.RoastRecord, error)
	HasActiveRoast(ctx context.Context, itemID int64, language string) (bool, error)
	SaveRoast(ctx context.Context, rec *model.RoastRecord) error

	// Job runs
	InsertRun(ctx context.Context, jobName string) (*model.JobRun, error)
	UpdateRunProgress(ctx context.Context, runID string, titles []string, count int) error
	FinishRun(ctx context.Context, runID string, status model.JobStatus, cursor, errText string) error
	ListRuns(ctx context.Context, jobName string, limit int) ([]model.JobRun, error)

	// Dead letters
	InsertDeadLetter(ctx context.Context, entry resilience.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]resilience.DeadLetter, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
