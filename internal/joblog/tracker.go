// Package joblog tracks named job runs and enforces that at most one run
// per job name is in flight. The lock lives in storage: a partial unique
// index on running rows means whoever inserts first owns the run, and a
// crashed owner leaves a visible running row for manual reconciliation
// rather than silently expiring.
package joblog

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/internal/store"
)

// RunStore is the slice of the store the tracker needs.
type RunStore interface {
	InsertRun(ctx context.Context, jobName string) (*model.JobRun, error)
	UpdateRunProgress(ctx context.Context, runID string, titles []string, count int) error
	FinishRun(ctx context.Context, runID string, status model.JobStatus, cursor, errText string) error
	ListRuns(ctx context.Context, jobName string, limit int) ([]model.JobRun, error)
}

// Tracker records job run lifecycles.
type Tracker struct {
	store RunStore
}

// NewTracker creates a Tracker.
func NewTracker(s RunStore) *Tracker {
	return &Tracker{store: s}
}

// StartRun claims the lock for jobName and records a running row. When a
// run is already in flight it returns store.ErrAlreadyRunning and writes
// nothing.
func (t *Tracker) StartRun(ctx context.Context, jobName string) (string, error) {
	run, err := t.store.InsertRun(ctx, jobName)
	if err != nil {
		if eris.Is(err, store.ErrAlreadyRunning) {
			zap.L().Info("job already running, skipping",
				zap.String("job", jobName),
			)
			return "", store.ErrAlreadyRunning
		}
		return "", eris.Wrap(err, "joblog: start run")
	}

	zap.L().Info("job run started",
		zap.String("job", jobName),
		zap.String("run_id", run.ID),
	)
	return run.ID, nil
}

// UpdateProgress records interim counts and titles on the running row.
// Best-effort: a failed progress write is logged and swallowed so it can
// never fail the job it describes.
func (t *Tracker) UpdateProgress(ctx context.Context, runID string, titles []string, count int) {
	if err := t.store.UpdateRunProgress(ctx, runID, titles, count); err != nil {
		zap.L().Warn("progress update failed",
			zap.String("run_id", runID),
			zap.Error(err),
		)
	}
}

// CompleteRun marks the run successful. Duration is computed in the store
// from the persisted start time, so it never disagrees with the row.
func (t *Tracker) CompleteRun(ctx context.Context, runID, cursor string) error {
	if err := t.store.FinishRun(ctx, runID, model.JobStatusSuccess, cursor, ""); err != nil {
		return eris.Wrap(err, "joblog: complete run")
	}
	zap.L().Info("job run completed", zap.String("run_id", runID))
	return nil
}

// FailRun marks the run failed with the error text.
func (t *Tracker) FailRun(ctx context.Context, runID string, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	if err := t.store.FinishRun(ctx, runID, model.JobStatusFailed, "", msg); err != nil {
		return eris.Wrap(err, "joblog: fail run")
	}
	zap.L().Warn("job run failed",
		zap.String("run_id", runID),
		zap.String("error", msg),
	)
	return nil
}

// History returns the most recent runs for a job, newest first.
func (t *Tracker) History(ctx context.Context, jobName string, limit int) ([]model.JobRun, error) {
	runs, err := t.store.ListRuns(ctx, jobName, limit)
	if err != nil {
		return nil, eris.Wrap(err, "joblog: list runs")
	}
	return runs, nil
}
