package joblog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/internal/store"
)

type fakeRunStore struct {
	insertErr   error
	finishErr   error
	progressErr error

	inserted []string
	finished []finishCall
	progress []progressCall
	runs     []model.JobRun
}

type finishCall struct {
	runID   string
	status  model.JobStatus
	cursor  string
	errText string
}

type progressCall struct {
	runID  string
	titles []string
	count  int
}

func (f *fakeRunStore) InsertRun(_ context.Context, jobName string) (*model.JobRun, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.inserted = append(f.inserted, jobName)
	return &model.JobRun{ID: "run-1", JobName: jobName, Status: model.JobStatusRunning}, nil
}

func (f *fakeRunStore) UpdateRunProgress(_ context.Context, runID string, titles []string, count int) error {
	f.progress = append(f.progress, progressCall{runID, titles, count})
	return f.progressErr
}

func (f *fakeRunStore) FinishRun(_ context.Context, runID string, status model.JobStatus, cursor, errText string) error {
	if f.finishErr != nil {
		return f.finishErr
	}
	f.finished = append(f.finished, finishCall{runID, status, cursor, errText})
	return nil
}

func (f *fakeRunStore) ListRuns(_ context.Context, jobName string, limit int) ([]model.JobRun, error) {
	return f.runs, nil
}

func TestStartRun(t *testing.T) {
	fs := &fakeRunStore{}
	tracker := NewTracker(fs)

	runID, err := tracker.StartRun(context.Background(), "catalog-refresh")
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, []string{"catalog-refresh"}, fs.inserted)
}

func TestStartRunAlreadyRunning(t *testing.T) {
	fs := &fakeRunStore{insertErr: store.ErrAlreadyRunning}
	tracker := NewTracker(fs)

	runID, err := tracker.StartRun(context.Background(), "catalog-refresh")
	require.ErrorIs(t, err, store.ErrAlreadyRunning)
	assert.Empty(t, runID)
	assert.Empty(t, fs.inserted)
}

func TestStartRunStoreError(t *testing.T) {
	fs := &fakeRunStore{insertErr: errors.New("connection refused")}
	tracker := NewTracker(fs)

	_, err := tracker.StartRun(context.Background(), "catalog-refresh")
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrAlreadyRunning)
}

func TestUpdateProgressSwallowsFailure(t *testing.T) {
	fs := &fakeRunStore{progressErr: errors.New("write failed")}
	tracker := NewTracker(fs)

	// Must not panic or surface the error.
	tracker.UpdateProgress(context.Background(), "run-1", []string{"Mud Puddle"}, 1)
	require.Len(t, fs.progress, 1)
	assert.Equal(t, 1, fs.progress[0].count)
}

func TestCompleteAndFailRun(t *testing.T) {
	fs := &fakeRunStore{}
	tracker := NewTracker(fs)

	require.NoError(t, tracker.CompleteRun(context.Background(), "run-1", "cursor-abc"))
	require.NoError(t, tracker.FailRun(context.Background(), "run-2", errors.New("boom")))

	require.Len(t, fs.finished, 2)
	assert.Equal(t, finishCall{"run-1", model.JobStatusSuccess, "cursor-abc", ""}, fs.finished[0])
	assert.Equal(t, finishCall{"run-2", model.JobStatusFailed, "", "boom"}, fs.finished[1])
}

func TestHistory(t *testing.T) {
	fs := &fakeRunStore{runs: []model.JobRun{
		{ID: "run-2", Status: model.JobStatusSuccess},
		{ID: "run-1", Status: model.JobStatusFailed},
	}}
	tracker := NewTracker(fs)

	runs, err := tracker.History(context.Background(), "catalog-refresh", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
}
