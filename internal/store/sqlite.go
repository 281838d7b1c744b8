package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. It mirrors the
// Postgres schema, including the two partial unique indexes that enforce
// the single-active-roast and single-running-job invariants.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS items (
	id           INTEGER PRIMARY KEY,
	title        TEXT NOT NULL,
	release_date DATETIME,
	popularity   REAL NOT NULL DEFAULT 0,
	vote_average REAL NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS category_members (
	category TEXT NOT NULL,
	item_id  INTEGER NOT NULL REFERENCES items(id),
	added_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (category, item_id)
);

CREATE TABLE IF NOT EXISTS truth_records (
	id         TEXT PRIMARY KEY,
	item_id    INTEGER NOT NULL REFERENCES items(id),
	source     TEXT NOT NULL,
	model      TEXT NOT NULL,
	fetched_at DATETIME NOT NULL DEFAULT (datetime('now')),
	evidence   TEXT,
	extraction TEXT,
	citations  TEXT,
	usage      TEXT
);

CREATE INDEX IF NOT EXISTS idx_truth_records_item_fetched ON truth_records(item_id, fetched_at DESC);

CREATE TABLE IF NOT EXISTS roasts (
	id           TEXT PRIMARY KEY,
	item_id      INTEGER NOT NULL REFERENCES items(id),
	language     TEXT NOT NULL DEFAULT 'en',
	content      TEXT NOT NULL,
	model        TEXT NOT NULL,
	availability TEXT,
	active       INTEGER NOT NULL DEFAULT 1,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_roasts_active ON roasts(item_id, language) WHERE active = 1;

CREATE TABLE IF NOT EXISTS job_runs (
	id             TEXT PRIMARY KEY,
	job_name       TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	started_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at    DATETIME,
	duration_ms    INTEGER,
	items_enqueued INTEGER NOT NULL DEFAULT 0,
	titles         TEXT,
	cursor         TEXT,
	error          TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_job_runs_running ON job_runs(job_name) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	item_id        INTEGER NOT NULL,
	title          TEXT,
	correlation_id TEXT,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	attempts       INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertItems(ctx context.Context, items []model.Item, keepPopularity bool) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}

	popularitySet := ", popularity = excluded.popularity"
	if keepPopularity {
		popularitySet = ""
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert items: begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO items (id, title, release_date, popularity, vote_average, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   title = excluded.title,
		   release_date = excluded.release_date,
		   vote_average = excluded.vote_average,
		   updated_at = excluded.updated_at`+popularitySet,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert items: prepare")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var n int64
	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, it.ID, it.Title, it.ReleaseDate, it.Popularity, it.VoteAverage, now); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert item %d", it.ID)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert items: commit tx")
	}
	return n, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	var it model.Item
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, release_date, popularity, vote_average, created_at, updated_at
		 FROM items WHERE id = ?`,
		id,
	).Scan(&it.ID, &it.Title, &it.ReleaseDate, &it.Popularity, &it.VoteAverage, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get item %d", id)
	}
	return &it, nil
}

func (s *SQLiteStore) ReplaceCategoryMembers(ctx context.Context, category string, itemIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: replace members: begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM category_members WHERE category = ?`, category); err != nil {
		return eris.Wrapf(err, "sqlite: replace members: delete %s", category)
	}

	now := time.Now().UTC()
	for _, id := range itemIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO category_members (category, item_id, added_at) VALUES (?, ?, ?)`,
			category, id, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: replace members: insert %s/%d", category, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: replace members: commit tx")
	}
	return nil
}

func (s *SQLiteStore) ListCategoryItems(ctx context.Context, category string, limit, offset int) ([]model.Item, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.title, i.release_date, i.popularity, i.vote_average, i.created_at, i.updated_at
		 FROM category_members cm
		 JOIN items i ON i.id = cm.item_id
		 WHERE cm.category = ?
		 ORDER BY i.popularity DESC, i.id
		 LIMIT ? OFFSET ?`,
		category, limit, offset,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list category %s", category)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		if err := rows.Scan(&it.ID, &it.Title, &it.ReleaseDate, &it.Popularity, &it.VoteAverage, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan category item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list category iterate")
}

func (s *SQLiteStore) LatestTruth(ctx context.Context, itemID int64) (*model.TruthRecord, error) {
	var rec model.TruthRecord
	var evidence, extraction, citations, usage []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT id, item_id, source, model, fetched_at, evidence, extraction, citations, usage
		 FROM truth_records WHERE item_id = ?
		 ORDER BY fetched_at DESC LIMIT 1`,
		itemID,
	).Scan(&rec.ID, &rec.ItemID, &rec.Source, &rec.Model, &rec.FetchedAt, &evidence, &extraction, &citations, &usage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: latest truth for item %d", itemID)
	}

	if err := unmarshalTruthPayloads(&rec, evidence, extraction, citations, usage); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) InsertTruth(ctx context.Context, rec *model.TruthRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = time.Now().UTC()
	}

	evidence, err := marshalNullable(rec.Evidence)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal evidence")
	}
	extraction, err := marshalNullable(rec.Extraction)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal extraction")
	}
	var citations []byte
	if rec.Citations != nil {
		if citations, err = json.Marshal(rec.Citations); err != nil {
			return eris.Wrap(err, "sqlite: marshal citations")
		}
	}
	usage, err := json.Marshal(rec.Usage)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal usage")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO truth_records (id, item_id, source, model, fetched_at, evidence, extraction, citations, usage)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ItemID, rec.Source, rec.Model, rec.FetchedAt, evidence, extraction, citations, usage,
	)
	return eris.Wrapf(err, "sqlite: insert truth for item %d", rec.ItemID)
}

func (s *SQLiteStore) ActiveRoast(ctx context.Context, itemID int64, language string) (*model.RoastRecord, error) {
	var rec model.RoastRecord
	var content []byte
	var availability []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT id, item_id, language, content, model, availability, active, created_at
		 FROM roasts WHERE item_id = ? AND language = ? AND active = 1`,
		itemID, language,
	).Scan(&rec.ID, &rec.ItemID, &rec.Language, &content, &rec.Model, &availability, &rec.Active, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: active roast for item %d", itemID)
	}
	if err := json.Unmarshal(content, &rec.Content); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal roast content")
	}
	rec.Availability = availability
	return &rec, nil
}

func (s *SQLiteStore) HasActiveRoast(ctx context.Context, itemID int64, language string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM roasts WHERE item_id = ? AND language = ? AND active = 1)`,
		itemID, language,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: has active roast for item %d", itemID)
	}
	return exists, nil
}

func (s *SQLiteStore) SaveRoast(ctx context.Context, rec *model.RoastRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Language == "" {
		rec.Language = model.DefaultLanguage
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Active = true

	content, err := json.Marshal(rec.Content)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal roast content")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save roast: begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE roasts SET active = 0 WHERE item_id = ? AND language = ? AND active = 1`,
		rec.ItemID, rec.Language,
	); err != nil {
		return eris.Wrapf(err, "sqlite: save roast: deactivate item %d", rec.ItemID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO roasts (id, item_id, language, content, model, availability, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		rec.ID, rec.ItemID, rec.Language, content, rec.Model, []byte(rec.Availability), rec.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "sqlite: save roast: insert item %d", rec.ItemID)
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: save roast: commit tx")
	}
	return nil
}

func (s *SQLiteStore) InsertRun(ctx context.Context, jobName string) (*model.JobRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (id, job_name, status, started_at) VALUES (?, ?, ?, ?)`,
		id, jobName, string(model.JobStatusRunning), now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrAlreadyRunning
		}
		return nil, eris.Wrapf(err, "sqlite: insert run for %s", jobName)
	}

	return &model.JobRun{
		ID:        id,
		JobName:   jobName,
		Status:    model.JobStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, runID string, titles []string, count int) error {
	titlesJSON, err := json.Marshal(titles)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run titles")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET items_enqueued = ?, titles = ? WHERE id = ?`,
		count, titlesJSON, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run progress %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.JobStatus, cursor, errText string) error {
	if !status.Terminal() {
		return eris.Errorf("sqlite: finish run with non-terminal status %q", status)
	}
	// The duration is computed in Go: started_at is stored as a Go time
	// value whose fractional seconds SQLite's date functions reject.
	var startedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM job_runs WHERE id = ? AND status = 'running'`, runID,
	).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Errorf("running run not found: %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}

	finishedAt := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs
		 SET status = ?,
		     finished_at = ?,
		     duration_ms = ?,
		     cursor = NULLIF(?, ''),
		     error = NULLIF(?, '')
		 WHERE id = ? AND status = 'running'`,
		string(status), finishedAt, finishedAt.Sub(startedAt).Milliseconds(), cursor, errText, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("running run not found: %s", runID)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, jobName string, limit int) ([]model.JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_name, status, started_at, finished_at, duration_ms, items_enqueued, titles, cursor, error
		 FROM job_runs WHERE job_name = ?
		 ORDER BY started_at DESC LIMIT ?`,
		jobName, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list runs for %s", jobName)
	}
	defer rows.Close()

	var runs []model.JobRun
	for rows.Next() {
		var r model.JobRun
		var titlesJSON []byte
		var cursor, errText *string
		if err := rows.Scan(&r.ID, &r.JobName, &r.Status, &r.StartedAt, &r.FinishedAt, &r.DurationMS, &r.ItemsEnqueued, &titlesJSON, &cursor, &errText); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if titlesJSON != nil {
			_ = json.Unmarshal(titlesJSON, &r.Titles)
		}
		if cursor != nil {
			r.Cursor = *cursor
		}
		if errText != nil {
			r.Error = *errText
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) InsertDeadLetter(ctx context.Context, entry resilience.DeadLetter) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, item_id, title, correlation_id, error, error_type, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ItemID, entry.Title, entry.CorrelationID, entry.Error, entry.ErrorType, entry.Attempts, entry.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert dead letter")
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]resilience.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, title, correlation_id, error, error_type, attempts, created_at
		 FROM dead_letters ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var entries []resilience.DeadLetter
	for rows.Next() {
		var e resilience.DeadLetter
		var title, corrID *string
		if err := rows.Scan(&e.ID, &e.ItemID, &title, &corrID, &e.Error, &e.ErrorType, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		if title != nil {
			e.Title = *title
		}
		if corrID != nil {
			e.CorrelationID = *corrID
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}
