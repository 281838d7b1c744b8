package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/screenroast/screenroast/internal/db"
	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest store operations (the consumer's dedup check and the
// pipeline's truth lookup run once per message).
var preparedStatements = map[string]string{
	"has_active_roast": `SELECT EXISTS (SELECT 1 FROM roasts WHERE item_id = $1 AND language = $2 AND active)`,
	"latest_truth":     `SELECT id, item_id, source, model, fetched_at, evidence, extraction, citations, usage FROM truth_records WHERE item_id = $1 ORDER BY fetched_at DESC LIMIT 1`,
	"get_item":         `SELECT id, title, release_date, popularity, vote_average, created_at, updated_at FROM items WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS items (
	id           BIGINT PRIMARY KEY,
	title        TEXT NOT NULL,
	release_date DATE,
	popularity   DOUBLE PRECISION NOT NULL DEFAULT 0,
	vote_average DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS category_members (
	category TEXT NOT NULL,
	item_id  BIGINT NOT NULL REFERENCES items(id),
	added_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (category, item_id)
);

CREATE TABLE IF NOT EXISTS truth_records (
	id         TEXT PRIMARY KEY,
	item_id    BIGINT NOT NULL REFERENCES items(id),
	source     TEXT NOT NULL,
	model      TEXT NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	evidence   JSONB,
	extraction JSONB,
	citations  JSONB,
	usage      JSONB
);

CREATE INDEX IF NOT EXISTS idx_truth_records_item_fetched ON truth_records(item_id, fetched_at DESC);

CREATE TABLE IF NOT EXISTS roasts (
	id           TEXT PRIMARY KEY,
	item_id      BIGINT NOT NULL REFERENCES items(id),
	language     TEXT NOT NULL DEFAULT 'en',
	content      JSONB NOT NULL,
	model        TEXT NOT NULL,
	availability JSONB,
	active       BOOLEAN NOT NULL DEFAULT true,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_roasts_active ON roasts(item_id, language) WHERE active;
CREATE INDEX IF NOT EXISTS idx_roasts_item_lang ON roasts(item_id, language);

CREATE TABLE IF NOT EXISTS job_runs (
	id             TEXT PRIMARY KEY,
	job_name       TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at    TIMESTAMPTZ,
	duration_ms    BIGINT,
	items_enqueued INTEGER NOT NULL DEFAULT 0,
	titles         JSONB,
	cursor         TEXT,
	error          TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_job_runs_running ON job_runs(job_name) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_job_runs_name_started ON job_runs(job_name, started_at DESC);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	item_id        BIGINT NOT NULL,
	title          TEXT,
	correlation_id TEXT,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	attempts       INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// itemColumns are the columns written by UpsertItems, in COPY order.
var itemColumns = []string{"id", "title", "release_date", "popularity", "vote_average", "updated_at"}

// UpsertItems bulk-upserts catalog items. When keepPopularity is true the
// stored popularity score is preserved on conflict; some upstream lists
// report a list-relative score that must not clobber the global one.
func (s *PostgresStore) UpsertItems(ctx context.Context, items []model.Item, keepPopularity bool) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, []any{it.ID, it.Title, it.ReleaseDate, it.Popularity, it.VoteAverage, now})
	}

	updateCols := []string{"title", "release_date", "popularity", "vote_average", "updated_at"}
	if keepPopularity {
		updateCols = []string{"title", "release_date", "vote_average", "updated_at"}
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "items",
		Columns:      itemColumns,
		ConflictKeys: []string{"id"},
		UpdateCols:   updateCols,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert items")
	}
	return n, nil
}

func (s *PostgresStore) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	var it model.Item
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, release_date, popularity, vote_average, created_at, updated_at
		 FROM items WHERE id = $1`,
		id,
	).Scan(&it.ID, &it.Title, &it.ReleaseDate, &it.Popularity, &it.VoteAverage, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get item %d", id)
	}
	return &it, nil
}

// ReplaceCategoryMembers swaps a category's full membership in one
// transaction, so readers never observe a partially refreshed set.
func (s *PostgresStore) ReplaceCategoryMembers(ctx context.Context, category string, itemIDs []int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: replace members: begin tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM category_members WHERE category = $1`, category); err != nil {
		return eris.Wrapf(err, "postgres: replace members: delete %s", category)
	}

	if len(itemIDs) > 0 {
		now := time.Now().UTC()
		rows := make([][]any, 0, len(itemIDs))
		for _, id := range itemIDs {
			rows = append(rows, []any{category, id, now})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"category_members"}, []string{"category", "item_id", "added_at"}, pgx.CopyFromRows(rows)); err != nil {
			return eris.Wrapf(err, "postgres: replace members: insert %s", category)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: replace members: commit tx")
	}
	return nil
}

func (s *PostgresStore) ListCategoryItems(ctx context.Context, category string, limit, offset int) ([]model.Item, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT i.id, i.title, i.release_date, i.popularity, i.vote_average, i.created_at, i.updated_at
		 FROM category_members cm
		 JOIN items i ON i.id = cm.item_id
		 WHERE cm.category = $1
		 ORDER BY i.popularity DESC, i.id
		 LIMIT $2 OFFSET $3`,
		category, limit, offset,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list category %s", category)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		if err := rows.Scan(&it.ID, &it.Title, &it.ReleaseDate, &it.Popularity, &it.VoteAverage, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan category item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list category iterate")
}

func (s *PostgresStore) LatestTruth(ctx context.Context, itemID int64) (*model.TruthRecord, error) {
	var rec model.TruthRecord
	var evidence, extraction, citations, usage []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, item_id, source, model, fetched_at, evidence, extraction, citations, usage
		 FROM truth_records WHERE item_id = $1
		 ORDER BY fetched_at DESC LIMIT 1`,
		itemID,
	).Scan(&rec.ID, &rec.ItemID, &rec.Source, &rec.Model, &rec.FetchedAt, &evidence, &extraction, &citations, &usage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: latest truth for item %d", itemID)
	}

	if err := unmarshalTruthPayloads(&rec, evidence, extraction, citations, usage); err != nil {
		return nil, err
	}
	return &rec, nil
}

func unmarshalTruthPayloads(rec *model.TruthRecord, evidence, extraction, citations, usage []byte) error {
	if evidence != nil {
		rec.Evidence = &model.EvidencePayload{}
		if err := json.Unmarshal(evidence, rec.Evidence); err != nil {
			return eris.Wrap(err, "postgres: unmarshal evidence")
		}
	}
	if extraction != nil {
		rec.Extraction = &model.ExtractionPayload{}
		if err := json.Unmarshal(extraction, rec.Extraction); err != nil {
			return eris.Wrap(err, "postgres: unmarshal extraction")
		}
	}
	if citations != nil {
		if err := json.Unmarshal(citations, &rec.Citations); err != nil {
			return eris.Wrap(err, "postgres: unmarshal citations")
		}
	}
	if usage != nil {
		if err := json.Unmarshal(usage, &rec.Usage); err != nil {
			return eris.Wrap(err, "postgres: unmarshal usage")
		}
	}
	return nil
}

func (s *PostgresStore) InsertTruth(ctx context.Context, rec *model.TruthRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = time.Now().UTC()
	}

	evidence, err := marshalNullable(rec.Evidence)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal evidence")
	}
	extraction, err := marshalNullable(rec.Extraction)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal extraction")
	}
	var citations []byte
	if rec.Citations != nil {
		if citations, err = json.Marshal(rec.Citations); err != nil {
			return eris.Wrap(err, "postgres: marshal citations")
		}
	}
	usage, err := json.Marshal(rec.Usage)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal usage")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO truth_records (id, item_id, source, model, fetched_at, evidence, extraction, citations, usage)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.ItemID, rec.Source, rec.Model, rec.FetchedAt, evidence, extraction, citations, usage,
	)
	return eris.Wrapf(err, "postgres: insert truth for item %d", rec.ItemID)
}

func marshalNullable(v any) ([]byte, error) {
	switch p := v.(type) {
	case *model.EvidencePayload:
		if p == nil {
			return nil, nil
		}
	case *model.ExtractionPayload:
		if p == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func (s *PostgresStore) ActiveRoast(ctx context.Context, itemID int64, language string) (*model.RoastRecord, error) {
	var rec model.RoastRecord
	var content []byte
	var availability *[]byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, item_id, language, content, model, availability, active, created_at
		 FROM roasts WHERE item_id = $1 AND language = $2 AND active`,
		itemID, language,
	).Scan(&rec.ID, &rec.ItemID, &rec.Language, &content, &rec.Model, &availability, &rec.Active, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: active roast for item %d", itemID)
	}
	if err := json.Unmarshal(content, &rec.Content); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal roast content")
	}
	if availability != nil {
		rec.Availability = *availability
	}
	return &rec, nil
}

func (s *PostgresStore) HasActiveRoast(ctx context.Context, itemID int64, language string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM roasts WHERE item_id = $1 AND language = $2 AND active)`,
		itemID, language,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: has active roast for item %d", itemID)
	}
	return exists, nil
}

// SaveRoast deactivates the current active roast for (item, language) and
// inserts rec as the new active version in one transaction. The partial
// unique index on active rows rejects any interleaving that would leave
// two active versions.
func (s *PostgresStore) SaveRoast(ctx context.Context, rec *model.RoastRecord) error {
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
		return eris.Wrap(err, "postgres: marshal roast content")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save roast: begin tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE roasts SET active = false WHERE item_id = $1 AND language = $2 AND active`,
		rec.ItemID, rec.Language,
	); err != nil {
		return eris.Wrapf(err, "postgres: save roast: deactivate item %d", rec.ItemID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO roasts (id, item_id, language, content, model, availability, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, true, $7)`,
		rec.ID, rec.ItemID, rec.Language, content, rec.Model, []byte(rec.Availability), rec.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: save roast: insert item %d", rec.ItemID)
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: save roast: commit tx")
	}
	return nil
}

// InsertRun creates a running job_runs row. The partial unique index on
// (job_name) WHERE status='running' makes the insert itself the lock
// acquisition; a unique violation is re-raised as ErrAlreadyRunning.
func (s *PostgresStore) InsertRun(ctx context.Context, jobName string) (*model.JobRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_runs (id, job_name, status, started_at) VALUES ($1, $2, $3, $4)`,
		id, jobName, string(model.JobStatusRunning), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyRunning
		}
		return nil, eris.Wrapf(err, "postgres: insert run for %s", jobName)
	}

	return &model.JobRun{
		ID:        id,
		JobName:   jobName,
		Status:    model.JobStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunProgress(ctx context.Context, runID string, titles []string, count int) error {
	titlesJSON, err := json.Marshal(titles)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run titles")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_runs SET items_enqueued = $1, titles = $2 WHERE id = $3`,
		count, titlesJSON, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run progress %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

// FinishRun transitions a running row to a terminal status. Duration is
// computed in SQL from the stored started_at so it survives clock-skewed
// callers.
func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.JobStatus, cursor, errText string) error {
	if !status.Terminal() {
		return eris.Errorf("postgres: finish run with non-terminal status %q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_runs
		 SET status = $1,
		     finished_at = now(),
		     duration_ms = (EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::bigint,
		     cursor = NULLIF($2, ''),
		     error = NULLIF($3, '')
		 WHERE id = $4 AND status = 'running'`,
		string(status), cursor, errText, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("running run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, jobName string, limit int) ([]model.JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_name, status, started_at, finished_at, duration_ms, items_enqueued, titles, cursor, error
		 FROM job_runs WHERE job_name = $1
		 ORDER BY started_at DESC LIMIT $2`,
		jobName, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list runs for %s", jobName)
	}
	defer rows.Close()

	var runs []model.JobRun
	for rows.Next() {
		var r model.JobRun
		var titlesJSON []byte
		var cursor, errText *string
		if err := rows.Scan(&r.ID, &r.JobName, &r.Status, &r.StartedAt, &r.FinishedAt, &r.DurationMS, &r.ItemsEnqueued, &titlesJSON, &cursor, &errText); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
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
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) InsertDeadLetter(ctx context.Context, entry resilience.DeadLetter) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, item_id, title, correlation_id, error, error_type, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.ItemID, entry.Title, entry.CorrelationID, entry.Error, entry.ErrorType, entry.Attempts, entry.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert dead letter")
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]resilience.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, item_id, title, correlation_id, error, error_type, attempts, created_at
		 FROM dead_letters ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var entries []resilience.DeadLetter
	for rows.Next() {
		var e resilience.DeadLetter
		var title, corrID *string
		if err := rows.Scan(&e.ID, &e.ItemID, &title, &corrID, &e.Error, &e.ErrorType, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		if title != nil {
			e.Title = *title
		}
		if corrID != nil {
			e.CorrelationID = *corrID
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// pgxmock and some wrappers surface the SQLSTATE only in the message.
	msg := err.Error()
	return strings.Contains(msg, "SQLSTATE 23505") || strings.Contains(msg, "duplicate key value")
}
