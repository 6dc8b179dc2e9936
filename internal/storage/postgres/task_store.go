// Package postgres provides the Postgres-backed task store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/taskengine/internal/task"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "tasks"

// Config controls the Postgres connection pool used for task rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate creates the table and its indexes on startup.
	Migrate bool
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock implements it too.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// TaskStore persists tasks in a single Postgres table.
type TaskStore struct {
	pool    pool
	table   string
	columns string
}

var _ task.Store = (*TaskStore)(nil)

// NewTaskStore connects to Postgres using cfg.
func NewTaskStore(ctx context.Context, cfg Config) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewTaskStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(p pool, table string) (*TaskStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TaskStore{pool: p, table: table, columns: strings.Join(columns, ", ")}, nil
}

var columns = []string{
	"id", "status", "sort_id", "priority", "scraper_name", "scraper_type",
	"is_all_task", "parent_task_id", "is_large", "data", "metadata",
	"result_count", "error", "started_at", "finished_at", "created_at", "updated_at",
}

// Migrate creates the task table and the indexes the scheduler queries use.
func (s *TaskStore) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id             BIGINT PRIMARY KEY,
	status         TEXT NOT NULL,
	sort_id        BIGINT NOT NULL,
	priority       INTEGER NOT NULL DEFAULT 0,
	scraper_name   TEXT NOT NULL,
	scraper_type   TEXT NOT NULL,
	is_all_task    BOOLEAN NOT NULL DEFAULT FALSE,
	parent_task_id BIGINT NULL,
	is_large       BOOLEAN NOT NULL DEFAULT FALSE,
	data           JSONB NULL,
	metadata       JSONB NULL,
	result_count   BIGINT NOT NULL DEFAULT 0,
	error          TEXT NULL,
	started_at     TIMESTAMPTZ NULL,
	finished_at    TIMESTAMPTZ NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_pending_type_idx ON %[1]s (status, scraper_type, priority DESC, sort_id DESC)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_pending_name_idx ON %[1]s (status, scraper_name, priority DESC, sort_id DESC)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_parent_idx ON %[1]s (parent_task_id)`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.table, err)
		}
	}
	return nil
}

// Insert writes tasks in a single transaction.
func (s *TaskStore) Insert(ctx context.Context, tasks []task.Task) ([]task.Task, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.table, s.columns, strings.Join(placeholders, ","))
	for _, t := range tasks {
		if _, err := tx.Exec(ctx, query, insertArgs(t)...); err != nil {
			_ = tx.Rollback(ctx) //nolint:errcheck // already failing
			return nil, fmt.Errorf("insert task %d: %w", t.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	out := make([]task.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out, nil
}

func insertArgs(t task.Task) []any {
	return []any{
		t.ID,
		string(t.Status),
		t.SortID,
		int32(t.Priority), //nolint:gosec // priorities are tiny
		t.ScraperName,
		t.ScraperType,
		t.IsAllTask,
		t.ParentTaskID,
		t.IsLarge,
		jsonArg(t.Data),
		jsonArg(t.Metadata),
		t.ResultCount,
		nullString(t.Error),
		t.StartedAt,
		t.FinishedAt,
		t.CreatedAt,
		t.UpdatedAt,
	}
}

// Get fetches a task by id.
func (s *TaskStore) Get(ctx context.Context, id int64) (task.Task, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", s.columns, s.table)
	t, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, fmt.Errorf("task %d: %w", id, task.ErrNotFound)
		}
		return task.Task{}, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// FindPending returns pending non-parent tasks for key, most urgent first.
func (s *TaskStore) FindPending(ctx context.Context, key task.AdmissionKey, limit int) ([]task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	col, err := keyColumn(key.Kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE status = $1 AND is_all_task = FALSE AND %s = $2 "+
			"ORDER BY priority DESC, sort_id DESC, id ASC LIMIT $3",
		s.columns, s.table, col)
	return s.queryTasks(ctx, query, string(task.StatusPending), key.Value, limit)
}

// List returns tasks matching filter ordered by id.
func (s *TaskStore) List(ctx context.Context, filter task.Filter) ([]task.Task, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(statusStrings(filter.Statuses))+")")
	}
	if !filter.Key.IsZero() {
		col, err := keyColumn(filter.Key.Kind)
		if err != nil {
			return nil, err
		}
		where = append(where, col+" = "+arg(filter.Key.Value))
	}
	if filter.ParentID != nil {
		where = append(where, "parent_task_id = "+arg(*filter.ParentID))
	}
	if filter.IsAllTask != nil {
		where = append(where, "is_all_task = "+arg(*filter.IsAllTask))
	}
	if !filter.StartedBefore.IsZero() {
		where = append(where, "started_at < "+arg(filter.StartedBefore))
	}
	query := fmt.Sprintf("SELECT %s FROM %s", s.columns, s.table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	return s.queryTasks(ctx, query, args...)
}

// UpdateStatus applies patch to ids whose status is in from and reports how
// many rows changed. The status check and the write are one statement.
func (s *TaskStore) UpdateStatus(ctx context.Context, ids []int64, from []task.Status, patch task.Patch) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var (
		sets []string
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if patch.Status != "" {
		sets = append(sets, "status = "+arg(string(patch.Status)))
	}
	if patch.Priority != nil {
		sets = append(sets, "priority = "+arg(int32(*patch.Priority))) //nolint:gosec // priorities are tiny
	}
	switch {
	case patch.ClearStartedAt:
		sets = append(sets, "started_at = NULL")
	case patch.StartedAt != nil:
		sets = append(sets, "started_at = "+arg(*patch.StartedAt))
	}
	if patch.FinishedAt != nil {
		sets = append(sets, "finished_at = "+arg(*patch.FinishedAt))
	}
	if patch.ResultCount != nil {
		sets = append(sets, "result_count = "+arg(*patch.ResultCount))
	}
	if patch.IsLarge != nil {
		sets = append(sets, "is_large = "+arg(*patch.IsLarge))
	}
	if patch.Error != nil {
		sets = append(sets, "error = "+arg(nullString(*patch.Error)))
	}
	if !patch.UpdatedAt.IsZero() {
		sets = append(sets, "updated_at = "+arg(patch.UpdatedAt))
	}
	if len(sets) == 0 {
		return 0, fmt.Errorf("empty patch")
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ANY(%s)", s.table, strings.Join(sets, ", "), arg(ids))
	if len(from) > 0 {
		query += " AND status = ANY(" + arg(statusStrings(from)) + ")"
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountChildrenByStatus tallies the children of parentID by status.
func (s *TaskStore) CountChildrenByStatus(ctx context.Context, parentID int64) (map[task.Status]int64, error) {
	query := fmt.Sprintf("SELECT status, COUNT(*) FROM %s WHERE parent_task_id = $1 GROUP BY status", s.table)
	rows, err := s.pool.Query(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("count children of %d: %w", parentID, err)
	}
	defer rows.Close()
	counts := make(map[task.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan child count: %w", err)
		}
		counts[task.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count children of %d: %w", parentID, err)
	}
	return counts, nil
}

// Statuses returns the status of each id that exists.
func (s *TaskStore) Statuses(ctx context.Context, ids []int64) (map[int64]task.Status, error) {
	out := make(map[int64]task.Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := fmt.Sprintf("SELECT id, status FROM %s WHERE id = ANY($1)", s.table)
	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id     int64
			status string
		)
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		out[id] = task.Status(status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}
	return out, nil
}

// MaxID returns the highest stored id, or zero when the table is empty.
func (s *TaskStore) MaxID(ctx context.Context) (int64, error) {
	var highest int64
	query := fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", s.table)
	if err := s.pool.QueryRow(ctx, query).Scan(&highest); err != nil {
		return 0, fmt.Errorf("max task id: %w", err)
	}
	return highest, nil
}

// Ping checks connectivity.
func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (task.Task, error) {
	var (
		t        task.Task
		status   string
		priority int32
		data     []byte
		metadata []byte
		errText  *string
	)
	err := row.Scan(
		&t.ID,
		&status,
		&t.SortID,
		&priority,
		&t.ScraperName,
		&t.ScraperType,
		&t.IsAllTask,
		&t.ParentTaskID,
		&t.IsLarge,
		&data,
		&metadata,
		&t.ResultCount,
		&errText,
		&t.StartedAt,
		&t.FinishedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return task.Task{}, err //nolint:wrapcheck // callers add context
	}
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	if len(data) > 0 {
		t.Data = json.RawMessage(data)
	}
	if len(metadata) > 0 {
		t.Metadata = json.RawMessage(metadata)
	}
	if errText != nil {
		t.Error = *errText
	}
	return t, nil
}

func keyColumn(kind task.KeyKind) (string, error) {
	switch kind {
	case task.ByType:
		return "scraper_type", nil
	case task.ByName:
		return "scraper_name", nil
	default:
		return "", fmt.Errorf("%w: %q", task.ErrKeyKind, kind)
	}
}

func statusStrings(statuses []task.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// jsonArg sends empty payloads as SQL NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
