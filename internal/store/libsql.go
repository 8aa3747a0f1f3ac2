package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/gridflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/grid.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	_, err := runMigrations(ctx, s.db)
	return err
}

// MigrateVerbose runs pending migrations and returns the names applied.
func (s *LibSQLStore) MigrateVerbose(ctx context.Context) ([]string, error) {
	return runMigrations(ctx, s.db)
}

// SchemaVersion returns the highest applied migration version.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	if err := ensureVersionTable(ctx, s.db); err != nil {
		return 0, err
	}
	return currentVersion(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workspaces ---

func (s *LibSQLStore) CreateWorkspace(ctx context.Context, ws *schema.Workspace) error {
	now := time.Now().UTC()
	ws.CreatedAt = timeOrNow(ws.CreatedAt)
	ws.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, auto_run, conversation, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.Name, ws.AutoRun, nullRaw(ws.Conversation), ws.CreatedAt, ws.UpdatedAt,
	)
	return wrapConstraint(err, "workspace", ws.ID)
}

func (s *LibSQLStore) GetWorkspace(ctx context.Context, id string) (*schema.Workspace, error) {
	ws := &schema.Workspace{}
	var conversation sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, auto_run, conversation, created_at, updated_at FROM workspaces WHERE id = ?`, id,
	).Scan(&ws.ID, &ws.Name, &ws.AutoRun, &conversation, &ws.CreatedAt, &ws.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workspace", id)
	}
	if err != nil {
		return nil, err
	}
	ws.Conversation = rawOrNil(conversation)
	return ws, nil
}

func (s *LibSQLStore) UpdateWorkspace(ctx context.Context, id string, update WorkspaceUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.AutoRun != nil {
		sets = append(sets, "auto_run = ?")
		args = append(args, *update.AutoRun)
	}
	if update.Conversation != nil {
		sets = append(sets, "conversation = ?")
		args = append(args, nullRaw(update.Conversation))
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE workspaces SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workspace", id)
}

func (s *LibSQLStore) ListWorkspaces(ctx context.Context) ([]*schema.Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, auto_run, conversation, created_at, updated_at FROM workspaces ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Workspace
	for rows.Next() {
		ws := &schema.Workspace{}
		var conversation sql.NullString
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.AutoRun, &conversation, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, err
		}
		ws.Conversation = rawOrNil(conversation)
		out = append(out, ws)
	}
	return out, rows.Err()
}

// --- Tables ---

func (s *LibSQLStore) CreateTable(ctx context.Context, t *schema.Table) error {
	t.CreatedAt = timeOrNow(t.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grid_tables (id, workspace_id, name, position, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.WorkspaceID, t.Name, t.Position, t.CreatedAt,
	)
	return wrapConstraint(err, "table", t.ID)
}

func (s *LibSQLStore) GetTable(ctx context.Context, id string) (*schema.Table, error) {
	t := &schema.Table{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, position, created_at FROM grid_tables WHERE id = ?`, id,
	).Scan(&t.ID, &t.WorkspaceID, &t.Name, &t.Position, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("table", id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *LibSQLStore) ListTables(ctx context.Context, workspaceID string) ([]*schema.Table, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, name, position, created_at FROM grid_tables
		 WHERE workspace_id = ? ORDER BY position ASC, created_at ASC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Table
	for rows.Next() {
		t := &schema.Table{}
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.Name, &t.Position, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteTable(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grid_tables WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "table", id)
}

// --- Columns ---

func (s *LibSQLStore) CreateColumn(ctx context.Context, col *schema.Column) error {
	cfg, err := marshalConfig(col)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO grid_columns (id, table_id, name, position, width, type, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		col.ID, col.TableID, col.Name, col.Position, col.Width, string(col.Type), cfg, now, now,
	)
	return wrapConstraint(err, "column", col.ID)
}

func (s *LibSQLStore) GetColumn(ctx context.Context, id string) (*schema.Column, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, table_id, name, position, width, type, config FROM grid_columns WHERE id = ?`, id)
	col, err := scanColumn(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("column", id)
	}
	return col, err
}

func (s *LibSQLStore) UpdateColumn(ctx context.Context, col *schema.Column) error {
	cfg, err := marshalConfig(col)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE grid_columns SET name = ?, position = ?, width = ?, type = ?, config = ?, updated_at = ? WHERE id = ?`,
		col.Name, col.Position, col.Width, string(col.Type), cfg, time.Now().UTC(), col.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "column", col.ID)
}

func (s *LibSQLStore) ListColumns(ctx context.Context, tableID string) ([]*schema.Column, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, table_id, name, position, width, type, config FROM grid_columns
		 WHERE table_id = ? ORDER BY position ASC, created_at ASC`, tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Column
	for rows.Next() {
		col, err := scanColumn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteColumn(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grid_columns WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "column", id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanColumn(sc scanner) (*schema.Column, error) {
	col := &schema.Column{}
	var typ, cfg string
	if err := sc.Scan(&col.ID, &col.TableID, &col.Name, &col.Position, &col.Width, &typ, &cfg); err != nil {
		return nil, err
	}
	col.Type = schema.ColumnType(typ)
	decoded, err := schema.DecodeColumnConfig(col.Type, json.RawMessage(cfg))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "column %s: stored config unreadable", col.ID).WithCause(err)
	}
	col.Config = decoded
	return col, nil
}

func marshalConfig(col *schema.Column) (string, error) {
	if col.Config == nil {
		return "{}", nil
	}
	b, err := json.Marshal(col.Config)
	if err != nil {
		return "", fmt.Errorf("marshal column config: %w", err)
	}
	return string(b), nil
}

// --- Rows ---

// CreateRows inserts rows in one transaction. Either all rows are stored or none.
func (s *LibSQLStore) CreateRows(ctx context.Context, rows []*schema.Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range rows {
		data, err := marshalSource(r.SourceData)
		if err != nil {
			return err
		}
		r.CreatedAt = timeOrNow(r.CreatedAt)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO grid_rows (id, table_id, position, source_data, created_at) VALUES (?, ?, ?, ?, ?)`,
			r.ID, r.TableID, r.Position, data, r.CreatedAt,
		); err != nil {
			return wrapConstraint(err, "row", r.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rows: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetRow(ctx context.Context, id string) (*schema.Row, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, table_id, position, source_data, created_at FROM grid_rows WHERE id = ?`, id)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("row", id)
	}
	return r, err
}

func (s *LibSQLStore) ListRows(ctx context.Context, tableID string, page Page) ([]*schema.Row, error) {
	query := `SELECT id, table_id, position, source_data, created_at FROM grid_rows
		 WHERE table_id = ? ORDER BY position ASC, id ASC` + pageClause(page)
	rows, err := s.db.QueryContext(ctx, query, tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) CountRows(ctx context.Context, tableID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM grid_rows WHERE table_id = ?`, tableID).Scan(&n)
	return n, err
}

func (s *LibSQLStore) DeleteRow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grid_rows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "row", id)
}

func scanRow(sc scanner) (*schema.Row, error) {
	r := &schema.Row{}
	var data string
	if err := sc.Scan(&r.ID, &r.TableID, &r.Position, &data, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.SourceData = map[string]string{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &r.SourceData); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "row %s: stored source data unreadable", r.ID).WithCause(err)
		}
	}
	return r, nil
}

func marshalSource(data map[string]string) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal source data: %w", err)
	}
	return string(b), nil
}

// --- Cells ---

func (s *LibSQLStore) UpsertCell(ctx context.Context, cell *schema.Cell) error {
	value, err := marshalValue(cell.Value)
	if err != nil {
		return err
	}
	if cell.Status == "" {
		cell.Status = schema.CellStatusEmpty
	}
	cell.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cells (row_id, column_id, value, status, error_message, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(row_id, column_id) DO UPDATE SET
		   value = excluded.value, status = excluded.status,
		   error_message = excluded.error_message, updated_at = excluded.updated_at`,
		cell.RowID, cell.ColumnID, value, string(cell.Status), nullStr(cell.ErrorMessage), cell.UpdatedAt,
	)
	return wrapConstraint(err, "cell", cell.RowID+"/"+cell.ColumnID)
}

func (s *LibSQLStore) GetCell(ctx context.Context, rowID, columnID string) (*schema.Cell, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT row_id, column_id, value, status, error_message, updated_at FROM cells
		 WHERE row_id = ? AND column_id = ?`, rowID, columnID)
	c, err := scanCell(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("cell", rowID+"/"+columnID)
	}
	return c, err
}

func (s *LibSQLStore) ListCells(ctx context.Context, tableID string, page Page) ([]*schema.Cell, error) {
	query := `SELECT c.row_id, c.column_id, c.value, c.status, c.error_message, c.updated_at
		 FROM cells c JOIN grid_rows r ON r.id = c.row_id
		 WHERE r.table_id = ? ORDER BY r.position ASC, c.row_id ASC, c.column_id ASC` + pageClause(page)
	rows, err := s.db.QueryContext(ctx, query, tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteCell(ctx context.Context, rowID, columnID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cells WHERE row_id = ? AND column_id = ?`, rowID, columnID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "cell", rowID+"/"+columnID)
}

func scanCell(sc scanner) (*schema.Cell, error) {
	c := &schema.Cell{}
	var value, errMsg sql.NullString
	var status string
	if err := sc.Scan(&c.RowID, &c.ColumnID, &value, &status, &errMsg, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = schema.CellStatus(status)
	c.ErrorMessage = errMsg.String
	if value.Valid && value.String != "" {
		c.Value = &schema.Value{}
		if err := json.Unmarshal([]byte(value.String), c.Value); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "cell %s/%s: stored value unreadable", c.RowID, c.ColumnID).WithCause(err)
		}
	}
	return c, nil
}

func marshalValue(v *schema.Value) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal cell value: %w", err)
	}
	return string(b), nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.Run) error {
	run.StartedAt = timeOrNow(run.StartedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workspace_id, table_id, column_id, trigger, total, succeeded, failed, empty, skipped, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkspaceID, run.TableID, run.ColumnID, string(run.Trigger),
		run.Counts.Total, run.Counts.Succeeded, run.Counts.Failed, run.Counts.Empty, run.Counts.Skipped,
		run.StartedAt, nullTime(run.CompletedAt),
	)
	return wrapConstraint(err, "run", run.ID)
}

func (s *LibSQLStore) CompleteRun(ctx context.Context, id string, counts schema.RunCounts) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET total = ?, succeeded = ?, failed = ?, empty = ?, skipped = ?, completed_at = ? WHERE id = ?`,
		counts.Total, counts.Succeeded, counts.Failed, counts.Empty, counts.Skipped, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	var where []string
	var args []any
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.TableID != "" {
		where = append(where, "table_id = ?")
		args = append(args, filter.TableID)
	}
	if filter.ColumnID != "" {
		where = append(where, "column_id = ?")
		args = append(args, filter.ColumnID)
	}

	query := `SELECT id, workspace_id, table_id, column_id, trigger, total, succeeded, failed, empty, skipped, started_at, completed_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Run
	for rows.Next() {
		r := &schema.Run{}
		var trigger string
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.TableID, &r.ColumnID, &trigger,
			&r.Counts.Total, &r.Counts.Succeeded, &r.Counts.Failed, &r.Counts.Empty, &r.Counts.Skipped,
			&r.StartedAt, &completed); err != nil {
			return nil, err
		}
		r.Trigger = schema.RunTrigger(trigger)
		if completed.Valid {
			r.CompletedAt = &completed.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.GridError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

// wrapConstraint maps unique and foreign key violations to CONFLICT.
func wrapConstraint(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "FOREIGN KEY constraint") ||
		strings.Contains(msg, "PRIMARY KEY") {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %q: %s", resource, id, msg).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeStore, "write %s %q", resource, id).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func pageClause(p Page) string {
	if p.Limit <= 0 {
		if p.Offset > 0 {
			return fmt.Sprintf(" LIMIT -1 OFFSET %d", p.Offset)
		}
		return ""
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", p.Limit, max(p.Offset, 0))
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
