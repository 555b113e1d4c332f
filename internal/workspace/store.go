package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrExists is returned by Create when the workspace ID is already
// registered.
var ErrExists = errors.New("workspace already exists")

// OperationRecord is one row of operation history. The log is bookkeeping
// for inspection, not retry state.
type OperationRecord struct {
	ID          string
	WorkspaceID string
	Command     string
	Status      string // ok | error
	State       State
	StartedAt   time.Time
	CompletedAt time.Time
	LastError   *string
}

// Store persists the workspace registry and operation history in SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create registers a workspace. The ID must be unique.
func (s *Store) Create(ctx context.Context, ws Workspace) error {
	if ws.ID == "" {
		return fmt.Errorf("workspace id is empty")
	}
	if ws.Name == "" {
		return fmt.Errorf("workspace name is empty")
	}
	if ws.Provider == "" {
		return fmt.Errorf("workspace provider is empty")
	}

	var options any
	if len(ws.Options) > 0 {
		b, err := json.Marshal(ws.Options)
		if err != nil {
			return fmt.Errorf("marshal workspace options: %w", err)
		}
		options = string(b)
	}

	createdAt := ws.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO workspaces(id, name, provider, options, created_at)
VALUES(?, ?, ?, ?, ?);
`, ws.ID, ws.Name, ws.Provider, options, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		// The driver exposes constraint failures only as text.
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %s", ErrExists, ws.ID)
		}
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// Get returns the workspace for id, or (nil, nil) when not registered.
func (s *Store) Get(ctx context.Context, id string) (*Workspace, error) {
	if id == "" {
		return nil, fmt.Errorf("workspace id is empty")
	}

	row := s.db.QueryRowContext(ctx, `
SELECT id, name, provider, options, created_at, last_state, last_state_at
FROM workspaces
WHERE id = ?;
`, id)

	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	return ws, nil
}

// List returns all registered workspaces ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, provider, options, created_at, last_state, last_state_at
FROM workspaces
ORDER BY created_at ASC, rowid ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	return out, nil
}

// Delete removes a workspace and is a no-op when it does not exist.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("workspace id is empty")
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM workspaces WHERE id = ?;", id); err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}

// RecordStatus writes through the last observed state for a workspace.
func (s *Store) RecordStatus(ctx context.Context, id string, state State, at time.Time) error {
	if id == "" {
		return fmt.Errorf("workspace id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE workspaces
SET last_state = ?, last_state_at = ?
WHERE id = ?;
`, string(state), at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("record workspace status: %w", err)
	}
	return nil
}

// AppendOperation adds one settled operation to the history log.
func (s *Store) AppendOperation(ctx context.Context, rec OperationRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("operation id is empty")
	}
	if rec.WorkspaceID == "" {
		return fmt.Errorf("workspace id is empty")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO operation_log(id, workspace_id, command, status, state, started_at, completed_at, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.WorkspaceID, rec.Command, rec.Status, string(rec.State),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.CompletedAt.UTC().Format(time.RFC3339Nano),
		rec.LastError)
	if err != nil {
		return fmt.Errorf("insert operation_log: %w", err)
	}
	return nil
}

// RecentOperations returns up to limit history rows for a workspace,
// newest first.
func (s *Store) RecentOperations(ctx context.Context, workspaceID string, limit int) ([]*OperationRecord, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace id is empty")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, workspace_id, command, status, state, started_at, completed_at, last_error
FROM operation_log
WHERE workspace_id = ?
ORDER BY completed_at DESC, rowid DESC
LIMIT ?;
`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []*OperationRecord
	for rows.Next() {
		var (
			rec          OperationRecord
			stateS       sql.NullString
			startedAtS   string
			completedAtS string
			lastError    sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.WorkspaceID, &rec.Command, &rec.Status, &stateS, &startedAtS, &completedAtS, &lastError); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if stateS.Valid {
			rec.State = State(stateS.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
			rec.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, completedAtS); err == nil {
			rec.CompletedAt = t
		}
		if lastError.Valid {
			rec.LastError = &lastError.String
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (*Workspace, error) {
	var (
		ws          Workspace
		options     sql.NullString
		createdAtS  string
		lastStateS  sql.NullString
		lastStateAt sql.NullString
	)
	if err := row.Scan(&ws.ID, &ws.Name, &ws.Provider, &options, &createdAtS, &lastStateS, &lastStateAt); err != nil {
		return nil, err
	}

	if options.Valid && options.String != "" {
		if err := json.Unmarshal([]byte(options.String), &ws.Options); err != nil {
			return nil, fmt.Errorf("stored workspace options are invalid JSON for id=%q", ws.ID)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		ws.CreatedAt = t
	}
	if lastStateS.Valid {
		ws.LastState = State(lastStateS.String)
	}
	if lastStateAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastStateAt.String); err == nil {
			ws.LastStateAt = &t
		}
	}
	return &ws, nil
}
