package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terra-clan/ctf-conductor/internal/models"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int32
	MaxIdleConns int32
	MaxLifetime  time.Duration
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	} else {
		poolConfig.MaxConns = 10
	}

	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	} else {
		poolConfig.MinConns = 2
	}

	if cfg.MaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxLifetime
	} else {
		poolConfig.MaxConnLifetime = 30 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// --- Sessions ---

const sessionColumns = `id, name, state, credentials, category_id, role_id, channels, task_ids, created_at, updated_at`

// CreateSession inserts the session unless one with the same name (any case) exists.
// The unique index on lower(name) makes the check and the insert a single step.
func (r *PostgresRepository) CreateSession(ctx context.Context, s *models.Session) (bool, error) {
	credentialsJSON, err := marshalCredentials(s.Credentials)
	if err != nil {
		return false, err
	}

	channelsJSON, err := json.Marshal(s.Workspace.Channels)
	if err != nil {
		return false, fmt.Errorf("failed to marshal channels: %w", err)
	}

	taskIDs := s.TaskIDs
	if taskIDs == nil {
		taskIDs = []string{}
	}

	query := `
		INSERT INTO sessions (id, name, state, credentials, category_id, role_id, channels, task_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING
	`

	result, err := r.pool.Exec(ctx, query,
		s.ID,
		s.Name,
		string(s.State),
		credentialsJSON,
		s.Workspace.CategoryID,
		s.Workspace.RoleID,
		channelsJSON,
		taskIDs,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create session: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// GetSession retrieves a session by ID
func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	s, err := scanSession(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return s, nil
}

// FindSessionByName retrieves a session by case-insensitive name
func (r *PostgresRepository) FindSessionByName(ctx context.Context, name string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE lower(name) = lower(trim($1))`

	s, err := scanSession(r.pool.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	return s, nil
}

// ListSessions returns sessions matching filters, oldest first
func (r *PostgresRepository) ListSessions(ctx context.Context, filters models.SessionFilters) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := make([]interface{}, 0)
	argNum := 1

	if len(filters.States) > 0 {
		states := make([]string, len(filters.States))
		for i, st := range filters.States {
			states[i] = string(st)
		}
		query += fmt.Sprintf(" AND state = ANY($%d)", argNum)
		args = append(args, states)
		argNum++
	}

	query += " ORDER BY created_at ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filters.Limit)
		argNum++
	}

	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filters.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// UpdateState moves a session from one state to another.
// Returns false when the session was not in the expected state.
func (r *PostgresRepository) UpdateState(ctx context.Context, id string, from, to models.LifecycleState) (bool, error) {
	query := `UPDATE sessions SET state = $3, updated_at = NOW() WHERE id = $1 AND state = $2`

	result, err := r.pool.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("failed to update session state: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// UpdateCredentials replaces the platform credentials of a session
func (r *PostgresRepository) UpdateCredentials(ctx context.Context, id string, creds *models.Credentials) error {
	credentialsJSON, err := marshalCredentials(creds)
	if err != nil {
		return err
	}

	query := `UPDATE sessions SET credentials = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, credentialsJSON)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %s", id)
	}

	return nil
}

// UpdateWorkspace replaces the workspace references of a session
func (r *PostgresRepository) UpdateWorkspace(ctx context.Context, id string, refs models.WorkspaceRefs) error {
	channelsJSON, err := json.Marshal(refs.Channels)
	if err != nil {
		return fmt.Errorf("failed to marshal channels: %w", err)
	}

	query := `
		UPDATE sessions
		SET category_id = $2, role_id = $3, channels = $4, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, refs.CategoryID, refs.RoleID, channelsJSON)
	if err != nil {
		return fmt.Errorf("failed to update workspace: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %s", id)
	}

	return nil
}

// AppendTaskID adds a task id to the end of the session's task list unless present
func (r *PostgresRepository) AppendTaskID(ctx context.Context, sessionID, taskID string) error {
	query := `
		UPDATE sessions
		SET task_ids = array_append(task_ids, $2), updated_at = NOW()
		WHERE id = $1 AND NOT ($2 = ANY(task_ids))
	`

	if _, err := r.pool.Exec(ctx, query, sessionID, taskID); err != nil {
		return fmt.Errorf("failed to append task id: %w", err)
	}

	return nil
}

// --- Tasks ---

const taskColumns = `id, session_id, external_id, name, category, point_value, description, tags, file_refs, solved, first_blood, solvers, solved_at, channel_id, announcement_id, created_at`

// ReserveTask inserts the task unless one with the same key exists in the session.
// Returns the stored task and true when this call created it.
func (r *PostgresRepository) ReserveTask(ctx context.Context, t *models.Task) (*models.Task, bool, error) {
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT DO NOTHING
	`

	result, err := r.pool.Exec(ctx, query,
		t.ID,
		t.SessionID,
		t.ExternalID,
		t.Name,
		t.Category,
		t.PointValue,
		t.Description,
		nonNil(t.Tags),
		nonNil(t.FileRefs),
		t.Solved,
		t.FirstBlood,
		nonNil(t.Solvers),
		nullTime(t.SolvedAt),
		t.ChannelID,
		t.AnnouncementID,
		t.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve task: %w", err)
	}

	if result.RowsAffected() == 1 {
		return t, true, nil
	}

	existing, err := r.findTaskByKey(ctx, t.SessionID, t.Key())
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("task conflict without matching key: %s", t.ExternalID)
	}

	return existing, false, nil
}

func (r *PostgresRepository) findTaskByKey(ctx context.Context, sessionID string, key models.TaskKey) (*models.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE session_id = $1 AND external_id = $2 AND lower(name) = $3 AND lower(category) = $4
	`

	t, err := scanTask(r.pool.QueryRow(ctx, query, sessionID, key.ExternalID, key.Name, key.Category))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find task: %w", err)
	}

	return t, nil
}

// GetTask retrieves a task by ID
func (r *PostgresRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return t, nil
}

// ListTasks returns all tasks of a session in creation order
func (r *PostgresRepository) ListTasks(ctx context.Context, sessionID string) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE session_id = $1 ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// UpdateTaskRefs records the workspace message identifiers of a task
func (r *PostgresRepository) UpdateTaskRefs(ctx context.Context, id, channelID, announcementID string) error {
	query := `UPDATE tasks SET channel_id = $2, announcement_id = $3 WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, channelID, announcementID)
	if err != nil {
		return fmt.Errorf("failed to update task refs: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("task not found: %s", id)
	}

	return nil
}

// Helper functions

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var stateStr string
	var credentialsJSON, channelsJSON []byte

	err := row.Scan(
		&s.ID,
		&s.Name,
		&stateStr,
		&credentialsJSON,
		&s.Workspace.CategoryID,
		&s.Workspace.RoleID,
		&channelsJSON,
		&s.TaskIDs,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.State = models.LifecycleState(stateStr)

	if credentialsJSON != nil {
		if err := json.Unmarshal(credentialsJSON, &s.Credentials); err != nil {
			return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
		}
	}

	if channelsJSON != nil {
		if err := json.Unmarshal(channelsJSON, &s.Workspace.Channels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channels: %w", err)
		}
	}

	return &s, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var solvedAt sql.NullTime

	err := row.Scan(
		&t.ID,
		&t.SessionID,
		&t.ExternalID,
		&t.Name,
		&t.Category,
		&t.PointValue,
		&t.Description,
		&t.Tags,
		&t.FileRefs,
		&t.Solved,
		&t.FirstBlood,
		&t.Solvers,
		&solvedAt,
		&t.ChannelID,
		&t.AnnouncementID,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if solvedAt.Valid {
		t.SolvedAt = &solvedAt.Time
	}

	return &t, nil
}

func marshalCredentials(creds *models.Credentials) ([]byte, error) {
	if creds == nil {
		return nil, nil
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return data, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
