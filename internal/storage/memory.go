package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/terra-clan/ctf-conductor/internal/models"
)

// MemoryRepository implements Repository in process memory.
// Used for local runs without PostgreSQL and by tests.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	tasks    map[string]*models.Task
	now      func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*models.Session),
		tasks:    make(map[string]*models.Task),
		now:      time.Now,
	}
}

// Ping always succeeds
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateSession inserts the session unless one with the same name (any case) exists
func (r *MemoryRepository) CreateSession(ctx context.Context, s *models.Session) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.sessions {
		if models.SameName(existing.Name, s.Name) {
			return false, nil
		}
	}

	r.sessions[s.ID] = cloneSession(s)
	return true, nil
}

// GetSession retrieves a session by ID
func (r *MemoryRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

// FindSessionByName retrieves a session by case-insensitive name
func (r *MemoryRepository) FindSessionByName(ctx context.Context, name string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if models.SameName(s.Name, name) {
			return cloneSession(s), nil
		}
	}
	return nil, nil
}

// ListSessions returns sessions matching filters, oldest first
func (r *MemoryRepository) ListSessions(ctx context.Context, filters models.SessionFilters) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sessions []*models.Session
	for _, s := range r.sessions {
		if len(filters.States) > 0 && !slices.Contains(filters.States, s.State) {
			continue
		}
		sessions = append(sessions, cloneSession(s))
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(sessions) {
			return nil, nil
		}
		sessions = sessions[filters.Offset:]
	}
	if filters.Limit > 0 && len(sessions) > filters.Limit {
		sessions = sessions[:filters.Limit]
	}

	return sessions, nil
}

// UpdateState moves a session from one state to another
func (r *MemoryRepository) UpdateState(ctx context.Context, id string, from, to models.LifecycleState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.State != from {
		return false, nil
	}

	s.State = to
	s.UpdatedAt = r.now()
	return true, nil
}

// UpdateCredentials replaces the platform credentials of a session
func (r *MemoryRepository) UpdateCredentials(ctx context.Context, id string, creds *models.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}

	if creds == nil {
		s.Credentials = nil
	} else {
		c := *creds
		s.Credentials = &c
	}
	s.UpdatedAt = r.now()
	return nil
}

// UpdateWorkspace replaces the workspace references of a session
func (r *MemoryRepository) UpdateWorkspace(ctx context.Context, id string, refs models.WorkspaceRefs) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}

	s.Workspace = cloneRefs(refs)
	s.UpdatedAt = r.now()
	return nil
}

// AppendTaskID adds a task id to the end of the session's task list unless present
func (r *MemoryRepository) AppendTaskID(ctx context.Context, sessionID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	if !slices.Contains(s.TaskIDs, taskID) {
		s.TaskIDs = append(s.TaskIDs, taskID)
		s.UpdatedAt = r.now()
	}
	return nil
}

// ReserveTask inserts the task unless one with the same key exists in the session
func (r *MemoryRepository) ReserveTask(ctx context.Context, t *models.Task) (*models.Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := t.Key()
	for _, existing := range r.tasks {
		if existing.SessionID == t.SessionID && existing.Key() == key {
			return cloneTask(existing), false, nil
		}
	}

	r.tasks[t.ID] = cloneTask(t)
	return cloneTask(t), true, nil
}

// GetTask retrieves a task by ID
func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, nil
	}
	return cloneTask(t), nil
}

// ListTasks returns all tasks of a session in creation order
func (r *MemoryRepository) ListTasks(ctx context.Context, sessionID string) ([]*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tasks []*models.Task
	for _, t := range r.tasks {
		if t.SessionID == sessionID {
			tasks = append(tasks, cloneTask(t))
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return strings.Compare(tasks[i].ID, tasks[j].ID) < 0
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	return tasks, nil
}

// UpdateTaskRefs records the workspace message identifiers of a task
func (r *MemoryRepository) UpdateTaskRefs(ctx context.Context, id, channelID, announcementID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task not found: %s", id)
	}

	t.ChannelID = channelID
	t.AnnouncementID = announcementID
	return nil
}

func cloneSession(s *models.Session) *models.Session {
	c := *s
	if s.Credentials != nil {
		creds := *s.Credentials
		c.Credentials = &creds
	}
	c.Workspace = cloneRefs(s.Workspace)
	c.TaskIDs = slices.Clone(s.TaskIDs)
	return &c
}

func cloneRefs(refs models.WorkspaceRefs) models.WorkspaceRefs {
	c := refs
	if refs.Channels != nil {
		c.Channels = make(map[models.ChannelKind]string, len(refs.Channels))
		for k, v := range refs.Channels {
			c.Channels[k] = v
		}
	}
	return c
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	c.Tags = slices.Clone(t.Tags)
	c.FileRefs = slices.Clone(t.FileRefs)
	c.Solvers = slices.Clone(t.Solvers)
	if t.SolvedAt != nil {
		at := *t.SolvedAt
		c.SolvedAt = &at
	}
	return &c
}
