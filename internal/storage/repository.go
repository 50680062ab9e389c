package storage

import (
	"context"

	"github.com/terra-clan/ctf-conductor/internal/models"
)

// Repository defines the interface for session and task persistence.
// Getters return (nil, nil) when the record does not exist.
type Repository interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) (bool, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	FindSessionByName(ctx context.Context, name string) (*models.Session, error)
	ListSessions(ctx context.Context, filters models.SessionFilters) ([]*models.Session, error)
	UpdateState(ctx context.Context, id string, from, to models.LifecycleState) (bool, error)
	UpdateCredentials(ctx context.Context, id string, creds *models.Credentials) error
	UpdateWorkspace(ctx context.Context, id string, refs models.WorkspaceRefs) error
	AppendTaskID(ctx context.Context, sessionID, taskID string) error

	// Tasks
	ReserveTask(ctx context.Context, t *models.Task) (*models.Task, bool, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, sessionID string) ([]*models.Task, error)
	UpdateTaskRefs(ctx context.Context, id, channelID, announcementID string) error

	// Health
	Ping(ctx context.Context) error
	Close() error
}
