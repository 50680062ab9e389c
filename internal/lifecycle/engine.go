// Package lifecycle drives competition sessions through their lifecycle and
// keeps them in sync with the event catalog, the scoring platform and the
// chat workspace.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/terra-clan/ctf-conductor/internal/lease"
	"github.com/terra-clan/ctf-conductor/internal/models"
	"github.com/terra-clan/ctf-conductor/internal/storage"
	"github.com/terra-clan/ctf-conductor/internal/workspace"
)

// ErrIngestionInProgress is returned when another pass holds the session's
// ingestion lease
var ErrIngestionInProgress = errors.New("task ingestion already in progress")

// ErrWorkspaceNotReady is returned when a session's workspace is incomplete
// and could not be finished in time, usually because another caller is
// still provisioning it
var ErrWorkspaceNotReady = errors.New("session workspace not ready")

var errWorkspaceBusy = fmt.Errorf("%w: provisioning in progress", ErrWorkspaceNotReady)

// Catalog lists upcoming competitions
type Catalog interface {
	ListUpcoming(ctx context.Context, limit int) ([]models.EventSummary, error)
	FetchDetail(ctx context.Context, id int) (*models.EventDescriptor, error)
	EventURL(id int) string
}

// Platform is a competition scoring platform
type Platform interface {
	Register(ctx context.Context, baseURL, team, password, email string) (models.RegistrationResult, error)
	ListTasks(ctx context.Context, baseURL, username, password string) iter.Seq2[models.TaskDescriptor, error]
	FetchScoreboard(ctx context.Context, baseURL, username, password string) ([]models.Standing, error)
}

// Workspace provisions chat workspace artifacts idempotently
type Workspace interface {
	EnsureWorkspace(ctx context.Context, name string, state models.LifecycleState) (models.WorkspaceRefs, error)
	EnsureTaskChannel(ctx context.Context, refs models.WorkspaceRefs, category, name string) (string, error)
	SetMarker(ctx context.Context, categoryID, name string, state models.LifecycleState) error
	GrantRole(ctx context.Context, roleID string, userIDs []string) error
	PostOrUpdate(ctx context.Context, channelID string, msg workspace.Message, mode workspace.Mode) (string, error)
	Pin(ctx context.Context, channelID, messageID string) error
	PublicChannel(ctx context.Context) (string, error)
	CalendarEntries(ctx context.Context) ([]workspace.CalendarEntry, error)
	UpsertCalendarEntry(ctx context.Context, spec workspace.CalendarSpec) (workspace.CalendarEntry, bool, error)
	Interested(ctx context.Context, entryID string) ([]string, error)
}

// Config holds engine settings
type Config struct {
	MinPlayers      int
	TeamName        string
	TeamEmail       string
	CatalogLimit    int
	StartWindow     time.Duration
	ScheduleHorizon time.Duration
	LeaseTTL        time.Duration

	// WorkspaceWait bounds how long a caller waits for another caller's
	// workspace provisioning to finish
	WorkspaceWait time.Duration
}

// Engine composes the store, the external clients and the workspace
type Engine struct {
	store     storage.Repository
	catalog   Catalog
	platform  Platform
	workspace Workspace
	locker    lease.Locker
	cfg       Config

	now           func() time.Time
	newPassword   func() (string, error)
	workspacePoll time.Duration
}

// NewEngine creates a lifecycle engine
func NewEngine(cfg Config, store storage.Repository, catalog Catalog, platform Platform, ws Workspace, locker lease.Locker) *Engine {
	if cfg.CatalogLimit <= 0 {
		cfg.CatalogLimit = 10
	}
	if cfg.StartWindow <= 0 {
		cfg.StartWindow = time.Hour
	}
	if cfg.ScheduleHorizon <= 0 {
		cfg.ScheduleHorizon = 7 * 24 * time.Hour
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.WorkspaceWait <= 0 {
		cfg.WorkspaceWait = 30 * time.Second
	}

	return &Engine{
		store:         store,
		catalog:       catalog,
		platform:      platform,
		workspace:     ws,
		locker:        locker,
		cfg:           cfg,
		now:           time.Now,
		newPassword:   randomPassword,
		workspacePoll: 500 * time.Millisecond,
	}
}

func randomPassword() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// EnsureSession returns the session named name, creating it together with its
// workspace when none exists. Names match case-insensitively. An existing
// session is returned with created=false and no side effects, except that a
// workspace left incomplete by an earlier failure is finished.
func (e *Engine) EnsureSession(ctx context.Context, name string, live bool) (*models.Session, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, errors.New("session name is required")
	}

	existing, err := e.store.FindSessionByName(ctx, name)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up session: %w", err)
	}
	if existing != nil {
		if workspaceComplete(existing.Workspace) {
			return existing, false, nil
		}
		s, err := e.awaitWorkspace(ctx, existing)
		return s, false, err
	}

	state := models.StatePending
	if live {
		state = models.StateLive
	}

	now := e.now()
	s := &models.Session{
		ID:        uuid.New().String(),
		Name:      name,
		State:     state,
		TaskIDs:   []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := e.store.CreateSession(ctx, s)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	if !created {
		// Lost the insert race; the winner provisions the workspace
		winner, err := e.store.FindSessionByName(ctx, name)
		if err != nil {
			return nil, false, fmt.Errorf("failed to look up session: %w", err)
		}
		if winner == nil {
			return nil, false, fmt.Errorf("session %q conflicted but could not be found", name)
		}
		if workspaceComplete(winner.Workspace) {
			return winner, false, nil
		}
		winner, err = e.awaitWorkspace(ctx, winner)
		return winner, false, err
	}

	slog.Info("session created", "session", name, "id", s.ID, "state", state)

	s, err = e.awaitWorkspace(ctx, s)
	return s, true, err
}

// awaitWorkspace provisions the session's workspace, or waits up to
// WorkspaceWait while another caller holds the provisioning lease. The
// returned error is nil only when the workspace is complete.
func (e *Engine) awaitWorkspace(ctx context.Context, s *models.Session) (*models.Session, error) {
	timeout := time.NewTimer(e.cfg.WorkspaceWait)
	defer timeout.Stop()

	for {
		err := e.provisionWorkspace(ctx, s)
		if !errors.Is(err, errWorkspaceBusy) {
			return s, err
		}

		slog.Debug("waiting for workspace provisioning", "session", s.Name)
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-timeout.C:
			return s, err
		case <-time.After(e.workspacePoll):
		}

		fresh, err := e.store.GetSession(ctx, s.ID)
		if err != nil {
			return s, fmt.Errorf("failed to get session: %w", err)
		}
		if fresh == nil {
			return s, models.ErrSessionNotFound
		}
		s = fresh
		if workspaceComplete(s.Workspace) {
			return s, nil
		}
	}
}

// provisionWorkspace ensures the workspace and persists whatever was created,
// even on partial failure. Returns errWorkspaceBusy while another caller
// provisions the same session.
func (e *Engine) provisionWorkspace(ctx context.Context, s *models.Session) error {
	l, err := e.locker.TryAcquire(ctx, "workspace:"+s.ID, e.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if l == nil {
		return errWorkspaceBusy
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to release workspace lease", "session", s.Name, "error", err)
		}
	}()

	refs, provisionErr := e.workspace.EnsureWorkspace(ctx, s.Name, s.State)

	if refs.RoleID != "" || refs.CategoryID != "" {
		if err := e.store.UpdateWorkspace(ctx, s.ID, refs); err != nil {
			return fmt.Errorf("failed to save workspace: %w", err)
		}
		s.Workspace = refs
	}

	if provisionErr != nil {
		return fmt.Errorf("failed to provision workspace for %s: %w", s.Name, provisionErr)
	}
	if !workspaceComplete(s.Workspace) {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotReady, s.Name)
	}
	return nil
}

func workspaceComplete(refs models.WorkspaceRefs) bool {
	if refs.CategoryID == "" || refs.RoleID == "" {
		return false
	}
	for _, kind := range models.ChannelKinds {
		if refs.Channel(kind) == "" {
			return false
		}
	}
	return true
}

// Archive retires a session. Any non-archived session may be archived.
func (e *Engine) Archive(ctx context.Context, id string) (*models.Session, error) {
	s, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if s == nil {
		return nil, models.ErrSessionNotFound
	}

	if !s.State.CanArchive() {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrIllegalTransition, s.State, models.StateArchived)
	}

	ok, err := e.store.UpdateState(ctx, s.ID, s.State, models.StateArchived)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: session %s changed state concurrently", models.ErrIllegalTransition, s.Name)
	}
	s.State = models.StateArchived

	slog.Info("session archived", "session", s.Name)

	tasks, err := e.store.ListTasks(ctx, s.ID)
	if err != nil {
		slog.Error("failed to list tasks for archive summary", "session", s.Name, "error", err)
	} else if channel := s.Workspace.Channel(models.ChannelScoreboard); channel != "" && len(tasks) > 0 {
		msg := workspace.Message{Content: renderTaskSummary(s.Name, tasks)}
		if _, err := e.workspace.PostOrUpdate(ctx, channel, msg, workspace.Append); err != nil {
			slog.Error("failed to post archive summary", "session", s.Name, "error", err)
		}
	}

	if s.Workspace.CategoryID != "" {
		if err := e.workspace.SetMarker(ctx, s.Workspace.CategoryID, s.Name, models.StateArchived); err != nil {
			slog.Error("failed to set archive marker", "session", s.Name, "error", err)
		}
	}

	return s, nil
}

// activeSessions lists sessions that still sync with their platform
func (e *Engine) activeSessions(ctx context.Context) ([]*models.Session, error) {
	sessions, err := e.store.ListSessions(ctx, models.SessionFilters{
		States: []models.LifecycleState{models.StatePending, models.StateLive},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return sessions, nil
}
