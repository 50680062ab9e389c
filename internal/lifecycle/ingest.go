package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/terra-clan/ctf-conductor/internal/lease"
	"github.com/terra-clan/ctf-conductor/internal/models"
	"github.com/terra-clan/ctf-conductor/internal/workspace"
)

const (
	taskCardColour     = 0x3498DB
	announcementColour = 0xC27C0E
	footerFormat       = "2006-01-02 15:04:05 UTC"
)

// ErrNoCredentials is returned when a session has no platform account yet
var ErrNoCredentials = errors.New("session has no platform credentials")

// PullTasks ingests new tasks for every active session with credentials.
// Sessions are processed one at a time and failures stay per session.
func (e *Engine) PullTasks(ctx context.Context) error {
	sessions, err := e.activeSessions(ctx)
	if err != nil {
		return err
	}

	for _, s := range sessions {
		if !s.HasCredentials() {
			continue
		}

		if !workspaceComplete(s.Workspace) {
			if err := e.provisionWorkspace(ctx, s); err != nil {
				slog.Warn("skipping ingestion until the workspace is ready", "session", s.Name, "error", err)
				continue
			}
		}

		n, err := e.IngestTasks(ctx, s)
		switch {
		case errors.Is(err, ErrIngestionInProgress):
			slog.Debug("ingestion already running", "session", s.Name)
		case errors.Is(err, models.ErrInvalidEndpoint):
			slog.Warn("skipping ingestion for unsupported platform", "session", s.Name, "error", err)
		case err != nil:
			slog.Error("task ingestion failed", "session", s.Name, "error", err)
		case n > 0:
			slog.Info("tasks ingested", "session", s.Name, "count", n)
		}
	}

	return nil
}

// IngestTasks pulls the session's tasks from its platform and provisions the
// ones not seen before. At most one pass per session runs at a time; a
// concurrent call returns ErrIngestionInProgress. Returns the number of tasks
// provisioned by this pass. The lease is renewed while the pass runs and the
// pass stops early if it is lost.
func (e *Engine) IngestTasks(ctx context.Context, s *models.Session) (int, error) {
	if !s.HasCredentials() {
		return 0, ErrNoCredentials
	}
	if !workspaceComplete(s.Workspace) {
		return 0, fmt.Errorf("%w: %s", ErrWorkspaceNotReady, s.Name)
	}

	l, err := e.locker.TryAcquire(ctx, "ingest:"+s.ID, e.cfg.LeaseTTL)
	if err != nil {
		return 0, err
	}
	if l == nil {
		return 0, ErrIngestionInProgress
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to release ingestion lease", "session", s.Name, "error", err)
		}
	}()

	held, stop := lease.Keep(ctx, l, e.cfg.LeaseTTL)
	defer stop()

	creds := s.Credentials
	provisioned := 0
	for d, err := range e.platform.ListTasks(held, creds.URL, creds.Username, creds.Password) {
		if held.Err() != nil && ctx.Err() == nil {
			return provisioned, fmt.Errorf("%w: lease lost", ErrIngestionInProgress)
		}
		if err != nil {
			return provisioned, fmt.Errorf("failed to list tasks: %w", err)
		}

		ok, err := e.ingestTask(held, s, d)
		if err != nil {
			slog.Error("failed to ingest task", "session", s.Name, "task", d.Name, "error", err)
			continue
		}
		if ok {
			provisioned++
		}
	}

	if held.Err() != nil && ctx.Err() == nil {
		return provisioned, fmt.Errorf("%w: lease lost", ErrIngestionInProgress)
	}
	return provisioned, nil
}

// ingestTask reserves the task row and provisions its workspace artifacts.
// A row reserved earlier but never announced is resumed.
func (e *Engine) ingestTask(ctx context.Context, s *models.Session, d models.TaskDescriptor) (bool, error) {
	d = d.Normalized()
	if d.Name == "" {
		return false, errors.New("task descriptor without name")
	}

	candidate := &models.Task{
		ID:          uuid.New().String(),
		SessionID:   s.ID,
		ExternalID:  d.ExternalID,
		Name:        d.Name,
		Category:    d.Category,
		PointValue:  d.Value,
		Description: d.Description,
		Tags:        d.Tags,
		FileRefs:    d.Files,
		CreatedAt:   e.now(),
	}

	t, reserved, err := e.store.ReserveTask(ctx, candidate)
	if err != nil {
		return false, err
	}
	if !reserved && t.Provisioned() {
		return false, nil
	}
	if !reserved {
		slog.Info("resuming task provisioning", "session", s.Name, "task", t.Name)
	}

	if err := e.store.AppendTaskID(ctx, s.ID, t.ID); err != nil {
		return false, fmt.Errorf("failed to link task: %w", err)
	}

	channelID, err := e.workspace.EnsureTaskChannel(ctx, s.Workspace, t.Category, t.Name)
	if err != nil {
		return false, err
	}

	// A resumed task may already have its card; edit it instead of posting again
	mode := workspace.Append
	if !reserved {
		mode = workspace.ReplaceLast
	}
	cardID, err := e.workspace.PostOrUpdate(ctx, channelID, workspace.Message{Embed: e.taskCard(t)}, mode)
	if err != nil {
		return false, err
	}
	if err := e.workspace.Pin(ctx, channelID, cardID); err != nil {
		slog.Warn("failed to pin task card", "task", t.Name, "error", err)
	}

	announcementID := ""
	if channel := s.Workspace.Channel(models.ChannelAnnouncements); channel != "" {
		announcementID, err = e.workspace.PostOrUpdate(ctx, channel, workspace.Message{Embed: e.announcement(s, t)}, workspace.Append)
		if err != nil {
			return false, err
		}
	}

	if err := e.store.UpdateTaskRefs(ctx, t.ID, channelID, announcementID); err != nil {
		return false, fmt.Errorf("failed to save task refs: %w", err)
	}

	return true, nil
}

func (e *Engine) taskCard(t *models.Task) *workspace.Embed {
	description := t.Description
	if description == "" {
		description = "No description."
	}

	files := "No files."
	if len(t.FileRefs) > 0 {
		files = "\n- " + strings.Join(t.FileRefs, "\n- ")
	}

	tags := "No tags."
	if len(t.Tags) > 0 {
		tags = strings.Join(t.Tags, ", ")
	}

	return &workspace.Embed{
		Title: fmt.Sprintf("%s - %d points", t.Name, t.PointValue),
		Description: truncate(fmt.Sprintf("**Category:** %s\n**Description:** %s\n**Files:** %s\n**Tags:** %s",
			t.Category, description, files, tags), 4096),
		Footer: e.now().UTC().Format(footerFormat),
		Colour: taskCardColour,
	}
}

func (e *Engine) announcement(s *models.Session, t *models.Task) *workspace.Embed {
	return &workspace.Embed{
		Title: "🔔 New challenge created!",
		Description: fmt.Sprintf("**Challenge name:** %s\n**Category:** %s\n\n%s",
			t.Name, t.Category, workspace.RoleMention(s.Workspace.RoleID)),
		Footer: e.now().UTC().Format(footerFormat),
		Colour: announcementColour,
	}
}
