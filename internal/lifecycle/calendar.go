package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/terra-clan/ctf-conductor/internal/models"
	"github.com/terra-clan/ctf-conductor/internal/workspace"
)

const (
	// locationSeparator joins the catalog link and the platform website in a
	// calendar entry location
	locationSeparator = " — "
	maxDescription    = 1000
)

// SyncCalendar mirrors upcoming catalog events into workspace calendar
// entries, keyed by event name. Events starting beyond the schedule horizon
// are left for a later cycle.
func (e *Engine) SyncCalendar(ctx context.Context) error {
	events, err := e.catalog.ListUpcoming(ctx, e.cfg.CatalogLimit)
	if err != nil {
		return fmt.Errorf("failed to list upcoming events: %w", err)
	}

	horizon := e.now().Add(e.cfg.ScheduleHorizon)
	for _, summary := range events {
		event, err := e.catalog.FetchDetail(ctx, summary.ID)
		if err != nil {
			slog.Warn("skipping event", "event_id", summary.ID, "error", err)
			continue
		}

		if event.Start.After(horizon) {
			slog.Debug("event beyond schedule horizon", "event", event.Name, "start", event.Start)
			continue
		}

		spec := workspace.CalendarSpec{
			Name:        event.Name,
			Description: truncate(describeEvent(event), maxDescription),
			Location:    e.catalog.EventURL(event.ID) + locationSeparator + event.WebsiteURL,
			Start:       event.Start,
			End:         event.End,
			Image:       event.Logo,
		}

		entry, created, err := e.workspace.UpsertCalendarEntry(ctx, spec)
		if err != nil {
			slog.Error("failed to schedule event", "event", event.Name, "error", err)
			continue
		}
		slog.Info("event scheduled", "event", event.Name, "entry", entry.ID, "created", created)
	}

	return nil
}

func describeEvent(event *models.EventDescriptor) string {
	var b strings.Builder

	if event.Description != "" {
		b.WriteString(event.Description)
		b.WriteString("\n\n")
	}
	if len(event.Organizers) > 0 {
		fmt.Fprintf(&b, "👥 **Organizers**\n%s\n\n", strings.Join(event.Organizers, ", "))
	}
	if event.Prizes != "" {
		fmt.Fprintf(&b, "💰 **Prizes**\n%s\n\n", event.Prizes)
	}
	fmt.Fprintf(&b, "⚙️ **Format**\n %s %s\n\n", event.Location, event.Format)
	fmt.Fprintf(&b, "🎯 **Weight**\n%.2f", event.Weight)

	return b.String()
}

func truncate(text string, limit int) string {
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	return string(r[:limit-3]) + "..."
}

// platformURL extracts the platform website from a calendar entry location
func platformURL(location string) (string, error) {
	_, website, ok := strings.Cut(location, locationSeparator)
	website = strings.TrimSpace(website)
	if !ok || website == "" {
		return "", fmt.Errorf("%w: no platform in location %q", models.ErrInvalidEndpoint, location)
	}
	return website, nil
}

// RemindImminent prepares sessions for calendar entries about to start:
// entries with enough interest get a pending session, platform credentials
// and role grants; the others only get a notice.
func (e *Engine) RemindImminent(ctx context.Context) error {
	entries, err := e.workspace.CalendarEntries(ctx)
	if err != nil {
		return err
	}

	public, err := e.workspace.PublicChannel(ctx)
	if err != nil {
		slog.Warn("no public channel for reminders", "error", err)
	}

	now := e.now()
	for _, entry := range entries {
		if entry.Status == workspace.CalendarActive {
			if err := e.catchUpStart(ctx, entry); err != nil {
				slog.Error("failed to start session", "session", entry.Name, "error", err)
			}
			continue
		}
		if entry.Status != workspace.CalendarScheduled {
			continue
		}

		remaining := entry.Start.Sub(now)
		if remaining >= e.cfg.StartWindow {
			continue
		}

		if err := e.prepare(ctx, entry, remaining, public); err != nil {
			slog.Error("failed to prepare session", "session", entry.Name, "error", err)
		}
	}

	return nil
}

func (e *Engine) prepare(ctx context.Context, entry workspace.CalendarEntry, remaining time.Duration, public string) error {
	if remaining < 0 {
		remaining = 0
	}
	countdown := remaining.Truncate(time.Second).String()

	if entry.InterestedCount < e.cfg.MinPlayers {
		slog.Info("not enough interest to create session", "session", entry.Name, "interested", entry.InterestedCount, "min_players", e.cfg.MinPlayers)
		e.notify(ctx, public, fmt.Sprintf(
			"🔔 CTF `%s` starting in `%s`.\nThis CTF was not created automatically because less than %d players were willing to participate.\nYou can still create it manually.",
			entry.Name, countdown, e.cfg.MinPlayers))
		return nil
	}

	s, _, err := e.EnsureSession(ctx, entry.Name, false)
	if err != nil {
		return err
	}

	if !s.HasCredentials() {
		url, err := platformURL(entry.Location)
		if err != nil {
			slog.Warn("cannot provision credentials", "session", s.Name, "error", err)
		} else if err := e.ProvisionCredentials(ctx, s, url); err != nil {
			slog.Warn("credential provisioning failed", "session", s.Name, "error", err)
		}
	}

	users, err := e.workspace.Interested(ctx, entry.ID)
	if err != nil {
		return err
	}
	if err := e.workspace.GrantRole(ctx, s.Workspace.RoleID, users); err != nil {
		slog.Warn("failed to grant role to some participants", "session", s.Name, "error", err)
	}

	e.notify(ctx, public, fmt.Sprintf(
		"🔔 CTF `%s` starting in `%s`.\n@here you can still join in case you forgot to hit the `Interested` button of the event.",
		s.Name, countdown))
	return nil
}

// catchUpStart starts a pending session whose calendar entry is already
// active, covering start events that were dropped or failed
func (e *Engine) catchUpStart(ctx context.Context, entry workspace.CalendarEntry) error {
	s, err := e.store.FindSessionByName(ctx, entry.Name)
	if err != nil {
		return fmt.Errorf("failed to look up session: %w", err)
	}
	if s == nil || s.State != models.StatePending {
		return nil
	}

	slog.Info("catching up on missed start", "session", s.Name)
	return e.start(ctx, entry)
}

func (e *Engine) notify(ctx context.Context, channelID, content string) {
	if channelID == "" {
		return
	}
	if _, err := e.workspace.PostOrUpdate(ctx, channelID, workspace.Message{Content: content}, workspace.Append); err != nil {
		slog.Error("failed to send notice", "channel", channelID, "error", err)
	}
}

// HandleCalendarStatus applies a calendar status change: active starts the
// session, completed ends it. Other statuses are ignored.
func (e *Engine) HandleCalendarStatus(ctx context.Context, entry workspace.CalendarEntry) error {
	switch entry.Status {
	case workspace.CalendarActive:
		return e.start(ctx, entry)
	case workspace.CalendarCompleted:
		return e.end(ctx, entry)
	}
	return nil
}

// start moves the session to live once its workspace is complete. A session
// missing at start is created pending first, so a workspace that cannot be
// finished leaves it pending for a later catch-up.
func (e *Engine) start(ctx context.Context, entry workspace.CalendarEntry) error {
	s, _, err := e.EnsureSession(ctx, entry.Name, false)
	if err != nil {
		return err
	}

	transitioned := false
	switch s.State {
	case models.StatePending:
		ok, err := e.store.UpdateState(ctx, s.ID, models.StatePending, models.StateLive)
		if err != nil {
			return err
		}
		transitioned = ok
		s.State = models.StateLive
	case models.StateLive:
	default:
		slog.Warn("ignoring start of finished session", "session", s.Name, "state", s.State)
		return nil
	}

	users, err := e.workspace.Interested(ctx, entry.ID)
	if err != nil {
		slog.Error("failed to list interested participants", "session", s.Name, "error", err)
	} else if err := e.workspace.GrantRole(ctx, s.Workspace.RoleID, users); err != nil {
		slog.Warn("failed to grant role to some participants", "session", s.Name, "error", err)
	}

	if err := e.workspace.SetMarker(ctx, s.Workspace.CategoryID, s.Name, models.StateLive); err != nil {
		slog.Error("failed to set live marker", "session", s.Name, "error", err)
	}

	if !transitioned {
		return nil
	}

	slog.Info("session live", "session", s.Name)
	e.notify(ctx, s.Workspace.Channel(models.ChannelGeneralText), fmt.Sprintf(
		"%s has started!\nGet to work now ⚔️ 🔪 😠 🔨 ⚒️", workspace.RoleMention(s.Workspace.RoleID)))
	return nil
}

func (e *Engine) end(ctx context.Context, entry workspace.CalendarEntry) error {
	s, err := e.store.FindSessionByName(ctx, entry.Name)
	if err != nil {
		return fmt.Errorf("failed to look up session: %w", err)
	}
	if s == nil {
		slog.Debug("no session to end", "session", entry.Name)
		return nil
	}

	if !s.State.CanTransition(models.StateEnded) {
		if s.State == models.StatePending {
			slog.Warn("ignoring end of session that never went live", "session", s.Name)
		}
		return nil
	}

	ok, err := e.store.UpdateState(ctx, s.ID, s.State, models.StateEnded)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	slog.Info("session ended", "session", s.Name)

	if err := e.workspace.SetMarker(ctx, s.Workspace.CategoryID, s.Name, models.StateEnded); err != nil {
		slog.Error("failed to set ended marker", "session", s.Name, "error", err)
	}
	e.notify(ctx, s.Workspace.Channel(models.ChannelGeneralText), fmt.Sprintf(
		"🏁 %s time is up! The CTF has ended.", workspace.RoleMention(s.Workspace.RoleID)))
	return nil
}

// ListenCalendar applies calendar status changes until ctx is done or
// updates is closed
func (e *Engine) ListenCalendar(ctx context.Context, updates <-chan workspace.CalendarEntry) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-updates:
			if !ok {
				return nil
			}
			slog.Info("calendar status changed", "event", entry.Name, "status", entry.Status)
			if err := e.HandleCalendarStatus(ctx, entry); err != nil {
				slog.Error("failed to apply calendar status", "event", entry.Name, "status", entry.Status, "error", err)
			}
		}
	}
}
