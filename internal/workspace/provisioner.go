package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/terra-clan/ctf-conductor/internal/models"
)

// Mode selects how PostOrUpdate treats existing messages
type Mode int

const (
	// Append always posts a new message
	Append Mode = iota
	// ReplaceLast edits the newest message, or posts when the channel is empty
	ReplaceLast
	// Overwrite purges the channel, then posts
	Overwrite
)

// Provisioner performs idempotent workspace operations on a Provider
type Provisioner struct {
	provider Provider
}

// NewProvisioner creates a provisioner
func NewProvisioner(provider Provider) *Provisioner {
	return &Provisioner{provider: provider}
}

// EnsureWorkspace finds or creates the role, category and fixed channels of a
// session. Artifacts that already exist are reused, so the call can resume a
// partially provisioned workspace.
func (p *Provisioner) EnsureWorkspace(ctx context.Context, name string, state models.LifecycleState) (models.WorkspaceRefs, error) {
	name = strings.TrimSpace(name)
	refs := models.WorkspaceRefs{Channels: make(map[models.ChannelKind]string)}

	role, err := p.ensureRole(ctx, name)
	if err != nil {
		return refs, err
	}
	refs.RoleID = role.ID

	channels, err := p.provider.Channels(ctx)
	if err != nil {
		return refs, fmt.Errorf("failed to list channels: %w", err)
	}

	category, ok := findCategory(channels, name)
	if !ok {
		category, err = p.provider.CreateChannel(ctx, ChannelSpec{
			Name:       models.DisplayName(name, state),
			Type:       ChannelCategory,
			RoleID:     role.ID,
			Visibility: VisibilityRole,
		})
		if err != nil {
			return refs, fmt.Errorf("failed to create category: %w", err)
		}
		slog.Info("workspace category created", "session", name, "category", category.ID)
	}
	refs.CategoryID = category.ID

	for _, kind := range models.ChannelKinds {
		id, err := p.ensureChannel(ctx, channels, refs, kind)
		if err != nil {
			return refs, err
		}
		refs.Channels[kind] = id
	}

	return refs, nil
}

func (p *Provisioner) ensureRole(ctx context.Context, name string) (Role, error) {
	roles, err := p.provider.Roles(ctx)
	if err != nil {
		return Role{}, fmt.Errorf("failed to list roles: %w", err)
	}

	for _, r := range roles {
		if models.SameName(r.Name, name) {
			return r, nil
		}
	}

	role, err := p.provider.CreateRole(ctx, name, DeriveColour(name))
	if err != nil {
		return Role{}, fmt.Errorf("failed to create role: %w", err)
	}

	slog.Info("workspace role created", "session", name, "role", role.ID)
	return role, nil
}

func findCategory(channels []Channel, name string) (Channel, bool) {
	for _, c := range channels {
		if c.Type == ChannelCategory && models.SameName(models.StripMarker(c.Name), name) {
			return c, true
		}
	}
	return Channel{}, false
}

// EnsureChannel finds or creates one fixed channel of a workspace
func (p *Provisioner) EnsureChannel(ctx context.Context, refs models.WorkspaceRefs, kind models.ChannelKind) (string, error) {
	channels, err := p.provider.Channels(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list channels: %w", err)
	}
	return p.ensureChannel(ctx, channels, refs, kind)
}

func (p *Provisioner) ensureChannel(ctx context.Context, channels []Channel, refs models.WorkspaceRefs, kind models.ChannelKind) (string, error) {
	name, ok := channelNames[kind]
	if !ok {
		return "", fmt.Errorf("unknown channel kind: %s", kind)
	}
	typ := channelType(kind)

	if id := refs.Channel(kind); id != "" {
		for _, c := range channels {
			if c.ID == id {
				return id, nil
			}
		}
	}

	for _, c := range channels {
		if c.ParentID == refs.CategoryID && c.Type == typ && c.Name == name {
			return c.ID, nil
		}
	}

	c, err := p.provider.CreateChannel(ctx, ChannelSpec{
		Name:       name,
		Type:       typ,
		ParentID:   refs.CategoryID,
		RoleID:     refs.RoleID,
		Visibility: channelVisibility(kind),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create %s channel: %w", kind, err)
	}

	return c.ID, nil
}

// EnsureTaskChannel finds or creates the channel of a task inside a category
func (p *Provisioner) EnsureTaskChannel(ctx context.Context, refs models.WorkspaceRefs, category, name string) (string, error) {
	if refs.CategoryID == "" || refs.RoleID == "" {
		return "", errors.New("task channel needs a session category and role")
	}

	channelName := TaskChannelName(category, name)

	channels, err := p.provider.Channels(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list channels: %w", err)
	}

	for _, c := range channels {
		if c.ParentID == refs.CategoryID && c.Type == ChannelText && c.Name == channelName {
			return c.ID, nil
		}
	}

	c, err := p.provider.CreateChannel(ctx, ChannelSpec{
		Name:       channelName,
		Type:       ChannelText,
		ParentID:   refs.CategoryID,
		RoleID:     refs.RoleID,
		Visibility: VisibilityRole,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create task channel: %w", err)
	}

	return c.ID, nil
}

// SetMarker renames the category to show the lifecycle glyph of state
func (p *Provisioner) SetMarker(ctx context.Context, categoryID, name string, state models.LifecycleState) error {
	want := models.DisplayName(name, state)

	channels, err := p.provider.Channels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}

	for _, c := range channels {
		if c.ID != categoryID {
			continue
		}
		if c.Name == want {
			return nil
		}
		if err := p.provider.RenameChannel(ctx, categoryID, want); err != nil {
			return fmt.Errorf("failed to rename category: %w", err)
		}
		return nil
	}

	return fmt.Errorf("category not found: %s", categoryID)
}

// GrantRole gives the role to every user. Failures for single users do not
// stop the others.
func (p *Provisioner) GrantRole(ctx context.Context, roleID string, userIDs []string) error {
	var errs []error
	for _, id := range userIDs {
		if err := p.provider.AddRole(ctx, id, roleID); err != nil {
			errs = append(errs, fmt.Errorf("failed to grant role to %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// PostOrUpdate writes msg to a channel according to mode and returns the
// message id
func (p *Provisioner) PostOrUpdate(ctx context.Context, channelID string, msg Message, mode Mode) (string, error) {
	switch mode {
	case ReplaceLast:
		last, err := p.provider.LastMessageID(ctx, channelID)
		if err != nil {
			return "", fmt.Errorf("failed to read last message: %w", err)
		}
		if last != "" {
			if err := p.provider.EditMessage(ctx, channelID, last, msg); err != nil {
				return "", fmt.Errorf("failed to edit message: %w", err)
			}
			return last, nil
		}
	case Overwrite:
		if err := p.provider.PurgeChannel(ctx, channelID); err != nil {
			return "", fmt.Errorf("failed to purge channel: %w", err)
		}
	}

	id, err := p.provider.SendMessage(ctx, channelID, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return id, nil
}

// Pin pins a message
func (p *Provisioner) Pin(ctx context.Context, channelID, messageID string) error {
	if err := p.provider.PinMessage(ctx, channelID, messageID); err != nil {
		return fmt.Errorf("failed to pin message: %w", err)
	}
	return nil
}

// PublicChannel returns a text channel everyone can read, preferring one
// named general. Returns "" when there is none.
func (p *Provisioner) PublicChannel(ctx context.Context) (string, error) {
	channels, err := p.provider.Channels(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list channels: %w", err)
	}

	found := ""
	for _, c := range channels {
		if c.Type != ChannelText || !c.Public {
			continue
		}
		found = c.ID
		if strings.Contains(c.Name, "general") {
			break
		}
	}

	return found, nil
}

// CalendarEntries lists the scheduled calendar entries
func (p *Provisioner) CalendarEntries(ctx context.Context) ([]CalendarEntry, error) {
	entries, err := p.provider.ScheduledEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled events: %w", err)
	}
	return entries, nil
}

// UpsertCalendarEntry updates the entry with the same name or creates one.
// Returns true when a new entry was created.
func (p *Provisioner) UpsertCalendarEntry(ctx context.Context, spec CalendarSpec) (CalendarEntry, bool, error) {
	entries, err := p.CalendarEntries(ctx)
	if err != nil {
		return CalendarEntry{}, false, err
	}

	for _, e := range entries {
		if e.Name != spec.Name {
			continue
		}
		updated, err := p.provider.EditScheduledEvent(ctx, e.ID, spec)
		if err != nil {
			return CalendarEntry{}, false, fmt.Errorf("failed to update scheduled event: %w", err)
		}
		return updated, false, nil
	}

	created, err := p.provider.CreateScheduledEvent(ctx, spec)
	if err != nil {
		return CalendarEntry{}, false, fmt.Errorf("failed to create scheduled event: %w", err)
	}
	return created, true, nil
}

// Interested returns the ids of users interested in a calendar entry
func (p *Provisioner) Interested(ctx context.Context, entryID string) ([]string, error) {
	users, err := p.provider.ScheduledEventUsers(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interested users: %w", err)
	}
	return users, nil
}
