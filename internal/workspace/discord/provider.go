// Package discord implements workspace.Provider on a Discord guild.
package discord

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/terra-clan/ctf-conductor/internal/workspace"
)

const (
	messagesPerPage = 100
	bulkDeleteAge   = 14 * 24 * time.Hour
)

// Provider talks to a single guild through one gateway session
type Provider struct {
	session *discordgo.Session
	guildID string

	readyOnce sync.Once
	ready     chan struct{}
	updates   chan workspace.CalendarEntry
}

// New creates a provider. Call Open to connect.
func New(token, guildID string) (*Provider, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildScheduledEvents

	p := &Provider{
		session: s,
		guildID: guildID,
		ready:   make(chan struct{}),
		updates: make(chan workspace.CalendarEntry, 64),
	}

	s.AddHandler(p.onReady)
	s.AddHandler(p.onScheduledEventUpdate)

	return p, nil
}

// Open connects to the gateway
func (p *Provider) Open() error {
	if err := p.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	return nil
}

// Close disconnects from the gateway
func (p *Provider) Close() error {
	return p.session.Close()
}

// Ready is closed once the gateway session is ready
func (p *Provider) Ready() <-chan struct{} {
	return p.ready
}

// Updates delivers scheduled events whose status changed
func (p *Provider) Updates() <-chan workspace.CalendarEntry {
	return p.updates
}

func (p *Provider) onReady(s *discordgo.Session, r *discordgo.Ready) {
	slog.Info("discord session ready", "user", r.User.Username, "guilds", len(r.Guilds))
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *Provider) onScheduledEventUpdate(s *discordgo.Session, e *discordgo.GuildScheduledEventUpdate) {
	if e.GuildScheduledEvent == nil || e.GuildID != p.guildID {
		return
	}

	entry := calendarEntry(e.GuildScheduledEvent)
	select {
	case p.updates <- entry:
	default:
		slog.Warn("dropping scheduled event update, listener is behind", "event", entry.Name, "status", entry.Status)
	}
}

// Roles lists guild roles
func (p *Provider) Roles(ctx context.Context) ([]workspace.Role, error) {
	roles, err := p.session.GuildRoles(p.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	out := make([]workspace.Role, 0, len(roles))
	for _, r := range roles {
		out = append(out, workspace.Role{ID: r.ID, Name: r.Name})
	}
	return out, nil
}

// CreateRole creates a mentionable role
func (p *Provider) CreateRole(ctx context.Context, name string, colour int) (workspace.Role, error) {
	mentionable := true
	r, err := p.session.GuildRoleCreate(p.guildID, &discordgo.RoleParams{
		Name:        name,
		Color:       &colour,
		Mentionable: &mentionable,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return workspace.Role{}, err
	}
	return workspace.Role{ID: r.ID, Name: r.Name}, nil
}

// AddRole grants a role to a guild member
func (p *Provider) AddRole(ctx context.Context, userID, roleID string) error {
	return p.session.GuildMemberRoleAdd(p.guildID, userID, roleID, discordgo.WithContext(ctx))
}

// Channels lists guild channels and categories
func (p *Provider) Channels(ctx context.Context) ([]workspace.Channel, error) {
	channels, err := p.session.GuildChannels(p.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*discordgo.Channel, len(channels))
	for _, c := range channels {
		byID[c.ID] = c
	}

	out := make([]workspace.Channel, 0, len(channels))
	for _, c := range channels {
		var typ workspace.ChannelType
		switch c.Type {
		case discordgo.ChannelTypeGuildText:
			typ = workspace.ChannelText
		case discordgo.ChannelTypeGuildVoice:
			typ = workspace.ChannelVoice
		case discordgo.ChannelTypeGuildCategory:
			typ = workspace.ChannelCategory
		default:
			continue
		}

		public := !p.hiddenFromEveryone(c)
		if parent, ok := byID[c.ParentID]; ok && public {
			public = !p.hiddenFromEveryone(parent)
		}

		out = append(out, workspace.Channel{
			ID:       c.ID,
			Name:     c.Name,
			Type:     typ,
			ParentID: c.ParentID,
			Public:   public,
		})
	}
	return out, nil
}

// hiddenFromEveryone reports whether the @everyone role is denied viewing.
// The @everyone role id equals the guild id.
func (p *Provider) hiddenFromEveryone(c *discordgo.Channel) bool {
	for _, o := range c.PermissionOverwrites {
		if o.ID == p.guildID && o.Type == discordgo.PermissionOverwriteTypeRole && o.Deny&discordgo.PermissionViewChannel != 0 {
			return true
		}
	}
	return false
}

// CreateChannel creates a channel with overwrites derived from its visibility
func (p *Provider) CreateChannel(ctx context.Context, spec workspace.ChannelSpec) (workspace.Channel, error) {
	data := discordgo.GuildChannelCreateData{
		Name:                 spec.Name,
		ParentID:             spec.ParentID,
		PermissionOverwrites: p.overwrites(spec),
	}

	switch spec.Type {
	case workspace.ChannelVoice:
		data.Type = discordgo.ChannelTypeGuildVoice
	case workspace.ChannelCategory:
		data.Type = discordgo.ChannelTypeGuildCategory
	default:
		data.Type = discordgo.ChannelTypeGuildText
	}

	c, err := p.session.GuildChannelCreateComplex(p.guildID, data, discordgo.WithContext(ctx))
	if err != nil {
		return workspace.Channel{}, err
	}

	return workspace.Channel{
		ID:       c.ID,
		Name:     c.Name,
		Type:     spec.Type,
		ParentID: c.ParentID,
	}, nil
}

func (p *Provider) overwrites(spec workspace.ChannelSpec) []*discordgo.PermissionOverwrite {
	everyone := &discordgo.PermissionOverwrite{
		ID:   p.guildID,
		Type: discordgo.PermissionOverwriteTypeRole,
		Deny: discordgo.PermissionViewChannel,
	}

	switch spec.Visibility {
	case workspace.VisibilityRole:
		return []*discordgo.PermissionOverwrite{everyone, {
			ID:    spec.RoleID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: discordgo.PermissionViewChannel,
		}}
	case workspace.VisibilityReadOnly:
		return []*discordgo.PermissionOverwrite{everyone, {
			ID:    spec.RoleID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: discordgo.PermissionViewChannel,
			Deny:  discordgo.PermissionSendMessages,
		}}
	}
	return nil
}

// RenameChannel renames a channel or category
func (p *Provider) RenameChannel(ctx context.Context, channelID, name string) error {
	_, err := p.session.ChannelEdit(channelID, &discordgo.ChannelEdit{Name: name}, discordgo.WithContext(ctx))
	return err
}

func embeds(msg workspace.Message) []*discordgo.MessageEmbed {
	if msg.Embed == nil {
		return nil
	}

	e := &discordgo.MessageEmbed{
		Title:       msg.Embed.Title,
		Description: msg.Embed.Description,
		Color:       msg.Embed.Colour,
	}
	if msg.Embed.Footer != "" {
		e.Footer = &discordgo.MessageEmbedFooter{Text: msg.Embed.Footer}
	}
	return []*discordgo.MessageEmbed{e}
}

// SendMessage posts a message
func (p *Provider) SendMessage(ctx context.Context, channelID string, msg workspace.Message) (string, error) {
	m, err := p.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: msg.Content,
		Embeds:  embeds(msg),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// EditMessage replaces the content of a message
func (p *Provider) EditMessage(ctx context.Context, channelID, messageID string, msg workspace.Message) error {
	edit := discordgo.NewMessageEdit(channelID, messageID).SetContent(msg.Content)
	if e := embeds(msg); e != nil {
		edit = edit.SetEmbeds(e)
	}

	_, err := p.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	return err
}

// LastMessageID returns the newest message of a channel
func (p *Provider) LastMessageID(ctx context.Context, channelID string) (string, error) {
	msgs, err := p.session.ChannelMessages(channelID, 1, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[0].ID, nil
}

// PurgeChannel deletes every message of a channel
func (p *Provider) PurgeChannel(ctx context.Context, channelID string) error {
	for {
		msgs, err := p.session.ChannelMessages(channelID, messagesPerPage, "", "", "", discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}

		var recent, old []string
		for _, m := range msgs {
			if time.Since(m.Timestamp) < bulkDeleteAge {
				recent = append(recent, m.ID)
			} else {
				old = append(old, m.ID)
			}
		}

		// Bulk delete needs at least two messages younger than two weeks
		if len(recent) >= 2 {
			if err := p.session.ChannelMessagesBulkDelete(channelID, recent, discordgo.WithContext(ctx)); err != nil {
				return err
			}
		} else {
			old = append(old, recent...)
		}

		for _, id := range old {
			if err := p.session.ChannelMessageDelete(channelID, id, discordgo.WithContext(ctx)); err != nil {
				return err
			}
		}
	}
}

// PinMessage pins a message
func (p *Provider) PinMessage(ctx context.Context, channelID, messageID string) error {
	return p.session.ChannelMessagePin(channelID, messageID, discordgo.WithContext(ctx))
}

// ScheduledEvents lists guild scheduled events with their interest counts
func (p *Provider) ScheduledEvents(ctx context.Context) ([]workspace.CalendarEntry, error) {
	events, err := p.session.GuildScheduledEvents(p.guildID, true, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	out := make([]workspace.CalendarEntry, 0, len(events))
	for _, e := range events {
		out = append(out, calendarEntry(e))
	}
	return out, nil
}

// CreateScheduledEvent creates an external scheduled event
func (p *Provider) CreateScheduledEvent(ctx context.Context, spec workspace.CalendarSpec) (workspace.CalendarEntry, error) {
	params := eventParams(spec)
	params.PrivacyLevel = discordgo.GuildScheduledEventPrivacyLevelGuildOnly

	e, err := p.session.GuildScheduledEventCreate(p.guildID, params, discordgo.WithContext(ctx))
	if err != nil {
		return workspace.CalendarEntry{}, err
	}
	return calendarEntry(e), nil
}

// EditScheduledEvent updates an existing scheduled event
func (p *Provider) EditScheduledEvent(ctx context.Context, eventID string, spec workspace.CalendarSpec) (workspace.CalendarEntry, error) {
	e, err := p.session.GuildScheduledEventEdit(p.guildID, eventID, eventParams(spec), discordgo.WithContext(ctx))
	if err != nil {
		return workspace.CalendarEntry{}, err
	}
	return calendarEntry(e), nil
}

// ScheduledEventUsers returns the ids of users interested in an event
func (p *Provider) ScheduledEventUsers(ctx context.Context, eventID string) ([]string, error) {
	var ids []string
	after := ""
	for {
		users, err := p.session.GuildScheduledEventUsers(p.guildID, eventID, messagesPerPage, false, "", after, discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			if u.User != nil {
				ids = append(ids, u.User.ID)
			}
		}
		if len(users) < messagesPerPage {
			return ids, nil
		}
		last := users[len(users)-1]
		if last.User == nil {
			return ids, errors.New("scheduled event user page without user")
		}
		after = last.User.ID
	}
}

func eventParams(spec workspace.CalendarSpec) *discordgo.GuildScheduledEventParams {
	start := spec.Start
	end := spec.End

	params := &discordgo.GuildScheduledEventParams{
		Name:               spec.Name,
		Description:        spec.Description,
		ScheduledStartTime: &start,
		ScheduledEndTime:   &end,
		EntityType:         discordgo.GuildScheduledEventEntityTypeExternal,
		EntityMetadata:     &discordgo.GuildScheduledEventEntityMetadata{Location: spec.Location},
	}

	if len(spec.Image) > 0 {
		params.Image = fmt.Sprintf("data:%s;base64,%s", http.DetectContentType(spec.Image), base64.StdEncoding.EncodeToString(spec.Image))
	}

	return params
}

func calendarEntry(e *discordgo.GuildScheduledEvent) workspace.CalendarEntry {
	entry := workspace.CalendarEntry{
		ID:              e.ID,
		Name:            e.Name,
		Description:     e.Description,
		Location:        e.EntityMetadata.Location,
		Start:           e.ScheduledStartTime,
		InterestedCount: e.UserCount,
		Status:          calendarStatus(e.Status),
	}
	if e.ScheduledEndTime != nil {
		entry.End = *e.ScheduledEndTime
	}
	return entry
}

func calendarStatus(s discordgo.GuildScheduledEventStatus) workspace.CalendarStatus {
	switch s {
	case discordgo.GuildScheduledEventStatusActive:
		return workspace.CalendarActive
	case discordgo.GuildScheduledEventStatusCompleted:
		return workspace.CalendarCompleted
	case discordgo.GuildScheduledEventStatusCanceled:
		return workspace.CalendarCanceled
	default:
		return workspace.CalendarScheduled
	}
}

var _ workspace.Provider = (*Provider)(nil)
