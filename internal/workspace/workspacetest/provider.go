// Package workspacetest provides an in-memory workspace.Provider for tests.
package workspacetest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/terra-clan/ctf-conductor/internal/workspace"
)

// SentMessage is a message stored in a fake channel
type SentMessage struct {
	ID      string
	Message workspace.Message
	Edits   int
	Pinned  bool
}

// Provider is a goroutine-safe fake workspace backend
type Provider struct {
	mu sync.Mutex

	seq      int
	roles    []workspace.Role
	channels []workspace.Channel
	messages map[string][]*SentMessage
	members  map[string][]string
	events   []workspace.CalendarEntry
	images   map[string][]byte
	users    map[string][]string

	// Fail, when set, is consulted before every operation and may return an
	// error to inject a failure
	Fail func(op string) error
}

// NewProvider creates an empty fake
func NewProvider() *Provider {
	return &Provider{
		messages: make(map[string][]*SentMessage),
		members:  make(map[string][]string),
		images:   make(map[string][]byte),
		users:    make(map[string][]string),
	}
}

func (p *Provider) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func (p *Provider) fail(op string) error {
	if p.Fail == nil {
		return nil
	}
	return p.Fail(op)
}

// AddPublicChannel seeds a text channel readable by everyone
func (p *Provider) AddPublicChannel(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID("channel")
	p.channels = append(p.channels, workspace.Channel{ID: id, Name: name, Type: workspace.ChannelText, Public: true})
	return id
}

// AddEvent seeds a scheduled event with interested users
func (p *Provider) AddEvent(entry workspace.CalendarEntry, users ...string) workspace.CalendarEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry.ID == "" {
		entry.ID = p.nextID("event")
	}
	if entry.Status == "" {
		entry.Status = workspace.CalendarScheduled
	}
	entry.InterestedCount = len(users)
	p.events = append(p.events, entry)
	p.users[entry.ID] = slices.Clone(users)
	return entry
}

func (p *Provider) Roles(ctx context.Context) ([]workspace.Role, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("Roles"); err != nil {
		return nil, err
	}
	return slices.Clone(p.roles), nil
}

func (p *Provider) CreateRole(ctx context.Context, name string, colour int) (workspace.Role, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("CreateRole"); err != nil {
		return workspace.Role{}, err
	}
	r := workspace.Role{ID: p.nextID("role"), Name: name}
	p.roles = append(p.roles, r)
	return r, nil
}

func (p *Provider) AddRole(ctx context.Context, userID, roleID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("AddRole"); err != nil {
		return err
	}
	if !slices.Contains(p.members[roleID], userID) {
		p.members[roleID] = append(p.members[roleID], userID)
	}
	return nil
}

func (p *Provider) Channels(ctx context.Context) ([]workspace.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("Channels"); err != nil {
		return nil, err
	}
	return slices.Clone(p.channels), nil
}

func (p *Provider) CreateChannel(ctx context.Context, spec workspace.ChannelSpec) (workspace.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("CreateChannel"); err != nil {
		return workspace.Channel{}, err
	}
	c := workspace.Channel{
		ID:       p.nextID("channel"),
		Name:     spec.Name,
		Type:     spec.Type,
		ParentID: spec.ParentID,
	}
	p.channels = append(p.channels, c)
	return c, nil
}

func (p *Provider) RenameChannel(ctx context.Context, channelID, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("RenameChannel"); err != nil {
		return err
	}
	for i := range p.channels {
		if p.channels[i].ID == channelID {
			p.channels[i].Name = name
			return nil
		}
	}
	return fmt.Errorf("unknown channel %s", channelID)
}

func (p *Provider) SendMessage(ctx context.Context, channelID string, msg workspace.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("SendMessage"); err != nil {
		return "", err
	}
	id := p.nextID("message")
	p.messages[channelID] = append(p.messages[channelID], &SentMessage{ID: id, Message: msg})
	return id, nil
}

func (p *Provider) EditMessage(ctx context.Context, channelID, messageID string, msg workspace.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("EditMessage"); err != nil {
		return err
	}
	for _, m := range p.messages[channelID] {
		if m.ID == messageID {
			m.Message = msg
			m.Edits++
			return nil
		}
	}
	return fmt.Errorf("unknown message %s", messageID)
}

func (p *Provider) LastMessageID(ctx context.Context, channelID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("LastMessageID"); err != nil {
		return "", err
	}
	msgs := p.messages[channelID]
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[len(msgs)-1].ID, nil
}

func (p *Provider) PurgeChannel(ctx context.Context, channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("PurgeChannel"); err != nil {
		return err
	}
	delete(p.messages, channelID)
	return nil
}

func (p *Provider) PinMessage(ctx context.Context, channelID, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("PinMessage"); err != nil {
		return err
	}
	for _, m := range p.messages[channelID] {
		if m.ID == messageID {
			m.Pinned = true
			return nil
		}
	}
	return fmt.Errorf("unknown message %s", messageID)
}

func (p *Provider) ScheduledEvents(ctx context.Context) ([]workspace.CalendarEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("ScheduledEvents"); err != nil {
		return nil, err
	}
	return slices.Clone(p.events), nil
}

func (p *Provider) CreateScheduledEvent(ctx context.Context, spec workspace.CalendarSpec) (workspace.CalendarEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("CreateScheduledEvent"); err != nil {
		return workspace.CalendarEntry{}, err
	}
	e := entryFromSpec(p.nextID("event"), spec)
	p.events = append(p.events, e)
	p.images[e.ID] = spec.Image
	return e, nil
}

func (p *Provider) EditScheduledEvent(ctx context.Context, eventID string, spec workspace.CalendarSpec) (workspace.CalendarEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("EditScheduledEvent"); err != nil {
		return workspace.CalendarEntry{}, err
	}
	for i := range p.events {
		if p.events[i].ID == eventID {
			e := entryFromSpec(eventID, spec)
			e.Status = p.events[i].Status
			e.InterestedCount = p.events[i].InterestedCount
			p.events[i] = e
			p.images[eventID] = spec.Image
			return e, nil
		}
	}
	return workspace.CalendarEntry{}, fmt.Errorf("unknown event %s", eventID)
}

func (p *Provider) ScheduledEventUsers(ctx context.Context, eventID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("ScheduledEventUsers"); err != nil {
		return nil, err
	}
	return slices.Clone(p.users[eventID]), nil
}

func entryFromSpec(id string, spec workspace.CalendarSpec) workspace.CalendarEntry {
	return workspace.CalendarEntry{
		ID:          id,
		Name:        spec.Name,
		Description: spec.Description,
		Location:    spec.Location,
		Start:       spec.Start,
		End:         spec.End,
		Status:      workspace.CalendarScheduled,
	}
}

// Inspection helpers

// RoleCount returns the number of roles named name
func (p *Provider) RoleCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.roles {
		if r.Name == name {
			n++
		}
	}
	return n
}

// ChannelsNamed returns channels whose name equals name
func (p *Provider) ChannelsNamed(name string) []workspace.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []workspace.Channel
	for _, c := range p.channels {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Channel returns a channel by id
func (p *Provider) Channel(id string) (workspace.Channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.channels {
		if c.ID == id {
			return c, true
		}
	}
	return workspace.Channel{}, false
}

// ChannelCount returns the total number of channels including categories
func (p *Provider) ChannelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

// Messages returns a snapshot of the messages in a channel
func (p *Provider) Messages(channelID string) []SentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SentMessage, 0, len(p.messages[channelID]))
	for _, m := range p.messages[channelID] {
		out = append(out, *m)
	}
	return out
}

// Members returns the users holding a role
func (p *Provider) Members(roleID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.members[roleID])
}

// Events returns a snapshot of the scheduled events
func (p *Provider) Events() []workspace.CalendarEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.events)
}

// Image returns the image attached to an event
func (p *Provider) Image(eventID string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.images[eventID]
}

var _ workspace.Provider = (*Provider)(nil)
