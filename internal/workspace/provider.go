// Package workspace provisions the chat workspace of a competition session:
// role, category, fixed channels, task channels, messages and calendar
// entries. Every creation is check-then-create so repeated calls converge on
// one set of artifacts.
package workspace

import (
	"context"
	"time"
)

// ChannelType distinguishes channel flavours
type ChannelType int

const (
	ChannelText ChannelType = iota
	ChannelVoice
	ChannelCategory
)

// Visibility controls who can see a channel
type Visibility int

const (
	// VisibilityInherit follows the parent category
	VisibilityInherit Visibility = iota
	// VisibilityRole hides the channel from everyone but the role
	VisibilityRole
	// VisibilityReadOnly lets the role read but not post
	VisibilityReadOnly
)

// Role is a provider role
type Role struct {
	ID   string
	Name string
}

// Channel is a provider channel or category
type Channel struct {
	ID       string
	Name     string
	Type     ChannelType
	ParentID string
	// Public is true when the default role can read the channel
	Public bool
}

// ChannelSpec describes a channel to create
type ChannelSpec struct {
	Name       string
	Type       ChannelType
	ParentID   string
	RoleID     string
	Visibility Visibility
}

// Embed is a rich message card
type Embed struct {
	Title       string
	Description string
	Footer      string
	Colour      int
}

// Message is an outbound message
type Message struct {
	Content string
	Embed   *Embed
}

// CalendarStatus is the status of a scheduled calendar entry
type CalendarStatus string

const (
	CalendarScheduled CalendarStatus = "scheduled"
	CalendarActive    CalendarStatus = "active"
	CalendarCompleted CalendarStatus = "completed"
	CalendarCanceled  CalendarStatus = "canceled"
)

// CalendarEntry is a scheduled event in the workspace
type CalendarEntry struct {
	ID              string
	Name            string
	Description     string
	Location        string
	Start           time.Time
	End             time.Time
	Status          CalendarStatus
	InterestedCount int
}

// CalendarSpec describes a calendar entry to create or update
type CalendarSpec struct {
	Name        string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	Image       []byte
}

// Provider exposes the primitive operations of a workspace backend.
// Implementations do no deduplication; Provisioner layers that on top.
type Provider interface {
	Roles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, name string, colour int) (Role, error)
	AddRole(ctx context.Context, userID, roleID string) error

	Channels(ctx context.Context) ([]Channel, error)
	CreateChannel(ctx context.Context, spec ChannelSpec) (Channel, error)
	RenameChannel(ctx context.Context, channelID, name string) error

	SendMessage(ctx context.Context, channelID string, msg Message) (string, error)
	EditMessage(ctx context.Context, channelID, messageID string, msg Message) error
	// LastMessageID returns "" for an empty channel
	LastMessageID(ctx context.Context, channelID string) (string, error)
	PurgeChannel(ctx context.Context, channelID string) error
	PinMessage(ctx context.Context, channelID, messageID string) error

	ScheduledEvents(ctx context.Context) ([]CalendarEntry, error)
	CreateScheduledEvent(ctx context.Context, spec CalendarSpec) (CalendarEntry, error)
	EditScheduledEvent(ctx context.Context, eventID string, spec CalendarSpec) (CalendarEntry, error)
	ScheduledEventUsers(ctx context.Context, eventID string) ([]string, error)
}
