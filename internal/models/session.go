package models

import (
	"fmt"
	"strings"
	"time"
)

// LifecycleState represents where a competition session is in its lifecycle
type LifecycleState string

const (
	StatePending  LifecycleState = "pending"  // Created, competition not started yet
	StateLive     LifecycleState = "live"     // Competition window open
	StateEnded    LifecycleState = "ended"    // Competition window closed
	StateArchived LifecycleState = "archived" // Retired by an operator
)

// Valid reports whether s is one of the known states
func (s LifecycleState) Valid() bool {
	switch s {
	case StatePending, StateLive, StateEnded, StateArchived:
		return true
	}
	return false
}

// IsActive returns true while the session still receives tasks and scoreboard updates
func (s LifecycleState) IsActive() bool {
	return s == StatePending || s == StateLive
}

// CanTransition reports whether an automatic transition from s to next is legal.
// Archiving is a manual operator action and is checked by CanArchive instead.
func (s LifecycleState) CanTransition(next LifecycleState) bool {
	switch s {
	case StatePending:
		return next == StateLive
	case StateLive:
		return next == StateEnded
	}
	return false
}

// CanArchive reports whether an operator may retire a session in state s
func (s LifecycleState) CanArchive() bool {
	return s != StateArchived && s.Valid()
}

// Marker returns the glyph shown in front of the workspace category name
func (s LifecycleState) Marker() string {
	switch s {
	case StateLive:
		return "🔴"
	case StateEnded:
		return "🏁"
	case StateArchived:
		return "🔒"
	default:
		return "⏰"
	}
}

var markers = []string{"⏰", "🔴", "🏁", "🔒"}

// DisplayName renders the category name for a session in the given state
func DisplayName(name string, state LifecycleState) string {
	return fmt.Sprintf("%s %s", state.Marker(), strings.TrimSpace(name))
}

// StripMarker removes a leading lifecycle glyph from a rendered category name
func StripMarker(display string) string {
	display = strings.TrimSpace(display)
	for _, m := range markers {
		if strings.HasPrefix(display, m) {
			return strings.TrimSpace(strings.TrimPrefix(display, m))
		}
	}
	return display
}

// SameName compares session names the way uniqueness is enforced
func SameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ChannelKind names one of the fixed channels every session workspace has
type ChannelKind string

const (
	ChannelAnnouncements ChannelKind = "announcements"
	ChannelCredentials   ChannelKind = "credentials"
	ChannelScoreboard    ChannelKind = "scoreboard"
	ChannelSolves        ChannelKind = "solves"
	ChannelNotes         ChannelKind = "notes"
	ChannelBotCommands   ChannelKind = "bot-commands"
	ChannelGeneralText   ChannelKind = "general-text"
	ChannelGeneralVoice  ChannelKind = "general-voice"
)

// ChannelKinds lists every workspace channel in creation order
var ChannelKinds = []ChannelKind{
	ChannelGeneralText,
	ChannelGeneralVoice,
	ChannelCredentials,
	ChannelNotes,
	ChannelBotCommands,
	ChannelAnnouncements,
	ChannelSolves,
	ChannelScoreboard,
}

// WorkspaceRefs holds identifiers of the external artifacts of a session
type WorkspaceRefs struct {
	CategoryID string                 `json:"category_id"`
	RoleID     string                 `json:"role_id"`
	Channels   map[ChannelKind]string `json:"channels"`
}

// Channel returns the id of a named channel, or "" when unknown
func (w WorkspaceRefs) Channel(kind ChannelKind) string {
	if w.Channels == nil {
		return ""
	}
	return w.Channels[kind]
}

// Credentials holds the team account on a scoring platform
type Credentials struct {
	URL      string `json:"url" yaml:"CTF platform"`
	Username string `json:"username" yaml:"Username"`
	Password string `json:"password" yaml:"Password"`
}

// Session represents the team's participation in one competition
type Session struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	State       LifecycleState `json:"state"`
	Credentials *Credentials   `json:"credentials,omitempty"`
	Workspace   WorkspaceRefs  `json:"workspace"`
	TaskIDs     []string       `json:"task_ids"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// HasCredentials returns true once a platform account has been provisioned
func (s *Session) HasCredentials() bool {
	return s.Credentials != nil && s.Credentials.URL != ""
}

// SessionFilters defines filters for listing sessions
type SessionFilters struct {
	States []LifecycleState
	Limit  int
	Offset int
}

// CreateSessionRequest is the operator request to create a session manually
type CreateSessionRequest struct {
	Name string `json:"name"`
	Live bool   `json:"live"`
}

// CreateSessionResponse is returned after a manual creation
type CreateSessionResponse struct {
	Session *Session `json:"session"`
	Created bool     `json:"created"`
	// Warning is set when the session was stored but its workspace is incomplete
	Warning string `json:"warning,omitempty"`
}
