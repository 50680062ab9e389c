package models

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Task represents one published challenge of a competition
type Task struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	ExternalID     string     `json:"external_id"`
	Name           string     `json:"name"`
	Category       string     `json:"category"`
	PointValue     int        `json:"point_value"`
	Description    string     `json:"description,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	FileRefs       []string   `json:"file_refs,omitempty"`
	Solved         bool       `json:"solved"`
	FirstBlood     bool       `json:"first_blood"`
	Solvers        []string   `json:"solvers,omitempty"`
	SolvedAt       *time.Time `json:"solved_at,omitempty"`
	ChannelID      string     `json:"channel_id,omitempty"`
	AnnouncementID string     `json:"announcement_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Provisioned returns true once the task channel exists and the task has
// been announced
func (t *Task) Provisioned() bool {
	return t.ChannelID != "" && t.AnnouncementID != ""
}

// Key returns the deduplication key of the task
func (t *Task) Key() TaskKey {
	return NewTaskKey(t.ExternalID, t.Name, t.Category)
}

// TaskKey identifies a task within a session.
// Names and categories compare case-insensitively.
type TaskKey struct {
	ExternalID string
	Name       string
	Category   string
}

// NewTaskKey builds a key, folding name and category
func NewTaskKey(externalID, name, category string) TaskKey {
	return TaskKey{
		ExternalID: externalID,
		Name:       strings.ToLower(name),
		Category:   strings.ToLower(NormalizeCategory(category)),
	}
}

// NormalizeCategory trims and title-cases a category so that "  pwn", "PWN" and
// "Pwn" collapse to the same value
func NormalizeCategory(category string) string {
	return cases.Title(language.Und).String(strings.TrimSpace(category))
}

// TaskDescriptor is a task as listed by the scoring platform
type TaskDescriptor struct {
	ExternalID  string
	Name        string
	Category    string
	Value       int
	Description string
	Tags        []string
	Files       []string
}

// Normalized returns a copy with the category normalized
func (d TaskDescriptor) Normalized() TaskDescriptor {
	d.Category = NormalizeCategory(d.Category)
	d.Name = strings.TrimSpace(d.Name)
	return d
}

// Key returns the deduplication key of the descriptor
func (d TaskDescriptor) Key() TaskKey {
	return NewTaskKey(d.ExternalID, strings.TrimSpace(d.Name), d.Category)
}
