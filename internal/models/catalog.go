package models

import "time"

// EventSummary is one entry of the public upcoming-events listing
type EventSummary struct {
	ID   int    `json:"id"`
	Name string `json:"title"`
}

// EventDescriptor is a normalized catalog event
type EventDescriptor struct {
	ID          int
	Name        string
	Start       time.Time
	End         time.Time
	Description string
	Organizers  []string
	Prizes      string
	Format      string
	Location    string
	Weight      float64
	LogoURL     string
	Logo        []byte
	WebsiteURL  string
}

// Standing is one row of a competition scoreboard
type Standing struct {
	Rank     int     `json:"rank"`
	TeamName string  `json:"team_name"`
	Score    float64 `json:"score"`
}

// RegistrationResult is the outcome of a team registration attempt
type RegistrationResult struct {
	Success bool
	Reason  string
}
