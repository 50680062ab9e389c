package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/terra-clan/ctf-conductor/internal/models"
	"github.com/terra-clan/ctf-conductor/internal/workspace"
)

// maxMessage is the provider's message length limit
const maxMessage = 2000

// UpdateScoreboards refreshes the scoreboard message of every active session
// with credentials
func (e *Engine) UpdateScoreboards(ctx context.Context) error {
	sessions, err := e.activeSessions(ctx)
	if err != nil {
		return err
	}

	for _, s := range sessions {
		if !s.HasCredentials() {
			continue
		}
		if err := e.UpdateScoreboard(ctx, s); err != nil {
			slog.Error("scoreboard update failed", "session", s.Name, "error", err)
		}
	}

	return nil
}

// UpdateScoreboard renders the current standings into the session's
// scoreboard channel, editing the latest message in place. Unsupported
// platforms and empty standings are skipped silently.
func (e *Engine) UpdateScoreboard(ctx context.Context, s *models.Session) error {
	if !s.HasCredentials() {
		return ErrNoCredentials
	}

	creds := s.Credentials
	standings, err := e.platform.FetchScoreboard(ctx, creds.URL, creds.Username, creds.Password)
	if errors.Is(err, models.ErrInvalidEndpoint) {
		slog.Debug("scoreboard unavailable", "session", s.Name, "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	if len(standings) == 0 {
		return nil
	}

	channel := s.Workspace.Channel(models.ChannelScoreboard)
	if channel == "" {
		return fmt.Errorf("session %s has no scoreboard channel", s.Name)
	}

	content := renderScoreboard(standings, creds.Username, e.now())
	if _, err := e.workspace.PostOrUpdate(ctx, channel, workspace.Message{Content: content}, workspace.ReplaceLast); err != nil {
		return err
	}
	return nil
}

// renderScoreboard renders a diff-highlighted table where the team's own row
// is marked with "+". Rows are dropped from the bottom to fit one message,
// keeping the team's own row.
func renderScoreboard(standings []models.Standing, team string, at time.Time) string {
	width := 0
	for _, st := range standings {
		width = max(width, utf8.RuneCountInString(st.TeamName))
	}
	width += 10

	rows := make([]string, 0, len(standings))
	own := -1
	for i, st := range standings {
		sign := "-"
		if st.TeamName == team {
			sign = "+"
			own = i
		}
		rows = append(rows, fmt.Sprintf("%s %-10d%-*s%s\n", sign, st.Rank, width, st.TeamName, formatScore(st.Score)))
	}

	render := func(rows []string) string {
		return fmt.Sprintf("**Scoreboard as of %s**```diff\n  %-10s%-*s%s\n%s```",
			at.UTC().Format(footerFormat), "Rank", width, "Team", "Score", strings.Join(rows, ""))
	}

	out := render(rows)
	for utf8.RuneCountInString(out) > maxMessage && len(rows) > 1 {
		drop := len(rows) - 1
		if drop == own {
			drop--
		}
		rows = slices.Delete(rows, drop, drop+1)
		if own > drop {
			own--
		}
		out = render(rows)
	}

	return out
}

func formatScore(score float64) string {
	return strconv.FormatFloat(math.Round(score*1e4)/1e4, 'f', -1, 64)
}

// renderTaskSummary renders the final task table posted on archive
func renderTaskSummary(name string, tasks []*models.Task) string {
	nameWidth, categoryWidth := len("Task"), len("Category")
	for _, t := range tasks {
		nameWidth = max(nameWidth, utf8.RuneCountInString(t.Name))
		categoryWidth = max(categoryWidth, utf8.RuneCountInString(t.Category))
	}

	var b strings.Builder
	solved := 0
	for _, t := range tasks {
		mark, blood := "❌", ""
		if t.Solved {
			mark = "✅"
			solved++
		}
		if t.FirstBlood {
			blood = "🩸"
		}
		fmt.Fprintf(&b, "%-*s  %-*s  %s %s\n", nameWidth, t.Name, categoryWidth, t.Category, mark, blood)
	}

	header := fmt.Sprintf("🔒 **%s archived** (%d/%d solved)\n```\n%-*s  %-*s  Solved\n", name, solved, len(tasks), nameWidth, "Task", categoryWidth, "Category")
	body := b.String()
	if utf8.RuneCountInString(header)+utf8.RuneCountInString(body)+3 > maxMessage {
		body = truncate(body, maxMessage-utf8.RuneCountInString(header)-4) + "\n"
	}
	return header + body + "```"
}
