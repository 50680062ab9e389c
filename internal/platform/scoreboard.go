package platform

import (
	"context"
	"sort"

	"github.com/terra-clan/ctf-conductor/internal/models"
)

type scoreboardEntry struct {
	Pos   int     `json:"pos"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// FetchScoreboard logs in and returns the standings ordered by rank
func (c *Client) FetchScoreboard(ctx context.Context, baseURL, username, password string) ([]models.Standing, error) {
	s, err := c.newSession(baseURL)
	if err != nil {
		return nil, err
	}

	if err := s.login(ctx, username, password); err != nil {
		return nil, err
	}

	board, err := getAPI[[]scoreboardEntry](ctx, s, "/api/v1/scoreboard")
	if err != nil {
		return nil, err
	}

	standings := make([]models.Standing, 0, len(board.Data))
	for i, e := range board.Data {
		rank := e.Pos
		if rank == 0 {
			rank = i + 1
		}
		standings = append(standings, models.Standing{
			Rank:     rank,
			TeamName: e.Name,
			Score:    e.Score,
		})
	}

	sort.SliceStable(standings, func(i, j int) bool {
		return standings[i].Rank < standings[j].Rank
	})

	return standings, nil
}
